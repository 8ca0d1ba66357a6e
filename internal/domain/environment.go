package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status enumerates environment lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
	StatusDestroyed  Status = "destroyed"
)

// Terminal reports whether the status ends the record's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusDestroyed
}

// EnvironmentKey identifies one environment: a (repository, PR number) pair.
type EnvironmentKey struct {
	Repository string
	PRNumber   int
}

// String renders the key in its canonical "owner/repo#number" form.
func (k EnvironmentKey) String() string {
	return fmt.Sprintf("%s#%d", k.Repository, k.PRNumber)
}

// ParseEnvironmentKey parses the canonical "owner/repo#number" form.
func ParseEnvironmentKey(raw string) (EnvironmentKey, error) {
	idx := strings.LastIndex(raw, "#")
	if idx <= 0 || idx == len(raw)-1 {
		return EnvironmentKey{}, fmt.Errorf("malformed environment key %q", raw)
	}
	repo := raw[:idx]
	if !strings.Contains(repo, "/") {
		return EnvironmentKey{}, fmt.Errorf("malformed repository in key %q", raw)
	}
	number, err := strconv.Atoi(raw[idx+1:])
	if err != nil || number <= 0 {
		return EnvironmentKey{}, fmt.Errorf("malformed PR number in key %q", raw)
	}
	return EnvironmentKey{Repository: repo, PRNumber: number}, nil
}

// Environment is the registry record for one ephemeral environment. One record
// exists per key; deploys overwrite it in place rather than appending.
type Environment struct {
	Key            EnvironmentKey
	Status         Status
	Branch         string
	CommitSHA      string
	HostRef        string
	TunnelRef      string
	PublicURL      string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
}

// LiveHost reports whether the record references a host that may still exist.
func (e *Environment) LiveHost() bool {
	return e != nil && e.HostRef != "" && !e.Status.Terminal()
}
