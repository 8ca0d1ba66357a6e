package driver

import (
	"context"
	"errors"
	"time"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
)

// Sentinel errors shared by driver implementations.
var (
	// ErrHostNotFound reports that a host reference no longer resolves to a
	// provisioned host. Callers treat it as "already gone", not as failure.
	ErrHostNotFound = errors.New("driver: host not found")

	// ErrTunnelNotFound reports that a tunnel reference no longer exists.
	ErrTunnelNotFound = errors.New("driver: tunnel not found")

	// ErrSecretNotFound reports a missing secret.
	ErrSecretNotFound = errors.New("driver: secret not found")
)

// PowerState is a host's power state as reported by the provisioning service.
type PowerState string

const (
	PowerPending      PowerState = "pending"
	PowerRunning      PowerState = "running"
	PowerStopping     PowerState = "stopping"
	PowerStopped      PowerState = "stopped"
	PowerShuttingDown PowerState = "shutting-down"
	PowerTerminated   PowerState = "terminated"
	PowerUnknown      PowerState = "unknown"
)

// Terminal reports whether the host is gone or on its way out.
func (s PowerState) Terminal() bool {
	return s == PowerTerminated || s == PowerShuttingDown
}

// HostSpec describes the sandbox host to provision. Tags carry the identity
// key so the reconciler can enumerate environment hosts without the registry.
type HostSpec struct {
	Name               string
	Repository         string
	PRNumber           int
	Branch             string
	InstanceProfileARN string
}

// HostInfo is one provisioned environment host discovered by enumeration.
// Repository/PRNumber come from tags and may be absent on mistagged hosts.
type HostInfo struct {
	Ref        string
	Repository string
	PRNumber   int
	State      PowerState
}

// Key returns the identity key derived from the host's tags, and whether the
// tags resolved to a valid key.
func (h HostInfo) Key() (domain.EnvironmentKey, bool) {
	if h.Repository == "" || h.PRNumber <= 0 {
		return domain.EnvironmentKey{}, false
	}
	return domain.EnvironmentKey{Repository: h.Repository, PRNumber: h.PRNumber}, true
}

// ComputeDriver provisions and manages sandbox hosts.
type ComputeDriver interface {
	Launch(ctx context.Context, spec HostSpec) (string, error)
	Start(ctx context.Context, hostRef string) error
	Stop(ctx context.Context, hostRef string) error
	Terminate(ctx context.Context, hostRef string) error
	Describe(ctx context.Context, hostRef string) (PowerState, error)

	// AwaitReady blocks until the host can accept commands or the policy's
	// deadline passes. Exceeding the deadline is a hard failure.
	AwaitReady(ctx context.Context, hostRef string, policy WaitPolicy) error

	// ListEnvironmentHosts enumerates all hosts tagged as ephemeral
	// environment sandboxes, regardless of registry state.
	ListEnvironmentHosts(ctx context.Context) ([]HostInfo, error)
}

// CommandRunner executes a shell script on a provisioned host and blocks
// until completion or deadline. Transport-level retries belong to the
// implementation; the caller never retries a reported failure.
type CommandRunner interface {
	Exec(ctx context.Context, hostRef, script string, deadline time.Duration) (ExecResult, error)
}

// TunnelEndpoint identifies an open tunnel and its public URL.
type TunnelEndpoint struct {
	Ref string
	URL string
}

// TunnelDriver tears down a sandbox's tunnel. The tunnel itself is opened by
// the startup script on the host, which prints its public URL.
type TunnelDriver interface {
	Close(ctx context.Context, tunnelRef string) error
}

// Commit status states accepted by PRAuthority.PostStatus.
const (
	CommitStatePending = "pending"
	CommitStateSuccess = "success"
	CommitStateFailure = "failure"
)

// PRAuthority is the source-control host: ground truth for pull request
// existence plus the commit-status and comment side channels.
type PRAuthority interface {
	IsOpen(ctx context.Context, repo string, prNumber int) (bool, error)
	PostStatus(ctx context.Context, repo, sha, state, targetURL, description string) error
	Comment(ctx context.Context, repo string, prNumber int, body string) error
}

// SecretStore resolves named JSON secrets into string maps.
type SecretStore interface {
	Get(ctx context.Context, name string) (map[string]string, error)
}
