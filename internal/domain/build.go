package domain

import "time"

// Build attempt outcomes.
const (
	BuildSuccess = "success"
	BuildFailed  = "failed"
)

// BuildAttempt is an append-only audit entry for one deploy attempt. The
// controller writes these but never reads them back to make decisions.
type BuildAttempt struct {
	Key       EnvironmentKey
	AttemptID string
	CommitSHA string
	Branch    string
	Status    string
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}
