package repository

import (
	"context"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
)

// EnvironmentRepository is the environment registry: one record per key,
// written as whole-record overwrites. It is the sole source of truth for
// controller-visible state.
type EnvironmentRepository interface {
	GetEnvironment(ctx context.Context, key domain.EnvironmentKey) (*domain.Environment, error)
	PutEnvironment(ctx context.Context, env *domain.Environment) error
	ListEnvironmentsByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Environment, error)
}

// BuildRepository stores the append-only deploy attempt log.
type BuildRepository interface {
	AppendBuildAttempt(ctx context.Context, attempt *domain.BuildAttempt) error
	ListBuildAttempts(ctx context.Context, key domain.EnvironmentKey) ([]*domain.BuildAttempt, error)
}
