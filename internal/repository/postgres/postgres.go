package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
	"github.com/jack-michaud/ephemeral-environments/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.EnvironmentRepository = (*Repository)(nil)
	_ repository.BuildRepository       = (*Repository)(nil)
)

const environmentColumns = `repository, pr_number, status, branch, commit_sha,
	host_ref, tunnel_ref, public_url, error_message, created_at, updated_at, last_activity_at`

// GetEnvironment fetches the record for a key.
func (r *Repository) GetEnvironment(ctx context.Context, key domain.EnvironmentKey) (*domain.Environment, error) {
	const query = `SELECT ` + environmentColumns + `
		FROM environments WHERE repository = $1 AND pr_number = $2`
	row := r.pool.QueryRow(ctx, query, key.Repository, key.PRNumber)
	env, err := scanEnvironment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return env, nil
}

// PutEnvironment upserts the whole record for its key. updated_at is assigned
// server side and never moves backward, so overlapping writers resolve to
// last-writer-wins without clock skew between workers.
func (r *Repository) PutEnvironment(ctx context.Context, env *domain.Environment) error {
	const query = `INSERT INTO environments (` + environmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now(), $10)
		ON CONFLICT (repository, pr_number) DO UPDATE SET
			status = EXCLUDED.status,
			branch = EXCLUDED.branch,
			commit_sha = EXCLUDED.commit_sha,
			host_ref = EXCLUDED.host_ref,
			tunnel_ref = EXCLUDED.tunnel_ref,
			public_url = EXCLUDED.public_url,
			error_message = EXCLUDED.error_message,
			updated_at = GREATEST(now(), environments.updated_at),
			last_activity_at = EXCLUDED.last_activity_at`
	_, err := r.pool.Exec(ctx, query,
		env.Key.Repository, env.Key.PRNumber, string(env.Status), env.Branch, env.CommitSHA,
		env.HostRef, env.TunnelRef, env.PublicURL, env.ErrorMessage, env.LastActivityAt)
	return err
}

// ListEnvironmentsByStatus returns all records currently in any of the given
// statuses.
func (r *Repository) ListEnvironmentsByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Environment, error) {
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, string(status))
	}
	const query = `SELECT ` + environmentColumns + `
		FROM environments WHERE status = ANY($1) ORDER BY updated_at`
	rows, err := r.pool.Query(ctx, query, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	envs := make([]*domain.Environment, 0)
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// AppendBuildAttempt records one deploy attempt. Attempts are immutable once
// written.
func (r *Repository) AppendBuildAttempt(ctx context.Context, attempt *domain.BuildAttempt) error {
	const query = `INSERT INTO build_attempts (repository, pr_number, attempt_id, commit_sha, branch, status, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		attempt.Key.Repository, attempt.Key.PRNumber, attempt.AttemptID,
		attempt.CommitSHA, attempt.Branch, attempt.Status, attempt.Error,
		attempt.Duration.Milliseconds(), attempt.CreatedAt)
	return err
}

// buildHistoryLimit caps how much history one key can return; attempts are
// append-only and long-lived PRs accumulate them.
const buildHistoryLimit = 50

// ListBuildAttempts returns recent attempts for a key, newest first.
func (r *Repository) ListBuildAttempts(ctx context.Context, key domain.EnvironmentKey) ([]*domain.BuildAttempt, error) {
	const query = `SELECT repository, pr_number, attempt_id, commit_sha, branch, status, error, duration_ms, created_at
		FROM build_attempts WHERE repository = $1 AND pr_number = $2
		ORDER BY created_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, key.Repository, key.PRNumber, buildHistoryLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]*domain.BuildAttempt, 0)
	for rows.Next() {
		var a domain.BuildAttempt
		var durationMS int64
		if err := rows.Scan(&a.Key.Repository, &a.Key.PRNumber, &a.AttemptID, &a.CommitSHA, &a.Branch, &a.Status, &a.Error, &durationMS, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Duration = millisToDuration(durationMS)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func millisToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row rowScanner) (*domain.Environment, error) {
	var env domain.Environment
	var status string
	if err := row.Scan(&env.Key.Repository, &env.Key.PRNumber, &status, &env.Branch, &env.CommitSHA,
		&env.HostRef, &env.TunnelRef, &env.PublicURL, &env.ErrorMessage,
		&env.CreatedAt, &env.UpdatedAt, &env.LastActivityAt); err != nil {
		return nil, err
	}
	env.Status = domain.Status(status)
	return &env, nil
}
