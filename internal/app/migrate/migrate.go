// Package migrate applies the goose migrations that define the environment
// registry schema.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const runTimeout = time.Minute

// Runner drives schema migrations over a dedicated database handle, separate
// from the pgx pool the registry queries run on.
type Runner struct {
	db  *sql.DB
	dir string
	log *slog.Logger
}

// New opens a connection for migrations and validates the migrations
// directory. The caller owns Close.
func New(dsn, dir string, log *slog.Logger) (*Runner, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	if dir == "" {
		return nil, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("configure goose: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}
	return &Runner{db: db, dir: dir, log: log.With("component", "migrate")}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	r.log.Info("applying migrations", "dir", r.dir)
	if err := goose.UpContext(runCtx, r.db, r.dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.log.Info("migrations applied")
	return nil
}

// Status logs applied and pending migrations.
func (r *Runner) Status(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	if err := goose.StatusContext(runCtx, r.db, r.dir); err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return nil
}

// Down rolls back to targetVersion, or one step when targetVersion is zero.
func (r *Runner) Down(ctx context.Context, targetVersion int64) error {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if err := goose.DownToContext(runCtx, r.db, r.dir, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
	} else {
		r.log.Info("rolling back latest migration")
		if err := goose.DownContext(runCtx, r.db, r.dir); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
	}
	r.log.Info("rollback complete")
	return nil
}

// Ping verifies the migration connection is usable.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the migration connection.
func (r *Runner) Close() error {
	return r.db.Close()
}
