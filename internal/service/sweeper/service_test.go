package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
	"github.com/jack-michaud/ephemeral-environments/internal/repository"
)

type fakeRegistry struct {
	envs []*domain.Environment
	err  error
}

func (r *fakeRegistry) GetEnvironment(_ context.Context, key domain.EnvironmentKey) (*domain.Environment, error) {
	for _, env := range r.envs {
		if env.Key == key {
			return env, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeRegistry) PutEnvironment(_ context.Context, _ *domain.Environment) error { return nil }

func (r *fakeRegistry) ListEnvironmentsByStatus(_ context.Context, statuses ...domain.Status) ([]*domain.Environment, error) {
	if r.err != nil {
		return nil, r.err
	}
	var out []*domain.Environment
	for _, env := range r.envs {
		for _, status := range statuses {
			if env.Status == status {
				out = append(out, env)
				break
			}
		}
	}
	return out, nil
}

type fakeLifecycle struct {
	stopped    []domain.EnvironmentKey
	terminated []domain.EnvironmentKey
	stopErr    map[string]error
}

func (l *fakeLifecycle) Stop(_ context.Context, key domain.EnvironmentKey) error {
	if err := l.stopErr[key.String()]; err != nil {
		return err
	}
	l.stopped = append(l.stopped, key)
	return nil
}

func (l *fakeLifecycle) Terminate(_ context.Context, key domain.EnvironmentKey) error {
	l.terminated = append(l.terminated, key)
	return nil
}

func key(n int) domain.EnvironmentKey {
	return domain.EnvironmentKey{Repository: "acme/widgets", PRNumber: n}
}

func newTestSweeper(registry *fakeRegistry, lifecycle *fakeLifecycle, now time.Time) *Service {
	s := New(registry, lifecycle, slog.New(slog.DiscardHandler), Config{
		Interval:      time.Minute,
		IdleThreshold: 4 * time.Hour,
		StopRetention: 24 * time.Hour,
	})
	s.now = func() time.Time { return now }
	return s
}

func TestSweepStopsIdleRunning(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	registry := &fakeRegistry{envs: []*domain.Environment{
		{Key: key(1), Status: domain.StatusRunning, LastActivityAt: now.Add(-5 * time.Hour)},
		{Key: key(2), Status: domain.StatusRunning, LastActivityAt: now.Add(-time.Hour)},
	}}
	lifecycle := &fakeLifecycle{}

	summary := newTestSweeper(registry, lifecycle, now).Sweep(context.Background())

	if summary.IdleStopped != 1 {
		t.Errorf("IdleStopped = %d, want 1", summary.IdleStopped)
	}
	if len(lifecycle.stopped) != 1 || lifecycle.stopped[0] != key(1) {
		t.Errorf("stopped = %v, want only the idle environment", lifecycle.stopped)
	}
}

func TestSweepTerminatesStaleStopped(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	registry := &fakeRegistry{envs: []*domain.Environment{
		{Key: key(1), Status: domain.StatusStopped, UpdatedAt: now.Add(-48 * time.Hour)},
		{Key: key(2), Status: domain.StatusStopped, UpdatedAt: now.Add(-time.Hour)},
	}}
	lifecycle := &fakeLifecycle{}

	summary := newTestSweeper(registry, lifecycle, now).Sweep(context.Background())

	if summary.StaleTerminated != 1 {
		t.Errorf("StaleTerminated = %d, want 1", summary.StaleTerminated)
	}
	if len(lifecycle.terminated) != 1 || lifecycle.terminated[0] != key(1) {
		t.Errorf("terminated = %v, want only the stale environment", lifecycle.terminated)
	}
}

func TestSweepFallsBackToUpdatedAt(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	registry := &fakeRegistry{envs: []*domain.Environment{
		{Key: key(1), Status: domain.StatusRunning, UpdatedAt: now.Add(-6 * time.Hour)},
	}}
	lifecycle := &fakeLifecycle{}

	summary := newTestSweeper(registry, lifecycle, now).Sweep(context.Background())
	if summary.IdleStopped != 1 {
		t.Errorf("IdleStopped = %d, want fallback to updated at", summary.IdleStopped)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	registry := &fakeRegistry{envs: []*domain.Environment{
		{Key: key(1), Status: domain.StatusRunning, LastActivityAt: now.Add(-5 * time.Hour)},
		{Key: key(2), Status: domain.StatusRunning, LastActivityAt: now.Add(-5 * time.Hour)},
	}}
	lifecycle := &fakeLifecycle{stopErr: map[string]error{
		key(1).String(): errors.New("compute down"),
	}}

	summary := newTestSweeper(registry, lifecycle, now).Sweep(context.Background())

	if summary.Errors != 1 {
		t.Errorf("Errors = %d, want 1", summary.Errors)
	}
	if summary.IdleStopped != 1 {
		t.Errorf("IdleStopped = %d, want the healthy environment still swept", summary.IdleStopped)
	}
}

func TestSweepListFailure(t *testing.T) {
	registry := &fakeRegistry{err: errors.New("db down")}
	lifecycle := &fakeLifecycle{}

	summary := newTestSweeper(registry, lifecycle, time.Now()).Sweep(context.Background())
	if summary.Errors != 2 {
		t.Errorf("Errors = %d, want one per pass", summary.Errors)
	}
}

func TestSweepDisabledThresholds(t *testing.T) {
	now := time.Now()
	registry := &fakeRegistry{envs: []*domain.Environment{
		{Key: key(1), Status: domain.StatusRunning, LastActivityAt: now.Add(-100 * time.Hour)},
		{Key: key(2), Status: domain.StatusStopped, UpdatedAt: now.Add(-100 * time.Hour)},
	}}
	lifecycle := &fakeLifecycle{}
	s := New(registry, lifecycle, slog.New(slog.DiscardHandler), Config{Interval: time.Minute})

	summary := s.Sweep(context.Background())
	if summary.IdleStopped != 0 || summary.StaleTerminated != 0 {
		t.Errorf("summary = %+v, want zero-threshold passes skipped", summary)
	}
}
