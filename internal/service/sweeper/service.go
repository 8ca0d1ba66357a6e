package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
	"github.com/jack-michaud/ephemeral-environments/internal/metrics"
	"github.com/jack-michaud/ephemeral-environments/internal/repository"
)

// Lifecycle is the subset of lifecycle transitions the sweeper drives.
type Lifecycle interface {
	Stop(ctx context.Context, key domain.EnvironmentKey) error
	Terminate(ctx context.Context, key domain.EnvironmentKey) error
}

// Config tunes the sweep cadence and age thresholds.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// IdleThreshold is how long a running environment may sit without
	// activity before it is stopped.
	IdleThreshold time.Duration
	// StopRetention is how long a stopped environment is kept before it is
	// terminated for good.
	StopRetention time.Duration
}

// Summary counts what one sweep did.
type Summary struct {
	IdleStopped     int
	StaleTerminated int
	Errors          int
}

// Service is the cleanup sweeper. It periodically stops idle running
// environments and terminates stopped ones that outlived their retention.
// Each candidate is handled independently so one failure never blocks the
// rest of the sweep.
type Service struct {
	registry  repository.EnvironmentRepository
	lifecycle Lifecycle
	metrics   *metrics.Set
	logger    *slog.Logger
	cfg       Config

	now func() time.Time
}

func New(registry repository.EnvironmentRepository, lifecycle Lifecycle, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Service{
		registry:  registry,
		lifecycle: lifecycle,
		metrics:   metrics.Default(),
		logger:    logger.With("component", "sweeper"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled. The first
// sweep happens immediately.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("sweeper started",
		"interval", s.cfg.Interval,
		"idle_threshold", s.cfg.IdleThreshold,
		"stop_retention", s.cfg.StopRetention)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Service) sweepAndLog(ctx context.Context) {
	summary := s.Sweep(ctx)
	s.logger.Info("sweep complete",
		"idle_stopped", summary.IdleStopped,
		"stale_terminated", summary.StaleTerminated,
		"errors", summary.Errors)
}

// Sweep runs both cleanup passes once and reports what happened.
func (s *Service) Sweep(ctx context.Context) Summary {
	var summary Summary
	s.stopIdle(ctx, &summary)
	s.terminateStale(ctx, &summary)
	return summary
}

// stopIdle stops running environments whose last activity is older than the
// idle threshold.
func (s *Service) stopIdle(ctx context.Context, summary *Summary) {
	if s.cfg.IdleThreshold <= 0 {
		return
	}
	running, err := s.registry.ListEnvironmentsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		s.logger.Error("failed to list running environments", "error", err)
		summary.Errors++
		return
	}
	cutoff := s.now().Add(-s.cfg.IdleThreshold)
	for _, env := range running {
		last := env.LastActivityAt
		if last.IsZero() {
			last = env.UpdatedAt
		}
		if !last.Before(cutoff) {
			continue
		}
		log := s.logger.With("key", env.Key.String(), "last_activity", last)
		if err := s.lifecycle.Stop(ctx, env.Key); err != nil {
			log.Error("failed to stop idle environment", "error", err)
			summary.Errors++
			continue
		}
		s.metrics.SweepActions.WithLabelValues("idle_stop").Inc()
		log.Info("stopped idle environment")
		summary.IdleStopped++
	}
}

// terminateStale terminates stopped environments that have been stopped for
// longer than the retention window.
func (s *Service) terminateStale(ctx context.Context, summary *Summary) {
	if s.cfg.StopRetention <= 0 {
		return
	}
	stopped, err := s.registry.ListEnvironmentsByStatus(ctx, domain.StatusStopped)
	if err != nil {
		s.logger.Error("failed to list stopped environments", "error", err)
		summary.Errors++
		return
	}
	cutoff := s.now().Add(-s.cfg.StopRetention)
	for _, env := range stopped {
		if !env.UpdatedAt.Before(cutoff) {
			continue
		}
		log := s.logger.With("key", env.Key.String(), "stopped_at", env.UpdatedAt)
		if err := s.lifecycle.Terminate(ctx, env.Key); err != nil {
			log.Error("failed to terminate stale environment", "error", err)
			summary.Errors++
			continue
		}
		s.metrics.SweepActions.WithLabelValues("stale_terminate").Inc()
		log.Info("terminated stale environment")
		summary.StaleTerminated++
	}
}
