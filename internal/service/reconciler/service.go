package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
	"github.com/jack-michaud/ephemeral-environments/internal/driver"
	"github.com/jack-michaud/ephemeral-environments/internal/metrics"
	"github.com/jack-michaud/ephemeral-environments/internal/repository"
)

// Lifecycle is the subset of lifecycle transitions the reconciler drives.
type Lifecycle interface {
	Terminate(ctx context.Context, key domain.EnvironmentKey) error

	// ForceTerminated closes a record whose host is already gone, without
	// touching compute.
	ForceTerminated(ctx context.Context, key domain.EnvironmentKey) error
}

// Config tunes the reconcile cadence.
type Config struct {
	Interval time.Duration
}

// Summary reports what one reconcile pass found and fixed. Errors carries one
// entry per failed item; failures never abort the pass.
type Summary struct {
	ChecksPerformed   int
	OrphansTerminated int
	StaleFixed        int
	Errors            []string
}

func (s *Summary) fail(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Service is the drift reconciler. It converges the registry and the compute
// layer toward the pull-request authority's ground truth: hosts whose pull
// request is no longer open are terminated, strays from crashed redeploys are
// cleaned up, and records claiming a host that no longer exists are closed.
// It only moves state toward terminal, so it is safe to run arbitrarily often
// and concurrently with the lifecycle controller.
type Service struct {
	registry  repository.EnvironmentRepository
	compute   driver.ComputeDriver
	authority driver.PRAuthority
	lifecycle Lifecycle
	metrics   *metrics.Set
	logger    *slog.Logger
	cfg       Config
}

func New(registry repository.EnvironmentRepository, compute driver.ComputeDriver, authority driver.PRAuthority, lifecycle Lifecycle, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	return &Service{
		registry:  registry,
		compute:   compute,
		authority: authority,
		lifecycle: lifecycle,
		metrics:   metrics.Default(),
		logger:    logger.With("component", "reconciler"),
		cfg:       cfg,
	}
}

// Run reconciles on a fixed interval until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("reconciler started", "interval", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.reconcileAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			s.reconcileAndLog(ctx)
		}
	}
}

func (s *Service) reconcileAndLog(ctx context.Context) {
	summary := s.Reconcile(ctx)
	s.logger.Info("reconcile complete",
		"checks", summary.ChecksPerformed,
		"orphans_terminated", summary.OrphansTerminated,
		"stale_fixed", summary.StaleFixed,
		"errors", len(summary.Errors))
	for _, msg := range summary.Errors {
		s.logger.Warn("reconcile item failed", "detail", msg)
	}
}

// Reconcile runs both drift passes once and reports what happened.
func (s *Service) Reconcile(ctx context.Context) Summary {
	var summary Summary
	s.terminateOrphans(ctx, &summary)
	s.closeStaleRecords(ctx, &summary)
	return summary
}

// terminateOrphans enumerates tagged environment hosts and checks each
// against the pull-request authority. Hosts for closed pull requests go
// through the full Terminate transition; strays left behind by crashed
// redeploys are terminated directly.
func (s *Service) terminateOrphans(ctx context.Context, summary *Summary) {
	hosts, err := s.compute.ListEnvironmentHosts(ctx)
	if err != nil {
		s.logger.Error("failed to enumerate environment hosts", "error", err)
		summary.fail("list hosts: %v", err)
		return
	}
	for _, host := range hosts {
		if host.State.Terminal() {
			continue
		}
		key, ok := host.Key()
		if !ok {
			// Tagged as ours but the identity tags are unusable. Leave it
			// for a human rather than guess.
			s.logger.Warn("host has unusable identity tags, skipping",
				"host_ref", host.Ref, "repository", host.Repository, "pr_number", host.PRNumber)
			continue
		}
		log := s.logger.With("key", key.String(), "host_ref", host.Ref)

		open, err := s.authority.IsOpen(ctx, key.Repository, key.PRNumber)
		summary.ChecksPerformed++
		if err != nil {
			log.Error("failed to check pull request state", "error", err)
			summary.fail("%s: pull request check: %v", key, err)
			continue
		}

		if !open {
			// Closed, merged, or deleted: nothing should be running. The
			// lifecycle transition handles the record, tunnel, and whichever
			// host the record claims; terminate this one too in case the
			// record points elsewhere.
			if err := s.lifecycle.Terminate(ctx, key); err != nil {
				log.Error("failed to terminate environment for closed pull request", "error", err)
				summary.fail("%s: terminate: %v", key, err)
				continue
			}
			if err := s.compute.Terminate(ctx, host.Ref); err != nil && !errors.Is(err, driver.ErrHostNotFound) {
				log.Error("failed to terminate orphan host", "error", err)
				summary.fail("%s: terminate host %s: %v", key, host.Ref, err)
				continue
			}
			s.metrics.ReconcileFixes.WithLabelValues("orphan_host").Inc()
			log.Info("terminated environment for closed pull request")
			summary.OrphansTerminated++
			continue
		}

		// Open pull request: the host is legitimate only if the record
		// claims it. Anything else is a stray from a crashed redeploy.
		env, err := s.registry.GetEnvironment(ctx, key)
		switch {
		case err == nil && !env.Status.Terminal() && env.HostRef == host.Ref:
			continue
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			log.Error("failed to read registry", "error", err)
			summary.fail("%s: read registry: %v", key, err)
			continue
		}
		if err := s.compute.Terminate(ctx, host.Ref); err != nil && !errors.Is(err, driver.ErrHostNotFound) {
			log.Error("failed to terminate stray host", "error", err)
			summary.fail("%s: terminate stray %s: %v", key, host.Ref, err)
			continue
		}
		s.metrics.ReconcileFixes.WithLabelValues("stray_host").Inc()
		log.Info("terminated stray host")
		summary.OrphansTerminated++
	}
}

// closeStaleRecords finds live records whose host no longer exists and closes
// them at status=terminated without re-terminating a host that is already
// gone.
func (s *Service) closeStaleRecords(ctx context.Context, summary *Summary) {
	live, err := s.registry.ListEnvironmentsByStatus(ctx, domain.StatusRunning, domain.StatusStopped)
	if err != nil {
		s.logger.Error("failed to list live environments", "error", err)
		summary.fail("list environments: %v", err)
		return
	}
	for _, env := range live {
		if env.HostRef == "" {
			continue
		}
		log := s.logger.With("key", env.Key.String(), "host_ref", env.HostRef)

		state, err := s.compute.Describe(ctx, env.HostRef)
		switch {
		case errors.Is(err, driver.ErrHostNotFound):
			state = driver.PowerTerminated
		case err != nil:
			log.Error("failed to describe host", "error", err)
			summary.fail("%s: describe %s: %v", env.Key, env.HostRef, err)
			continue
		}
		if !state.Terminal() {
			continue
		}

		if err := s.lifecycle.ForceTerminated(ctx, env.Key); err != nil {
			log.Error("failed to close stale record", "error", err)
			summary.fail("%s: close record: %v", env.Key, err)
			continue
		}
		s.metrics.ReconcileFixes.WithLabelValues("stale_record").Inc()
		log.Info("closed record for vanished host", "was_status", env.Status)
		summary.StaleFixed++
	}
}
