package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
	"github.com/jack-michaud/ephemeral-environments/internal/driver"
	"github.com/jack-michaud/ephemeral-environments/internal/metrics"
	"github.com/jack-michaud/ephemeral-environments/internal/repository"
)

// CloneTokenSource mints short-lived tokens for cloning a repository on the
// sandbox host.
type CloneTokenSource interface {
	CloneToken(ctx context.Context, repo string) (string, error)
}

// Config bounds the controller's external waits.
type Config struct {
	// HostReady bounds the provision-to-ready wait.
	HostReady driver.WaitPolicy
	// ScriptDeadline bounds the startup script execution.
	ScriptDeadline time.Duration
	// RepoSecretsPrefix locates optional per-repository configuration in the
	// secret store; empty disables the lookup.
	RepoSecretsPrefix string
}

// Service is the lifecycle controller. It owns every transition of an
// environment record and the idempotency rules that make repeated or racing
// transitions safe. It holds no per-key locks: correctness under concurrent
// operations comes from idempotent transitions and deploy's
// teardown-before-provision ordering.
type Service struct {
	registry repository.EnvironmentRepository
	builds   repository.BuildRepository
	compute  driver.ComputeDriver
	runner   driver.CommandRunner
	tunnels  driver.TunnelDriver
	secrets  driver.SecretStore
	tokens   CloneTokenSource
	notifier Notifier
	metrics  *metrics.Set
	logger   *slog.Logger
	cfg      Config

	now func() time.Time
}

// New constructs the lifecycle controller.
func New(registry repository.EnvironmentRepository, builds repository.BuildRepository,
	compute driver.ComputeDriver, runner driver.CommandRunner, tunnels driver.TunnelDriver,
	secrets driver.SecretStore, tokens CloneTokenSource, notifier Notifier,
	logger *slog.Logger, cfg Config) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScriptDeadline <= 0 {
		cfg.ScriptDeadline = 15 * time.Minute
	}
	return &Service{
		registry: registry,
		builds:   builds,
		compute:  compute,
		runner:   runner,
		tunnels:  tunnels,
		secrets:  secrets,
		tokens:   tokens,
		notifier: notifier,
		metrics:  metrics.Default(),
		logger:   logger.With("component", "lifecycle"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Deploy creates or replaces the environment for the intent's key. It is an
// idempotent create-or-replace: an existing live host is torn down before the
// new one is provisioned, so at most one host is ever live per key and a
// redeploy always supersedes whatever came before it.
func (s *Service) Deploy(ctx context.Context, intent domain.DeployIntent) error {
	key := intent.Key()
	log := s.logger.With("key", key.String(), "sha", shortSHA(intent.CommitSHA))
	log.Info("deploying environment", "branch", intent.Branch)

	deployStart := time.Now()
	phases := newPhaseLog(s.metrics)

	existing, err := s.registry.GetEnvironment(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("read registry for %s: %w", key, err)
	}

	s.notifier.Notify(ctx, []Event{{
		Kind:        EventCommitStatus,
		Key:         key,
		CommitSHA:   intent.CommitSHA,
		State:       driver.CommitStatePending,
		Description: "Deploying environment...",
	}})

	var hostRef string
	var endpoint driver.TunnelEndpoint
	deployErr := func() error {
		// (a) Supersede: at most one live host per key, enforced by ordering
		// rather than locking.
		if existing.LiveHost() {
			if err := phases.run("supersede_previous", func() error {
				return s.teardownHost(ctx, existing.HostRef, existing.TunnelRef)
			}); err != nil {
				return fmt.Errorf("tear down previous host %s: %w", existing.HostRef, err)
			}
		}

		// (b) Provision.
		if err := phases.run("launch_host", func() error {
			spec := driver.HostSpec{
				Name:               hostName(key),
				Repository:         key.Repository,
				PRNumber:           key.PRNumber,
				Branch:             intent.Branch,
				InstanceProfileARN: s.repoInstanceProfile(ctx, key.Repository),
			}
			ref, err := s.compute.Launch(ctx, spec)
			hostRef = ref
			return err
		}); err != nil {
			return fmt.Errorf("launch host: %w", err)
		}

		// (c) Readiness, bounded by the wait policy. Exhaustion is terminal.
		if err := phases.run("await_ready", func() error {
			return s.compute.AwaitReady(ctx, hostRef, s.cfg.HostReady)
		}); err != nil {
			return err
		}

		// (d) Startup script: clone, compose up, open the tunnel.
		var result driver.ExecResult
		if err := phases.run("start_environment", func() error {
			token, err := s.cloneToken(ctx, key.Repository)
			if err != nil {
				return err
			}
			result, err = s.runner.Exec(ctx, hostRef, startScript(intent.CloneURL, intent.Branch, token), s.cfg.ScriptDeadline)
			if err != nil {
				return err
			}
			if !result.OK {
				return fmt.Errorf("startup script failed: %s", tail(result.Stderr, 400))
			}
			return nil
		}); err != nil {
			return err
		}

		// (e) The script succeeded; a missing URL is its own failure mode.
		url, err := result.TunnelURL()
		if err != nil {
			return err
		}
		endpoint = driver.TunnelEndpoint{Ref: tunnelRefFromURL(url), URL: url}
		return nil
	}()

	if deployErr != nil {
		s.failDeploy(ctx, key, existing, intent, hostRef, deployErr)
		s.metrics.DeployResults.WithLabelValues("failure").Inc()
		log.Error("deploy failed", "error", deployErr)
		return deployErr
	}

	// (f) Persist, then audit and notify. The record write is the commit
	// point; everything after it is best-effort.
	now := s.now().UTC()
	env := &domain.Environment{
		Key:            key,
		Status:         domain.StatusRunning,
		Branch:         intent.Branch,
		CommitSHA:      intent.CommitSHA,
		HostRef:        hostRef,
		TunnelRef:      endpoint.Ref,
		PublicURL:      endpoint.URL,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if existing != nil {
		env.CreatedAt = existing.CreatedAt
	}
	if err := s.registry.PutEnvironment(ctx, env); err != nil {
		return fmt.Errorf("persist environment %s: %w", key, err)
	}
	s.appendAttempt(ctx, key, intent, domain.BuildSuccess, "", time.Since(deployStart))

	total := time.Since(deployStart)
	s.notifier.Notify(ctx, []Event{
		{
			Kind:        EventCommitStatus,
			Key:         key,
			CommitSHA:   intent.CommitSHA,
			State:       driver.CommitStateSuccess,
			TargetURL:   endpoint.URL,
			Description: "Environment ready!",
		},
		{
			Kind: EventComment,
			Key:  key,
			Body: deployComment(endpoint.URL, intent.CommitSHA, total, phases),
		},
	})
	s.metrics.DeployResults.WithLabelValues("success").Inc()
	log.Info("environment deployed", "url", endpoint.URL, "host_ref", hostRef, "total", total)
	return nil
}

// Stop powers down a running environment's host, keeping the record and
// tunnel for a fast restart. A record that is missing, not running, or whose
// host is already gone is a success, not an error: those states arise
// naturally from races with redeploys and repeated delivery.
func (s *Service) Stop(ctx context.Context, key domain.EnvironmentKey) error {
	env, err := s.registry.GetEnvironment(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Info("stop: no record", "key", key.String())
			return nil
		}
		return err
	}
	if env.Status != domain.StatusRunning || env.HostRef == "" {
		s.logger.Info("stop: nothing to do", "key", key.String(), "status", env.Status)
		return nil
	}
	if err := s.compute.Stop(ctx, env.HostRef); err != nil && !errors.Is(err, driver.ErrHostNotFound) {
		s.metrics.Transitions.WithLabelValues("stop", "error").Inc()
		return fmt.Errorf("stop host %s: %w", env.HostRef, err)
	}
	env.Status = domain.StatusStopped
	if err := s.registry.PutEnvironment(ctx, env); err != nil {
		return fmt.Errorf("persist stop for %s: %w", key, err)
	}
	s.metrics.Transitions.WithLabelValues("stop", "ok").Inc()
	s.logger.Info("environment stopped", "key", key.String(), "host_ref", env.HostRef)
	return nil
}

// Restart boots a stopped environment's existing host and waits for
// readiness. It does not re-run the startup script; the workload comes back
// with the host.
func (s *Service) Restart(ctx context.Context, key domain.EnvironmentKey) error {
	env, err := s.registry.GetEnvironment(ctx, key)
	if err != nil {
		return err
	}
	if env.Status != domain.StatusStopped || env.HostRef == "" {
		return fmt.Errorf("restart %s: not in a restartable state (status=%s)", key, env.Status)
	}
	if err := s.compute.Start(ctx, env.HostRef); err != nil {
		s.metrics.Transitions.WithLabelValues("restart", "error").Inc()
		return fmt.Errorf("start host %s: %w", env.HostRef, err)
	}
	if err := s.compute.AwaitReady(ctx, env.HostRef, s.cfg.HostReady); err != nil {
		s.metrics.Transitions.WithLabelValues("restart", "error").Inc()
		return err
	}
	env.Status = domain.StatusRunning
	env.LastActivityAt = s.now().UTC()
	if err := s.registry.PutEnvironment(ctx, env); err != nil {
		return fmt.Errorf("persist restart for %s: %w", key, err)
	}
	s.metrics.Transitions.WithLabelValues("restart", "ok").Inc()
	s.logger.Info("environment restarted", "key", key.String(), "host_ref", env.HostRef)
	return nil
}

// Rebuild refreshes the code on a running environment's existing host
// without reprovisioning: fetch, reset to the branch head, compose up. It is
// a debug surface for operators; normal pushes go through Deploy.
func (s *Service) Rebuild(ctx context.Context, key domain.EnvironmentKey) error {
	env, err := s.registry.GetEnvironment(ctx, key)
	if err != nil {
		return err
	}
	if env.Status != domain.StatusRunning || env.HostRef == "" {
		return fmt.Errorf("rebuild %s: environment is not running (status=%s)", key, env.Status)
	}
	result, err := s.runner.Exec(ctx, env.HostRef, rebuildScript(env.Branch), s.cfg.ScriptDeadline)
	if err != nil {
		s.metrics.Transitions.WithLabelValues("rebuild", "error").Inc()
		return fmt.Errorf("rebuild %s: %w", key, err)
	}
	if !result.OK {
		s.metrics.Transitions.WithLabelValues("rebuild", "error").Inc()
		return fmt.Errorf("rebuild %s: script failed: %s", key, tail(result.Stderr, 400))
	}
	env.LastActivityAt = s.now().UTC()
	if err := s.registry.PutEnvironment(ctx, env); err != nil {
		return fmt.Errorf("persist rebuild for %s: %w", key, err)
	}
	s.metrics.Transitions.WithLabelValues("rebuild", "ok").Inc()
	s.logger.Info("environment rebuilt in place", "key", key.String(), "host_ref", env.HostRef)
	return nil
}

// Terminate tears down the environment's host and tunnel and closes the
// record at status=terminated. Missing records, hosts, and tunnels are all
// treated as already done.
func (s *Service) Terminate(ctx context.Context, key domain.EnvironmentKey) error {
	return s.finish(ctx, key, domain.StatusTerminated)
}

// Destroy is Terminate with a destroyed terminal status; it is the
// transition for "pull request closed". A key with no record is a no-op.
func (s *Service) Destroy(ctx context.Context, key domain.EnvironmentKey) error {
	return s.finish(ctx, key, domain.StatusDestroyed)
}

func (s *Service) finish(ctx context.Context, key domain.EnvironmentKey, terminal domain.Status) error {
	op := string(terminal)

	env, err := s.registry.GetEnvironment(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Info("teardown: no record", "key", key.String(), "target", terminal)
			return nil
		}
		return err
	}
	if env.Status.Terminal() {
		return nil
	}
	if env.HostRef != "" {
		if err := s.compute.Terminate(ctx, env.HostRef); err != nil && !errors.Is(err, driver.ErrHostNotFound) {
			s.metrics.Transitions.WithLabelValues(op, "error").Inc()
			return fmt.Errorf("terminate host %s: %w", env.HostRef, err)
		}
	}
	if env.TunnelRef != "" && s.tunnels != nil {
		if err := s.tunnels.Close(ctx, env.TunnelRef); err != nil && !errors.Is(err, driver.ErrTunnelNotFound) {
			s.logger.Warn("tunnel close failed", "key", key.String(), "tunnel_ref", env.TunnelRef, "error", err)
		}
	}
	s.closeRecord(env, terminal)
	if err := s.registry.PutEnvironment(ctx, env); err != nil {
		return fmt.Errorf("persist %s for %s: %w", terminal, key, err)
	}
	s.metrics.Transitions.WithLabelValues(op, "ok").Inc()
	s.logger.Info("environment torn down", "key", key.String(), "status", terminal)
	return nil
}

// ForceTerminated closes the record at status=terminated without touching
// compute: the reconciler uses it when the host is already gone.
func (s *Service) ForceTerminated(ctx context.Context, key domain.EnvironmentKey) error {
	env, err := s.registry.GetEnvironment(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if env.Status.Terminal() {
		return nil
	}
	s.closeRecord(env, domain.StatusTerminated)
	if err := s.registry.PutEnvironment(ctx, env); err != nil {
		return fmt.Errorf("persist forced termination for %s: %w", key, err)
	}
	s.logger.Info("record forced to terminated", "key", key.String())
	return nil
}

// closeRecord applies a terminal status and clears resource refs, keeping the
// record for audit.
func (s *Service) closeRecord(env *domain.Environment, terminal domain.Status) {
	env.Status = terminal
	env.HostRef = ""
	env.TunnelRef = ""
	env.PublicURL = ""
}

// teardownHost terminates a host and best-effort closes its tunnel.
func (s *Service) teardownHost(ctx context.Context, hostRef, tunnelRef string) error {
	if err := s.compute.Terminate(ctx, hostRef); err != nil && !errors.Is(err, driver.ErrHostNotFound) {
		return err
	}
	if tunnelRef != "" && s.tunnels != nil {
		if err := s.tunnels.Close(ctx, tunnelRef); err != nil && !errors.Is(err, driver.ErrTunnelNotFound) {
			s.logger.Warn("tunnel close failed", "tunnel_ref", tunnelRef, "error", err)
		}
	}
	return nil
}

// failDeploy records a failed attempt: eager best-effort cleanup of the
// half-provisioned host, a failed registry record, an audit entry, and a
// failure notification. None of these may mask the original error.
func (s *Service) failDeploy(ctx context.Context, key domain.EnvironmentKey, existing *domain.Environment, intent domain.DeployIntent, hostRef string, cause error) {
	if hostRef != "" {
		if err := s.compute.Terminate(ctx, hostRef); err != nil && !errors.Is(err, driver.ErrHostNotFound) {
			s.logger.Warn("failed to clean up half-provisioned host", "key", key.String(), "host_ref", hostRef, "error", err)
		}
	}

	now := s.now().UTC()
	env := &domain.Environment{
		Key:            key,
		Status:         domain.StatusFailed,
		Branch:         intent.Branch,
		CommitSHA:      intent.CommitSHA,
		ErrorMessage:   cause.Error(),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if existing != nil {
		env.CreatedAt = existing.CreatedAt
		env.LastActivityAt = existing.LastActivityAt
	}
	if err := s.registry.PutEnvironment(ctx, env); err != nil {
		s.logger.Error("failed to persist failure record", "key", key.String(), "error", err)
	}
	s.appendAttempt(ctx, key, intent, domain.BuildFailed, cause.Error(), 0)

	s.notifier.Notify(ctx, []Event{{
		Kind:        EventCommitStatus,
		Key:         key,
		CommitSHA:   intent.CommitSHA,
		State:       driver.CommitStateFailure,
		Description: "Deployment failed: " + tail(cause.Error(), 100),
	}})
}

func (s *Service) appendAttempt(ctx context.Context, key domain.EnvironmentKey, intent domain.DeployIntent, status, errMsg string, duration time.Duration) {
	now := s.now().UTC()
	attempt := &domain.BuildAttempt{
		Key:       key,
		AttemptID: fmt.Sprintf("build-%s-%s", shortSHA(intent.CommitSHA), uuid.NewString()),
		CommitSHA: intent.CommitSHA,
		Branch:    intent.Branch,
		Status:    status,
		Error:     errMsg,
		Duration:  duration,
		CreatedAt: now,
	}
	if err := s.builds.AppendBuildAttempt(ctx, attempt); err != nil {
		s.logger.Warn("failed to append build attempt", "key", key.String(), "error", err)
	}
}

// cloneToken resolves a short-lived token for the sandbox to clone with.
func (s *Service) cloneToken(ctx context.Context, repo string) (string, error) {
	if s.tokens == nil {
		return "", nil
	}
	token, err := s.tokens.CloneToken(ctx, repo)
	if err != nil {
		return "", fmt.Errorf("mint clone token for %s: %w", repo, err)
	}
	return token, nil
}

// repoInstanceProfile looks up optional per-repository configuration. Repos
// without configuration fall back to the launch template's default profile.
func (s *Service) repoInstanceProfile(ctx context.Context, repo string) string {
	if s.secrets == nil || s.cfg.RepoSecretsPrefix == "" {
		return ""
	}
	values, err := s.secrets.Get(ctx, s.cfg.RepoSecretsPrefix+"/"+repo)
	if err != nil {
		if !errors.Is(err, driver.ErrSecretNotFound) {
			s.logger.Warn("repo config lookup failed", "repository", repo, "error", err)
		}
		return ""
	}
	return values["instance_profile_arn"]
}

func hostName(key domain.EnvironmentKey) string {
	return fmt.Sprintf("ephemeral-%s-%d", strings.ReplaceAll(key.Repository, "/", "-"), key.PRNumber)
}

// tunnelRefFromURL derives the quick tunnel's identifier from its hostname.
// The ref is the trycloudflare subdomain, not a cfd_tunnel ID, so a delete
// against the Cloudflare API reports it as already gone. Quick tunnels die
// with their host, which is why teardown treats Close as best effort.
func tunnelRefFromURL(url string) string {
	ref := strings.TrimPrefix(url, "https://")
	return strings.TrimSuffix(ref, ".trycloudflare.com")
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// tail keeps the last n bytes, where the useful part of script output lives.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
