package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
	"github.com/jack-michaud/ephemeral-environments/internal/driver"
	"github.com/jack-michaud/ephemeral-environments/internal/repository"
)

type fakeRegistry struct {
	envs map[string]*domain.Environment
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{envs: make(map[string]*domain.Environment)}
}

func (r *fakeRegistry) GetEnvironment(_ context.Context, key domain.EnvironmentKey) (*domain.Environment, error) {
	env, ok := r.envs[key.String()]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *env
	return &cp, nil
}

func (r *fakeRegistry) PutEnvironment(_ context.Context, env *domain.Environment) error {
	cp := *env
	cp.UpdatedAt = time.Now().UTC()
	r.envs[env.Key.String()] = &cp
	return nil
}

func (r *fakeRegistry) ListEnvironmentsByStatus(_ context.Context, statuses ...domain.Status) ([]*domain.Environment, error) {
	var out []*domain.Environment
	for _, env := range r.envs {
		for _, status := range statuses {
			if env.Status == status {
				cp := *env
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

type fakeBuilds struct {
	attempts []*domain.BuildAttempt
}

func (b *fakeBuilds) AppendBuildAttempt(_ context.Context, attempt *domain.BuildAttempt) error {
	cp := *attempt
	b.attempts = append(b.attempts, &cp)
	return nil
}

func (b *fakeBuilds) ListBuildAttempts(_ context.Context, key domain.EnvironmentKey) ([]*domain.BuildAttempt, error) {
	var out []*domain.BuildAttempt
	for _, a := range b.attempts {
		if a.Key == key {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeCompute struct {
	launched    []driver.HostSpec
	started     []string
	stopped     []string
	terminated  []string
	awaited     []string
	launchRef   string
	launchErr   error
	startErr    error
	stopErr     error
	termErr     error
	awaitErr    error
	callOrder   []string
	hosts       []driver.HostInfo
	listHostErr error
}

func (c *fakeCompute) Launch(_ context.Context, spec driver.HostSpec) (string, error) {
	c.callOrder = append(c.callOrder, "launch")
	c.launched = append(c.launched, spec)
	if c.launchErr != nil {
		return "", c.launchErr
	}
	if c.launchRef == "" {
		return "host-new", nil
	}
	return c.launchRef, nil
}

func (c *fakeCompute) Start(_ context.Context, ref string) error {
	c.started = append(c.started, ref)
	return c.startErr
}

func (c *fakeCompute) Stop(_ context.Context, ref string) error {
	c.stopped = append(c.stopped, ref)
	return c.stopErr
}

func (c *fakeCompute) Terminate(_ context.Context, ref string) error {
	c.callOrder = append(c.callOrder, "terminate:"+ref)
	c.terminated = append(c.terminated, ref)
	return c.termErr
}

func (c *fakeCompute) Describe(_ context.Context, _ string) (driver.PowerState, error) {
	return driver.PowerRunning, nil
}

func (c *fakeCompute) AwaitReady(_ context.Context, ref string, _ driver.WaitPolicy) error {
	c.awaited = append(c.awaited, ref)
	return c.awaitErr
}

func (c *fakeCompute) ListEnvironmentHosts(_ context.Context) ([]driver.HostInfo, error) {
	return c.hosts, c.listHostErr
}

type fakeRunner struct {
	result  driver.ExecResult
	err     error
	scripts []string
}

func (r *fakeRunner) Exec(_ context.Context, _ string, script string, _ time.Duration) (driver.ExecResult, error) {
	r.scripts = append(r.scripts, script)
	return r.result, r.err
}

type fakeTunnels struct {
	closed   []string
	closeErr error
}

func (t *fakeTunnels) Close(_ context.Context, ref string) error {
	t.closed = append(t.closed, ref)
	return t.closeErr
}

type fakeTokens struct{ token string }

func (f fakeTokens) CloneToken(_ context.Context, _ string) (string, error) {
	return f.token, nil
}

type fakeSecrets struct{ values map[string]map[string]string }

func (f fakeSecrets) Get(_ context.Context, name string) (map[string]string, error) {
	values, ok := f.values[name]
	if !ok {
		return nil, driver.ErrSecretNotFound
	}
	return values, nil
}

type recordingNotifier struct {
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, events []Event) {
	n.events = append(n.events, events...)
}

func (n *recordingNotifier) statuses() []string {
	var out []string
	for _, e := range n.events {
		if e.Kind == EventCommitStatus {
			out = append(out, e.State)
		}
	}
	return out
}

type env struct {
	registry *fakeRegistry
	builds   *fakeBuilds
	compute  *fakeCompute
	runner   *fakeRunner
	tunnels  *fakeTunnels
	notifier *recordingNotifier
	svc      *Service
}

func newTestService(t *testing.T) *env {
	t.Helper()
	e := &env{
		registry: newFakeRegistry(),
		builds:   &fakeBuilds{},
		compute:  &fakeCompute{},
		runner: &fakeRunner{result: driver.ExecResult{
			Stdout: "cloning...\nTUNNEL_URL=https://witty-fox.trycloudflare.com\ndone",
			OK:     true,
		}},
		tunnels:  &fakeTunnels{},
		notifier: &recordingNotifier{},
	}
	e.svc = New(e.registry, e.builds, e.compute, e.runner, e.tunnels,
		fakeSecrets{}, fakeTokens{token: "ghs_abc"}, e.notifier,
		slog.New(slog.DiscardHandler), Config{
			HostReady:      driver.WaitPolicy{Interval: time.Millisecond, MaxDuration: 10 * time.Millisecond},
			ScriptDeadline: time.Minute,
		})
	return e
}

func testIntent() domain.DeployIntent {
	return domain.DeployIntent{
		Repository: "acme/widgets",
		PRNumber:   42,
		Branch:     "feature/login",
		CommitSHA:  "0123456789abcdef0123456789abcdef01234567",
		CloneURL:   "https://github.com/acme/widgets.git",
	}
}

func TestDeployProvisionsAndRecords(t *testing.T) {
	e := newTestService(t)
	intent := testIntent()

	if err := e.svc.Deploy(context.Background(), intent); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	got, err := e.registry.GetEnvironment(context.Background(), intent.Key())
	if err != nil {
		t.Fatalf("GetEnvironment() error = %v", err)
	}
	if got.Status != domain.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.HostRef != "host-new" {
		t.Errorf("host ref = %q, want host-new", got.HostRef)
	}
	if got.PublicURL != "https://witty-fox.trycloudflare.com" {
		t.Errorf("public url = %q", got.PublicURL)
	}
	if got.TunnelRef != "witty-fox" {
		t.Errorf("tunnel ref = %q, want witty-fox", got.TunnelRef)
	}
	if got.LastActivityAt.IsZero() {
		t.Error("last activity not set")
	}
	if len(e.builds.attempts) != 1 || e.builds.attempts[0].Status != domain.BuildSuccess {
		t.Fatalf("build attempts = %+v, want one success", e.builds.attempts)
	}
	if got := e.notifier.statuses(); len(got) != 2 || got[0] != driver.CommitStatePending || got[1] != driver.CommitStateSuccess {
		t.Errorf("commit statuses = %v, want [pending success]", got)
	}
	if len(e.runner.scripts) != 1 || !strings.Contains(e.runner.scripts[0], "ghs_abc") {
		t.Errorf("startup script missing clone token: %q", e.runner.scripts)
	}
}

func TestDeploySupersedesPreviousHost(t *testing.T) {
	e := newTestService(t)
	intent := testIntent()
	e.registry.envs[intent.Key().String()] = &domain.Environment{
		Key:       intent.Key(),
		Status:    domain.StatusRunning,
		HostRef:   "host-old",
		TunnelRef: "old-tunnel",
		CreatedAt: time.Now().Add(-time.Hour).UTC(),
	}

	if err := e.svc.Deploy(context.Background(), intent); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	if len(e.compute.callOrder) < 2 ||
		e.compute.callOrder[0] != "terminate:host-old" ||
		e.compute.callOrder[1] != "launch" {
		t.Errorf("call order = %v, want old host terminated before launch", e.compute.callOrder)
	}
	if len(e.tunnels.closed) != 1 || e.tunnels.closed[0] != "old-tunnel" {
		t.Errorf("tunnels closed = %v, want [old-tunnel]", e.tunnels.closed)
	}
}

func TestDeployKeepsCreatedAtOnRedeploy(t *testing.T) {
	e := newTestService(t)
	intent := testIntent()
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.registry.envs[intent.Key().String()] = &domain.Environment{
		Key:       intent.Key(),
		Status:    domain.StatusStopped,
		HostRef:   "host-old",
		CreatedAt: created,
	}

	if err := e.svc.Deploy(context.Background(), intent); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	got, _ := e.registry.GetEnvironment(context.Background(), intent.Key())
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created at = %v, want original %v", got.CreatedAt, created)
	}
}

func TestDeployScriptFailure(t *testing.T) {
	e := newTestService(t)
	e.runner.result = driver.ExecResult{Stderr: "compose build exploded", OK: false}
	intent := testIntent()

	err := e.svc.Deploy(context.Background(), intent)
	if err == nil {
		t.Fatal("Deploy() expected error")
	}
	if !strings.Contains(err.Error(), "compose build exploded") {
		t.Errorf("error %q missing script stderr", err)
	}

	got, getErr := e.registry.GetEnvironment(context.Background(), intent.Key())
	if getErr != nil {
		t.Fatalf("GetEnvironment() error = %v", getErr)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
	if got.HostRef != "" {
		t.Errorf("failed record kept host ref %q", got.HostRef)
	}
	// Eager cleanup of the half-provisioned host.
	if len(e.compute.terminated) != 1 || e.compute.terminated[0] != "host-new" {
		t.Errorf("terminated = %v, want the new host cleaned up", e.compute.terminated)
	}
	if len(e.builds.attempts) != 1 || e.builds.attempts[0].Status != domain.BuildFailed {
		t.Fatalf("build attempts = %+v, want one failure", e.builds.attempts)
	}
	if got := e.notifier.statuses(); len(got) != 2 || got[1] != driver.CommitStateFailure {
		t.Errorf("commit statuses = %v, want failure last", got)
	}
}

func TestDeployHostNeverReady(t *testing.T) {
	e := newTestService(t)
	e.compute.awaitErr = errors.New("instance host-new still pending")

	err := e.svc.Deploy(context.Background(), testIntent())
	if err == nil {
		t.Fatal("Deploy() expected error")
	}
	if !strings.Contains(err.Error(), "await_ready") {
		t.Errorf("error %q missing readiness phase", err)
	}
	if len(e.runner.scripts) != 0 {
		t.Errorf("scripts ran on an unready host: %v", e.runner.scripts)
	}

	got, getErr := e.registry.GetEnvironment(context.Background(), testIntent().Key())
	if getErr != nil {
		t.Fatalf("GetEnvironment() error = %v", getErr)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
	if len(e.compute.terminated) != 1 || e.compute.terminated[0] != "host-new" {
		t.Errorf("terminated = %v, want the unready host cleaned up", e.compute.terminated)
	}
	if len(e.builds.attempts) != 1 || e.builds.attempts[0].Status != domain.BuildFailed {
		t.Fatalf("build attempts = %+v, want one failure", e.builds.attempts)
	}
	if got := e.notifier.statuses(); len(got) != 2 || got[1] != driver.CommitStateFailure {
		t.Errorf("commit statuses = %v, want failure last", got)
	}
}

func TestDeployMissingTunnelURL(t *testing.T) {
	e := newTestService(t)
	e.runner.result = driver.ExecResult{Stdout: "started but no tunnel line", OK: true}

	err := e.svc.Deploy(context.Background(), testIntent())
	if !errors.Is(err, driver.ErrNoTunnelURL) {
		t.Fatalf("Deploy() error = %v, want ErrNoTunnelURL", err)
	}
}

func TestStopTransitions(t *testing.T) {
	e := newTestService(t)
	key := testIntent().Key()
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusRunning, HostRef: "host-1",
	}

	if err := e.svc.Stop(context.Background(), key); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	got, _ := e.registry.GetEnvironment(context.Background(), key)
	if got.Status != domain.StatusStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
	if got.HostRef != "host-1" {
		t.Errorf("host ref cleared on stop: %q", got.HostRef)
	}
	if len(e.compute.stopped) != 1 {
		t.Errorf("compute.Stop calls = %d, want 1", len(e.compute.stopped))
	}
}

func TestStopIsIdempotent(t *testing.T) {
	e := newTestService(t)
	key := testIntent().Key()

	// No record at all.
	if err := e.svc.Stop(context.Background(), key); err != nil {
		t.Fatalf("Stop() on missing record = %v, want nil", err)
	}

	// Already stopped.
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusStopped, HostRef: "host-1",
	}
	if err := e.svc.Stop(context.Background(), key); err != nil {
		t.Fatalf("Stop() on stopped record = %v, want nil", err)
	}
	if len(e.compute.stopped) != 0 {
		t.Errorf("compute.Stop called %d times on stopped record", len(e.compute.stopped))
	}
}

func TestStopHostAlreadyGone(t *testing.T) {
	e := newTestService(t)
	e.compute.stopErr = driver.ErrHostNotFound
	key := testIntent().Key()
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusRunning, HostRef: "host-1",
	}

	if err := e.svc.Stop(context.Background(), key); err != nil {
		t.Fatalf("Stop() error = %v, want nil for a vanished host", err)
	}
	got, _ := e.registry.GetEnvironment(context.Background(), key)
	if got.Status != domain.StatusStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
}

func TestRestart(t *testing.T) {
	e := newTestService(t)
	key := testIntent().Key()
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusStopped, HostRef: "host-1",
	}

	if err := e.svc.Restart(context.Background(), key); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	got, _ := e.registry.GetEnvironment(context.Background(), key)
	if got.Status != domain.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.LastActivityAt.IsZero() {
		t.Error("last activity not refreshed")
	}
	if len(e.compute.started) != 1 || len(e.compute.awaited) != 1 {
		t.Errorf("start/await calls = %d/%d, want 1/1", len(e.compute.started), len(e.compute.awaited))
	}
}

func TestRebuildRunsOnExistingHost(t *testing.T) {
	e := newTestService(t)
	key := testIntent().Key()
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusRunning, HostRef: "host-1", Branch: "feature/login",
	}

	if err := e.svc.Rebuild(context.Background(), key); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if len(e.runner.scripts) != 1 || !strings.Contains(e.runner.scripts[0], "git fetch origin feature/login") {
		t.Errorf("rebuild script = %q", e.runner.scripts)
	}
	// No reprovisioning on a rebuild.
	if len(e.compute.launched) != 0 || len(e.compute.terminated) != 0 {
		t.Errorf("rebuild touched compute: launched=%d terminated=%d", len(e.compute.launched), len(e.compute.terminated))
	}
	got, _ := e.registry.GetEnvironment(context.Background(), key)
	if got.LastActivityAt.IsZero() {
		t.Error("rebuild did not refresh last activity")
	}
}

func TestRebuildRequiresRunning(t *testing.T) {
	e := newTestService(t)
	key := testIntent().Key()
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusStopped, HostRef: "host-1",
	}

	if err := e.svc.Rebuild(context.Background(), key); err == nil {
		t.Fatal("Rebuild() on stopped environment expected error")
	}
}

func TestRestartRequiresStoppedHost(t *testing.T) {
	e := newTestService(t)
	key := testIntent().Key()
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusRunning, HostRef: "host-1",
	}

	if err := e.svc.Restart(context.Background(), key); err == nil {
		t.Fatal("Restart() on running record expected error")
	}
}

func TestRestartHostGoneIsHardError(t *testing.T) {
	e := newTestService(t)
	e.compute.startErr = driver.ErrHostNotFound
	key := testIntent().Key()
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusStopped, HostRef: "host-1",
	}

	if err := e.svc.Restart(context.Background(), key); err == nil {
		t.Fatal("Restart() with vanished host expected error")
	}
}

func TestTerminate(t *testing.T) {
	e := newTestService(t)
	key := testIntent().Key()
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusRunning,
		HostRef: "host-1", TunnelRef: "tun-1", PublicURL: "https://tun-1.trycloudflare.com",
	}

	if err := e.svc.Terminate(context.Background(), key); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	got, _ := e.registry.GetEnvironment(context.Background(), key)
	if got.Status != domain.StatusTerminated {
		t.Errorf("status = %s, want terminated", got.Status)
	}
	if got.HostRef != "" || got.TunnelRef != "" || got.PublicURL != "" {
		t.Errorf("resource refs not cleared: %+v", got)
	}
	if len(e.compute.terminated) != 1 || len(e.tunnels.closed) != 1 {
		t.Errorf("terminate/close calls = %d/%d, want 1/1", len(e.compute.terminated), len(e.tunnels.closed))
	}

	// Second call is a no-op.
	if err := e.svc.Terminate(context.Background(), key); err != nil {
		t.Fatalf("second Terminate() error = %v", err)
	}
	if len(e.compute.terminated) != 1 {
		t.Errorf("terminate called again on terminal record")
	}
}

func TestTerminateMissingRecord(t *testing.T) {
	e := newTestService(t)
	if err := e.svc.Terminate(context.Background(), testIntent().Key()); err != nil {
		t.Fatalf("Terminate() on missing record = %v, want nil", err)
	}
}

func TestDestroy(t *testing.T) {
	e := newTestService(t)
	key := testIntent().Key()
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusStopped, HostRef: "host-1",
	}

	if err := e.svc.Destroy(context.Background(), key); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	got, _ := e.registry.GetEnvironment(context.Background(), key)
	if got.Status != domain.StatusDestroyed {
		t.Errorf("status = %s, want destroyed", got.Status)
	}
}

func TestForceTerminatedSkipsCompute(t *testing.T) {
	e := newTestService(t)
	key := testIntent().Key()
	e.registry.envs[key.String()] = &domain.Environment{
		Key: key, Status: domain.StatusRunning, HostRef: "host-1",
	}

	if err := e.svc.ForceTerminated(context.Background(), key); err != nil {
		t.Fatalf("ForceTerminated() error = %v", err)
	}
	got, _ := e.registry.GetEnvironment(context.Background(), key)
	if got.Status != domain.StatusTerminated {
		t.Errorf("status = %s, want terminated", got.Status)
	}
	if len(e.compute.terminated) != 0 {
		t.Error("ForceTerminated touched compute")
	}
}
