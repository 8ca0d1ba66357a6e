package dockerhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/jack-michaud/ephemeral-environments/internal/driver"
)

// Labels stamped onto every sandbox container; the reconciler uses them the
// same way the EC2 driver uses instance tags.
const (
	labelManaged    = "ephemeral.managed"
	labelRepository = "ephemeral.repository"
	labelPRNumber   = "ephemeral.pr-number"
	labelBranch     = "ephemeral.branch"
)

// Config carries the sandbox image and daemon address for local installs.
type Config struct {
	Host  string
	Image string
}

// Driver runs sandbox "hosts" as containers on a single Docker daemon. It
// backs single-machine installs where EC2 provisioning is overkill.
type Driver struct {
	inner  *client.Client
	cfg    Config
	logger *slog.Logger
}

var _ driver.ComputeDriver = (*Driver)(nil)

// New creates a Docker-backed compute driver.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Image == "" {
		return nil, errors.New("sandbox image is required")
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{inner: inner, cfg: cfg, logger: logger.With("component", "dockerhost")}, nil
}

// Close releases the underlying docker client.
func (d *Driver) Close() error {
	return d.inner.Close()
}

// Launch creates and starts a sandbox container labeled with the
// environment's identity key.
func (d *Driver) Launch(ctx context.Context, spec driver.HostSpec) (string, error) {
	cfg := &container.Config{
		Image: d.cfg.Image,
		Labels: map[string]string{
			labelManaged:    "true",
			labelRepository: spec.Repository,
			labelPRNumber:   strconv.Itoa(spec.PRNumber),
			labelBranch:     spec.Branch,
		},
	}
	hostCfg := &container.HostConfig{
		Privileged: true, // the sandbox runs its own compose stack
	}
	created, err := d.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	if err := d.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start sandbox container: %w", err)
	}
	d.logger.Info("launched sandbox container", "container_id", created.ID, "repository", spec.Repository, "pr", spec.PRNumber)
	return created.ID, nil
}

// Start resumes a stopped sandbox container.
func (d *Driver) Start(ctx context.Context, hostRef string) error {
	err := d.inner.ContainerStart(ctx, hostRef, container.StartOptions{})
	if client.IsErrNotFound(err) {
		return driver.ErrHostNotFound
	}
	return err
}

// Stop halts the container, keeping its filesystem for restart.
func (d *Driver) Stop(ctx context.Context, hostRef string) error {
	err := d.inner.ContainerStop(ctx, hostRef, container.StopOptions{})
	if client.IsErrNotFound(err) {
		return driver.ErrHostNotFound
	}
	return err
}

// Terminate force-removes the container and its volumes.
func (d *Driver) Terminate(ctx context.Context, hostRef string) error {
	err := d.inner.ContainerRemove(ctx, hostRef, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if client.IsErrNotFound(err) {
		return driver.ErrHostNotFound
	}
	return err
}

// Describe reports a power state derived from the container state.
func (d *Driver) Describe(ctx context.Context, hostRef string) (driver.PowerState, error) {
	inspect, err := d.inner.ContainerInspect(ctx, hostRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return driver.PowerUnknown, driver.ErrHostNotFound
		}
		return driver.PowerUnknown, fmt.Errorf("inspect container %s: %w", hostRef, err)
	}
	return mapState(inspect.State), nil
}

// AwaitReady polls until the container reports running.
func (d *Driver) AwaitReady(ctx context.Context, hostRef string, policy driver.WaitPolicy) error {
	return policy.Poll(ctx, func(ctx context.Context) error {
		state, err := d.Describe(ctx, hostRef)
		if err != nil {
			return err
		}
		if state != driver.PowerRunning {
			return driver.Retryable(fmt.Errorf("container %s is %s", hostRef, state))
		}
		return nil
	})
}

// ListEnvironmentHosts enumerates managed sandbox containers, including
// stopped ones.
func (d *Driver) ListEnvironmentHosts(ctx context.Context) ([]driver.HostInfo, error) {
	args := filters.NewArgs(filters.Arg("label", labelManaged+"=true"))
	containers, err := d.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list sandbox containers: %w", err)
	}

	hosts := make([]driver.HostInfo, 0, len(containers))
	for _, c := range containers {
		info := driver.HostInfo{Ref: c.ID, State: mapStateName(c.State)}
		info.Repository = c.Labels[labelRepository]
		info.PRNumber, _ = strconv.Atoi(c.Labels[labelPRNumber])
		hosts = append(hosts, info)
	}
	return hosts, nil
}

func mapState(state *container.State) driver.PowerState {
	if state == nil {
		return driver.PowerUnknown
	}
	switch {
	case state.Running:
		return driver.PowerRunning
	case state.Dead:
		return driver.PowerTerminated
	default:
		return mapStateName(state.Status)
	}
}

func mapStateName(status string) driver.PowerState {
	switch status {
	case "created":
		return driver.PowerPending
	case "running":
		return driver.PowerRunning
	case "paused", "exited":
		return driver.PowerStopped
	case "removing":
		return driver.PowerShuttingDown
	case "dead":
		return driver.PowerTerminated
	default:
		return driver.PowerUnknown
	}
}
