package dockerhost

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/jack-michaud/ephemeral-environments/internal/driver"
)

var _ driver.CommandRunner = (*Driver)(nil)

// Exec runs the script inside the sandbox container and blocks until it
// finishes or the deadline passes. A non-zero exit comes back with OK=false
// and a nil error, matching the remote runner's contract.
func (d *Driver) Exec(ctx context.Context, hostRef, script string, deadline time.Duration) (driver.ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	created, err := d.inner.ContainerExecCreate(execCtx, hostRef, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", script},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return driver.ExecResult{}, driver.ErrHostNotFound
		}
		return driver.ExecResult{}, fmt.Errorf("create exec on %s: %w", hostRef, err)
	}

	attach, err := d.inner.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return driver.ExecResult{}, fmt.Errorf("attach exec on %s: %w", hostRef, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if execCtx.Err() != nil {
			return driver.ExecResult{}, fmt.Errorf("exec on %s exceeded %s deadline: %w", hostRef, deadline, execCtx.Err())
		}
		return driver.ExecResult{}, fmt.Errorf("read exec output on %s: %w", hostRef, err)
	}

	inspect, err := d.inner.ContainerExecInspect(execCtx, created.ID)
	if err != nil {
		return driver.ExecResult{}, fmt.Errorf("inspect exec on %s: %w", hostRef, err)
	}

	result := driver.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		OK:     inspect.ExitCode == 0,
	}
	if !result.OK {
		d.logger.Warn("script exited non-zero", "container_id", hostRef, "exit_code", inspect.ExitCode)
	}
	return result, nil
}
