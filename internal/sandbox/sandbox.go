// Package sandbox runs agent shell commands in throwaway Docker
// containers so a sandboxed agent never executes on the host.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/hivebase/hive/internal/config"
)

const labelPrefix = "hive"

// workspaceMount is where the agent's working directory appears inside
// the container.
const workspaceMount = "/workspace"

type Runner struct {
	docker *client.Client
	cfg    config.SandboxConfig
}

func New(cfg config.SandboxConfig) (*Runner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := docker.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return &Runner{docker: docker, cfg: cfg}, nil
}

// Exec runs one shell command in a fresh container with workDir bound
// at /workspace and returns the combined output. The container is
// always removed, even when the command fails or times out.
func (r *Runner) Exec(ctx context.Context, workDir, image, command string, timeout time.Duration) (string, error) {
	if image == "" {
		image = r.cfg.Image
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	containerName := fmt.Sprintf("hive-sbx-%d", time.Now().UnixNano())

	containerCfg := &dockercontainer.Config{
		Image:           image,
		Cmd:             []string{"sh", "-c", command},
		WorkingDir:      workspaceMount,
		NetworkDisabled: !r.cfg.Network,
		Labels:          map[string]string{labelPrefix + ".managed": "true"},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s", workDir, workspaceMount)},
	}

	resp, err := r.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	defer func() {
		// Removal uses a fresh context so a timed out command still
		// gets cleaned up.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.docker.ContainerRemove(rmCtx, resp.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove sandbox container", "container", resp.ID[:12], "error", err)
		}
	}()

	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return "", fmt.Errorf("start sandbox container: %w", err)
	}

	waitCh, errCh := r.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)

	var exitCode int64
	select {
	case status := <-waitCh:
		exitCode = status.StatusCode
	case err := <-errCh:
		return "", fmt.Errorf("wait for sandbox container: %w", err)
	case <-ctx.Done():
		return "", fmt.Errorf("sandboxed command: %w", ctx.Err())
	}

	output, err := r.collectLogs(resp.ID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return output, fmt.Errorf("command exited with status %d", exitCode)
	}
	return output, nil
}

func (r *Runner) collectLogs(containerID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reader, err := r.docker.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("read sandbox logs: %w", err)
	}
	defer reader.Close()

	// Stdout and stderr are interleaved into one combined stream.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("demux sandbox logs: %w", err)
	}
	return buf.String(), nil
}

// CleanupStale force-removes sandbox containers left behind by a
// previous process.
func (r *Runner) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := r.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list sandbox containers: %w", err)
	}

	for _, c := range containers {
		slog.Info("cleaning up stale sandbox container", "container", c.ID[:12])
		_ = r.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return nil
}

func (r *Runner) Close() error {
	return r.docker.Close()
}
