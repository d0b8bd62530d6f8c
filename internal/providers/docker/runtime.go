// Package docker implements the broker's container runtime on the
// Docker Engine API. Each session gets one hardened container running
// the Ably CLI image; the interactive shell is a TTY exec inside it.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/jpillora/backoff"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ably/cli-terminal-server/internal/core"
)

// sessionLabel marks containers owned by the broker, keyed by session.
const sessionLabel = "com.ably.cli-terminal.session"

// provisionAttempts bounds retries of transient engine failures.
const provisionAttempts = 3

// APIClient is the subset of the Docker client the runtime uses.
// Narrowing the interface keeps tests to a small fake.
type APIClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// NewAPIClient builds a Docker client from the environment (DOCKER_HOST
// et al) with API version negotiation.
func NewAPIClient() (APIClient, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// Config holds the container policy applied to every session.
type Config struct {
	// Image is the Ably CLI sandbox image reference.
	Image string
	// Command is the interactive shell entry point run as the sole
	// process of the exec.
	Command []string
	// User is the non-root user the shell runs as.
	User string
	// Network is the container network mode.
	Network string
	// MemoryBytes and CPUs bound the container's resources.
	MemoryBytes int64
	CPUs        float64
	// PidsLimit bounds the process count inside the container.
	PidsLimit int64
	// StopTimeout bounds graceful container stop before the kill.
	StopTimeout time.Duration
}

// Runtime implements core.ContainerRuntime against the Docker Engine.
type Runtime struct {
	client APIClient
	cfg    Config
	log    *slog.Logger
}

var _ core.ContainerRuntime = (*Runtime)(nil)

// New returns a Runtime using the given API client and policy.
func New(apiClient APIClient, cfg Config) *Runtime {
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = 128
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Runtime{
		client: apiClient,
		cfg:    cfg,
		log:    slog.Default().With("component", "docker-runtime"),
	}
}

// Provision creates and starts a hardened container for the session.
// A missing image is pulled once; transient engine failures are
// retried with exponential backoff up to provisionAttempts.
func (r *Runtime) Provision(ctx context.Context, sessionID string, env map[string]string) (*core.Container, error) {
	stopSecs := int(r.cfg.StopTimeout / time.Second)

	config := &container.Config{
		Image:        r.cfg.Image,
		User:         r.cfg.User,
		Env:          sortedEnv(env),
		Labels:       map[string]string{sessionLabel: sessionID},
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		StopTimeout:  &stopSecs,
	}

	pids := r.cfg.PidsLimit
	hostConfig := &container.HostConfig{
		NetworkMode:    container.NetworkMode(r.cfg.Network),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		Resources: container.Resources{
			Memory:    r.cfg.MemoryBytes,
			NanoCPUs:  int64(r.cfg.CPUs * 1e9),
			PidsLimit: &pids,
		},
	}

	name := "ably-cli-session-" + shortID(sessionID)

	boff := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	pulled := false

	var lastErr error
	for attempt := 0; attempt < provisionAttempts; attempt++ {
		created, err := r.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, nil, name)
		if err == nil {
			if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
				_ = r.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
				lastErr = fmt.Errorf("start container: %w", err)
				if !retryable(err) {
					return nil, lastErr
				}
			} else {
				return &core.Container{ID: created.ID}, nil
			}
		} else {
			switch {
			case errdefs.IsNotFound(err) && !pulled:
				// Image not present on this host yet.
				if perr := r.pullImage(ctx); perr != nil {
					return nil, fmt.Errorf("pull image %s: %w", r.cfg.Image, perr)
				}
				pulled = true
				continue
			case errdefs.IsConflict(err):
				// Stale container with our name; remove and retry.
				_ = r.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
				lastErr = err
			case !retryable(err):
				return nil, fmt.Errorf("create container: %w", err)
			default:
				lastErr = fmt.Errorf("create container: %w", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(boff.Duration()):
		}
	}

	return nil, fmt.Errorf("provision after %d attempts: %w", provisionAttempts, lastErr)
}

// OpenShell launches the interactive CLI entry point inside the
// container with a TTY and returns the attached byte stream.
func (r *Runtime) OpenShell(ctx context.Context, c *core.Container, cols, rows uint16) (core.ExecStream, error) {
	exec, err := r.client.ContainerExecCreate(ctx, c.ID, types.ExecConfig{
		User:         r.cfg.User,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          r.cfg.Command,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	resp, err := r.client.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	c.ExecID = exec.ID

	if cols > 0 && rows > 0 {
		if err := r.Resize(ctx, c, cols, rows); err != nil {
			r.log.Warn("initial resize", "container", c.ID, "error", err)
		}
	}

	return &execStream{resp: resp}, nil
}

// Resize adjusts the exec's PTY window. Idempotent.
func (r *Runtime) Resize(ctx context.Context, c *core.Container, cols, rows uint16) error {
	if c.ExecID == "" {
		return fmt.Errorf("resize: no shell open in container %s", c.ID)
	}
	return r.client.ContainerExecResize(ctx, c.ExecID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

// Terminate stops the container with the configured bound and then
// force-removes it. Already-gone containers are not an error.
func (r *Runtime) Terminate(ctx context.Context, c *core.Container) error {
	stopSecs := int(r.cfg.StopTimeout / time.Second)
	if err := r.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &stopSecs}); err != nil && !errdefs.IsNotFound(err) {
		r.log.Warn("container stop", "container", c.ID, "error", err)
	}
	if err := r.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", c.ID, err)
	}
	return nil
}

func (r *Runtime) pullImage(ctx context.Context) error {
	r.log.Info("pulling image", "image", r.cfg.Image)
	rc, err := r.client.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull completes when the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// retryable reports whether a provisioning error is worth another
// attempt. Policy and validation failures are permanent; engine-side
// and availability failures are transient.
func retryable(err error) bool {
	switch {
	case errdefs.IsInvalidParameter(err), errdefs.IsForbidden(err),
		errdefs.IsUnauthorized(err), errdefs.IsNotImplemented(err):
		return false
	default:
		return true
	}
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// execStream adapts a hijacked exec connection to core.ExecStream.
// With a TTY the output is a single unified stream, so the reader can
// be used directly.
type execStream struct {
	resp types.HijackedResponse
}

func (s *execStream) Read(p []byte) (int, error)  { return s.resp.Reader.Read(p) }
func (s *execStream) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }

func (s *execStream) Close() error {
	s.resp.Close()
	return nil
}
