package core

import (
	"context"
	"io"
)

// Container is a handle to a running, isolated shell container. It is
// owned exclusively by one session. ExecID is set once a shell has
// been opened and is what PTY resize operations address.
type Container struct {
	ID     string
	ExecID string
}

// ExecStream is the full-duplex byte stream to the shell's
// pseudo-terminal inside a container. Read returns terminal output,
// Write feeds stdin. Close tears the stream down; the shell process
// observes EOF on stdin.
type ExecStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// ContainerRuntime abstracts the container engine. The Docker
// implementation lives in internal/providers/docker; tests use an
// in-memory fake.
type ContainerRuntime interface {
	// Provision creates and starts an isolated container for the
	// session. env is the complete container environment: the two
	// Ably credential variables plus whitelisted client keys.
	// Nothing from the broker's own environment leaks in.
	Provision(ctx context.Context, sessionID string, env map[string]string) (*Container, error)

	// OpenShell allocates a PTY inside the container and launches
	// the CLI's interactive entry point as the sole process,
	// recording the exec identifier on the container handle.
	OpenShell(ctx context.Context, c *Container, cols, rows uint16) (ExecStream, error)

	// Resize adjusts the PTY window. Idempotent.
	Resize(ctx context.Context, c *Container, cols, rows uint16) error

	// Terminate stops the container with a bounded timeout and then
	// removes it. Idempotent and safe to call repeatedly.
	Terminate(ctx context.Context, c *Container) error
}
