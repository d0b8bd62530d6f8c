// Package main is the entry point for the terminal-server binary. It
// supports two subcommands:
//
//   - serve: runs the broker (WebSocket endpoint + Docker sessions)
//   - probe: opens a real session against a running server and
//     verifies the shell responds
//
// Dependencies are assembled via Google Wire; see wire.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/ably/cli-terminal-server/internal/cmd"
	"github.com/ably/cli-terminal-server/internal/config"
	"github.com/ably/cli-terminal-server/internal/core"
	"github.com/ably/cli-terminal-server/internal/handler"
	"github.com/ably/cli-terminal-server/internal/providers/docker"
	"github.com/ably/cli-terminal-server/internal/server"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires all dependencies and executes the root Cobra command.
func run(ctx context.Context) error {
	rootCmd, cleanup, err := wireCmd()
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer cleanup()

	return rootCmd.ExecuteContext(ctx)
}

// newCmd is a Wire provider that constructs the root Cobra command and
// registers the serve and probe subcommands.
func newCmd(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "terminal-server",
		Short:         "Terminal server: browser WebSocket sessions bridged to sandboxed Ably CLI containers.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd, err := cmd.NewServeCommand(conf, func() (*server.Server, func(), error) {
		return wireServer(conf)
	})
	if err != nil {
		return nil, err
	}

	c.AddCommand(serveCmd, cmd.NewProbeCommand())

	return c, nil
}

// provideBrokerConfig is a Wire provider that maps the session keys of
// the configuration onto the broker.
func provideBrokerConfig(conf *config.Config) core.BrokerConfig {
	return core.BrokerConfig{
		GraceInterval: conf.SessionGraceInterval(),
		BufferSize:    conf.SessionBufferSize(),
		Admission: core.AdmissionPolicy{
			MaxTotal:         conf.SessionMaxTotal(),
			MaxPerCredential: conf.SessionMaxPerCredential(),
		},
		StopTimeout:   conf.ContainerStopTimeout(),
		ShutdownGrace: conf.ServerShutdownGrace(),
	}
}

// provideDockerConfig is a Wire provider that parses the container
// limits ("256m", "1.5") into the runtime's native units.
func provideDockerConfig(conf *config.Config) (docker.Config, error) {
	memory, err := units.RAMInBytes(conf.ContainerMemory())
	if err != nil {
		return docker.Config{}, fmt.Errorf("invalid container memory limit %q: %w", conf.ContainerMemory(), err)
	}

	cpus, err := strconv.ParseFloat(conf.ContainerCPUs(), 64)
	if err != nil || cpus <= 0 {
		return docker.Config{}, fmt.Errorf("invalid container CPU limit %q", conf.ContainerCPUs())
	}

	return docker.Config{
		Image:       conf.ContainerImage(),
		Command:     conf.ContainerCommand(),
		User:        conf.ContainerUser(),
		Network:     conf.ContainerNetwork(),
		MemoryBytes: memory,
		CPUs:        cpus,
		StopTimeout: conf.ContainerStopTimeout(),
	}, nil
}

// provideHandlerConfig is a Wire provider for the terminal endpoint.
func provideHandlerConfig(conf *config.Config) handler.Config {
	return handler.Config{
		HandshakeTimeout: conf.ServerHandshakeTimeout(),
	}
}
