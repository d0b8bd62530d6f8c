// Package cmd defines the Cobra subcommands (serve, probe) and their
// Wire provider set. It bridges configuration, dependency injection,
// and the transport/application layers.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ably/cli-terminal-server/internal/config"
	"github.com/ably/cli-terminal-server/internal/server"
)

type ServerInjector func() (*server.Server, func(), error)

func NewServeCommand(conf *config.Config, newServer ServerInjector) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the terminal server that bridges browser WebSockets to sandboxed CLI sessions",
		Example: "terminal-server serve --address=:8080 --image=ably/cli-sandbox:latest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, cleanup, err := newServer()
			if err != nil {
				return fmt.Errorf("failed to initialize server: %w", err)
			}
			defer cleanup()

			cfg := server.Config{
				Address:        conf.ServerAddress(),
				AllowedOrigins: conf.ServerAllowedOrigins(),
			}

			return srv.Run(cmd.Context(), cfg)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ServerOptions); err != nil {
		return nil, err
	}
	if err := conf.BindFlags(cmd.Flags(), config.SessionOptions); err != nil {
		return nil, err
	}
	if err := conf.BindFlags(cmd.Flags(), config.ContainerOptions); err != nil {
		return nil, err
	}

	return cmd, nil
}
