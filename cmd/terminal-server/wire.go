//go:build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/spf13/cobra"

	"github.com/ably/cli-terminal-server/internal/cmd"
	"github.com/ably/cli-terminal-server/internal/config"
	"github.com/ably/cli-terminal-server/internal/core"
	"github.com/ably/cli-terminal-server/internal/handler"
	"github.com/ably/cli-terminal-server/internal/providers/docker"
	"github.com/ably/cli-terminal-server/internal/server"
)

func wireCmd() (*cobra.Command, func(), error) {
	panic(wire.Build(
		newCmd,
		config.ProviderSet,
	))
}

func wireServer(*config.Config) (*server.Server, func(), error) {
	panic(wire.Build(
		provideBrokerConfig,
		provideDockerConfig,
		provideHandlerConfig,
		core.ProviderSet,
		docker.ProviderSet,
		handler.ProviderSet,
		cmd.ProviderSet,
	))
}
