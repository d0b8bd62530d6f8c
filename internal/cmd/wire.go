package cmd

import (
	"github.com/google/wire"

	"github.com/ably/cli-terminal-server/internal/server"
)

// ProviderSet is the Wire provider set for the CLI layer.
var ProviderSet = wire.NewSet(
	server.NewServer,
)
