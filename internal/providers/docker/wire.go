package docker

import (
	"github.com/google/wire"

	"github.com/ably/cli-terminal-server/internal/core"
)

// ProviderSet is the Wire provider set for the Docker runtime.
var ProviderSet = wire.NewSet(
	New,
	NewAPIClient,
	wire.Bind(new(core.ContainerRuntime), new(*Runtime)),
)
