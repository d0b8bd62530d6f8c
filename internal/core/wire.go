package core

import (
	"github.com/google/wire"
)

// ProviderSet is the Wire provider set for the broker domain.
var ProviderSet = wire.NewSet(
	NewBroker,
	NewMetrics,
)
