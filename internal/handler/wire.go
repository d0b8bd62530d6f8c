package handler

import "github.com/google/wire"

// ProviderSet is the Wire provider set for the HTTP handlers.
var ProviderSet = wire.NewSet(
	NewTerminal,
	NewHandler,
)
