// Package server implements the terminal broker runtime: it binds the
// HTTP listener (WebSocket endpoint, health, metrics) and the session
// broker, running them in parallel via transport.Serve.
package server

import (
	"context"
	"fmt"

	"github.com/ably/cli-terminal-server/internal/core"
	"github.com/ably/cli-terminal-server/internal/handler"
	"github.com/ably/cli-terminal-server/internal/transport"
	"github.com/ably/cli-terminal-server/internal/transport/http"
)

// Config holds the runtime parameters for a Server.
type Config struct {
	Address        string
	AllowedOrigins []string
}

// Server binds the HTTP listener and the session broker. The broker is
// a transport.Listener too, so both share one lifecycle: shutdown
// drains the listener and terminates every session.
type Server struct {
	handler *handler.Handler
	broker  *core.Broker
}

// NewServer returns a Server wired to the given handler and broker.
func NewServer(handler *handler.Handler, broker *core.Broker) *Server {
	return &Server{handler: handler, broker: broker}
}

// Run starts the HTTP listener and the broker's sweep loop. It blocks
// until ctx is cancelled or an unrecoverable error occurs.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	httpSrv, err := http.NewServer(
		http.WithAddress(cfg.Address),
		http.WithAllowedOrigins(cfg.AllowedOrigins),
		http.WithMount(s.handler.Mount),
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	return transport.Serve(ctx, httpSrv, s.broker)
}
