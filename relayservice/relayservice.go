// Package relayservice wires the relay's components into one runnable
// service: group registry, protocol table, session lifecycle and the
// WebSocket surface.
package relayservice

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-relay-service/internal/group"
	"github.com/tinywideclouds/go-relay-service/internal/protocol"
	v1 "github.com/tinywideclouds/go-relay-service/internal/protocol/v1"
	"github.com/tinywideclouds/go-relay-service/internal/realtime"
	"github.com/tinywideclouds/go-relay-service/internal/session"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
	"github.com/tinywideclouds/go-relay-service/relayservice/config"
)

// Wrapper owns the assembled relay service.
type Wrapper struct {
	connManager *realtime.ConnectionManager
	logger      zerolog.Logger
}

// New creates and wires up the entire relay service. Nil entries in
// dependencies besides the verifier are allowed and put the matching
// feature (user records, token persistence, push) out of action, which is
// how unlinked mode runs.
func New(cfg *config.AppConfig, dependencies *relay.Dependencies, logger zerolog.Logger) (*Wrapper, error) {
	if dependencies == nil || dependencies.Verifier == nil {
		return nil, fmt.Errorf("an identity verifier is required")
	}

	registry := group.NewRegistry(cfg.GroupCapacity, cfg.TokenListLimit, logger)

	proto := v1.New(
		v1.Config{RelayID: cfg.RelayID},
		dependencies.Verifier,
		dependencies.Users,
		dependencies.Push,
		logger,
	)

	lifecycle := session.NewLifecycle(registry, protocol.NewRegistry(proto), dependencies.Tokens, logger)

	connManager, err := realtime.NewConnectionManager(
		cfg.WebSocketPort,
		cfg.Cors.AllowedOrigins,
		lifecycle,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	return &Wrapper{
		connManager: connManager,
		logger:      logger.With().Str("component", "RelayService").Logger(),
	}, nil
}

// Start runs the WebSocket server until it fails or is shut down.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info().Msg("Relay service starting...")
	return w.connManager.Start(ctx)
}

// Shutdown gracefully stops the service.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down relay service...")
	if err := w.connManager.Shutdown(ctx); err != nil {
		return err
	}
	w.logger.Info().Msg("Relay service shut down.")
	return nil
}
