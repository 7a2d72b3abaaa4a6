package cmd

import (
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-relay-service/internal/platform/identity"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// NewUnlinkedDependencies creates the dependency container for a relay
// with no account platform: handshake identities are trusted verbatim and
// user records, token persistence and push all stay switched off.
func NewUnlinkedDependencies(logger zerolog.Logger) *relay.Dependencies {
	logger.Warn().Msg("Running unlinked. Identities are unverified and nothing is persisted.")
	return &relay.Dependencies{
		Verifier: identity.Passthrough{},
	}
}
