package relayservice_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-relay-service/internal/platform/identity"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
	"github.com/tinywideclouds/go-relay-service/relayservice"
	"github.com/tinywideclouds/go-relay-service/relayservice/config"
)

func TestNew(t *testing.T) {
	cfg := &config.AppConfig{
		RunMode:        config.RunModeUnlinked,
		WebSocketPort:  "0",
		GroupCapacity:  config.DefaultGroupCapacity,
		TokenListLimit: config.DefaultTokenListLimit,
	}

	t.Run("UnlinkedDependencies", func(t *testing.T) {
		svc, err := relayservice.New(cfg, &relay.Dependencies{Verifier: identity.Passthrough{}}, zerolog.Nop())
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("MissingVerifier", func(t *testing.T) {
		_, err := relayservice.New(cfg, &relay.Dependencies{}, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("NilDependencies", func(t *testing.T) {
		_, err := relayservice.New(cfg, nil, zerolog.Nop())
		assert.Error(t, err)
	})
}
