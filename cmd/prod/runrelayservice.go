package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-relay-service/cmd"
	"github.com/tinywideclouds/go-relay-service/internal/app"
	"github.com/tinywideclouds/go-relay-service/internal/platform/identity"
	"github.com/tinywideclouds/go-relay-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-relay-service/internal/platform/push"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
	"github.com/tinywideclouds/go-relay-service/relayservice"
	"github.com/tinywideclouds/go-relay-service/relayservice/config"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-relay-service").Logger()

	// 2. Load config.yaml and apply environment overrides
	cfg, err := cmd.Load(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// 3. Create dependencies
	ctx := context.Background()
	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}

	// 4. Create the service
	service, err := relayservice.New(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create relay service")
	}

	// 5. Run the application
	app.Run(ctx, logger, service)
}

// newDependencies builds the service dependency container.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*relay.Dependencies, error) {
	if cfg.Unlinked() {
		return cmd.NewUnlinkedDependencies(logger), nil
	}
	return newProdDependencies(ctx, cfg, logger)
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*relay.Dependencies, error) {
	verifier, err := identity.NewJWKSVerifier(ctx, cfg.IdentityJWKSURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity verifier: %w", err)
	}

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to firestore: %w", err)
	}
	userStore, err := persistence.NewFirestoreStore(fsClient, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create user store: %w", err)
	}

	tokenStore, err := newTokenStore(ctx, cfg, userStore, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	pushNotifier, err := newPushNotifier(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create push notifier: %w", err)
	}

	return &relay.Dependencies{
		Verifier: verifier,
		Users:    userStore,
		Tokens:   tokenStore,
		Push:     pushNotifier,
	}, nil
}

// newTokenStore creates the pluggable token store based on config.
func newTokenStore(ctx context.Context, cfg *config.AppConfig, firestoreStore *persistence.FirestoreStore, logger zerolog.Logger) (relay.TokenStore, error) {
	storeType := cfg.TokenStore.Type
	logger.Info().Str("type", storeType).Msg("Initializing token store...")

	switch storeType {
	case "", "firestore":
		return firestoreStore, nil

	case "redis":
		redisAddr := cfg.TokenStore.Redis.Addr
		if redisAddr == "" {
			return nil, fmt.Errorf("token_store type is redis but no address is configured")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		// Test the connection
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis token store at %s: %w", redisAddr, err)
		}
		logger.Info().Str("addr", redisAddr).Msg("Connected to Redis token store")
		return persistence.NewRedisTokenStore(rdb, logger)

	default:
		return nil, fmt.Errorf("invalid token_store type: %s (must be 'firestore' or 'redis')", storeType)
	}
}

// newPushNotifier creates a Pub/Sub-backed push notifier, or none when no
// topic is configured.
func newPushNotifier(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (relay.PushNotifier, error) {
	if cfg.PushTopicID == "" {
		logger.Warn().Msg("No push topic configured; push wake-ups are disabled")
		return nil, nil
	}

	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
	}
	return push.NewPubSubNotifier(psClient.Publisher(cfg.PushTopicID), logger)
}
