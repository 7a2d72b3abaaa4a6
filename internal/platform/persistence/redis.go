package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisTokenStore implements relay.TokenStore on Redis, storing each
// user's token list as one JSON array. Suited to deployments that keep
// user records elsewhere but want token write-backs cheap.
type RedisTokenStore struct {
	client redisClient
	logger zerolog.Logger
}

// NewRedisTokenStore is the constructor for the RedisTokenStore.
func NewRedisTokenStore(client redisClient, logger zerolog.Logger) (*RedisTokenStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisTokenStore{
		client: client,
		logger: logger.With().Str("component", "RedisTokenStore").Logger(),
	}, nil
}

func tokenKey(uid string) string { return "fcm:" + uid }

// TokenList fetches the stored push tokens for uid. A missing key means no
// tokens, not an error.
func (s *RedisTokenStore) TokenList(ctx context.Context, uid string) ([]string, error) {
	payload, err := s.client.Get(ctx, tokenKey(uid)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token list for %q: %w", uid, err)
	}

	var tokens []string
	if err := json.Unmarshal([]byte(payload), &tokens); err != nil {
		// A poison value. Treat it as empty so the user can rebuild the
		// list rather than being locked out.
		s.logger.Warn().Err(err).Str("user", uid).Msg("Discarding undecodable token list")
		return nil, nil
	}
	return tokens, nil
}

// SaveTokenList replaces the stored push tokens for uid.
func (s *RedisTokenStore) SaveTokenList(ctx context.Context, uid string, tokens []string) error {
	payload, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal token list: %w", err)
	}
	if err := s.client.Set(ctx, tokenKey(uid), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to save token list for %q: %w", uid, err)
	}
	return nil
}
