package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Run modes.
const (
	// RunModeLinked validates identities against the account platform and
	// persists user records and push tokens.
	RunModeLinked = "linked"
	// RunModeUnlinked trusts handshake parameters verbatim and keeps all
	// state in memory. For local development and self-hosted setups.
	RunModeUnlinked = "unlinked"
)

// Defaults applied when the YAML leaves a value unset.
const (
	DefaultWebSocketPort  = "1259"
	DefaultGroupCapacity  = 4
	DefaultTokenListLimit = 8
)

// AppConfig is the canonical, validated configuration object used
// throughout the application. It is created by NewConfigFromYaml (Stage 1)
// and finalized by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID       string
	RunMode         string
	RelayID         string
	WebSocketPort   string
	IdentityJWKSURL string
	Cors            YamlCorsConfig
	GroupCapacity   int
	TokenListLimit  int
	TokenStore      YamlTokenStoreConfig
	PushTopicID     string
}

// Unlinked reports whether the relay runs without the account platform.
func (c *AppConfig) Unlinked() bool {
	return c.RunMode == RunModeUnlinked
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables, defaults and
// final validation. This function completes "Stage 2" of configuration
// loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		logger.Debug().Str("key", "GCP_PROJECT_ID").Msg("Overriding config value from env")
		cfg.ProjectID = projectID
	}
	if relayID := os.Getenv("RELAY_ID"); relayID != "" {
		logger.Debug().Str("key", "RELAY_ID").Msg("Overriding config value from env")
		cfg.RelayID = relayID
	}
	if port := os.Getenv("WEBSOCKET_PORT"); port != "" {
		logger.Debug().Str("key", "WEBSOCKET_PORT").Msg("Overriding config value from env")
		cfg.WebSocketPort = port
	}
	if jwksURL := os.Getenv("IDENTITY_JWKS_URL"); jwksURL != "" {
		logger.Debug().Str("key", "IDENTITY_JWKS_URL").Msg("Overriding config value from env")
		cfg.IdentityJWKSURL = jwksURL
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug().Str("key", "REDIS_ADDR").Msg("Overriding config value from env")
		cfg.TokenStore.Redis.Addr = redisAddr
	}
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug().Str("key", "CORS_ALLOWED_ORIGINS").Msg("Overriding config value from env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.Cors.AllowedOrigins = cleanOrigins
	}

	// Defaults.
	if cfg.RunMode == "" {
		cfg.RunMode = RunModeLinked
	}
	if cfg.WebSocketPort == "" {
		cfg.WebSocketPort = DefaultWebSocketPort
	}
	if cfg.GroupCapacity <= 0 {
		cfg.GroupCapacity = DefaultGroupCapacity
	}
	if cfg.TokenListLimit <= 0 {
		cfg.TokenListLimit = DefaultTokenListLimit
	}

	// Final validation.
	if cfg.RunMode != RunModeLinked && cfg.RunMode != RunModeUnlinked {
		return nil, fmt.Errorf("run_mode must be %q or %q, got %q", RunModeLinked, RunModeUnlinked, cfg.RunMode)
	}
	if !cfg.Unlinked() {
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
		}
		if cfg.IdentityJWKSURL == "" {
			return nil, fmt.Errorf("IDENTITY_JWKS_URL is not set in config or env var")
		}
		if cfg.RelayID == "" {
			return nil, fmt.Errorf("relay_id is not set in config or env var")
		}
		// An empty allow-list admits every origin; that is only acceptable
		// for unlinked development setups.
		if len(cfg.Cors.AllowedOrigins) == 0 {
			return nil, fmt.Errorf("cors.allowed_origins is not set in config or CORS_ALLOWED_ORIGINS env var")
		}
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
