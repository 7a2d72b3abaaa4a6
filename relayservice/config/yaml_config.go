package config

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlTokenStoreConfig struct {
	Type  string          `yaml:"type"` // "firestore" or "redis"
	Redis YamlRedisConfig `yaml:"redis"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID       string               `yaml:"project_id"`
	RunMode         string               `yaml:"run_mode"` // "linked" or "unlinked"
	RelayID         string               `yaml:"relay_id"`
	WebSocketPort   string               `yaml:"websocket_port"`
	IdentityJWKSURL string               `yaml:"identity_jwks_url"`
	Cors            YamlCorsConfig       `yaml:"cors"`
	GroupCapacity   int                  `yaml:"group_capacity"`
	TokenListLimit  int                  `yaml:"token_list_limit"`
	TokenStore      YamlTokenStoreConfig `yaml:"token_store"`
	PushTopicID     string               `yaml:"push_topic_id"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// clean, base AppConfig struct. Stage 1 complete: the AppConfig struct now
// exists, but without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	appCfg := &AppConfig{
		ProjectID:       yamlCfg.ProjectID,
		RunMode:         yamlCfg.RunMode,
		RelayID:         yamlCfg.RelayID,
		WebSocketPort:   yamlCfg.WebSocketPort,
		IdentityJWKSURL: yamlCfg.IdentityJWKSURL,
		Cors:            yamlCfg.Cors,
		GroupCapacity:   yamlCfg.GroupCapacity,
		TokenListLimit:  yamlCfg.TokenListLimit,
		TokenStore:      yamlCfg.TokenStore,
		PushTopicID:     yamlCfg.PushTopicID,
	}
	return appCfg, nil
}
