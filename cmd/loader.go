package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-relay-service/relayservice/config"
)

//go:embed prod/config.yaml
var configFile []byte

// Load parses the embedded configuration file for the service, then
// finalizes it with environment overrides and validation.
func Load(logger zerolog.Logger) (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}

	baseCfg, err := config.NewConfigFromYaml(&yamlCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	return config.UpdateConfigWithEnvOverrides(baseCfg, logger)
}
