// Local development entrypoint: runs the relay unlinked, with no external
// dependencies, on the port in the embedded config.
package main

import (
	"context"
	_ "embed"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-relay-service/cmd"
	"github.com/tinywideclouds/go-relay-service/internal/app"
	"github.com/tinywideclouds/go-relay-service/relayservice"
	"github.com/tinywideclouds/go-relay-service/relayservice/config"
)

//go:embed config.yaml
var configFile []byte

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-relay-service").Logger()

	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error().Err(err).Msg("Failed to unmarshal embedded yaml config")
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build base configuration")
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to finalize configuration")
		os.Exit(1)
	}

	service, err := relayservice.New(cfg, cmd.NewUnlinkedDependencies(logger), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create relay service")
		os.Exit(1)
	}

	app.Run(context.Background(), logger, service)
}
