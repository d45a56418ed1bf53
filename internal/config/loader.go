package config

import (
	"fmt"
	"path"
	"strings"

	"github.com/crazy-max/gonfig"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// EnvPrefix returns the prefix of the environment variables read for app,
// e.g. BBB_STREAM_PLAYER_ for bbb-stream-player.
func EnvPrefix(app string) string {
	envPrefix := strings.ReplaceAll(app, " ", "_")
	return strings.ToUpper(strings.ReplaceAll(envPrefix, "-", "_")) + "_"
}

// Load reads the configuration file (explicit or found in the usual places)
// and then the environment variables, each overriding what came before.
func (cfg *Config) Load(app, configFile string) error {
	if configFile == "" {
		configFile = app + ".yml"
	} else {
		configFile = path.Clean(configFile)
	}
	fileLoader := gonfig.NewFileLoader(gonfig.FileLoaderConfig{
		Filename: configFile,
		Finder: gonfig.Finder{
			BasePaths: []string{
				fmt.Sprintf("/etc/%s/%s", app, app),
				fmt.Sprintf("$HOME/.config/%s", app),
				fmt.Sprintf("./%s", app),
			},
			Extensions: []string{"yaml", "yml"},
		},
	})
	if found, err := fileLoader.Load(cfg); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to decode configuration from file: %s", fileLoader.GetFilename()))
	} else if !found {
		log.Debugf("no configuration file found: %s", fileLoader.GetFilename())
	} else {
		log.Printf("configuration loaded from file: %s", fileLoader.GetFilename())
	}

	envPrefix := EnvPrefix(app)
	envLoader := gonfig.NewEnvLoader(gonfig.EnvLoaderConfig{
		Prefix: envPrefix,
	})
	if found, err := envLoader.Load(cfg); err != nil {
		return errors.Wrap(err, "failed to decode configuration from environment variables")
	} else if !found {
		log.Debugf("no %s* environment variables defined", envPrefix)
	} else {
		log.Printf("configuration loaded from %d environment variables", len(envLoader.GetVars()))
	}

	return nil
}

// AudioProfile returns the overrides configured for format, if any.
func (cfg *Config) AudioProfile(format string) AudioProfile {
	if cfg.Audio.Profiles == nil {
		return AudioProfile{}
	}
	return cfg.Audio.Profiles[strings.ToLower(format)]
}
