package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "rsync"
	configFilename = "rsyncctl"
)

type config struct {
	DB        string `mapstructure:"db"`
	Out       string `mapstructure:"out"`
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	MaxEPS    int    `mapstructure:"max-eps"`
	Metrics   bool   `mapstructure:"metrics"`
	Config    string `mapstructure:"config"`
	SyncID    string `mapstructure:"sync-id"`
	Frames    string `mapstructure:"frames"`
}

// loadConfig merges rsyncctl.yaml (when present), RSYNC_* environment variables and
// the command's flags, in increasing order of precedence.
func loadConfig(cmd *cobra.Command) (*config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName(configFilename)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return nil, err
	}

	cfg := &config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
