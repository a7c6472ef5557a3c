package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// envKeys are settings that can be overridden from the environment without
// appearing in the config file (SAMGPT_SERVER_PORT, SAMGPT_TRANSPORT_BASE_URL, ...).
var envKeys = []string{
	"server.host",
	"server.port",
	"transport.base_url",
	"observability.logging.level",
	"observability.metrics.enabled",
	"observability.metrics.prometheus_port",
	"observability.tracing.enabled",
	"scheduler.enabled",
}

// Load reads the configuration file and applies environment overrides on top
// of Default. When path is empty, config.yaml is searched in $HOME/.samgpt
// and the working directory; a missing file is not an error. An explicit
// path that cannot be read is.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.samgpt")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SAMGPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
