// Package config loads the gojotxn configuration file.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotxn/core/dataset"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

// Config is the whole configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Store     dataset.Config   `yaml:"store"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:  "info",
			Format: "console",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "gojotxn",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
		Store: dataset.DefaultConfig(),
	}
}

// Load reads the YAML file at path over Default. Keys missing from the file
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Store.Dir == "" {
		return errors.New("store.dir must be set")
	}
	if c.Store.MirrorRate < 0 {
		return errors.Errorf("store.mirror_rate must not be negative, got %d", c.Store.MirrorRate)
	}
	if c.Telemetry.Enabled && c.Telemetry.PrometheusPort <= 0 {
		return errors.Errorf("telemetry.prometheus_port must be positive, got %d", c.Telemetry.PrometheusPort)
	}
	return nil
}
