package config

import (
	"fmt"
	"os"
	"time"

	"helpdesk-mail-engine/internal/models"

	"gopkg.in/yaml.v2"
)

// Defaults applied when the configuration file omits a value
const (
	DefaultInterval    = 60 * time.Second
	DefaultWarmupDelay = 5 * time.Second
	DefaultDialTimeout = 30 * time.Second
	DefaultFetchLimit  = 10
)

// Load reads the configuration from the specified YAML file and returns a Config struct
func Load(filepath string) (*models.Config, error) {
	configFile, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := yaml.Unmarshal(configFile, &config); err != nil {
		return nil, err
	}

	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.Polling.Interval <= 0 {
		cfg.Polling.Interval = DefaultInterval
	}
	if cfg.Polling.WarmupDelay <= 0 {
		cfg.Polling.WarmupDelay = DefaultWarmupDelay
	}
	if cfg.Polling.DialTimeout <= 0 {
		cfg.Polling.DialTimeout = DefaultDialTimeout
	}
	if cfg.Polling.FetchLimit <= 0 {
		cfg.Polling.FetchLimit = DefaultFetchLimit
	}
}

func validate(cfg *models.Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	return nil
}
