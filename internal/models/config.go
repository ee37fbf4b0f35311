package models

import "time"

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Polling  PollingConfig  `yaml:"polling"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig represents the ticket store connection settings
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// PollingConfig represents the per-desk mailbox polling settings
type PollingConfig struct {
	Interval    time.Duration `yaml:"interval"`
	WarmupDelay time.Duration `yaml:"warmupDelay"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	FetchLimit  int           `yaml:"fetchLimit"`
}

// LoggingConfig represents logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}
