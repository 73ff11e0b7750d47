// Package config loads engine configuration from a YAML file with
// environment variable overrides and sane defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Port string `yaml:"port"`

	Capital struct {
		MinReserveRatio float64 `yaml:"min_reserve_ratio"`
		DataDir         string  `yaml:"data_dir"`
	} `yaml:"capital"`

	Retry struct {
		MaxAttempts  int           `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		MaxDelay     time.Duration `yaml:"max_delay"`
	} `yaml:"retry"`

	Breaker struct {
		Threshold int           `yaml:"threshold"`
		Cooldown  time.Duration `yaml:"cooldown"`
	} `yaml:"breaker"`

	Heartbeat struct {
		Cron string `yaml:"cron"`
	} `yaml:"heartbeat"`

	DatabaseURL  string `yaml:"database_url"`
	RedisURL     string `yaml:"redis_url"`
	RedisChannel string `yaml:"redis_channel"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides, then defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Capital.DataDir = v
	}
	if v := os.Getenv("MIN_RESERVE_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Capital.MinReserveRatio = ratio
		}
	}
	if v := os.Getenv("HEARTBEAT_CRON"); v != "" {
		cfg.Heartbeat.Cron = v
	}

	// Defaults
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Capital.DataDir == "" {
		cfg.Capital.DataDir = "data"
	}
	if cfg.Capital.MinReserveRatio == 0 {
		cfg.Capital.MinReserveRatio = 0.1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = 5
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 60 * time.Second
	}
	if cfg.Heartbeat.Cron == "" {
		cfg.Heartbeat.Cron = "0 */5 * * * *" // every five minutes
	}
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = "capital-events"
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Capital.MinReserveRatio < 0 || c.Capital.MinReserveRatio > 1 {
		return fmt.Errorf("capital.min_reserve_ratio must be in [0,1], got %v", c.Capital.MinReserveRatio)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be at least 1")
	}
	return nil
}
