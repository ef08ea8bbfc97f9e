// Package config loads client and relay configuration: a YAML file for
// the client, environment variables (with optional .env) for the relay.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Client is the pomodoro client configuration. Every field has a
// usable zero-config default; flags override file values.
type Client struct {
	Server string `yaml:"server"`
	Name   string `yaml:"name"`
	Timer  struct {
		WorkMinutes       int `yaml:"work_minutes"`
		ShortBreakMinutes int `yaml:"short_break_minutes"`
		LongBreakMinutes  int `yaml:"long_break_minutes"`
		PomodorosPerCycle int `yaml:"pomodoros_per_cycle"`
	} `yaml:"timer"`
}

// LoadClient reads a client config file. A missing file is not an
// error when the path is the default one; callers get zero values and
// rely on defaults downstream.
func LoadClient(path string, required bool) (*Client, error) {
	var cfg Client
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Relay is the relay server configuration, sourced from the
// environment.
type Relay struct {
	ListenAddr string
	LogLevel   string
}

// RelayFromEnv loads relay settings from the environment, reading a
// .env file first when present.
func RelayFromEnv() Relay {
	_ = godotenv.Load()
	return Relay{
		ListenAddr: getEnv("RELAY_LISTEN_ADDR", ":8787"),
		LogLevel:   getEnv("RELAY_LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
