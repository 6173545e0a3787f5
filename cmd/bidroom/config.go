package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config wires the watcher to its collaborators. Values come from an
// optional YAML file, overridden by environment variables.
type Config struct {
	API struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"api"`
	Socket struct {
		URL            string `yaml:"url"`
		PingIntervalMS int    `yaml:"ping_interval_ms"`
	} `yaml:"socket"`
	Session struct {
		Token     string `yaml:"token"`
		UserEmail string `yaml:"user_email"`
	} `yaml:"session"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.API.BaseURL = getEnv("AUCTION_API_URL", config.API.BaseURL)
	config.Socket.URL = getEnv("AUCTION_SOCKET_URL", config.Socket.URL)
	config.Socket.PingIntervalMS = getEnvAsInt("AUCTION_SOCKET_PING_MS", config.Socket.PingIntervalMS)
	config.Session.Token = getEnv("AUCTION_TOKEN", config.Session.Token)
	config.Session.UserEmail = getEnv("AUCTION_USER_EMAIL", config.Session.UserEmail)

	if config.API.BaseURL == "" {
		return nil, fmt.Errorf("api base URL is required (AUCTION_API_URL)")
	}
	if config.Socket.URL == "" {
		return nil, fmt.Errorf("socket URL is required (AUCTION_SOCKET_URL)")
	}
	return &config, nil
}

func (c *Config) pingInterval() time.Duration {
	if c.Socket.PingIntervalMS <= 0 {
		return 0
	}
	return time.Duration(c.Socket.PingIntervalMS) * time.Millisecond
}
