// Package config loads server configuration from an optional TOML file
// with environment variable overrides. Every field has a usable default
// so the server runs with no configuration at all.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Store  StoreConfig  `toml:"store"`
	Kafka  KafkaConfig  `toml:"kafka"`
}

type ServerConfig struct {
	Addr            string `toml:"addr"`
	RequestTimeout  string `toml:"request_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

type StoreConfig struct {
	// DatabaseURL empty selects the in-memory store.
	DatabaseURL string `toml:"database_url"`
	// RedisAddr empty disables the read-through cache.
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
}

type KafkaConfig struct {
	// Brokers empty disables event publishing.
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// Default returns the zero-config defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RequestTimeout:  "30s",
			ShutdownTimeout: "10s",
		},
		Kafka: KafkaConfig{Topic: "market-events"},
	}
}

// Load reads the TOML file named by MARKET_ENGINE_CONFIG (if set), then
// applies environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("MARKET_ENGINE_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if v := os.Getenv("ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Store.RedisPassword = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	return cfg, nil
}
