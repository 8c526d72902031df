// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	Store struct {
		Path     string `json:"path"`
		InMemory bool   `json:"in_memory"`
	} `json:"store"`

	Content struct {
		CacheSize   int `json:"cache_size"`   // LRU entries for file bodies
		CompressMin int `json:"compress_min"` // bytes; smaller bodies stay raw
	} `json:"content"`

	Environment string `json:"environment"` // dev, prod
	LogLevel    string `json:"log_level"`   // debug, info, warn, error
}

func DefaultPath() string {
	env := os.Getenv("FORGE_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	return &config, nil
}

func applyDefaults(c *Config) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Content.CacheSize == 0 {
		c.Content.CacheSize = 1024
	}
	if c.Content.CompressMin == 0 {
		c.Content.CompressMin = 1024
	}
	if c.Store.Path == "" {
		c.Store.Path = ".forge/db"
	}
}
