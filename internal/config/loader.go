package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "RIDESYNC_"

// Load loads configuration from a file path and applies environment variable overrides
// Validation is deferred to allow CLI flag overrides to be applied first
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnvironment creates a configuration using only environment variables
// Validation is deferred to allow CLI flag overrides to be applied first
func LoadFromEnvironment() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile decodes a JSON file over cfg; absent keys keep their defaults
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// splitList splits a comma-separated list, dropping blanks
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	return s == "true" || s == "1"
}

// applyEnvironmentOverrides applies configuration from RIDESYNC_* variables
func applyEnvironmentOverrides(cfg *Config) error {
	texts := map[string]*string{
		"ORIGIN":      &cfg.Origin,
		"API_PREFIX":  &cfg.APIPrefix,
		"STATUS_PATH": &cfg.StatusPath,
		"DB_PATH":     &cfg.DBPath,
		"LISTEN_ADDR": &cfg.ListenAddr,
		"LOG_LEVEL":   &cfg.LogLevel,
		"LOG_FILE":    &cfg.LogFile,
	}
	for name, dst := range texts {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	lists := map[string]*[]string{
		"HOSTS":           &cfg.Hosts,
		"ALLOWED_ORIGINS": &cfg.AllowedOrigins,
		"RESOURCES":       &cfg.Resources,
	}
	for name, dst := range lists {
		if v, ok := lookup(name); ok {
			*dst = splitList(v)
		}
	}

	durations := map[string]*Duration{
		"PROBE_TIMEOUT": &cfg.ProbeTimeout,
		"FETCH_TIMEOUT": &cfg.FetchTimeout,
		"RPC_TIMEOUT":   &cfg.RPCTimeout,
		"SYNC_INTERVAL": &cfg.SyncInterval,
	}
	for name, dst := range durations {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q", ErrInvalidEnvValue, EnvPrefix, name, v)
			}
			dst.Duration = d
		}
	}

	ints := map[string]*int{
		"SYNC_CONCURRENCY":  &cfg.SyncConcurrency,
		"MAX_SYNC_ATTEMPTS": &cfg.MaxSyncAttempts,
	}
	for name, dst := range ints {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q", ErrInvalidEnvValue, EnvPrefix, name, v)
			}
			*dst = n
		}
	}

	if v, ok := lookup("DEBUG"); ok && parseBool(v) {
		cfg.Debug = true
	}
	if v, ok := lookup("DEV_MODE"); ok && parseBool(v) {
		cfg.DevMode = true
	}

	return nil
}
