package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds all configuration for the ridesync worker
type Config struct {
	// Origin is the worker's home backend, tried after Hosts
	Origin string   `json:"origin"`
	Hosts  []string `json:"hosts"`

	APIPrefix  string `json:"apiPrefix"`
	StatusPath string `json:"statusPath"`

	DBPath         string   `json:"dbPath"`
	ListenAddr     string   `json:"listenAddr"`
	AllowedOrigins []string `json:"allowedOrigins"` // websocket origin patterns for /rpc

	ProbeTimeout    Duration `json:"probeTimeout"`
	FetchTimeout    Duration `json:"fetchTimeout"`
	RPCTimeout      Duration `json:"rpcTimeout"`
	SyncInterval    Duration `json:"syncInterval"` // 0 disables the periodic sync
	SyncConcurrency int      `json:"syncConcurrency"`
	MaxSyncAttempts int      `json:"maxSyncAttempts"` // 0 never dead-letters

	// Resources are the frontend paths cached at startup and by update
	Resources []string `json:"resources"`

	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile"` // rotated with lumberjack when set
	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"` // console logging, permissive websocket origins
}

// Duration is a time.Duration written as "5s" in JSON
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Origin:          "http://localhost:8081",
		Hosts:           []string{},
		APIPrefix:       "/api",
		StatusPath:      "/api/status",
		DBPath:          "ridesync.db",
		ListenAddr:      ":8090",
		AllowedOrigins:  []string{},
		ProbeTimeout:    Duration{5 * time.Second},
		FetchTimeout:    Duration{5 * time.Second},
		RPCTimeout:      Duration{10 * time.Second},
		SyncInterval:    Duration{time.Minute},
		SyncConcurrency: 4,
		MaxSyncAttempts: 5,
		Resources:       []string{"/", "/index.html"},
		LogLevel:        "info",
	}
}

// SeedHosts returns Hosts followed by Origin, without duplicates
func (c *Config) SeedHosts() []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(c.Hosts)+1)
	for _, h := range append(append([]string{}, c.Hosts...), c.Origin) {
		h = strings.TrimRight(strings.TrimSpace(h), "/")
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	seeds := c.SeedHosts()
	if len(seeds) == 0 {
		return ErrNoHosts
	}
	for _, h := range seeds {
		u, err := url.Parse(h)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidHost, h)
		}
	}

	if !strings.HasPrefix(c.APIPrefix, "/") || !strings.HasPrefix(c.StatusPath, "/") {
		return ErrInvalidAPIPrefix
	}

	if c.DBPath == "" {
		return ErrMissingDBPath
	}
	if c.ListenAddr == "" {
		return ErrMissingListenAddr
	}

	if c.ProbeTimeout.Duration <= 0 || c.FetchTimeout.Duration <= 0 || c.RPCTimeout.Duration <= 0 {
		return ErrInvalidTimeout
	}
	if c.SyncInterval.Duration < 0 || c.SyncConcurrency < 1 || c.MaxSyncAttempts < 0 {
		return ErrInvalidSyncSettings
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}

	return nil
}
