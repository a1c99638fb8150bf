package config

import "errors"

var (
	// ErrNoHosts indicates that neither origin nor hosts is configured
	ErrNoHosts = errors.New("origin or hosts is required in configuration")

	// ErrInvalidHost indicates that a host is not an absolute origin
	ErrInvalidHost = errors.New("hosts must be absolute origins like https://example.com")

	// ErrInvalidAPIPrefix indicates that the API prefix does not start with a slash
	ErrInvalidAPIPrefix = errors.New("apiPrefix must start with /")

	// ErrMissingDBPath indicates that the local database path is not configured
	ErrMissingDBPath = errors.New("dbPath is required in configuration")

	// ErrMissingListenAddr indicates that the listen address is not configured
	ErrMissingListenAddr = errors.New("listenAddr is required in configuration")

	// ErrInvalidTimeout indicates that a timeout is zero or negative
	ErrInvalidTimeout = errors.New("timeouts must be positive")

	// ErrInvalidSyncSettings indicates out of range sync tuning
	ErrInvalidSyncSettings = errors.New("syncInterval and maxSyncAttempts must not be negative and syncConcurrency must be at least 1")

	// ErrInvalidLogLevel indicates an unknown log level
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")

	// ErrInvalidEnvValue indicates an environment override that cannot be parsed
	ErrInvalidEnvValue = errors.New("invalid environment value")
)
