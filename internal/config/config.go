// Package config loads configuration from environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all githubfuse configuration.
type Config struct {
	// GitHub
	APIBaseURL string // REST API base, e.g. https://api.github.com
	RemoteBase string // clone URL base, e.g. https://github.com
	Token      string // bearer credential, optional for public content

	// Materialization
	StagingDir   string        // where working copies are kept
	RepoTTL      time.Duration // staleness bound before refresh
	WaitTimeout  time.Duration // bound on waiting for an in-flight clone
	CloneTimeout time.Duration // bound on a single git invocation

	// Directory cache
	DirCacheTTL time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics ("" disables the listener)
	MetricsAddr string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		APIBaseURL:   envOr("GITHUBFUSE_API_URL", "https://api.github.com"),
		RemoteBase:   envOr("GITHUBFUSE_REMOTE_URL", "https://github.com"),
		Token:        envOr("GITHUB_TOKEN", ""),
		StagingDir:   envOr("GITHUBFUSE_STAGING_DIR", defaultStagingDir()),
		RepoTTL:      envDuration("GITHUBFUSE_REPO_TTL", 30*time.Minute),
		WaitTimeout:  envDuration("GITHUBFUSE_WAIT_TIMEOUT", 60*time.Second),
		CloneTimeout: envDuration("GITHUBFUSE_CLONE_TIMEOUT", 5*time.Minute),
		DirCacheTTL:  envDuration("GITHUBFUSE_DIRCACHE_TTL", 5*time.Second),
		LogLevel:     envOr("GITHUBFUSE_LOG_LEVEL", "info"),
		LogFormat:    envOr("GITHUBFUSE_LOG_FORMAT", "console"),
		MetricsAddr:  envOr("GITHUBFUSE_METRICS_ADDR", ""),
	}

	// A token file wins over the bare environment variable, successor to
	// the old config.ini credential.
	if path := os.Getenv("GITHUBFUSE_TOKEN_FILE"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			cfg.Token = strings.TrimSpace(string(data))
		}
	}

	return cfg
}

func defaultStagingDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/githubfuse"
	}
	return filepath.Join(home, ".cache", "githubfuse")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
