// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable the hub reads at boot. All fields have
// defaults; the environment only overrides.
type Config struct {
	Host string
	Port int

	DriverBinary     string
	DriverTimeout    time.Duration
	DriverMaxRetries int
	DriverFlags      []string

	SearchHeartbeat  time.Duration
	SearchDirTimeout time.Duration
	SizeHeartbeat    time.Duration
	SizeDirTimeout   time.Duration

	LogLevel string
	DataDir  string
}

// FromEnv builds a Config from the environment, applying defaults for
// anything unset.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Host:             envString("HUB_HOST", "127.0.0.1"),
		DriverBinary:     envString("DRIVER_BINARY", "rclone"),
		LogLevel:         envString("LOG_LEVEL", "debug"),
		SearchHeartbeat:  time.Second,
		SearchDirTimeout: 30 * time.Second,
		SizeHeartbeat:    time.Second,
		SizeDirTimeout:   30 * time.Second,
		DriverTimeout:    300 * time.Second,
		DriverMaxRetries: 1,
	}

	var err error
	if cfg.Port, err = envInt("HUB_PORT", 8000); err != nil {
		return nil, err
	}
	if cfg.DriverMaxRetries, err = envInt("DRIVER_MAX_RETRIES", 1); err != nil {
		return nil, err
	}
	if cfg.DriverTimeout, err = envSeconds("DRIVER_TIMEOUT_SECONDS", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.SearchHeartbeat, err = envSeconds("SEARCH_HEARTBEAT_SECONDS", time.Second); err != nil {
		return nil, err
	}
	if cfg.SearchDirTimeout, err = envSeconds("SEARCH_DIR_TIMEOUT_SECONDS", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SizeHeartbeat, err = envSeconds("SIZE_HEARTBEAT_SECONDS", time.Second); err != nil {
		return nil, err
	}
	if cfg.SizeDirTimeout, err = envSeconds("SIZE_DIR_TIMEOUT_SECONDS", 30*time.Second); err != nil {
		return nil, err
	}

	if cfg.DriverFlags, err = SplitFlags(os.Getenv("DRIVER_FLAGS")); err != nil {
		return nil, fmt.Errorf("invalid DRIVER_FLAGS: %w", err)
	}

	cfg.DataDir = os.Getenv("HUB_DATA_DIR")
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".rclone-hub")
	}

	return cfg, nil
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DBPath returns the location of the embedded store file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "rclone_hub.db")
}

// DefaultStagingPath is where fallback bytes are buffered unless settings
// say otherwise.
func DefaultStagingPath() string {
	return filepath.Join(os.TempDir(), "rclone-hub-staging")
}

// SplitFlags tokenizes a flat flag string the way a POSIX shell would,
// honoring single and double quotes and backslash escapes.
func SplitFlags(s string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		inTok   bool
		quote   rune
	)
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inTok = true
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
			inTok = true
		case r == ' ' || r == '\t' || r == '\n':
			if inTok {
				tokens = append(tokens, current.String())
				current.Reset()
				inTok = false
			}
		default:
			current.WriteRune(r)
			inTok = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if inTok {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return time.Duration(f * float64(time.Second)), nil
}
