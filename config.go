package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"perplexity-relay/internal/constants"

	"github.com/joho/godotenv"
)

// Config holds everything main needs to wire the server together.
type Config struct {
	ListenAddr string
	LogLevel   string

	UpstreamURL string

	// Credential sources, consulted in order: environment, YAML file, config.js.
	EnvAPIKeyName       string
	ConfigJSPath        string
	CredentialsYAMLPath string
	WatchCredentials    bool

	ConnectTimeout  time.Duration
	HeaderTimeout   time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Default values
const (
	defaultListenAddr      = "0.0.0.0:999"
	defaultConfigJSPath    = "static/js/config.js"
	defaultConnectTimeout  = 10 * time.Second
	defaultHeaderTimeout   = 60 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// loadConfig reads an optional .env file and then the process environment.
// Variables already present in the environment are never overwritten by .env.
func loadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, path := range envFiles {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		ListenAddr:          getEnvString("LISTEN_ADDR", defaultListenAddr),
		LogLevel:            strings.ToLower(os.Getenv("LOG_LEVEL")),
		UpstreamURL:         getEnvString("PERPLEXITY_API_URL", constants.DefaultUpstreamURL),
		EnvAPIKeyName:       "PERPLEXITY_API_KEY",
		ConfigJSPath:        getEnvString("CONFIG_JS_PATH", defaultConfigJSPath),
		CredentialsYAMLPath: os.Getenv("CREDENTIALS_YAML_PATH"),
	}

	var err error
	if cfg.WatchCredentials, err = getEnvBool("WATCH_CREDENTIALS", false); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = getEnvDuration("UPSTREAM_CONNECT_TIMEOUT", defaultConnectTimeout); err != nil {
		return nil, err
	}
	if cfg.HeaderTimeout, err = getEnvDuration("UPSTREAM_HEADER_TIMEOUT", defaultHeaderTimeout); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = getEnvDuration("UPSTREAM_IDLE_TIMEOUT", defaultIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, value)
	}
	return parsed, nil
}
