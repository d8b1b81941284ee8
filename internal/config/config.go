// Package config provides configuration for the chat client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the client configuration.
type Config struct {
	// Backend settings
	APIURL      string
	SocketURL   string
	AccessToken string
	HTTPTimeout time.Duration

	// Reconciliation settings
	RefetchInterval    time.Duration
	StreamStallTimeout time.Duration

	// Push reconnect settings
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration

	// Logging
	LogLevel string
}

// fileConfig mirrors Config in the YAML file. Absent keys keep defaults.
type fileConfig struct {
	APIURL               string `yaml:"apiUrl"`
	SocketURL            string `yaml:"socketUrl"`
	AccessToken          string `yaml:"accessToken"`
	HTTPTimeoutMS        int    `yaml:"httpTimeoutMs"`
	RefetchIntervalMS    int    `yaml:"refetchIntervalMs"`
	StreamStallTimeoutMS int    `yaml:"streamStallTimeoutMs"`
	ReconnectAttempts    int    `yaml:"reconnectAttempts"`
	ReconnectBaseMS      int    `yaml:"reconnectBaseMs"`
	ReconnectMaxMS       int    `yaml:"reconnectMaxMs"`
	LogLevel             string `yaml:"logLevel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIURL:             "http://localhost:8080",
		SocketURL:          "ws://localhost:8080/ws",
		HTTPTimeout:        30 * time.Second,
		RefetchInterval:    5 * time.Minute,
		StreamStallTimeout: time.Minute,
		ReconnectAttempts:  10,
		ReconnectBase:      time.Second,
		ReconnectMax:       10 * time.Second,
		LogLevel:           "info",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// MIMIR_CONFIG if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("MIMIR_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	setString(&c.APIURL, fc.APIURL)
	setString(&c.SocketURL, fc.SocketURL)
	setString(&c.AccessToken, fc.AccessToken)
	setString(&c.LogLevel, fc.LogLevel)
	setMillis(&c.HTTPTimeout, fc.HTTPTimeoutMS)
	setMillis(&c.RefetchInterval, fc.RefetchIntervalMS)
	setMillis(&c.StreamStallTimeout, fc.StreamStallTimeoutMS)
	setMillis(&c.ReconnectBase, fc.ReconnectBaseMS)
	setMillis(&c.ReconnectMax, fc.ReconnectMaxMS)
	if fc.ReconnectAttempts > 0 {
		c.ReconnectAttempts = fc.ReconnectAttempts
	}
	return nil
}

func (c *Config) loadEnv() {
	c.APIURL = getEnv("MIMIR_API_URL", c.APIURL)
	c.SocketURL = getEnv("MIMIR_SOCKET_URL", c.SocketURL)
	c.AccessToken = getEnv("MIMIR_ACCESS_TOKEN", c.AccessToken)
	c.HTTPTimeout = getEnvMillis("HTTP_TIMEOUT_MS", c.HTTPTimeout)
	c.RefetchInterval = getEnvMillis("REFETCH_INTERVAL_MS", c.RefetchInterval)
	c.StreamStallTimeout = getEnvMillis("STREAM_STALL_TIMEOUT_MS", c.StreamStallTimeout)
	c.ReconnectAttempts = getEnvInt("WS_RECONNECT_ATTEMPTS", c.ReconnectAttempts)
	c.ReconnectBase = getEnvMillis("WS_RECONNECT_BASE_MS", c.ReconnectBase)
	c.ReconnectMax = getEnvMillis("WS_RECONNECT_MAX_MS", c.ReconnectMax)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setMillis(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	ms := getEnvInt(key, -1)
	if ms < 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}
