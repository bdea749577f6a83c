/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables overriding the file,
// e.g. APIP_ES_CLIENT_MAX__BACKOFF=30s sets client.max_backoff.
const EnvPrefix = "APIP_ES_"

// Config holds all configuration of the event-stream binaries
type Config struct {
	Client  ClientConfig  `koanf:"client"`
	Server  ServerConfig  `koanf:"server"`
	Bridge  BridgeConfig  `koanf:"bridge"`
	Logging LoggingConfig `koanf:"logging"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// ClientConfig configures the stream client used by the tail command
type ClientConfig struct {
	// Endpoint is the full stream URL. When empty, ServerURL + "/sse/<random id>" is used.
	Endpoint       string            `koanf:"endpoint"`
	ServerURL      string            `koanf:"server_url"`
	InitialBackoff time.Duration     `koanf:"initial_backoff"`
	BackoffStep    time.Duration     `koanf:"backoff_step"`
	MaxBackoff     time.Duration     `koanf:"max_backoff"`
	Headers        map[string]string `koanf:"headers"`
}

// ServerConfig configures the broadcast server
type ServerConfig struct {
	Port            int           `koanf:"port"`
	Interval        time.Duration `koanf:"interval"`
	Retry           time.Duration `koanf:"retry"`
	Buffer          int           `koanf:"buffer"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// BridgeConfig configures the websocket bridge host
type BridgeConfig struct {
	Port             int           `koanf:"port"`
	Path             string        `koanf:"path"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	PingInterval     time.Duration `koanf:"ping_interval"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`

	// Backoff defaults for start messages that omit them
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	BackoffStep    time.Duration `koanf:"backoff_step"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
	Format string `koanf:"format"` // "json" or "text"
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// LoadConfig loads configuration from an optional file and environment
// variables. Priority: environment > file > defaults. Files ending in .yaml
// or .yml are parsed as YAML, anything else as TOML.
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), parserFor(configPath)); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	default:
		return toml.Parser()
	}
}

// envKey maps APIP_ES_SECTION_SOME__KEY to section.some_key.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)

	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
	return s
}

func defaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			ServerURL:      "http://localhost:8080",
			InitialBackoff: 10 * time.Millisecond,
			BackoffStep:    50 * time.Millisecond,
			MaxBackoff:     15 * time.Second,
		},
		Server: ServerConfig{
			Port:            8080,
			Interval:        time.Second,
			Retry:           500 * time.Millisecond,
			Buffer:          16,
			ShutdownTimeout: 10 * time.Second,
		},
		Bridge: BridgeConfig{
			Port:             8090,
			Path:             "/bridge",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			PingInterval:     30 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			InitialBackoff:   10 * time.Millisecond,
			BackoffStep:      50 * time.Millisecond,
			MaxBackoff:       15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9091,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateClientConfig(); err != nil {
		return err
	}
	if err := c.validateServerConfig(); err != nil {
		return err
	}
	if err := c.validateBridgeConfig(); err != nil {
		return err
	}
	if err := c.validateLoggingConfig(); err != nil {
		return err
	}
	if c.Metrics.Enabled {
		if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateClientConfig() error {
	if c.Client.Endpoint == "" && c.Client.ServerURL == "" {
		return fmt.Errorf("client.endpoint or client.server_url is required")
	}
	for field, raw := range map[string]string{
		"client.endpoint":   c.Client.Endpoint,
		"client.server_url": c.Client.ServerURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", field, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must use http or https, got: %s", field, raw)
		}
	}
	return validateBackoff("client", c.Client.InitialBackoff, c.Client.BackoffStep, c.Client.MaxBackoff)
}

func (c *Config) validateServerConfig() error {
	if err := validatePort("server.port", c.Server.Port); err != nil {
		return err
	}
	if c.Server.Interval <= 0 {
		return fmt.Errorf("server.interval must be positive, got: %s", c.Server.Interval)
	}
	if c.Server.Retry < 0 {
		return fmt.Errorf("server.retry must not be negative, got: %s", c.Server.Retry)
	}
	if c.Server.Buffer < 1 {
		return fmt.Errorf("server.buffer must be at least 1, got: %d", c.Server.Buffer)
	}
	return nil
}

func (c *Config) validateBridgeConfig() error {
	if err := validatePort("bridge.port", c.Bridge.Port); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Bridge.Path, "/") {
		return fmt.Errorf("bridge.path must start with '/', got: %s", c.Bridge.Path)
	}
	if c.Bridge.WriteTimeout < 0 || c.Bridge.PingInterval < 0 || c.Bridge.HandshakeTimeout < 0 {
		return fmt.Errorf("bridge timeouts must not be negative")
	}
	return validateBackoff("bridge", c.Bridge.InitialBackoff, c.Bridge.BackoffStep, c.Bridge.MaxBackoff)
}

func (c *Config) validateLoggingConfig() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be either 'json' or 'text', got: %s", c.Logging.Format)
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got: %d", field, port)
	}
	return nil
}

// a zero step is valid and disables retry
func validateBackoff(section string, initial, step, max time.Duration) error {
	if initial <= 0 {
		return fmt.Errorf("%s.initial_backoff must be positive, got: %s", section, initial)
	}
	if step < 0 {
		return fmt.Errorf("%s.backoff_step must not be negative, got: %s", section, step)
	}
	if max < initial {
		return fmt.Errorf("%s.max_backoff (%s) must be >= %s.initial_backoff (%s)", section, max, section, initial)
	}
	return nil
}
