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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfig_TOMLFile(t *testing.T) {
	path := writeFile(t, "config.toml", `
[client]
endpoint = "http://stream.local/sse/abc"
initial_backoff = "1s"
backoff_step = "1s"
max_backoff = "3s"

[client.headers]
Authorization = "Bearer token"

[server]
port = 9000
interval = "250ms"

[logging]
level = "debug"
format = "text"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://stream.local/sse/abc", cfg.Client.Endpoint)
	assert.Equal(t, time.Second, cfg.Client.InitialBackoff)
	assert.Equal(t, time.Second, cfg.Client.BackoffStep)
	assert.Equal(t, 3*time.Second, cfg.Client.MaxBackoff)
	assert.Equal(t, "Bearer token", cfg.Client.Headers["Authorization"])
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.Interval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	// untouched sections keep their defaults
	assert.Equal(t, defaultConfig().Bridge, cfg.Bridge)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.Retry)
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
bridge:
  port: 9100
  path: /ws
  backoff_step: 0s
metrics:
  enabled: true
  port: 9200
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Bridge.Port)
	assert.Equal(t, "/ws", cfg.Bridge.Path)
	assert.Equal(t, time.Duration(0), cfg.Bridge.BackoffStep)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9200, cfg.Metrics.Port)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.toml", `
[client]
max_backoff = "3s"
`)
	t.Setenv("APIP_ES_CLIENT_MAX__BACKOFF", "30s")
	t.Setenv("APIP_ES_SERVER_PORT", "7000")
	t.Setenv("APIP_ES_LOGGING_LEVEL", "warn")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Client.MaxBackoff)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load config file")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeFile(t, "config.toml", `
[server]
port = 70000
`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port must be between 1 and 65535")
	})
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"APIP_ES_CLIENT_ENDPOINT":         "client.endpoint",
		"APIP_ES_CLIENT_INITIAL__BACKOFF": "client.initial_backoff",
		"APIP_ES_BRIDGE_PING__INTERVAL":   "bridge.ping_interval",
		"APIP_ES_METRICS_ENABLED":         "metrics.enabled",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, envKey(in))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "zero step disables retry", mutate: func(c *Config) { c.Client.BackoffStep = 0 }},
		{
			name:    "no endpoint or server url",
			mutate:  func(c *Config) { c.Client.ServerURL = "" },
			wantErr: "client.endpoint or client.server_url is required",
		},
		{
			name:    "endpoint scheme",
			mutate:  func(c *Config) { c.Client.Endpoint = "ws://localhost/sse" },
			wantErr: "client.endpoint must use http or https",
		},
		{
			name:    "negative step",
			mutate:  func(c *Config) { c.Client.BackoffStep = -time.Second },
			wantErr: "client.backoff_step must not be negative",
		},
		{
			name:    "max below initial",
			mutate:  func(c *Config) { c.Bridge.InitialBackoff = time.Minute },
			wantErr: "bridge.max_backoff",
		},
		{
			name:    "zero interval",
			mutate:  func(c *Config) { c.Server.Interval = 0 },
			wantErr: "server.interval must be positive",
		},
		{
			name:    "empty buffer",
			mutate:  func(c *Config) { c.Server.Buffer = 0 },
			wantErr: "server.buffer must be at least 1",
		},
		{
			name:    "bridge path",
			mutate:  func(c *Config) { c.Bridge.Path = "bridge" },
			wantErr: "bridge.path must start with '/'",
		},
		{
			name:    "log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format must be either 'json' or 'text'",
		},
		{
			name: "metrics port only checked when enabled",
			mutate: func(c *Config) {
				c.Metrics.Port = 0
			},
		},
		{
			name: "metrics port",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Port = 0
			},
			wantErr: "metrics.port must be between 1 and 65535",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
