// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// ===== Defaults =====

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ".harbor", cfg.Store.Dir)
	assert.True(t, cfg.Store.SyncWrites)
	assert.Equal(t, 2, cfg.Builder.MaxAttempts)
	assert.True(t, cfg.Builder.IncludePrivate)
	assert.Equal(t, "local", cfg.Vector.Backend)
	assert.Equal(t, "cosine", cfg.Vector.Local.Metric)
	assert.Equal(t, "HarborNodeVector", cfg.Vector.Remote.Class)
	assert.Equal(t, "hash", cfg.Vector.Embedder.Provider)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Vector.Embedder.OpenAI.APIKeyEnv)
	assert.Equal(t, Duration(10*time.Second), cfg.Gate.OverlayBudget)
	assert.Equal(t, Duration(2*time.Minute), cfg.Gate.BuildBudget)
	assert.Equal(t, ":8787", cfg.API.Addr)
	assert.Equal(t, "harbor", cfg.Telemetry.ServiceName)
	assert.Equal(t, "archive", cfg.Archive.Dir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.False(t, cfg.Gate.Influx.Enabled())
}

func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, ".harbor", cfg.Store.Dir)
	assert.Equal(t, 2, cfg.Builder.MaxAttempts)
	assert.Equal(t, "local", cfg.Vector.Backend)
	assert.Equal(t, "hash", cfg.Vector.Embedder.Provider)
	assert.Equal(t, 4, cfg.Gate.MaxConcurrent)
	assert.Equal(t, Duration(5*time.Minute), cfg.Gate.TestBudget)
	assert.Equal(t, ":8787", cfg.API.Addr)
	assert.Equal(t, "harbor", cfg.Telemetry.ServiceName)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestConfig_ApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := Config{}
	cfg.Store.Dir = "/data/graph"
	cfg.Gate.BlastHops = 5
	cfg.Telemetry.TraceExporter = "none"
	cfg.applyDefaults()

	assert.Equal(t, "/data/graph", cfg.Store.Dir)
	assert.Equal(t, 5, cfg.Gate.BlastHops)
	assert.Equal(t, "none", cfg.Telemetry.TraceExporter)
	assert.Equal(t, "harbor", cfg.Telemetry.ServiceName)
}

// ===== Duration =====

func TestDuration_UnmarshalYAML(t *testing.T) {
	var out struct {
		Budget Duration `yaml:"budget"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("budget: 250ms"), &out))
	assert.Equal(t, 250*time.Millisecond, out.Budget.Std())

	require.NoError(t, yaml.Unmarshal([]byte("budget: 2m30s"), &out))
	assert.Equal(t, 2*time.Minute+30*time.Second, out.Budget.Std())
}

func TestDuration_UnmarshalYAML_Invalid(t *testing.T) {
	var out struct {
		Budget Duration `yaml:"budget"`
	}

	err := yaml.Unmarshal([]byte("budget: fast"), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")

	err = yaml.Unmarshal([]byte("budget: [1, 2]"), &out)
	require.Error(t, err)
}

func TestDuration_MarshalYAML(t *testing.T) {
	in := struct {
		Budget Duration `yaml:"budget"`
	}{Budget: Duration(90 * time.Second)}

	data, err := yaml.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), "1m30s")
}

// ===== Validation =====

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown vector backend",
			mutate:  func(c *Config) { c.Vector.Backend = "qdrant" },
			wantErr: "Backend",
		},
		{
			name:    "unknown metric",
			mutate:  func(c *Config) { c.Vector.Local.Metric = "manhattan" },
			wantErr: "Metric",
		},
		{
			name:    "unknown embedder provider",
			mutate:  func(c *Config) { c.Vector.Embedder.Provider = "bert" },
			wantErr: "Provider",
		},
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Builder.Workers = -1 },
			wantErr: "Workers",
		},
		{
			name:    "bad listen address",
			mutate:  func(c *Config) { c.API.Addr = "no-port-here" },
			wantErr: "Addr",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "Level",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "Format",
		},
		{
			name:    "secret value pasted into env name",
			mutate:  func(c *Config) { c.Vector.Embedder.OpenAI.APIKeyEnv = "sk-abc123" },
			wantErr: "APIKeyEnv",
		},
		{
			name:    "remote backend without url",
			mutate:  func(c *Config) { c.Vector.Backend = "remote" },
			wantErr: "vector.remote.url",
		},
		{
			name:    "influx url without org and bucket",
			mutate:  func(c *Config) { c.Gate.Influx.URL = "http://localhost:8086" },
			wantErr: "gate.influx.org",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_RemoteWithURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Vector.Backend = "remote"
	cfg.Vector.Remote.URL = "http://localhost:8080"
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate_InfluxFullyConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gate.Influx.URL = "http://localhost:8086"
	cfg.Gate.Influx.Org = "harbor"
	cfg.Gate.Influx.Bucket = "gates"
	require.NoError(t, cfg.Validate())
}

// ===== Env overrides =====

func TestConfig_ApplyEnvOverrides(t *testing.T) {
	t.Setenv("HARBOR_API_ADDR", ":9999")
	t.Setenv("HARBOR_VECTOR_BACKEND", "remote")
	t.Setenv("HARBOR_WEAVIATE_URL", "http://weaviate:8080")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, "remote", cfg.Vector.Backend)
	assert.Equal(t, "http://weaviate:8080", cfg.Vector.Remote.URL)
}

func TestConfig_ApplyEnvOverrides_EmptyIgnored(t *testing.T) {
	t.Setenv("HARBOR_LOG_LEVEL", "")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "info", cfg.Logging.Level)
}

// ===== Logging =====

func TestLoggingConfig_NewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "info", Format: "text"}.NewLogger(&buf)

	logger.Info("indexing", slog.String("root", "/src"))
	assert.Contains(t, buf.String(), "msg=indexing")
	assert.Contains(t, buf.String(), "root=/src")
}

func TestLoggingConfig_NewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "info", Format: "json"}.NewLogger(&buf)

	logger.Info("indexing")
	assert.Contains(t, buf.String(), `"msg":"indexing"`)
}

func TestLoggingConfig_NewLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "text"}.NewLogger(&buf)

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Warn("loud")
	assert.Contains(t, buf.String(), "msg=loud")
}

func TestLoggingConfig_SlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LoggingConfig{Level: tt.level}.slogLevel(), "level %q", tt.level)
	}
}
