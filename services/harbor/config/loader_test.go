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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// writeConfig drops a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harbor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// ===== Load =====

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  dir: /data/graph
  sync_writes: false
gate:
  overlay_budget: 30s
api:
  addr: "127.0.0.1:9000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/graph", cfg.Store.Dir)
	assert.False(t, cfg.Store.SyncWrites)
	assert.Equal(t, 30*time.Second, cfg.Gate.OverlayBudget.Std())
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Addr)

	// Omitted keys keep their defaults, booleans included.
	assert.Equal(t, 2, cfg.Builder.MaxAttempts)
	assert.True(t, cfg.Builder.IncludePrivate)
	assert.Equal(t, "local", cfg.Vector.Backend)
	assert.Equal(t, Duration(2*time.Minute), cfg.Gate.BuildBudget)
}

func TestLoad_EmptyFileIsDefaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "store: [")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
vector:
  backend: remote
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector.remote.url")
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	t.Setenv("HARBOR_API_ADDR", ":9100")
	path := writeConfig(t, `
api:
  addr: ":9000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.API.Addr)
}

func TestLoad_FirstRunCreatesDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ".harbor", cfg.Store.Dir)

	created := filepath.Join(home, ".harbor", "harbor.yaml")
	_, err = os.Stat(created)
	require.NoError(t, err, "first run should write the default config")

	// Second load reads the file it just wrote.
	again, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, *cfg, *again)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("HOME", "/home/crabber")

	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/crabber", ".harbor", "harbor.yaml"), path)
}

func TestCreateDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".harbor", "harbor.yaml")
	require.NoError(t, createDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, "local", cfg.Vector.Backend)
	assert.Equal(t, Duration(10*time.Second), cfg.Gate.OverlayBudget)
	assert.True(t, cfg.Store.SyncWrites)
}

// ===== Secrets =====

func TestKey_SealsFromEnv(t *testing.T) {
	t.Setenv("HARBOR_TEST_OPENAI_KEY", "sk-test-123")

	enclave, err := OpenAIEmbedderConfig{APIKeyEnv: "HARBOR_TEST_OPENAI_KEY"}.Key()
	require.NoError(t, err)

	buf, err := enclave.Open()
	require.NoError(t, err)
	defer buf.Destroy()
	assert.Equal(t, "sk-test-123", string(buf.Bytes()))
}

func TestKey_DefaultVarName(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-default")

	enclave, err := OpenAIEmbedderConfig{}.Key()
	require.NoError(t, err)

	buf, err := enclave.Open()
	require.NoError(t, err)
	defer buf.Destroy()
	assert.Equal(t, "sk-default", string(buf.Bytes()))
}

func TestKey_MissingIsError(t *testing.T) {
	t.Setenv("HARBOR_TEST_ABSENT_KEY", "")

	_, err := OpenAIEmbedderConfig{APIKeyEnv: "HARBOR_TEST_ABSENT_KEY"}.Key()
	require.ErrorIs(t, err, ErrMissingSecret)
	assert.Contains(t, err.Error(), "HARBOR_TEST_ABSENT_KEY")
}

func TestToken(t *testing.T) {
	t.Setenv("HARBOR_TEST_INFLUX", "tok-1")
	assert.Equal(t, "tok-1", InfluxConfig{TokenEnv: "HARBOR_TEST_INFLUX"}.Token())

	t.Setenv("INFLUX_TOKEN", "tok-2")
	assert.Equal(t, "tok-2", InfluxConfig{}.Token())
}

func TestConfigFile_NeverHoldsSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-should-not-leak")

	data, err := yaml.Marshal(DefaultConfig())
	require.NoError(t, err)

	assert.NotContains(t, string(data), "sk-should-not-leak")
	assert.Contains(t, string(data), "api_key_env")
}
