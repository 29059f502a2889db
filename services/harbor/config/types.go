// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the Harbor configuration file.
//
// One YAML file configures every service: the graph store, the
// builder, the vector index, the gate, the API server, telemetry,
// archiving, and logging. Load seeds the struct from DefaultConfig
// before unmarshalling, so omitted keys inherit their defaults and an
// empty file is a valid configuration.
//
// Secrets never live in the file or in this struct. The file names
// the environment variable that holds a key (api_key_env, token_env)
// and the accessors in secrets.go read it at wiring time, sealing
// embedding keys into memguard enclaves.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/telemetry"
)

// configValidate validates annotated config fields. Initialized once;
// validator instances cache struct metadata and are safe for
// concurrent use.
var configValidate *validator.Validate

// envNamePattern matches POSIX-style environment variable names.
var envNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

func init() {
	configValidate = validator.New()

	// envname restricts *_env fields to plausible variable names, so a
	// pasted secret value fails validation instead of landing in the
	// config file.
	_ = configValidate.RegisterValidation("envname", func(fl validator.FieldLevel) bool {
		return envNamePattern.MatchString(fl.Field().String())
	})
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" or "2m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back in the same syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root of the Harbor configuration file.
//
// # Description
//
// Every section corresponds to one service package and carries only
// the knobs an operator plausibly changes. Resilience tuning with
// good defaults (retry backoff, circuit thresholds) stays inside the
// owning package.
//
// # Thread Safety
//
// Treat a loaded Config as immutable. Load returns a fresh value and
// nothing in this package mutates it afterwards.
type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Builder   BuilderConfig    `yaml:"builder"`
	Vector    VectorConfig     `yaml:"vector"`
	Gate      GateConfig       `yaml:"gate"`
	API       APIConfig        `yaml:"api"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Archive   ArchiveConfig    `yaml:"archive"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// StoreConfig locates the graph database.
type StoreConfig struct {
	// Dir is the data directory. Relative paths resolve against the
	// workspace root. Default: .harbor
	Dir string `yaml:"dir"`

	// SyncWrites fsyncs every commit. Default: true.
	SyncWrites bool `yaml:"sync_writes"`
}

// BuilderConfig tunes graph construction.
type BuilderConfig struct {
	// Workers bounds concurrent file analysis. Zero picks NumCPU
	// capped at 8.
	Workers int `yaml:"workers" validate:"gte=0"`

	// MaxAttempts is the per-file analysis retry bound. Default: 2.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// IncludePrivate extracts unexported declarations. Default: true.
	IncludePrivate bool `yaml:"include_private"`
}

// VectorConfig selects and configures the similarity index.
type VectorConfig struct {
	// Backend picks the index: local (in-process HNSW) or remote
	// (Weaviate). Default: local.
	Backend string `yaml:"backend" validate:"omitempty,oneof=local remote"`

	Local    LocalIndexConfig  `yaml:"local"`
	Remote   RemoteIndexConfig `yaml:"remote"`
	Embedder EmbedderConfig    `yaml:"embedder"`
}

// LocalIndexConfig configures the in-process HNSW index.
type LocalIndexConfig struct {
	// Path is the persistence file. Relative paths resolve against
	// the store dir; empty keeps the index in memory only.
	// Default: vectors.hnsw
	Path string `yaml:"path"`

	// Metric is the distance function. Default: cosine.
	Metric string `yaml:"metric" validate:"omitempty,oneof=cosine dot euclidean"`

	// M is the HNSW connectivity parameter. Zero keeps the library
	// default.
	M int `yaml:"m" validate:"gte=0"`

	// EfSearch is the HNSW search breadth. Zero keeps the library
	// default.
	EfSearch int `yaml:"ef_search" validate:"gte=0"`
}

// RemoteIndexConfig configures the Weaviate-backed index.
type RemoteIndexConfig struct {
	// URL is the Weaviate server, e.g. http://localhost:8080.
	// Required when the backend is remote.
	URL string `yaml:"url" validate:"omitempty,url"`

	// Class is the Weaviate class holding node vectors.
	// Default: HarborNodeVector
	Class string `yaml:"class"`

	// AllowStartDegraded lets Harbor start while Weaviate is down;
	// retrieval degrades to structural results until it recovers.
	AllowStartDegraded bool `yaml:"allow_start_degraded"`
}

// EmbedderConfig selects the text embedder feeding the index.
type EmbedderConfig struct {
	// Provider picks the embedder: openai, ollama, or hash. The hash
	// embedder is deterministic and needs no network, which makes it
	// the default for air-gapped runs. Default: hash.
	Provider string `yaml:"provider" validate:"omitempty,oneof=openai ollama hash"`

	// HashDimensions sizes hash embeddings. Zero keeps the package
	// default.
	HashDimensions int `yaml:"hash_dimensions" validate:"gte=0"`

	OpenAI OpenAIEmbedderConfig `yaml:"openai"`
	Ollama OllamaEmbedderConfig `yaml:"ollama"`
}

// OpenAIEmbedderConfig configures the OpenAI embedder. The API key is
// read from the environment, never from the file.
type OpenAIEmbedderConfig struct {
	// Model is the embedding model. Default: text-embedding-3-small.
	Model string `yaml:"model"`

	// BaseURL overrides the API endpoint for compatible gateways.
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`

	// Dimensions truncates embeddings server-side. Zero keeps the
	// model's native dimensionality.
	Dimensions int `yaml:"dimensions" validate:"gte=0"`

	// APIKeyEnv names the environment variable holding the key.
	// Default: OPENAI_API_KEY
	APIKeyEnv string `yaml:"api_key_env" validate:"omitempty,envname"`
}

// OllamaEmbedderConfig configures the local Ollama embedder.
type OllamaEmbedderConfig struct {
	// URL overrides the Ollama endpoint. Empty uses the library
	// default (http://localhost:11434).
	URL string `yaml:"url" validate:"omitempty,url"`

	// Model is the embedding model. Default: nomic-embed-text.
	Model string `yaml:"model"`
}

// GateConfig tunes candidate validation.
type GateConfig struct {
	// MaxConcurrent caps candidates validating at once. Default: 4.
	MaxConcurrent int `yaml:"max_concurrent" validate:"gte=0"`

	// OverlayBudget bounds stage 1. Default: 10s.
	OverlayBudget Duration `yaml:"overlay_budget" validate:"gte=0"`

	// BuildBudget bounds stage 2. Default: 2m.
	BuildBudget Duration `yaml:"build_budget" validate:"gte=0"`

	// TestBudget bounds stage 3. Default: 5m.
	TestBudget Duration `yaml:"test_budget" validate:"gte=0"`

	// BlastHops bounds the radius traversal for test selection.
	// Default: 2.
	BlastHops int `yaml:"blast_hops" validate:"gte=0"`

	// Influx configures the optional stage metrics sink.
	Influx InfluxConfig `yaml:"influx"`
}

// InfluxConfig connects the gate's stage sink to InfluxDB. The sink
// is off until URL is set.
type InfluxConfig struct {
	// URL is the InfluxDB server, e.g. http://localhost:8086.
	URL string `yaml:"url" validate:"omitempty,url"`

	// TokenEnv names the environment variable holding the write
	// token. Default: INFLUX_TOKEN
	TokenEnv string `yaml:"token_env" validate:"omitempty,envname"`

	// Org is the InfluxDB organization.
	Org string `yaml:"org"`

	// Bucket receives the stage points.
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether the stage sink should be constructed.
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	// Addr is the listen address. Default: :8787
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`

	// ReadTimeout bounds request header and body reads. Default: 10s.
	ReadTimeout Duration `yaml:"read_timeout" validate:"gte=0"`

	// WriteTimeout bounds response writes. Hijacked websocket
	// connections manage their own deadlines. Default: 30s.
	WriteTimeout Duration `yaml:"write_timeout" validate:"gte=0"`

	// ShutdownTimeout bounds graceful drain on SIGINT/SIGTERM.
	// Default: 10s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// ArchiveConfig configures snapshot export and import.
type ArchiveConfig struct {
	// Bucket is the GCS bucket receiving exports. Empty keeps
	// archives local only.
	Bucket string `yaml:"bucket"`

	// Prefix namespaces objects inside the bucket.
	Prefix string `yaml:"prefix"`

	// Dir receives local exports. Relative paths resolve against the
	// store dir. Default: archive
	Dir string `yaml:"dir"`
}

// LoggingConfig shapes the process logger.
type LoggingConfig struct {
	// Level is the minimum severity. Default: info.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format picks text or json handlers. Default: text.
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`

	// AddSource annotates records with file:line.
	AddSource bool `yaml:"add_source"`
}

// NewLogger builds a slog.Logger writing to w per this section.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     c.slogLevel(),
		AddSource: c.AddSource,
	}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c LoggingConfig) slogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfig returns the configuration Harbor runs with out of the
// box: local store, local index, offline embedder.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Dir:        ".harbor",
			SyncWrites: true,
		},
		Builder: BuilderConfig{
			MaxAttempts:    2,
			IncludePrivate: true,
		},
		Vector: VectorConfig{
			Backend: "local",
			Local: LocalIndexConfig{
				Path:   "vectors.hnsw",
				Metric: "cosine",
			},
			Remote: RemoteIndexConfig{
				Class: "HarborNodeVector",
			},
			Embedder: EmbedderConfig{
				Provider: "hash",
				OpenAI: OpenAIEmbedderConfig{
					Model:     "text-embedding-3-small",
					APIKeyEnv: "OPENAI_API_KEY",
				},
				Ollama: OllamaEmbedderConfig{
					Model: "nomic-embed-text",
				},
			},
		},
		Gate: GateConfig{
			MaxConcurrent: 4,
			OverlayBudget: Duration(10 * time.Second),
			BuildBudget:   Duration(2 * time.Minute),
			TestBudget:    Duration(5 * time.Minute),
			BlastHops:     2,
			Influx: InfluxConfig{
				TokenEnv: "INFLUX_TOKEN",
			},
		},
		API: APIConfig{
			Addr:            ":8787",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Telemetry: telemetry.DefaultConfig(),
		Archive: ArchiveConfig{
			Dir: "archive",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills zero fields with defaults. Booleans keep their
// zero value; Load seeds from DefaultConfig so file omissions inherit
// the boolean defaults too.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Store.Dir == "" {
		c.Store.Dir = defaults.Store.Dir
	}
	if c.Builder.MaxAttempts == 0 {
		c.Builder.MaxAttempts = defaults.Builder.MaxAttempts
	}
	if c.Vector.Backend == "" {
		c.Vector.Backend = defaults.Vector.Backend
	}
	if c.Vector.Local.Metric == "" {
		c.Vector.Local.Metric = defaults.Vector.Local.Metric
	}
	if c.Vector.Remote.Class == "" {
		c.Vector.Remote.Class = defaults.Vector.Remote.Class
	}
	if c.Vector.Embedder.Provider == "" {
		c.Vector.Embedder.Provider = defaults.Vector.Embedder.Provider
	}
	if c.Vector.Embedder.OpenAI.Model == "" {
		c.Vector.Embedder.OpenAI.Model = defaults.Vector.Embedder.OpenAI.Model
	}
	if c.Vector.Embedder.OpenAI.APIKeyEnv == "" {
		c.Vector.Embedder.OpenAI.APIKeyEnv = defaults.Vector.Embedder.OpenAI.APIKeyEnv
	}
	if c.Vector.Embedder.Ollama.Model == "" {
		c.Vector.Embedder.Ollama.Model = defaults.Vector.Embedder.Ollama.Model
	}
	if c.Gate.MaxConcurrent == 0 {
		c.Gate.MaxConcurrent = defaults.Gate.MaxConcurrent
	}
	if c.Gate.OverlayBudget == 0 {
		c.Gate.OverlayBudget = defaults.Gate.OverlayBudget
	}
	if c.Gate.BuildBudget == 0 {
		c.Gate.BuildBudget = defaults.Gate.BuildBudget
	}
	if c.Gate.TestBudget == 0 {
		c.Gate.TestBudget = defaults.Gate.TestBudget
	}
	if c.Gate.BlastHops == 0 {
		c.Gate.BlastHops = defaults.Gate.BlastHops
	}
	if c.Gate.Influx.TokenEnv == "" {
		c.Gate.Influx.TokenEnv = defaults.Gate.Influx.TokenEnv
	}
	if c.API.Addr == "" {
		c.API.Addr = defaults.API.Addr
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = defaults.API.ReadTimeout
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = defaults.API.WriteTimeout
	}
	if c.API.ShutdownTimeout == 0 {
		c.API.ShutdownTimeout = defaults.API.ShutdownTimeout
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = defaults.Telemetry.ServiceVersion
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = defaults.Telemetry.Environment
	}
	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = defaults.Telemetry.TraceExporter
	}
	if c.Telemetry.MetricExporter == "" {
		c.Telemetry.MetricExporter = defaults.Telemetry.MetricExporter
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = defaults.Telemetry.OTLPEndpoint
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = defaults.Archive.Dir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Vector.Backend == "remote" && c.Vector.Remote.URL == "" {
		return errors.New("config: vector.remote.url is required when vector.backend is remote")
	}
	if c.Gate.Influx.Enabled() && (c.Gate.Influx.Org == "" || c.Gate.Influx.Bucket == "") {
		return errors.New("config: gate.influx.org and gate.influx.bucket are required when gate.influx.url is set")
	}
	return nil
}

// applyEnvOverrides lets HARBOR_* variables override file values.
// Telemetry honors the standard OTEL_* variables separately inside
// telemetry.Init.
func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"HARBOR_DATA_DIR", &c.Store.Dir},
		{"HARBOR_API_ADDR", &c.API.Addr},
		{"HARBOR_VECTOR_BACKEND", &c.Vector.Backend},
		{"HARBOR_WEAVIATE_URL", &c.Vector.Remote.URL},
		{"HARBOR_EMBEDDER", &c.Vector.Embedder.Provider},
		{"HARBOR_OLLAMA_URL", &c.Vector.Embedder.Ollama.URL},
		{"HARBOR_INFLUX_URL", &c.Gate.Influx.URL},
		{"HARBOR_ARCHIVE_BUCKET", &c.Archive.Bucket},
		{"HARBOR_LOG_LEVEL", &c.Logging.Level},
		{"HARBOR_LOG_FORMAT", &c.Logging.Format},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}
