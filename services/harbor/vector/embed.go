// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vector

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms/ollama"
)

// -----------------------------------------------------------------------------
// OpenAI
// -----------------------------------------------------------------------------

// OpenAIConfig configures the OpenAI embedder.
type OpenAIConfig struct {
	// Model is the embedding model. Default: text-embedding-3-small.
	Model string

	// BaseURL overrides the API endpoint for compatible gateways.
	BaseURL string

	// Dimensions truncates embeddings server-side. Zero keeps the
	// model's native dimensionality.
	Dimensions int
}

// OpenAIEmbedder embeds text through the OpenAI embeddings API.
//
// # Description
//
// The API key stays sealed in a memguard enclave until construction
// and is never retained in plain form by this package. The resulting
// vectors are L2-normalized by the service, so cosine is the natural
// metric for indexes fed by this embedder.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
	logger *slog.Logger
}

// NewOpenAIEmbedder creates an embedder from a sealed API key.
func NewOpenAIEmbedder(key *memguard.Enclave, config OpenAIConfig, logger *slog.Logger) (*OpenAIEmbedder, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: openai api key", ErrMissingKey)
	}
	if logger == nil {
		logger = slog.Default()
	}

	buf, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("open api key enclave: %w", err)
	}
	defer buf.Destroy()

	cfg := openai.DefaultConfig(strings.TrimSpace(buf.String()))
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}

	model := openai.SmallEmbedding3
	if config.Model != "" {
		model = openai.EmbeddingModel(config.Model)
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dims:   config.Dimensions,
		logger: logger.With(slog.String("component", "openai_embedder")),
	}, nil
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embeddings")
	}

	return resp.Data[0].Embedding, nil
}

// -----------------------------------------------------------------------------
// Ollama
// -----------------------------------------------------------------------------

// OllamaConfig configures the local Ollama embedder.
type OllamaConfig struct {
	// Model is the embedding model. Default: nomic-embed-text.
	Model string

	// ServerURL overrides the Ollama endpoint. Empty uses the
	// library default (http://localhost:11434).
	ServerURL string
}

// OllamaEmbedder embeds text through a local Ollama server. This is
// the local-first path: no code or identifiers leave the machine.
type OllamaEmbedder struct {
	llm    *ollama.LLM
	logger *slog.Logger
}

// NewOllamaEmbedder creates an embedder backed by Ollama.
func NewOllamaEmbedder(config OllamaConfig, logger *slog.Logger) (*OllamaEmbedder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	model := config.Model
	if model == "" {
		model = "nomic-embed-text"
	}

	opts := []ollama.Option{ollama.WithModel(model)}
	if config.ServerURL != "" {
		opts = append(opts, ollama.WithServerURL(config.ServerURL))
	}

	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}

	return &OllamaEmbedder{
		llm:    llm,
		logger: logger.With(slog.String("component", "ollama_embedder")),
	}, nil
}

// Embed returns the embedding vector for text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	vecs, err := e.llm.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embedding failed: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}

	return vecs[0], nil
}

// -----------------------------------------------------------------------------
// Hash Projection
// -----------------------------------------------------------------------------

// defaultHashDims keeps hash embeddings small; they only need to
// separate tokens, not capture semantics.
const defaultHashDims = 256

// HashEmbedder produces deterministic embeddings by hashing tokens
// into a fixed number of signed buckets. It needs no network and no
// model, which makes it the embedder for tests and air-gapped runs.
// Identical text always yields an identical unit vector.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash-projection embedder. dims <= 0 uses
// the default.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultHashDims
	}
	return &HashEmbedder{dims: dims}
}

// Embed returns the embedding vector for text.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no tokens in text")
	}

	vec := make([]float32, e.dims)
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		h := binary.BigEndian.Uint64(sum[:8])
		bucket := int(h % uint64(e.dims))
		// One hash bit decides the sign so collisions tend to
		// cancel instead of compounding.
		if sum[8]&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	normalize(vec)
	return vec, nil
}

// tokenize splits text into lowercase alphanumeric runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		isDigit := r >= '0' && r <= '9'
		isLower := r >= 'a' && r <= 'z'
		return !isDigit && !isLower
	})
}

// normalize rescales vec to unit length in place. The zero vector is
// left untouched.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
