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
	"fmt"
	"slices"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Interface satisfaction.
var (
	_ Index    = (*Local)(nil)
	_ Index    = (*Remote)(nil)
	_ Embedder = (*OpenAIEmbedder)(nil)
	_ Embedder = (*OllamaEmbedder)(nil)
	_ Embedder = (*HashEmbedder)(nil)
)

// ===== HASH EMBEDDER =====

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "func Serve(ctx context.Context) error")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "func Serve(ctx context.Context) error")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "func Close() error")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHashEmbedder_Dims(t *testing.T) {
	e := NewHashEmbedder(0)
	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, defaultHashDims)

	e = NewHashEmbedder(64)
	vec, err = e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, 64)
}

func TestHashEmbedder_UnitNorm(t *testing.T) {
	e := NewHashEmbedder(128)
	vec, err := e.Embed(context.Background(), "the quick brown fox jumps over the lazy dog")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestHashEmbedder_CaseAndPunctuationInsensitive(t *testing.T) {
	e := NewHashEmbedder(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "ParseConfig(path)")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "parseconfig path")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashEmbedder_RejectsEmptyText(t *testing.T) {
	e := NewHashEmbedder(0)

	_, err := e.Embed(context.Background(), "")
	require.Error(t, err)

	_, err = e.Embed(context.Background(), "!!! ---")
	require.Error(t, err)
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"func Serve()", []string{"func", "serve"}},
		{"snake_case_name", []string{"snake", "case", "name"}},
		{"v2.Endpoint", []string{"v2", "endpoint"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := tokenize(tt.in)
		if tt.want == nil {
			assert.Empty(t, got)
		} else {
			assert.Equal(t, tt.want, got)
		}
	}
}

// ===== API EMBEDDERS =====

func TestNewOpenAIEmbedder_RequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(nil, OpenAIConfig{}, testLogger())
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestNewOpenAIEmbedder_FromEnclave(t *testing.T) {
	key := memguard.NewEnclave([]byte("sk-test-key\n"))

	e, err := NewOpenAIEmbedder(key, OpenAIConfig{Dimensions: 32}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 32, e.dims)

	// Validation happens before any network call.
	_, err = e.Embed(context.Background(), "")
	require.Error(t, err)
}

func TestNewOllamaEmbedder_Defaults(t *testing.T) {
	e, err := NewOllamaEmbedder(OllamaConfig{}, testLogger())
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "")
	require.Error(t, err)
}

// ExampleNewHashEmbedder demonstrates the deterministic offline
// embedder: identical text always yields an identical unit vector.
func ExampleNewHashEmbedder() {
	e := NewHashEmbedder(8)

	a, err := e.Embed(context.Background(), "func Alpha() error")
	if err != nil {
		panic(err)
	}
	b, err := e.Embed(context.Background(), "func Alpha() error")
	if err != nil {
		panic(err)
	}

	fmt.Println(len(a), slices.Equal(a, b))
	// Output: 8 true
}
