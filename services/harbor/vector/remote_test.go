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
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// newBreakerRemote builds a Remote around the circuit breaker state
// machine only. No client, no health checker; do not call Close.
func newBreakerRemote(cfg RemoteConfig) *Remote {
	cfg.URL = "http://localhost:8080"
	cfg.applyDefaults()
	r := &Remote{
		config:   cfg,
		logger:   testLogger(),
		failures: make([]time.Time, cfg.CircuitThreshold),
	}
	r.state.Store(int32(StateConnected))
	return r
}

// ===== CONFIGURATION =====

func TestDefaultRemoteConfig(t *testing.T) {
	cfg := DefaultRemoteConfig()
	assert.Equal(t, "HarborNodeVector", cfg.Class)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 5, cfg.CircuitThreshold)
	assert.False(t, cfg.AllowStartDegraded)
}

func TestRemoteConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RemoteConfig)
	}{
		{"empty url", func(c *RemoteConfig) { c.URL = "" }},
		{"negative retries", func(c *RemoteConfig) { c.RetryAttempts = -1 }},
		{"jitter above one", func(c *RemoteConfig) { c.RetryJitter = 1.5 }},
		{"zero threshold", func(c *RemoteConfig) { c.CircuitThreshold = 0 }},
		{"zero window", func(c *RemoteConfig) { c.CircuitWindow = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRemoteConfig()
			cfg.URL = "http://localhost:8080"
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestRemoteConfig_ApplyDefaults(t *testing.T) {
	cfg := RemoteConfig{URL: "http://localhost:8080"}
	cfg.applyDefaults()
	assert.Equal(t, "HarborNodeVector", cfg.Class)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.CircuitCooldown)
}

func TestNewRemote_RejectsInvalidConfig(t *testing.T) {
	_, err := NewRemote(RemoteConfig{}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

// ===== STARTUP =====

func TestNewRemote_UnreachableFailsFast(t *testing.T) {
	cfg := RemoteConfig{
		URL:                "http://127.0.0.1:1",
		HealthCheckTimeout: 500 * time.Millisecond,
	}
	_, err := NewRemote(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

func TestNewRemote_StartsDegraded(t *testing.T) {
	cfg := RemoteConfig{
		URL:                   "http://127.0.0.1:1",
		HealthCheckTimeout:    500 * time.Millisecond,
		HealthCheckInterval:   time.Hour,
		DegradedCheckInterval: time.Hour,
		RetryAttempts:         1,
		RetryBackoff:          time.Millisecond,
		AllowStartDegraded:    true,
	}
	r, err := NewRemote(cfg, testLogger())
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, StateDegraded, r.State())
	assert.False(t, r.IsAvailable())

	// Operations fail instead of hanging.
	err = r.Upsert(context.Background(), isg.NodeID("a"), []float32{1, 0})
	require.Error(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close()) // Idempotent.
	require.ErrorIs(t, r.Upsert(context.Background(), isg.NodeID("a"), []float32{1, 0}), ErrIndexClosed)
}

// ===== CIRCUIT BREAKER =====

func TestRemote_CircuitOpensAfterThreshold(t *testing.T) {
	r := newBreakerRemote(RemoteConfig{CircuitThreshold: 3})

	r.recordFailure()
	assert.Equal(t, StateDegraded, r.State())
	r.recordFailure()
	r.recordFailure()
	assert.Equal(t, StateCircuitOpen, r.State())

	// Requests are rejected without touching the backend.
	called := false
	err := r.execute(context.Background(), "probe", func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestRemote_HalfOpenAfterCooldown(t *testing.T) {
	r := newBreakerRemote(RemoteConfig{CircuitThreshold: 1, CircuitCooldown: time.Millisecond})

	r.recordFailure()
	require.Equal(t, StateCircuitOpen, r.State())

	// Cooldown expired: one test request goes through and closes the
	// circuit on success.
	r.circuitOpenTime.Store(time.Now().Add(-time.Second).Unix())
	require.True(t, r.shouldTryHalfOpen())

	err := r.execute(context.Background(), "probe", func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateConnected, r.State())
}

func TestRemote_HalfOpenAdmitsSingleProbe(t *testing.T) {
	r := newBreakerRemote(RemoteConfig{})
	r.state.Store(int32(StateHalfOpen))
	r.halfOpenTest.Store(true) // A probe is already in flight.

	err := r.execute(context.Background(), "probe", func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestRemote_ResetFailuresClearsWindow(t *testing.T) {
	r := newBreakerRemote(RemoteConfig{CircuitThreshold: 2})

	r.recordFailure()
	r.resetFailures()
	r.recordFailure()
	assert.NotEqual(t, StateCircuitOpen, r.State())
}

func TestRemote_ExecuteStopsOnNonRetryable(t *testing.T) {
	r := newBreakerRemote(RemoteConfig{RetryAttempts: 3})

	calls := 0
	err := r.execute(context.Background(), "probe", func() error {
		calls++
		return fmt.Errorf("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRemote_ExecuteRetriesNetworkErrors(t *testing.T) {
	r := newBreakerRemote(RemoteConfig{RetryAttempts: 2, RetryBackoff: time.Millisecond})

	calls := 0
	err := r.execute(context.Background(), "probe", func() error {
		calls++
		if calls < 3 {
			return &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// ===== BACKOFF / RETRYABILITY =====

func TestRemote_CalculateBackoff(t *testing.T) {
	r := &Remote{config: RemoteConfig{
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
		RetryJitter:     0.25,
	}}

	b1 := r.calculateBackoff(1)
	assert.GreaterOrEqual(t, b1, 150*time.Millisecond)
	assert.LessOrEqual(t, b1, 250*time.Millisecond)

	// Deep attempts cap at max plus jitter.
	b10 := r.calculateBackoff(10)
	assert.GreaterOrEqual(t, b10, 3750*time.Millisecond)
	assert.LessOrEqual(t, b10, 6250*time.Millisecond)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("op: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"application error", errors.New("class not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestWrapRemoteError(t *testing.T) {
	assert.NoError(t, wrapRemoteError(nil))

	err := wrapRemoteError(context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrUnavailable)

	err = wrapRemoteError(&net.OpError{Op: "dial", Err: errors.New("refused")})
	require.ErrorIs(t, err, ErrUnavailable)

	err = wrapRemoteError(errors.New("invalid class"))
	require.NotErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "vector remote")
}

// ===== RESPONSE PARSING =====

func TestParseSearchResponse(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				"HarborNodeVector": []interface{}{
					map[string]interface{}{
						"nodeId":      "fn:pkg/a.go::Serve",
						"_additional": map[string]interface{}{"certainty": 0.93},
					},
					map[string]interface{}{
						"nodeId":      "fn:pkg/a.go::Close",
						"_additional": map[string]interface{}{"distance": 0.25},
					},
					map[string]interface{}{
						// Missing nodeId: skipped.
						"_additional": map[string]interface{}{"certainty": 0.5},
					},
					"not an object",
				},
			},
		},
	}

	hits, err := parseSearchResponse(resp, "HarborNodeVector")
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, isg.NodeID("fn:pkg/a.go::Serve"), hits[0].ID)
	assert.InDelta(t, 0.93, hits[0].Similarity, 1e-9)

	assert.Equal(t, isg.NodeID("fn:pkg/a.go::Close"), hits[1].ID)
	assert.InDelta(t, 0.8, hits[1].Similarity, 1e-9)
}

func TestParseSearchResponse_MissingGet(t *testing.T) {
	resp := &models.GraphQLResponse{Data: map[string]models.JSONObject{}}
	_, err := parseSearchResponse(resp, "HarborNodeVector")
	require.Error(t, err)
}

func TestParseSearchResponse_EmptyClass(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{},
		},
	}
	hits, err := parseSearchResponse(resp, "HarborNodeVector")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// ===== IDENTITY =====

func TestObjectID_Deterministic(t *testing.T) {
	a := objectID(isg.NodeID("fn:pkg/a.go::Serve"))
	b := objectID(isg.NodeID("fn:pkg/a.go::Serve"))
	c := objectID(isg.NodeID("fn:pkg/a.go::Close"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, string(a), 36)
}

func TestRemoteState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "circuit_open", StateCircuitOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", RemoteState(99).String())
}
