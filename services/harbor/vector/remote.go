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
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// -----------------------------------------------------------------------------
// Connection State
// -----------------------------------------------------------------------------

// RemoteState represents the current state of the remote index connection.
type RemoteState int32

const (
	// StateConnected indicates normal operation.
	StateConnected RemoteState = iota
	// StateDegraded indicates the backend is unavailable but the index is functional.
	StateDegraded
	// StateCircuitOpen indicates the circuit breaker is open, requests blocked.
	StateCircuitOpen
	// StateHalfOpen indicates the circuit breaker is testing with a single request.
	StateHalfOpen
)

// String returns the string representation of RemoteState.
func (s RemoteState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Remote Configuration
// -----------------------------------------------------------------------------

// vectorIDNamespace makes object ids a pure function of the node id, so
// re-indexing the same node overwrites instead of duplicating.
const vectorIDNamespace = "aleutian.ai/harbor/vector/"

// RemoteConfig configures the Weaviate-backed index.
type RemoteConfig struct {
	// URL is the Weaviate server URL (e.g., "http://localhost:8080").
	URL string

	// Class is the Weaviate class holding node vectors.
	// Default: "HarborNodeVector"
	Class string

	// RetryAttempts is the number of retry attempts for failed requests.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration between retries.
	// Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff.
	// Default: 5s
	MaxRetryBackoff time.Duration

	// RetryJitter adds randomness to backoff (0.0-1.0).
	// Default: 0.25 (±25%)
	RetryJitter float64

	// CircuitThreshold is the number of failures before opening the circuit.
	// Default: 5
	CircuitThreshold int

	// CircuitWindow is the sliding window for counting failures.
	// Default: 30s
	CircuitWindow time.Duration

	// CircuitCooldown is how long the circuit stays open before half-opening.
	// Default: 30s
	CircuitCooldown time.Duration

	// HealthCheckInterval is how often to check health when connected.
	// Default: 10s
	HealthCheckInterval time.Duration

	// DegradedCheckInterval is how often to check health when degraded.
	// Default: 5s
	DegradedCheckInterval time.Duration

	// HealthCheckTimeout prevents health checks from blocking.
	// Default: 5s
	HealthCheckTimeout time.Duration

	// AllowStartDegraded allows starting even if Weaviate is unavailable.
	// Default: false
	AllowStartDegraded bool
}

// DefaultRemoteConfig returns sensible defaults for production use.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Class:                 "HarborNodeVector",
		RetryAttempts:         3,
		RetryBackoff:          100 * time.Millisecond,
		MaxRetryBackoff:       5 * time.Second,
		RetryJitter:           0.25,
		CircuitThreshold:      5,
		CircuitWindow:         30 * time.Second,
		CircuitCooldown:       30 * time.Second,
		HealthCheckInterval:   10 * time.Second,
		DegradedCheckInterval: 5 * time.Second,
		HealthCheckTimeout:    5 * time.Second,
		AllowStartDegraded:    false,
	}
}

// Validate checks if the configuration is valid.
func (c *RemoteConfig) Validate() error {
	if c.URL == "" {
		return errors.New("url must not be empty")
	}
	if c.RetryAttempts < 0 {
		return errors.New("retry_attempts must be non-negative")
	}
	if c.RetryBackoff < 0 {
		return errors.New("retry_backoff must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	if c.CircuitThreshold < 1 {
		return errors.New("circuit_threshold must be at least 1")
	}
	if c.CircuitWindow <= 0 {
		return errors.New("circuit_window must be positive")
	}
	if c.HealthCheckTimeout <= 0 {
		return errors.New("health_check_timeout must be positive")
	}
	return nil
}

// applyDefaults fills in zero values with defaults.
func (c *RemoteConfig) applyDefaults() {
	defaults := DefaultRemoteConfig()
	if c.Class == "" {
		c.Class = defaults.Class
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = defaults.RetryJitter
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = defaults.CircuitThreshold
	}
	if c.CircuitWindow == 0 {
		c.CircuitWindow = defaults.CircuitWindow
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = defaults.CircuitCooldown
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if c.DegradedCheckInterval == 0 {
		c.DegradedCheckInterval = defaults.DegradedCheckInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = defaults.HealthCheckTimeout
	}
}

// -----------------------------------------------------------------------------
// Remote Index
// -----------------------------------------------------------------------------

// Remote is a Weaviate-backed index with circuit breaker, retry with
// backoff, and adaptive health checking.
//
// # Description
//
// Every operation runs through the circuit breaker. When Weaviate is
// down the index answers ErrUnavailable or ErrCircuitOpen instead of
// hanging, so callers can fall back to structural retrieval. A
// background health checker probes the server and closes the circuit
// again once it recovers.
//
// # Thread Safety
//
// Safe for concurrent use from multiple goroutines.
type Remote struct {
	client *weaviate.Client
	config RemoteConfig
	logger *slog.Logger

	// State
	state           atomic.Int32
	circuitOpenTime atomic.Int64 // Unix timestamp when circuit opened
	closed          atomic.Bool
	schemaReady     atomic.Bool
	dims            atomic.Int32 // Fixed by the first upsert

	// Circuit breaker - sliding window
	failures   []time.Time // Ring buffer of failure timestamps
	failureIdx int
	failureMu  sync.Mutex

	// Half-open state - only one test request allowed
	halfOpenTest atomic.Bool

	// Lifecycle
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewRemote creates a Weaviate-backed index.
//
// # Inputs
//
//   - config: Remote configuration. URL is required.
//   - logger: Structured logger. If nil, uses slog.Default().
//
// # Outputs
//
//   - *Remote: Ready-to-use index.
//   - error: Non-nil if configuration invalid or connection fails
//     (and AllowStartDegraded=false).
//
// # Thread Safety
//
// Safe for concurrent use.
func NewRemote(config RemoteConfig, logger *slog.Logger) (*Remote, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := weaviate.Config{
		Host:   config.URL,
		Scheme: "http",
	}
	if len(config.URL) > 8 && config.URL[:8] == "https://" {
		cfg.Scheme = "https"
		cfg.Host = config.URL[8:]
	} else if len(config.URL) > 7 && config.URL[:7] == "http://" {
		cfg.Host = config.URL[7:]
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	healthCtx, healthCancel := context.WithCancel(context.Background())

	r := &Remote{
		client:       client,
		config:       config,
		logger:       logger.With(slog.String("component", "vector_remote")),
		failures:     make([]time.Time, config.CircuitThreshold),
		healthCtx:    healthCtx,
		healthCancel: healthCancel,
	}
	r.state.Store(int32(StateDegraded)) // Start degraded until proven healthy

	if err := r.checkHealth(context.Background()); err != nil {
		if config.AllowStartDegraded {
			r.logger.Warn("weaviate unavailable at startup, starting in degraded mode",
				slog.String("url", config.URL),
				slog.String("error", err.Error()))
			r.healthWg.Add(1)
			go r.runHealthChecker()
			return r, nil
		}
		healthCancel()
		return nil, fmt.Errorf("weaviate not available: %w", err)
	}

	r.transitionState(StateConnected)
	if err := r.ensureSchema(context.Background()); err != nil {
		r.logger.Warn("schema check failed, will retry on first write",
			slog.String("error", err.Error()))
	}
	r.healthWg.Add(1)
	go r.runHealthChecker()

	r.logger.Info("remote vector index initialized",
		slog.String("url", config.URL),
		slog.String("class", config.Class),
		slog.String("state", r.State().String()))

	return r, nil
}

// State returns the current connection state.
func (r *Remote) State() RemoteState {
	return RemoteState(r.state.Load())
}

// IsAvailable returns true if the backend can serve requests.
func (r *Remote) IsAvailable() bool {
	state := r.State()
	return state == StateConnected || state == StateHalfOpen
}

// Upsert stores or replaces the vector for a node.
func (r *Remote) Upsert(ctx context.Context, id isg.NodeID, vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	if err := r.checkDims(len(vec)); err != nil {
		return err
	}
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}

	obj := &models.Object{
		Class: r.config.Class,
		ID:    objectID(id),
		Properties: map[string]interface{}{
			"nodeId": string(id),
		},
		Vector: models.C11yVector(vec),
	}

	return r.execute(ctx, "upsert", func() error {
		resp, err := r.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
		if err != nil {
			return err
		}
		for _, res := range resp {
			if res.Result != nil && res.Result.Errors != nil && len(res.Result.Errors.Error) > 0 {
				return fmt.Errorf("index object %s: %s", id, res.Result.Errors.Error[0].Message)
			}
		}
		return nil
	})
}

// Delete removes a node's vector. Missing ids are ignored.
func (r *Remote) Delete(ctx context.Context, id isg.NodeID) error {
	return r.execute(ctx, "delete", func() error {
		err := r.client.Data().Deleter().
			WithClassName(r.config.Class).
			WithID(string(objectID(id))).
			Do(ctx)
		if err == nil {
			return nil
		}
		var clientErr *fault.WeaviateClientError
		if errors.As(err, &clientErr) && clientErr.StatusCode == 404 {
			return nil
		}
		return err
	})
}

// Search returns up to k nearest nodes, best first.
func (r *Remote) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if len(vec) == 0 {
		return nil, ErrEmptyVector
	}
	if k <= 0 {
		return nil, nil
	}
	if err := r.checkDims(len(vec)); err != nil {
		return nil, err
	}

	var hits []Hit
	err := r.execute(ctx, "search", func() error {
		nearVector := r.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
		fields := []graphql.Field{
			{Name: "nodeId"},
			{Name: "_additional { certainty distance }"},
		}

		result, err := r.client.GraphQL().Get().
			WithClassName(r.config.Class).
			WithFields(fields...).
			WithNearVector(nearVector).
			WithLimit(k).
			Do(ctx)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("graphql query failed: %s", result.Errors[0].Message)
		}

		hits, err = parseSearchResponse(result, r.config.Class)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// EnsureSchema creates the vector class if it does not exist yet.
func (r *Remote) EnsureSchema(ctx context.Context) error {
	r.schemaReady.Store(false)
	return r.ensureSchema(ctx)
}

// Close stops the health checker and rejects further operations.
func (r *Remote) Close() error {
	if r.closed.Swap(true) {
		return nil // Already closed
	}

	r.logger.Info("closing remote vector index")
	r.healthCancel()
	r.healthWg.Wait()
	return nil
}

// -----------------------------------------------------------------------------
// Internal Methods
// -----------------------------------------------------------------------------

// checkDims pins the index dimensionality to the first vector seen.
func (r *Remote) checkDims(n int) error {
	dims := int32(n)
	if r.dims.CompareAndSwap(0, dims) {
		return nil
	}
	if got := r.dims.Load(); got != dims {
		return fmt.Errorf("%w: index is %d-dimensional, got %d", ErrDimMismatch, got, n)
	}
	return nil
}

// ensureSchema creates the class on first use. Weaviate treats class
// creation as idempotent only through the existence check, so the
// result is cached.
func (r *Remote) ensureSchema(ctx context.Context) error {
	if r.schemaReady.Load() {
		return nil
	}

	_, err := r.client.Schema().ClassGetter().WithClassName(r.config.Class).Do(ctx)
	if err == nil {
		r.schemaReady.Store(true)
		return nil
	}

	indexFilterable := true
	class := &models.Class{
		Class:       r.config.Class,
		Description: "Embedding vectors for code graph nodes",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "nodeId",
				Description:     "Stable node identifier",
				DataType:        []string{"text"},
				IndexFilterable: &indexFilterable,
				Tokenization:    "field",
			},
		},
	}
	if err := r.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", r.config.Class, err)
	}

	r.logger.Info("created vector class", slog.String("class", r.config.Class))
	r.schemaReady.Store(true)
	return nil
}

// execute runs a function with retry and circuit breaker protection.
func (r *Remote) execute(ctx context.Context, op string, fn func() error) error {
	if r.closed.Load() {
		return ErrIndexClosed
	}

	ctx, span := otel.Tracer("harbor.vector").Start(ctx, "Remote."+op,
		trace.WithAttributes(
			attribute.String("state", r.State().String()),
		),
	)
	defer span.End()

	// Check circuit breaker
	switch r.State() {
	case StateCircuitOpen:
		// Check if cooldown expired
		if r.shouldTryHalfOpen() {
			r.transitionState(StateHalfOpen)
		} else {
			span.SetStatus(codes.Error, "circuit open")
			return ErrCircuitOpen
		}
	case StateHalfOpen:
		// Only one test request allowed in half-open
		if !r.halfOpenTest.CompareAndSwap(false, true) {
			span.SetStatus(codes.Error, "circuit open (half-open busy)")
			return ErrCircuitOpen
		}
		defer r.halfOpenTest.Store(false)
	}

	// Execute with retry
	var lastErr error
	for attempt := 0; attempt <= r.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.calculateBackoff(attempt)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", backoff.Milliseconds()),
			))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			r.recordSuccess()
			span.SetStatus(codes.Ok, "success")
			return nil
		}

		if !isRetryable(lastErr) {
			break
		}
	}

	r.recordFailure()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "request failed")
	return wrapRemoteError(lastErr)
}

// transitionState changes state and logs the transition.
func (r *Remote) transitionState(newState RemoteState) {
	oldState := RemoteState(r.state.Swap(int32(newState)))
	if oldState == newState {
		return
	}

	r.logger.Info("vector backend state transition",
		slog.String("from", oldState.String()),
		slog.String("to", newState.String()))
}

// checkHealth performs a health check with timeout.
func (r *Remote) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.HealthCheckTimeout)
	defer cancel()

	isReady, err := r.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !isReady {
		return ErrUnavailable
	}
	return nil
}

// runHealthChecker runs periodic health checks until Close.
func (r *Remote) runHealthChecker() {
	defer r.healthWg.Done()

	for {
		interval := r.config.HealthCheckInterval
		if !r.IsAvailable() {
			interval = r.config.DegradedCheckInterval
		}

		select {
		case <-r.healthCtx.Done():
			return
		case <-time.After(interval):
			r.performHealthCheck()
		}
	}
}

// performHealthCheck runs a single health check and updates state.
func (r *Remote) performHealthCheck() {
	err := r.checkHealth(r.healthCtx)
	currentState := r.State()

	if err == nil {
		switch currentState {
		case StateDegraded, StateHalfOpen:
			r.transitionState(StateConnected)
			r.resetFailures()
		case StateCircuitOpen:
			// Don't transition directly from open to connected.
			// Let the half-open test succeed first.
			if r.shouldTryHalfOpen() {
				r.transitionState(StateHalfOpen)
			}
		}
	} else {
		if currentState == StateConnected {
			r.transitionState(StateDegraded)
		}
	}
}

// recordSuccess records a successful request.
func (r *Remote) recordSuccess() {
	if r.State() == StateHalfOpen {
		r.transitionState(StateConnected)
		r.resetFailures()
	}
}

// recordFailure records a failed request and opens the circuit when
// the window fills up.
func (r *Remote) recordFailure() {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	now := time.Now()
	r.failures[r.failureIdx] = now
	r.failureIdx = (r.failureIdx + 1) % len(r.failures)

	// Count failures within window
	windowStart := now.Add(-r.config.CircuitWindow)
	count := 0
	for _, t := range r.failures {
		if !t.IsZero() && t.After(windowStart) {
			count++
		}
	}

	if count >= r.config.CircuitThreshold {
		if r.State() != StateCircuitOpen {
			r.circuitOpenTime.Store(now.Unix())
			r.transitionState(StateCircuitOpen)
			r.logger.Warn("circuit breaker opened",
				slog.Int("failures", count),
				slog.Duration("window", r.config.CircuitWindow))
		}
	} else if r.State() == StateConnected {
		r.transitionState(StateDegraded)
	}
}

// resetFailures clears the failure buffer.
func (r *Remote) resetFailures() {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()
	for i := range r.failures {
		r.failures[i] = time.Time{}
	}
	r.failureIdx = 0
}

// shouldTryHalfOpen checks if the cooldown expired.
func (r *Remote) shouldTryHalfOpen() bool {
	openTime := time.Unix(r.circuitOpenTime.Load(), 0)
	return time.Since(openTime) >= r.config.CircuitCooldown
}

// calculateBackoff returns backoff with jitter.
func (r *Remote) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: base * 2^attempt
	backoff := r.config.RetryBackoff * time.Duration(1<<attempt)

	// Cap at max
	if backoff > r.config.MaxRetryBackoff {
		backoff = r.config.MaxRetryBackoff
	}

	// Add jitter: ±jitter%
	jitterRange := float64(backoff) * r.config.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange // Random -jitter to +jitter
	backoff = time.Duration(float64(backoff) + jitter)

	if backoff < 0 {
		backoff = r.config.RetryBackoff
	}

	return backoff
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// objectID derives the deterministic Weaviate object id for a node.
func objectID(id isg.NodeID) strfmt.UUID {
	u := uuid.NewSHA1(uuid.NameSpaceURL, []byte(vectorIDNamespace+string(id)))
	return strfmt.UUID(u.String())
}

// parseSearchResponse extracts ranked hits from a GraphQL response.
// Malformed objects are skipped rather than failing the whole result.
func parseSearchResponse(result *models.GraphQLResponse, class string) ([]Hit, error) {
	getData, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected response format: missing Get")
	}
	objects, ok := getData[class].([]interface{})
	if !ok {
		// Class present but empty comes back as nil.
		return nil, nil
	}

	hits := make([]Hit, 0, len(objects))
	for _, raw := range objects {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		nodeID, ok := obj["nodeId"].(string)
		if !ok || nodeID == "" {
			continue
		}

		similarity := 0.0
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				similarity = certainty
			} else if distance, ok := additional["distance"].(float64); ok {
				similarity = 1 / (1 + distance)
			}
		}

		hits = append(hits, Hit{
			ID:         isg.NodeID(nodeID),
			Similarity: similarity,
		})
	}
	return hits, nil
}

// isRetryable determines if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context cancelled - not retryable
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Timeout - retryable
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Connection errors (OpError) - retryable (server might be starting/restarting)
	// Check this first since net.OpError implements net.Error
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// Other network errors - retryable if timeout or temporary
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}

	// Default: not retryable (likely application error)
	return false
}

// wrapRemoteError maps connectivity failures onto ErrUnavailable so
// callers can distinguish "backend down" from "bad request".
func wrapRemoteError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return fmt.Errorf("vector remote: %w", err)
}
