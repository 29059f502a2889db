// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Subscription is one consumer's view of the bus.
//
// # Thread Safety
//
// Safe for concurrent use. Exactly one goroutine should range over
// Events; Dropped may be read from anywhere.
type Subscription struct {
	id      string
	ch      chan Event
	types   map[Type]bool
	dropped atomic.Uint64
}

// ID returns the subscription identifier, used to unsubscribe.
func (s *Subscription) ID() string { return s.id }

// Events returns the delivery channel. It is closed when the
// subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events this subscription lost to a full
// buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	return s.types[t]
}

// Bus broadcasts events to subscribers over bounded channels.
//
// # Description
//
// Publish never blocks. When a subscriber's buffer is full the oldest
// buffered event is discarded to make room, and the loss is counted.
// A slow websocket client therefore lags, it never stalls the
// pipeline.
//
// A small replay buffer keeps the most recent events so late
// subscribers can catch up on request.
//
// # Thread Safety
//
// Bus is safe for concurrent use.
type Bus struct {
	mu         sync.Mutex
	subs       map[string]*Subscription
	replay     []Event
	replaySize int
	bufferSize int
	closed     bool
	dropped    atomic.Uint64

	logger *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithReplaySize sets how many recent events the bus retains for
// replay. Zero disables replay.
func WithReplaySize(n int) BusOption {
	return func(b *Bus) {
		if n >= 0 {
			b.replaySize = n
		}
	}
}

// WithSubscriberBuffer sets the default per-subscriber channel
// capacity.
func WithSubscriberBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		subs:       make(map[string]*Subscription),
		replaySize: 256,
		bufferSize: 64,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.replaySize > 0 {
		b.replay = make([]Event, 0, b.replaySize)
	}

	return b
}

// New builds a stamped event. Publish stamps missing fields too; this
// exists so callers can log the ID they are about to publish.
func New(t Type, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	types  []Type
	buffer int
	replay bool
}

// WithTypes limits a subscription to the given event types. No types
// means all types.
func WithTypes(types ...Type) SubscribeOption {
	return func(c *subscribeConfig) {
		c.types = append(c.types, types...)
	}
}

// WithBuffer overrides the subscription's channel capacity.
func WithBuffer(n int) SubscribeOption {
	return func(c *subscribeConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithReplay pre-loads the subscription with the retained recent
// events that match its type filter.
func WithReplay() SubscribeOption {
	return func(c *subscribeConfig) {
		c.replay = true
	}
}

// Subscribe registers a consumer.
//
// # Inputs
//
//   - opts: type filter, buffer size, replay.
//
// # Outputs
//
//   - *Subscription: channel handle; nil on error.
//   - error: ErrBusClosed after Close.
func (b *Bus) Subscribe(opts ...SubscribeOption) (*Subscription, error) {
	cfg := subscribeConfig{buffer: b.bufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Event, cfg.buffer),
	}
	if len(cfg.types) > 0 {
		sub.types = make(map[Type]bool, len(cfg.types))
		for _, t := range cfg.types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	if cfg.replay {
		for _, ev := range b.replay {
			if sub.wants(ev.Type) {
				b.deliver(sub, ev)
			}
		}
	}

	b.subs[sub.id] = sub

	b.logger.Debug("event subscription added",
		"subscription_id", sub.id,
		"buffer", cfg.buffer,
		"replay", cfg.replay)

	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}

	delete(b.subs, id)
	close(sub.ch)
}

// Publish broadcasts an event to all matching subscribers.
//
// # Inputs
//
//   - ev: the event. Missing ID and Timestamp fields are stamped.
//
// # Outputs
//
//   - error: ErrBusClosed after Close, nil otherwise. Delivery to a
//     full subscriber is not an error; the oldest buffered event is
//     dropped and counted instead.
func (b *Bus) Publish(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	if b.replaySize > 0 {
		if len(b.replay) >= b.replaySize {
			b.replay = b.replay[1:]
		}
		b.replay = append(b.replay, ev)
	}

	for _, sub := range b.subs {
		if sub.wants(ev.Type) {
			b.deliver(sub, ev)
		}
	}

	return nil
}

// deliver is a non-blocking send with drop-oldest overflow. Caller
// holds b.mu, so channel close cannot race the send.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Full. Evict the oldest buffered event and retry.
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		b.dropped.Add(1)
	default:
		// The consumer drained the buffer between the failed send
		// and now; nothing to evict.
	}

	select {
	case sub.ch <- ev:
	default:
		sub.dropped.Add(1)
		b.dropped.Add(1)
	}
}

// Dropped returns the total events lost across all subscriptions
// since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscription count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the bus down. All subscriber channels are closed and
// later publishes return ErrBusClosed. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
