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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

func newTestBus(opts ...BusOption) *Bus {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBus(logger, opts...)
}

// drain reads events until the channel would block.
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// ===== STAMPING =====

func TestNew_StampsFields(t *testing.T) {
	before := time.Now().UnixMilli()
	ev := New(TypePromoted, PromotedData{CommitID: "c1"})

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TypePromoted, ev.Type)
	assert.GreaterOrEqual(t, ev.Timestamp, before)

	data, ok := ev.Data.(PromotedData)
	require.True(t, ok)
	assert.Equal(t, "c1", data.CommitID)
}

func TestBus_PublishStampsMissingFields(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub, err := bus.Subscribe()
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Event{Type: TypeBuildStarted}))

	got := drain(sub)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.NotZero(t, got[0].Timestamp)
}

// ===== DELIVERY =====

func TestBus_DeliversInOrder(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub, err := bus.Subscribe()
	require.NoError(t, err)

	first := New(TypeRowTransition, RowTransitionData{
		NodeID: isg.NodeID("n1"), From: "clean", To: "proposed",
	})
	second := New(TypeRowTransition, RowTransitionData{
		NodeID: isg.NodeID("n1"), From: "proposed", To: "validating",
	})
	require.NoError(t, bus.Publish(first))
	require.NoError(t, bus.Publish(second))

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
}

func TestBus_TypeFilter(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub, err := bus.Subscribe(WithTypes(TypeStageResult))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(New(TypeBuildStarted, nil)))
	require.NoError(t, bus.Publish(New(TypeStageResult, StageResultData{RunID: "r1"})))
	require.NoError(t, bus.Publish(New(TypeBuildFinished, nil)))

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, TypeStageResult, got[0].Type)
}

func TestBus_FanOut(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	a, err := bus.Subscribe()
	require.NoError(t, err)
	b, err := bus.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, 2, bus.Subscribers())

	require.NoError(t, bus.Publish(New(TypePromoted, nil)))

	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

// ===== OVERFLOW =====

func TestBus_DropsOldestOnOverflow(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub, err := bus.Subscribe(WithBuffer(2))
	require.NoError(t, err)

	e1 := New(TypeBuildStarted, nil)
	e2 := New(TypeBuildStarted, nil)
	e3 := New(TypeBuildStarted, nil)
	require.NoError(t, bus.Publish(e1))
	require.NoError(t, bus.Publish(e2))
	require.NoError(t, bus.Publish(e3))

	got := drain(sub)
	require.Len(t, got, 2, "buffer holds the two newest events")
	assert.Equal(t, e2.ID, got[0].ID)
	assert.Equal(t, e3.ID, got[1].ID)

	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestBus_SlowSubscriberDoesNotAffectOthers(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	slow, err := bus.Subscribe(WithBuffer(1))
	require.NoError(t, err)
	fast, err := bus.Subscribe(WithBuffer(16))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(New(TypeStageResult, nil)))
	}

	assert.Len(t, drain(fast), 5)
	assert.Len(t, drain(slow), 1)
	assert.Equal(t, uint64(4), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
}

func TestBus_ConcurrentPublishAccounting(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub, err := bus.Subscribe(WithBuffer(8))
	require.NoError(t, err)

	const publishers = 4
	const perPublisher = 50

	received := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range sub.Events() {
			received++
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_ = bus.Publish(New(TypeRowTransition, nil))
			}
		}()
	}
	wg.Wait()
	bus.Close()
	<-done

	// Every published event was either delivered or counted as lost.
	total := received + int(sub.Dropped())
	assert.Equal(t, publishers*perPublisher, total)
}

// ===== REPLAY =====

func TestBus_ReplayCatchesUpLateSubscriber(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	e1 := New(TypeBuildStarted, nil)
	e2 := New(TypeBuildFinished, nil)
	require.NoError(t, bus.Publish(e1))
	require.NoError(t, bus.Publish(e2))

	late, err := bus.Subscribe(WithReplay())
	require.NoError(t, err)

	got := drain(late)
	require.Len(t, got, 2)
	assert.Equal(t, e1.ID, got[0].ID)
	assert.Equal(t, e2.ID, got[1].ID)
}

func TestBus_ReplayRespectsTypeFilter(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	require.NoError(t, bus.Publish(New(TypeBuildStarted, nil)))
	require.NoError(t, bus.Publish(New(TypePromoted, nil)))

	sub, err := bus.Subscribe(WithReplay(), WithTypes(TypePromoted))
	require.NoError(t, err)

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, TypePromoted, got[0].Type)
}

func TestBus_ReplayBufferBounded(t *testing.T) {
	bus := newTestBus(WithReplaySize(2))
	defer bus.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		ev := New(TypeStageResult, nil)
		ids = append(ids, ev.ID)
		require.NoError(t, bus.Publish(ev))
	}

	sub, err := bus.Subscribe(WithReplay())
	require.NoError(t, err)

	got := drain(sub)
	require.Len(t, got, 2, "replay keeps only the newest events")
	assert.Equal(t, ids[1], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)
}

func TestBus_ReplayDisabled(t *testing.T) {
	bus := newTestBus(WithReplaySize(0))
	defer bus.Close()

	require.NoError(t, bus.Publish(New(TypeBuildStarted, nil)))

	sub, err := bus.Subscribe(WithReplay())
	require.NoError(t, err)
	assert.Empty(t, drain(sub))
}

// ===== LIFECYCLE =====

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub, err := bus.Subscribe()
	require.NoError(t, err)

	bus.Unsubscribe(sub.ID())
	assert.Equal(t, 0, bus.Subscribers())

	_, open := <-sub.Events()
	assert.False(t, open, "channel closes on unsubscribe")

	// Unknown ids and republishing are both harmless.
	bus.Unsubscribe("no-such-subscription")
	require.NoError(t, bus.Publish(New(TypeBuildStarted, nil)))
}

func TestBus_Close(t *testing.T) {
	bus := newTestBus()

	sub, err := bus.Subscribe()
	require.NoError(t, err)

	bus.Close()
	bus.Close()

	_, open := <-sub.Events()
	assert.False(t, open, "channel closes on bus close")

	assert.ErrorIs(t, bus.Publish(New(TypeBuildStarted, nil)), ErrBusClosed)

	_, err = bus.Subscribe()
	assert.ErrorIs(t, err, ErrBusClosed)
}
