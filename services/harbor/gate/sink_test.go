// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

func TestBusSink_PublishesStageResults(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)

	sub, err := bus.Subscribe(events.WithTypes(events.TypeStageResult))
	require.NoError(t, err)

	sink := NewBusSink(bus)
	id := isg.NewNodeID(isg.KindFunction, "pkg/a.go", "", "A")
	sink.RecordStage(context.Background(), id, "run-1", codegraph.StageBuild, codegraph.OutcomePass, 0, 42*time.Millisecond)

	select {
	case ev := <-sub.Events():
		data, ok := ev.Data.(events.StageResultData)
		require.True(t, ok)
		assert.Equal(t, id, data.NodeID)
		assert.Equal(t, "run-1", data.RunID)
		assert.Equal(t, "build", data.Stage)
		assert.Equal(t, "pass", data.Outcome)
		assert.EqualValues(t, 42, data.DurationMilli)
	case <-time.After(2 * time.Second):
		t.Fatal("no stage result delivered")
	}
}

func TestMultiSink_FansOut(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{}
	multi := MultiSink{a, nil, b}

	id := isg.NewNodeID(isg.KindFunction, "pkg/a.go", "", "A")
	multi.RecordStage(context.Background(), id, "run-1", codegraph.StageOverlay, codegraph.OutcomeFail, 3, time.Millisecond)

	require.Len(t, a.recorded(), 1)
	require.Len(t, b.recorded(), 1)
	assert.Equal(t, codegraph.StageOverlay, a.recorded()[0].stage)
	assert.Equal(t, 3, a.recorded()[0].diagnostics)
}
