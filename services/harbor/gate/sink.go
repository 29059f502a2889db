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
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/codegraph"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/events"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// =============================================================================
// STAGE SINK
// =============================================================================

// StageSink receives finished stage results for external analytics.
//
// Implementations must never block or fail the pipeline: a sink problem
// is logged and swallowed, the verdict stands.
type StageSink interface {
	RecordStage(ctx context.Context, id isg.NodeID, runID string, stage codegraph.Stage, outcome codegraph.Outcome, diagnostics int, took time.Duration)
}

// influxWriteTimeout bounds a single point write.
const influxWriteTimeout = 5 * time.Second

// stageMeasurement is the InfluxDB measurement stage points land in.
const stageMeasurement = "gate_stage"

// InfluxConfig holds InfluxDB connection settings for the stage sink.
type InfluxConfig struct {
	// URL is the InfluxDB server address, e.g. http://localhost:8086.
	URL string

	// Token authenticates writes.
	Token string

	// Org is the InfluxDB organization.
	Org string

	// Bucket receives the stage points.
	Bucket string
}

// InfluxSink writes one point per finished gate stage to InfluxDB.
//
// # Description
//
// Points land in the gate_stage measurement tagged by stage and
// outcome, with the node id, run id, and duration as fields. Node and
// run ids are fields rather than tags to keep series cardinality
// bounded.
//
// # Thread Safety
//
// Safe for concurrent use; the blocking write API serializes writes.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *slog.Logger
}

// NewInfluxSink connects a stage sink to InfluxDB.
//
// # Inputs
//
//   - cfg: connection settings; URL and Bucket are required
//   - logger: structured logger; defaults to slog.Default()
//
// # Outputs
//
//   - *InfluxSink: the sink; callers own Close
//   - error: non-nil when required settings are missing
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influx sink: URL is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("influx sink: bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:   logger.With(slog.String("component", "gate.influx")),
	}, nil
}

// RecordStage writes one stage point. Write failures are logged and
// swallowed so analytics can never fail a validation.
func (s *InfluxSink) RecordStage(ctx context.Context, id isg.NodeID, runID string, stage codegraph.Stage, outcome codegraph.Outcome, diagnostics int, took time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, influxWriteTimeout)
	defer cancel()

	point := influxdb2.NewPointWithMeasurement(stageMeasurement).
		AddTag("stage", stage.String()).
		AddTag("outcome", outcome.String()).
		AddField("node_id", string(id)).
		AddField("run_id", runID).
		AddField("duration_ms", float64(took.Milliseconds())).
		AddField("diagnostics", diagnostics).
		SetTime(time.Now())

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		s.logger.Warn("Stage point write failed",
			slog.String("node_id", string(id)),
			slog.String("stage", stage.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases the underlying InfluxDB client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

// =============================================================================
// BUS SINK
// =============================================================================

// BusSink publishes finished gate stages to the process event bus so
// the websocket feed and the watch TUI see verdicts as they land.
type BusSink struct {
	bus *events.Bus
}

// NewBusSink wraps a bus as a stage sink.
func NewBusSink(bus *events.Bus) *BusSink {
	return &BusSink{bus: bus}
}

// RecordStage publishes one stage result. Delivery is best effort; a
// full subscriber drops, the verdict stands.
func (s *BusSink) RecordStage(_ context.Context, id isg.NodeID, runID string, stage codegraph.Stage, outcome codegraph.Outcome, diagnostics int, took time.Duration) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(events.New(events.TypeStageResult, events.StageResultData{
		NodeID:        id,
		RunID:         runID,
		Stage:         stage.String(),
		Outcome:       outcome.String(),
		DurationMilli: took.Milliseconds(),
		Diagnostics:   diagnostics,
	}))
}

// MultiSink fans one stage result out to several sinks in order.
type MultiSink []StageSink

// RecordStage forwards to every sink.
func (m MultiSink) RecordStage(ctx context.Context, id isg.NodeID, runID string, stage codegraph.Stage, outcome codegraph.Outcome, diagnostics int, took time.Duration) {
	for _, s := range m {
		if s != nil {
			s.RecordStage(ctx, id, runID, stage, outcome, diagnostics, took)
		}
	}
}
