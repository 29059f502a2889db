// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TraceID returns the trace ID from the context as a string.
//
// # Description
//
// Extracts the trace ID from the active span context, for correlating log
// lines and API error responses with traces. Returns an empty string if no
// valid span context is present.
//
// # Inputs
//
//   - ctx: Context potentially containing a span.
//
// # Outputs
//
//   - string: Hex-encoded trace ID, or empty string if unavailable.
//
// # Thread Safety
//
// Safe for concurrent use.
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}

// SpanID returns the span ID from the context as a string.
//
// # Outputs
//
//   - string: Hex-encoded span ID, or empty string if unavailable.
//
// # Thread Safety
//
// Safe for concurrent use.
func SpanID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.SpanID().String()
}

// HasActiveSpan returns true if the context contains a valid, recording
// span.
//
// # Thread Safety
//
// Safe for concurrent use.
func HasActiveSpan(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
