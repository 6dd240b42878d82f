// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry provides tracing and log-correlation helpers for the
// auditor. Spans are created against the global tracer provider; exporter
// wiring is a deployment concern.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies the auditor's tracer.
const tracerName = "github.com/AleutianAI/GanAuditor/services/auditor"

// LoggerWithTrace returns a logger with trace context injected.
//
// # Description
//
//	Extracts trace_id and span_id from the context and adds them as
//	structured log fields for log/trace correlation.
//
// # Inputs
//
//	ctx - Context that may carry an active span.
//	logger - Base logger. Nil falls back to slog.Default().
//
// # Outputs
//
//	*slog.Logger - Logger with trace fields, or the original logger
//	when no valid span context exists.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}

	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// StartCycleSpan starts a span for one audit cycle.
func StartCycleSpan(ctx context.Context, sessionID string, loop int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "auditor.cycle",
		trace.WithAttributes(
			attribute.String("gan.session_id", sessionID),
			attribute.Int("gan.loop", loop),
		),
	)
}

// StartJudgeSpan starts a span for one judge invocation.
func StartJudgeSpan(ctx context.Context, sessionID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "auditor.judge",
		trace.WithAttributes(
			attribute.String("gan.session_id", sessionID),
			attribute.Int("gan.attempt", attempt),
		),
	)
}

// StartContextSpan starts a span for context pack assembly.
func StartContextSpan(ctx context.Context, scope string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "auditor.context",
		trace.WithAttributes(
			attribute.String("gan.scope", scope),
		),
	)
}

// SetVerdictAttributes records a verdict's outcome on a span.
func SetVerdictAttributes(span trace.Span, overall int, tag string) {
	span.SetAttributes(
		attribute.Int("gan.overall", overall),
		attribute.String("gan.verdict", tag),
	)
}
