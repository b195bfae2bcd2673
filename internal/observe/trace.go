package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every dundra span.
const tracerName = "github.com/MrWong99/dundra"

// Span attribute keys.
const (
	AttrSessionID    = "session.id"
	AttrAnalysisMode = "analysis.mode"
	AttrSegments     = "analysis.segments"
)

// StartSpan starts a span on the global tracer provider. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartAnalysisSpan starts the span of one analysis call for the game
// session sessionID. The span is named "analysis.<mode>".
func StartAnalysisSpan(ctx context.Context, mode, sessionID string, segments int) (context.Context, trace.Span) {
	return StartSpan(ctx, "analysis."+mode,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrAnalysisMode, mode),
			attribute.Int(AttrSegments, segments),
		),
	)
}

// FailSpan records err on span and marks it failed with reason.
func FailSpan(span trace.Span, reason string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SessionLogger returns the default logger tagged with the game session and,
// inside a span, the trace and span IDs.
func SessionLogger(ctx context.Context, sessionID string) *slog.Logger {
	l := slog.Default().With("session_id", sessionID)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return l
}
