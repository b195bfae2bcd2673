package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs an in-memory tracer provider as the global one for
// the duration of the test.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func spanAttrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(s.Attributes))
	for _, kv := range s.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestStartAnalysisSpan(t *testing.T) {
	exp := recordSpans(t)

	tests := []struct {
		mode     string
		session  string
		segments int
	}{
		{"batch", "curse-of-strahd-12", 5},
		{"realtime", "lost-mine-3", 1},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			exp.Reset()

			_, span := StartAnalysisSpan(context.Background(), tt.mode, tt.session, tt.segments)
			span.End()

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			if want := "analysis." + tt.mode; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
			attrs := spanAttrs(spans[0])
			if got := attrs[AttrSessionID].AsString(); got != tt.session {
				t.Errorf("%s = %q, want %q", AttrSessionID, got, tt.session)
			}
			if got := attrs[AttrAnalysisMode].AsString(); got != tt.mode {
				t.Errorf("%s = %q, want %q", AttrAnalysisMode, got, tt.mode)
			}
			if got := attrs[AttrSegments].AsInt64(); got != int64(tt.segments) {
				t.Errorf("%s = %d, want %d", AttrSegments, got, tt.segments)
			}
		})
	}
}

func TestFailSpan(t *testing.T) {
	exp := recordSpans(t)

	_, span := StartAnalysisSpan(context.Background(), "batch", "sess", 5)
	FailSpan(span, "parse_error", errors.New("unexpected end of JSON input"))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "parse_error" {
		t.Errorf("status = %+v, want error parse_error", spans[0].Status)
	}
	if len(spans[0].Events) == 0 || spans[0].Events[0].Name != "exception" {
		t.Errorf("events = %+v, want a recorded exception", spans[0].Events)
	}
}

func TestCorrelationID(t *testing.T) {
	recordSpans(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	ctx, span := StartAnalysisSpan(context.Background(), "realtime", "sess", 1)
	defer span.End()
	if got, want := CorrelationID(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("CorrelationID = %q, want trace id %q", got, want)
	}
}

func TestSessionLogger(t *testing.T) {
	recordSpans(t)

	tests := []struct {
		name      string
		inSpan    bool
		wantTrace bool
	}{
		{"outside span", false, false},
		{"inside analysis span", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tt.inSpan {
				c, s := StartAnalysisSpan(ctx, "batch", "waterdeep-7", 5)
				defer s.End()
				ctx = c
			}

			SessionLogger(ctx, "waterdeep-7").Info("batch analysis complete")

			out := buf.String()
			if !strings.Contains(out, "session_id=waterdeep-7") {
				t.Errorf("log line missing session_id: %s", out)
			}
			if got := strings.Contains(out, "trace_id="); got != tt.wantTrace {
				t.Errorf("trace_id present = %v, want %v: %s", got, tt.wantTrace, out)
			}
		})
	}
}
