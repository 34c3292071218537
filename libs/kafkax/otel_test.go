package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func tracedContext(t *testing.T) context.Context {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	if err != nil {
		t.Fatalf("trace id: %v", err)
	}
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	if err != nil {
		t.Fatalf("span id: %v", err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestInjectTraceHeadersAppendsTraceparent(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	ctx := tracedContext(t)
	headers := []kafka.Header{{Key: "event_id", Value: []byte("e1")}}

	out := InjectTraceHeaders(ctx, headers)
	if got := HeaderValue(out, "traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("traceparent = %q", got)
	}
	if HeaderValue(out, "event_id") != "e1" {
		t.Fatal("existing headers must be preserved")
	}
}

func TestInjectTraceHeadersOverwritesExisting(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	ctx := tracedContext(t)
	out := InjectTraceHeaders(ctx, []kafka.Header{
		{Key: "traceparent", Value: []byte("00-stale-stale-00")},
	})

	seen := 0
	for _, h := range out {
		if h.Key == "traceparent" {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("traceparent appears %d times, want 1", seen)
	}
	if got := HeaderValue(out, "traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("traceparent not overwritten: %q", got)
	}
}
