// Package telemetry emits OpenTelemetry spans for turn processing. Grounded
// on internal/agent/loop_tracing.go's span-construction shape (one span per
// LLM call, one per tool call, one root span per run) — re-targeted from
// that LLM/tool-loop shape onto this repo's own stages: one span per
// ingress accept, one per agent dispatch, one per outbound send.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/arcthur/brewva/internal/telemetry"

// Config mirrors config.TelemetryConfig without importing internal/config,
// keeping this package usable standalone.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Init wires a global TracerProvider when cfg.Enabled, exporting spans via
// OTLP/HTTP to cfg.Endpoint. When disabled, leaves the global no-op tracer
// in place and returns a no-op shutdown. Protocol selection between gRPC and
// HTTP (spec's "grpc" default) is collapsed to HTTP here: the corpus's own
// otlptracehttp client needs no separate grpc transport stack, and nothing
// in this repo depends on streaming export.
func Init(cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "brewva"
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartIngressSpan opens a span for one accepted inbound update, mirroring
// emitAgentSpan's "root span per run" role but at the ingress boundary
// instead of the agent loop.
func StartIngressSpan(ctx context.Context, channel, updateID, dedupeKey string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "ingress.accept",
		trace.WithAttributes(
			attribute.String("brewva.channel", channel),
			attribute.String("brewva.update_id", updateID),
			attribute.String("brewva.dedupe_key", dedupeKey),
		),
	)
}

// StartDispatchSpan opens a span for one agent turn dispatch, mirroring
// emitLLMSpan's per-call shape — here the "call" is a whole
// SendUserMessage/WaitForIdle round trip against a runtime session rather
// than a single provider request.
func StartDispatchSpan(ctx context.Context, agentID, scopeKey string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.dispatch",
		trace.WithAttributes(
			attribute.String("brewva.agent_id", agentID),
			attribute.String("brewva.scope_key", scopeKey),
		),
	)
}

// StartOutboundSpan opens a span for one rendered outbound send, mirroring
// emitToolSpan's per-call shape applied to Transport.Send instead of a tool
// invocation.
func StartOutboundSpan(ctx context.Context, kind, conversationID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "outbound.send",
		trace.WithAttributes(
			attribute.String("brewva.outbound_kind", kind),
			attribute.String("brewva.conversation_id", conversationID),
		),
	)
}

// EndSpan records err (if any) onto span and ends it — the shared tail of
// every emit*Span call in loop_tracing.go, collapsed into one helper since
// otel.Span already tracks start/end timing itself.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TruncatePreview bounds an attribute value's length, grounded on
// loop_tracing.go's truncateStr (rune-boundary safe, not byte-boundary).
func TruncatePreview(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
