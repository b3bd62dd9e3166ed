// Package tracing sets up OpenTelemetry span export for agent runs.
// Disabled unless an OTLP endpoint is configured.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/chozzz/vargos"

// Provider wraps the SDK trace provider lifecycle.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Setup initializes OTLP HTTP export to endpoint. Empty endpoint
// returns a disabled provider.
func Setup(ctx context.Context, endpoint string, insecure bool) (*Provider, error) {
	if endpoint == "" {
		return &Provider{}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", "endpoint", endpoint)
	return &Provider{tp: tp, tracer: tp.Tracer(tracerName)}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) {
	if p.tp == nil {
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.tp.Shutdown(flushCtx); err != nil {
		slog.Warn("trace shutdown failed", "error", err)
	}
}

// TraceRun records one completed runtime invocation. Implements the
// providers.RunTracer interface; a nil or disabled provider is a no-op.
func (p *Provider) TraceRun(ctx context.Context, sessionKey, provider, model string, start time.Time, tokens int, err error) {
	if p == nil || p.tracer == nil {
		return
	}
	_, span := p.tracer.Start(ctx, "agent.run",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("session.key", sessionKey),
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
			attribute.Int("llm.tokens", tokens),
		),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
