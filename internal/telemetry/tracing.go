// Package telemetry installs the OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/logging"
)

// Config controls tracing.
type Config struct {
	ServiceName string
	// SampleRatio is the fraction of root spans kept, in [0,1].
	SampleRatio float64
	// LogSpans writes finished spans to the logger at debug level.
	LogSpans bool
}

// InitTracerProvider builds a tracer provider, installs it globally together
// with the W3C propagators and returns it so the caller can shut it down.
func InitTracerProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "site-analyzer"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if cfg.LogSpans {
		opts = append(opts, sdktrace.WithSyncer(NewLogExporter(logger)))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}

// LogExporter writes finished spans through zap.
type LogExporter struct {
	logger *zap.Logger
}

// NewLogExporter returns an exporter logging to logger.
func NewLogExporter(logger *zap.Logger) *LogExporter {
	return &LogExporter{logger: logging.OrNop(logger)}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := []zap.Field{
			zap.String("span", span.Name()),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
			zap.String("status", span.Status().Code.String()),
		}
		for _, kv := range span.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		e.logger.Debug("span finished", fields...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(context.Context) error {
	return nil
}
