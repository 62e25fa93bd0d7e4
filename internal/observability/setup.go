package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/stackabletech/trino-lb/internal/lberrors"
)

// TracingConfig is the subset of config.TracingConfig setup needs,
// decoupled so this package never imports internal/config.
type TracingConfig struct {
	Enabled     bool
	OTLPEndpoint string
	Compression string
}

// SetupTracing installs a global TracerProvider exporting spans via OTLP
// over HTTP (the only exporter in trino-lb's dependency tree; a gRPC
// transport would need a second SDK exporter this build never imports).
// If cfg.Enabled is false, it installs nothing and returns a no-op
// shutdown function.
func SetupTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Compression == "gzip" {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}
	if cfg.OTLPEndpoint == "" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindConfig, "observability: build otlp exporter", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "trino-lb"),
	))
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindConfig, "observability: build trace resource", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return provider.Shutdown, nil
}
