// Package telemetry installs the process-wide OpenTelemetry tracer
// provider. The rest of the daemon creates spans through otel.Tracer;
// without this package those spans are no-ops, with it they export
// over OTLP/HTTP.
//
// Telemetry failures never take the daemon down: a provider that fails
// to initialize leaves the no-op default in place.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Config controls trace export.
type Config struct {
	// Endpoint is the OTLP/HTTP collector address, e.g.
	// "localhost:4318". Empty disables export entirely.
	Endpoint string

	// ServiceName tags exported spans. Default "oakd".
	ServiceName string

	// ServiceVersion is the daemon build version.
	ServiceVersion string

	// SampleRate is the fraction of root traces to sample, (0, 1].
	// Default 1.
	SampleRate float64

	// Insecure allows plain HTTP to the collector. Local collectors
	// are the normal case for a per-project daemon.
	Insecure bool
}

// FromEnv builds a Config from OAK_CI_OTLP_ENDPOINT, falling back to
// the standard OTEL_EXPORTER_OTLP_ENDPOINT.
func FromEnv(serviceVersion string) Config {
	endpoint := os.Getenv("OAK_CI_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	return Config{
		Endpoint:       endpoint,
		ServiceVersion: serviceVersion,
		Insecure:       true,
	}
}

// Telemetry owns the tracer provider for the process lifetime.
type Telemetry struct {
	provider *sdktrace.TracerProvider
	logger   *zap.Logger
}

// New initializes and installs the global tracer provider. With an
// empty endpoint it returns a no-op Telemetry and leaves the otel
// defaults untouched.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" {
		return &Telemetry{logger: logger}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "oakd"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("trace export enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sample_rate", cfg.SampleRate))
	return &Telemetry{provider: provider, logger: logger}, nil
}

// Shutdown flushes pending spans. Safe on a no-op instance.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := t.provider.Shutdown(ctx); err != nil {
		t.logger.Warn("trace provider shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
