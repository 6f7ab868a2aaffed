package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
)

// Providers holds the installed OpenTelemetry providers.
type Providers struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsHandler http.Handler
	logger         *zap.SugaredLogger
}

// Init installs the global tracer and meter providers.
//
// Tracing is exported over OTLP HTTP only when an endpoint is configured.
// Metrics are collected in-process and exposed in Prometheus format through
// MetricsHandler when MetricsEnabled is set. With both disabled Init installs
// nothing and the otel globals stay no-op.
func Init(ctx context.Context, cfg config.ObservabilityConfig, logger *zap.SugaredLogger) (*Providers, error) {
	p := &Providers{logger: logging.OrNop(logger)}

	if cfg.OTLPEndpoint == "" && !cfg.MetricsEnabled {
		p.logger.Info("telemetry disabled")
		return p, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTEL resource: %w", err)
	}

	if cfg.OTLPEndpoint != "" {
		p.logger.Infow("initializing tracing",
			"endpoint", cfg.OTLPEndpoint,
			"protocol", cfg.OTLPProtocol,
			"service", cfg.ServiceName,
		)
		tp, err := newTracerProvider(ctx, res, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer provider: %w", err)
		}
		p.tracerProvider = tp
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			),
		)
	}

	if cfg.MetricsEnabled {
		reader, handler, err := NewPrometheusReader()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus reader: %w", err)
		}
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		)
		p.metricsHandler = handler
		otel.SetMeterProvider(p.meterProvider)
	}

	return p, nil
}

// MetricsHandler serves the Prometheus exposition, or nil when metrics are disabled.
func (p *Providers) MetricsHandler() http.Handler {
	return p.metricsHandler
}

// Shutdown flushes and stops the providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// newResource creates an OTEL resource with service identification attributes.
// The attributes are schemaless so they merge with whatever schema the SDK
// default resource carries.
func newResource(cfg config.ObservabilityConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
}

// newTracerProvider creates a TracerProvider with OTLP HTTP exporter.
func newTracerProvider(ctx context.Context, res *resource.Resource, cfg config.ObservabilityConfig) (*sdktrace.TracerProvider, error) {
	if cfg.OTLPProtocol != "" && cfg.OTLPProtocol != "http/protobuf" {
		return nil, fmt.Errorf("unsupported OTLP protocol %q, use http/protobuf", cfg.OTLPProtocol)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
	}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
