// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/keycloak-oidc/pkg/logger"
)

// Provider holds the meter and tracer providers built from a Config.
type Provider struct {
	meterProvider     metric.MeterProvider
	tracerProvider    trace.TracerProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProvider creates the providers described by cfg. Without an endpoint
// and without the Prometheus path it returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	p := &Provider{
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	otlpMetrics := cfg.Endpoint != "" && cfg.MetricsEnabled
	otlpTraces := cfg.Endpoint != "" && cfg.TracingEnabled
	if !otlpMetrics && !otlpTraces && !cfg.EnablePrometheusMetricsPath {
		logger.Debugf("No telemetry configured, using no-op providers")
		return p, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
			cfg.ServiceName, cfg.ServiceVersion, err)
	}

	var readers []sdkmetric.Reader
	if cfg.EnablePrometheusMetricsPath {
		reader, handler, err := newPrometheusReader(cfg.IncludeRuntimeMetrics)
		if err != nil {
			return nil, err
		}
		readers = append(readers, reader)
		p.prometheusHandler = handler
	}
	if otlpMetrics {
		reader, err := newOTLPMetricReader(ctx, cfg)
		if err != nil {
			return nil, err
		}
		readers = append(readers, reader)
	}
	if len(readers) > 0 {
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, sdkmetric.WithReader(r))
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		p.meterProvider = mp
		p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	}

	if otlpTraces {
		tp, shutdown, err := newOTLPTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, err
		}
		p.tracerProvider = tp
		p.shutdownFuncs = append(p.shutdownFuncs, shutdown)
	}

	return p, nil
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// PrometheusHandler serves the Prometheus metrics, or is nil when the
// Prometheus path is disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Metrics returns Metrics recording through this provider.
func (p *Provider) Metrics() *Metrics {
	return NewMetrics(p.meterProvider, p.tracerProvider)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
