// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry metrics and traces for grant
// exchanges, token refreshes, verifications and realm metadata refreshes.
package telemetry

import (
	"fmt"

	"github.com/stacklok/keycloak-oidc/pkg/versions"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// ServiceName is the service name for telemetry
	ServiceName string `json:"serviceName" mapstructure:"service_name"`

	// ServiceVersion is the service version for telemetry
	ServiceVersion string `json:"serviceVersion" mapstructure:"service_version"`

	// Endpoint is the OTLP endpoint (host:port). Empty disables OTLP export.
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`

	// Headers contains authentication headers for the OTLP endpoint
	Headers map[string]string `json:"headers" mapstructure:"headers"`

	// Insecure uses HTTP instead of HTTPS for the OTLP endpoint
	Insecure bool `json:"insecure" mapstructure:"insecure"`

	// TracingEnabled controls whether spans are exported to Endpoint
	TracingEnabled bool `json:"tracingEnabled" mapstructure:"tracing_enabled"`

	// MetricsEnabled controls whether metrics are exported to Endpoint
	MetricsEnabled bool `json:"metricsEnabled" mapstructure:"metrics_enabled"`

	// SamplingRate is the trace sampling rate (0.0-1.0)
	SamplingRate float64 `json:"samplingRate" mapstructure:"sampling_rate"`

	// EnablePrometheusMetricsPath exposes metrics through Provider.PrometheusHandler
	EnablePrometheusMetricsPath bool `json:"enablePrometheusMetricsPath" mapstructure:"enable_prometheus_metrics_path"`

	// IncludeRuntimeMetrics adds Go runtime and process collectors to the
	// Prometheus registry
	IncludeRuntimeMetrics bool `json:"includeRuntimeMetrics" mapstructure:"include_runtime_metrics"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	versionInfo := versions.GetVersionInfo()
	return Config{
		ServiceName:    "kcoidc",
		ServiceVersion: versionInfo.Version,
		TracingEnabled: true,
		MetricsEnabled: true,
		SamplingRate:   0.05,
		Headers:        make(map[string]string),
	}
}

// Validate checks the sampling rate and the Prometheus options.
func (c Config) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0.0 and 1.0, got %v", c.SamplingRate)
	}
	if c.IncludeRuntimeMetrics && !c.EnablePrometheusMetricsPath {
		return fmt.Errorf("runtime metrics requires EnablePrometheusMetricsPath")
	}
	return nil
}
