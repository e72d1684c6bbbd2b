// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	kcerrors "github.com/stacklok/keycloak-oidc/pkg/errors"
)

const instrumentationName = "github.com/stacklok/keycloak-oidc"

// GrantDurationBuckets are the histogram boundaries, in seconds, of grant durations.
var GrantDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Refresh outcomes.
const (
	RefreshOutcomeFresh     = "fresh"
	RefreshOutcomeRefreshed = "refreshed"
	// RefreshOutcomeCoalesced means another flight or process refreshed the
	// tokens while this caller waited for the lock.
	RefreshOutcomeCoalesced = "coalesced"
	RefreshOutcomeDead      = "dead"
	RefreshOutcomeRejected  = "rejected"
	RefreshOutcomeFailed    = "failed"
)

// OutcomeSuccess is recorded for calls that returned no error.
const OutcomeSuccess = "success"

// Metrics records the instruments of the token lifecycle. The zero value is
// not usable; use NewMetrics or NoopMetrics.
type Metrics struct {
	tracer trace.Tracer

	grants         metric.Int64Counter
	grantDuration  metric.Float64Histogram
	refreshes      metric.Int64Counter
	verifications  metric.Int64Counter
	realmRefreshes metric.Int64Counter
}

// NewMetrics creates the instruments on the given providers.
func NewMetrics(meterProvider metric.MeterProvider, tracerProvider trace.TracerProvider) *Metrics {
	meter := meterProvider.Meter(instrumentationName)

	grants, _ := meter.Int64Counter(
		"kcoidc_grants", // The exporter adds the _total suffix automatically
		metric.WithDescription("Total number of grant exchanges with the token endpoint"),
	)
	grantDuration, _ := meter.Float64Histogram(
		"kcoidc_grant_duration", // The exporter adds the _seconds suffix automatically
		metric.WithDescription("Duration of grant exchanges in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(GrantDurationBuckets...),
	)
	refreshes, _ := meter.Int64Counter(
		"kcoidc_token_refreshes",
		metric.WithDescription("Active token lookups by outcome"),
	)
	verifications, _ := meter.Int64Counter(
		"kcoidc_token_verifications",
		metric.WithDescription("Token verifications by result"),
	)
	realmRefreshes, _ := meter.Int64Counter(
		"kcoidc_realm_refreshes",
		metric.WithDescription("Realm metadata refreshes by document and outcome"),
	)

	return &Metrics{
		tracer:         tracerProvider.Tracer(instrumentationName),
		grants:         grants,
		grantDuration:  grantDuration,
		refreshes:      refreshes,
		verifications:  verifications,
		realmRefreshes: realmRefreshes,
	}
}

// NoopMetrics returns Metrics that record nothing.
func NoopMetrics() *Metrics {
	return NewMetrics(noop.NewMeterProvider(), tracenoop.NewTracerProvider())
}

// StartSpan starts a span named name.
func (m *Metrics) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Outcome(err))
	}
	span.End()
}

// RecordGrant records one grant exchange of grantType.
func (m *Metrics) RecordGrant(ctx context.Context, realm, grantType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("realm", realm),
		attribute.String("grant_type", grantType),
		attribute.String("outcome", Outcome(err)),
	)
	m.grants.Add(ctx, 1, attrs)
	m.grantDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRefresh records the outcome of an active token lookup.
func (m *Metrics) RecordRefresh(ctx context.Context, realm, outcome string) {
	m.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("realm", realm),
		attribute.String("outcome", outcome),
	))
}

// RecordVerification records the result of a token verification.
func (m *Metrics) RecordVerification(ctx context.Context, realm string, err error) {
	m.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("realm", realm),
		attribute.String("outcome", Outcome(err)),
	))
}

// RecordRealmRefresh records a refresh of one realm metadata document.
func (m *Metrics) RecordRealmRefresh(ctx context.Context, realm, document string, err error) {
	m.realmRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("realm", realm),
		attribute.String("document", document),
		attribute.String("outcome", Outcome(err)),
	))
}

// Outcome maps err to a low cardinality attribute value: success, the error
// taxonomy type, or "error".
func Outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	var kcErr *kcerrors.Error
	if errors.As(err, &kcErr) {
		return kcErr.Type
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "error"
}
