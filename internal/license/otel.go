package license

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "wslicense/license"
	MeterName  = "wslicense/license"
)

// Metrics holds the license OpenTelemetry instruments.
type Metrics struct {
	TokensIssued          metric.Int64Counter
	TokensRefreshed       metric.Int64Counter
	TokensRevoked         metric.Int64Counter
	Validations           metric.Int64Counter
	ValidationDuration    metric.Float64Histogram
	GraceTransitions      metric.Int64Counter
	ConnectivityFailures  metric.Int64Counter
	FingerprintMismatches metric.Int64Counter
	RevocationsCleaned    metric.Int64Counter
}

// NewMetrics creates the instruments on meter. A nil meter yields no-op
// instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(MeterName)
	}

	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TokensIssued, "license_tokens_issued_total", "Total number of license tokens issued"},
		{&m.TokensRefreshed, "license_tokens_refreshed_total", "Total number of license tokens refreshed"},
		{&m.TokensRevoked, "license_tokens_revoked_total", "Total number of license tokens revoked"},
		{&m.Validations, "license_validations_total", "License validations by result"},
		{&m.GraceTransitions, "license_grace_transitions_total", "Offline continuity state transitions"},
		{&m.ConnectivityFailures, "license_connectivity_failures_total", "Online validations that failed for connectivity reasons"},
		{&m.FingerprintMismatches, "license_fingerprint_mismatches_total", "Validations rejected for hardware mismatch"},
		{&m.RevocationsCleaned, "license_revocations_cleaned_total", "Revocation records removed after natural expiry"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	return m, nil
}

func noopMetrics() *Metrics {
	m, _ := NewMetrics(nil)
	return m
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
