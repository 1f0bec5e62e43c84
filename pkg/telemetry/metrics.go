// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

const meterName = "sdr/telemetry"

// RunMetrics records executor, transport and error measurements. It satisfies
// planner.Metrics and transport.CallObserver. A nil *RunMetrics is a no-op.
type RunMetrics struct {
	units        metric.Int64Counter
	phaseMs      metric.Float64Histogram
	calls        metric.Int64Counter
	callMs       metric.Float64Histogram
	errs         metric.Int64Counter
	breakerState metric.Int64Gauge
}

// MetricsOption customizes NewRunMetrics.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	provider metric.MeterProvider
}

// WithMeterProvider uses mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if mp != nil {
			o.provider = mp
		}
	}
}

// NewRunMetrics creates the instruments on the configured meter.
func NewRunMetrics(opts ...MetricsOption) (*RunMetrics, error) {
	o := metricsOptions{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	meter := o.provider.Meter(meterName)

	m := &RunMetrics{}
	var err error
	if m.units, err = meter.Int64Counter(
		"sdr.units.total",
		metric.WithDescription("Settled work units by name and status"),
	); err != nil {
		return nil, err
	}
	if m.phaseMs, err = meter.Float64Histogram(
		"sdr.phase.duration_ms",
		metric.WithDescription("Wall time of executor phases"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.calls, err = meter.Int64Counter(
		"sdr.transport.calls",
		metric.WithDescription("JSON-RPC calls by method and outcome"),
	); err != nil {
		return nil, err
	}
	if m.callMs, err = meter.Float64Histogram(
		"sdr.transport.call_duration_ms",
		metric.WithDescription("JSON-RPC call latency including the wait for a permit"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.errs, err = meter.Int64Counter(
		"sdr.errors.total",
		metric.WithDescription("Errors by code and component"),
	); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge(
		"sdr.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state (0=open, 1=half-open, 2=closed)"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordUnit counts one settled unit.
func (m *RunMetrics) RecordUnit(ctx context.Context, unit, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.units.Add(ctx, 1, metric.WithAttributes(UnitAttributes(unit, status)...))
}

// RecordPhase records the duration of one executor phase.
func (m *RunMetrics) RecordPhase(ctx context.Context, phase, units int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.phaseMs.Record(ctx, millis(elapsed), metric.WithAttributes(
		attribute.Int(AttrPhase, phase),
		attribute.Int(AttrUnitsCompleted, units),
	))
}

// RecordCall counts one transport call and its latency.
func (m *RunMetrics) RecordCall(ctx context.Context, method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrRPCMethod, method),
		attribute.String(AttrRPCOutcome, outcome),
	)
	m.calls.Add(ctx, 1, attrs)
	m.callMs.Record(ctx, millis(elapsed), attrs)
}

// RecordError counts err under its code. Nil errors are ignored.
func (m *RunMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	if component == "" {
		component = "unknown"
	}
	m.errs.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, string(sdrerrors.CodeOf(err))),
		attribute.String(AttrComponent, component),
	))
}

// RecordBreakerState publishes a breaker transition. State names follow
// resilience.CircuitBreakerState.
func (m *RunMetrics) RecordBreakerState(ctx context.Context, name, state string) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, breakerValue(state), metric.WithAttributes(
		attribute.String(AttrBreakerName, name),
	))
}

func breakerValue(state string) int64 {
	switch state {
	case "open":
		return 0
	case "half-open":
		return 1
	default:
		return 2
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
