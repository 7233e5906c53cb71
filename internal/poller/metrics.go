package poller

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector collects Prometheus-compatible metrics for poll triggers.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	pollsTotal  metric.Int64Counter
	itemsTotal  metric.Int64Counter
	errorsTotal metric.Int64Counter

	// Histograms
	pollLatency metric.Float64Histogram

	// Gauges (using observable gauges)
	activeTriggers   int64
	activeTriggersMu sync.RWMutex
}

// NewMetricsCollector creates a new poll trigger metrics collector.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("workspace-triggers")

	mc := &MetricsCollector{
		meter: meter,
	}

	var err error

	mc.pollsTotal, err = meter.Int64Counter(
		"workspace_triggers_polls_total",
		metric.WithDescription("Total number of poll cycles executed"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, err
	}

	mc.itemsTotal, err = meter.Int64Counter(
		"workspace_triggers_items_fired_total",
		metric.WithDescription("Total number of items handed to the execution emitter"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	mc.errorsTotal, err = meter.Int64Counter(
		"workspace_triggers_errors_total",
		metric.WithDescription("Total number of poll errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	mc.pollLatency, err = meter.Float64Histogram(
		"workspace_triggers_poll_latency_seconds",
		metric.WithDescription("Poll cycle latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"workspace_triggers_active",
		metric.WithDescription("Number of active poll triggers"),
		metric.WithUnit("{trigger}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeTriggersMu.RLock()
			count := mc.activeTriggers
			mc.activeTriggersMu.RUnlock()
			observer.Observe(count)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordPollComplete records the completion of a poll cycle.
func (mc *MetricsCollector) RecordPollComplete(ctx context.Context, provider string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("status", status),
	}

	mc.pollsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.pollLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordItemsFired records the number of items fired in a poll cycle.
func (mc *MetricsCollector) RecordItemsFired(ctx context.Context, provider, resource string, count int) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("resource", resource),
	}

	mc.itemsTotal.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordError records a poll error.
func (mc *MetricsCollector) RecordError(ctx context.Context, provider string, errorType string) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("error_type", errorType),
	}

	mc.errorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// SetActiveTriggers sets the count of active poll triggers.
func (mc *MetricsCollector) SetActiveTriggers(count int) {
	mc.activeTriggersMu.Lock()
	mc.activeTriggers = int64(count)
	mc.activeTriggersMu.Unlock()
}
