// Package telemetry provides OpenTelemetry instrumentation for the
// publication server.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/bal-adresse/publication-server/sync"

// SyncMetrics holds the instruments for the reconciliation engine.
// A nil *SyncMetrics is a valid no-op receiver.
type SyncMetrics struct {
	publishesTotal     metric.Int64Counter
	hashSkipsTotal     metric.Int64Counter
	conflictsTotal     metric.Int64Counter
	outdatedFlipsTotal metric.Int64Counter
	taskDuration       metric.Float64Histogram
}

// NewSyncMetrics creates a SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	publishesTotal, err := meter.Int64Counter(
		"bal_pub_srv_publishes_total",
		metric.WithDescription("Number of revisions published to the deposit registry"),
		metric.WithUnit("{revision}"),
	)
	if err != nil {
		return nil, err
	}

	hashSkipsTotal, err := meter.Int64Counter(
		"bal_pub_srv_hash_skips_total",
		metric.WithDescription("Number of publications skipped because content hash matched the current revision"),
		metric.WithUnit("{publication}"),
	)
	if err != nil {
		return nil, err
	}

	conflictsTotal, err := meter.Int64Counter(
		"bal_pub_srv_conflicts_total",
		metric.WithDescription("Number of base locales relabelled conflict by the conflict detector"),
		metric.WithUnit("{base_locale}"),
	)
	if err != nil {
		return nil, err
	}

	outdatedFlipsTotal, err := meter.Int64Counter(
		"bal_pub_srv_outdated_flips_total",
		metric.WithDescription("Number of base locales flipped synced to outdated"),
		metric.WithUnit("{base_locale}"),
	)
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram(
		"bal_pub_srv_task_duration_seconds",
		metric.WithDescription("Duration of scheduled reconciliation tasks in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		publishesTotal:     publishesTotal,
		hashSkipsTotal:     hashSkipsTotal,
		conflictsTotal:     conflictsTotal,
		outdatedFlipsTotal: outdatedFlipsTotal,
		taskDuration:       taskDuration,
	}, nil
}

// RecordPublish counts a successful revision publication for a commune.
func (m *SyncMetrics) RecordPublish(ctx context.Context, codeCommune string) {
	if m == nil || m.publishesTotal == nil {
		return
	}
	m.publishesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code_commune", codeCommune)))
}

// RecordHashSkip counts a publication short-circuited by hash equality.
func (m *SyncMetrics) RecordHashSkip(ctx context.Context, codeCommune string) {
	if m == nil || m.hashSkipsTotal == nil {
		return
	}
	m.hashSkipsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code_commune", codeCommune)))
}

// RecordConflicts counts base locales relabelled conflict.
func (m *SyncMetrics) RecordConflicts(ctx context.Context, count int64) {
	if m == nil || m.conflictsTotal == nil {
		return
	}
	m.conflictsTotal.Add(ctx, count)
}

// RecordOutdatedFlips counts synced records flipped to outdated.
func (m *SyncMetrics) RecordOutdatedFlips(ctx context.Context, count int64) {
	if m == nil || m.outdatedFlipsTotal == nil {
		return
	}
	m.outdatedFlipsTotal.Add(ctx, count)
}

// RecordTaskDuration records the duration of a scheduled task.
func (m *SyncMetrics) RecordTaskDuration(
	ctx context.Context, taskName string, duration time.Duration, success bool,
) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("task", taskName),
		attribute.Bool("success", success)))
}
