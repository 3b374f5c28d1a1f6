package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: fmt.Errorf("insert bulletin: %w", gorm.ErrDuplicatedKey), want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	assert.Equal(t, SchedulerErrorTypeUnknown, ClassifySchedulerErrorType(nil))
	assert.Equal(t, SchedulerErrorTypeDeadlineExceeded, ClassifySchedulerErrorType(context.Canceled))
	assert.Equal(t, SchedulerErrorTypeDB, ClassifySchedulerErrorType(&pgconn.PgError{Code: "23505"}))
	assert.Equal(t, SchedulerErrorTypeBusinessRule, ClassifySchedulerErrorType(errors.New("duplicate_closure")))
	assert.False(t, IsSchedulerErrorRetryable(errors.New("duplicate_closure")))
	assert.True(t, IsSchedulerErrorRetryable(context.DeadlineExceeded))
}

func TestTickOutcomesAndLockAttempts(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSchedulerMetricsForTest(registry)

	m.IncTickOutcome("closed")
	m.IncTickOutcome("lock_unavailable")
	m.IncTickOutcome("lock_unavailable")
	m.ObserveLockAttempt("memory", LockResultAcquired, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.tickOutcomes.WithLabelValues("closed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.tickOutcomes.WithLabelValues("lock_unavailable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.lockAttempts.WithLabelValues("memory", LockResultAcquired)))
}

func TestTickDurationCarriesConstLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSchedulerMetrics(registry, Config{ServiceName: "caisse-test", Environment: "test"})

	m.ObserveTickDuration("timer", 20*time.Millisecond)
	m.ObserveTickDuration("timer", 3*time.Second)
	m.ObserveTickDuration("manual", time.Millisecond)

	labels := map[string]string{"service": "caisse-test", "env": "test", "trigger": "timer"}
	histogram := findHistogram(t, registry, "caisse_scheduler_tick_duration_seconds", labels)
	assert.Equal(t, uint64(2), histogram.GetSampleCount())
	assert.InDelta(t, 3.02, histogram.GetSampleSum(), 0.0001)
}

func findHistogram(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) *dto.Histogram {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Histogram == nil {
				t.Fatalf("metric %s is not a histogram", name)
			}
			return metric.GetHistogram()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return nil
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
