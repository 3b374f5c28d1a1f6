package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonUnknown              = "unknown"
)

const (
	LockResultAcquired    = "acquired"
	LockResultUnavailable = "unavailable"
	LockResultError       = "error"
)

// SchedulerMetrics captures closure scheduler health signals.
type SchedulerMetrics struct {
	tickRuns      *prometheus.CounterVec
	tickOutcomes  *prometheus.CounterVec
	tickDuration  *prometheus.HistogramVec
	tickTimeouts  *prometheus.CounterVec
	tickErrors    *prometheus.CounterVec
	lockAttempts  *prometheus.CounterVec
	lockWait      *prometheus.HistogramVec
	runLoopLag    prometheus.Observer
	lastClosureAt prometheus.Gauge
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

// NewSchedulerMetricsForTest builds scheduler metrics on a private registry.
func NewSchedulerMetricsForTest(registerer prometheus.Registerer) *SchedulerMetrics {
	return newSchedulerMetrics(registerer, Config{ServiceName: "caisse", Environment: "test"})
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "caisse"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	tickRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "caisse_scheduler_tick_runs_total",
		Help:        "Closure scheduler ticks by trigger.",
		ConstLabels: constLabels,
	}, []string{"trigger"})
	tickOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "caisse_scheduler_tick_outcomes_total",
		Help:        "Closure scheduler tick outcomes.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	tickDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "caisse_scheduler_tick_duration_seconds",
		Help:        "Closure scheduler tick latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	}, []string{"trigger"})
	tickTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "caisse_scheduler_tick_timeouts_total",
		Help:        "Closure scheduler ticks that hit their deadline.",
		ConstLabels: constLabels,
	}, []string{"trigger"})
	tickErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "caisse_scheduler_tick_errors_total",
		Help:        "Closure scheduler tick errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"error_type", "reason"})
	lockAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "caisse_scheduler_lock_attempts_total",
		Help:        "Closure lock acquisition attempts by backend and result.",
		ConstLabels: constLabels,
	}, []string{"backend", "result"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "caisse_scheduler_lock_wait_seconds",
		Help:        "Time spent trying to acquire the closure lock.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"backend"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "caisse_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	lastClosureAt := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "caisse_scheduler_last_closure_timestamp_seconds",
		Help:        "Unix time of the last automatic closure.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		tickRuns,
		tickOutcomes,
		tickDuration,
		tickTimeouts,
		tickErrors,
		lockAttempts,
		lockWait,
		runLoopLag,
		lastClosureAt,
	)

	return &SchedulerMetrics{
		tickRuns:      tickRuns,
		tickOutcomes:  tickOutcomes,
		tickDuration:  tickDuration,
		tickTimeouts:  tickTimeouts,
		tickErrors:    tickErrors,
		lockAttempts:  lockAttempts,
		lockWait:      lockWait,
		runLoopLag:    runLoopLag,
		lastClosureAt: lastClosureAt,
	}
}

// IncTickRun increments the tick counter for a trigger (timer, manual).
func (m *SchedulerMetrics) IncTickRun(trigger string) {
	if m == nil {
		return
	}
	m.tickRuns.WithLabelValues(trigger).Inc()
}

// IncTickOutcome records the outcome of one tick.
func (m *SchedulerMetrics) IncTickOutcome(outcome string) {
	if m == nil {
		return
	}
	m.tickOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveTickDuration records tick latency in seconds.
func (m *SchedulerMetrics) ObserveTickDuration(trigger string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// IncTickTimeout increments the timeout counter.
func (m *SchedulerMetrics) IncTickTimeout(trigger string) {
	if m == nil {
		return
	}
	m.tickTimeouts.WithLabelValues(trigger).Inc()
}

// IncTickError increments the tick error counter with classification.
func (m *SchedulerMetrics) IncTickError(err error) {
	if m == nil || err == nil {
		return
	}
	m.tickErrors.WithLabelValues(ClassifySchedulerErrorType(err), ClassifySchedulerJobReason(err)).Inc()
}

// ObserveLockAttempt records a lock acquisition attempt and its wait time.
func (m *SchedulerMetrics) ObserveLockAttempt(backend, result string, wait time.Duration) {
	if m == nil {
		return
	}
	m.lockAttempts.WithLabelValues(backend, result).Inc()
	m.lockWait.WithLabelValues(backend).Observe(wait.Seconds())
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// SetLastClosure records when the scheduler last produced a bulletin.
func (m *SchedulerMetrics) SetLastClosure(at time.Time) {
	if m == nil {
		return
	}
	m.lastClosureAt.Set(float64(at.Unix()))
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the next tick may succeed where this one failed.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps scheduler errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return SchedulerJobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return SchedulerJobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return SchedulerJobReasonUniqueViolation
	}
	return SchedulerJobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
