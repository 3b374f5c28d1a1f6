package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	"github.com/smallbiznis/caisse/internal/lock"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	"github.com/smallbiznis/caisse/internal/scheduler/guard"
	settingsdomain "github.com/smallbiznis/caisse/internal/settings/domain"
	"go.uber.org/zap"
)

const (
	lockNamespace = "fiscal-closure"
	actorName     = "scheduler"

	triggerTimer  = "timer"
	triggerManual = "manual"
)

type Outcome string

const (
	OutcomeDisabled        Outcome = "disabled"
	OutcomeLockUnavailable Outcome = "lock_unavailable"
	OutcomeAlreadyClosed   Outcome = "already_closed"
	OutcomeTooEarly        Outcome = "too_early"
	OutcomeTooLate         Outcome = "too_late"
	OutcomeClosed          Outcome = "closed"
	OutcomeFailed          Outcome = "failed"
)

// TickResult describes what one check decided for its candidate business day.
type TickResult struct {
	Outcome     Outcome       `json:"outcome"`
	BusinessDay string        `json:"business_day,omitempty"`
	WindowStart *time.Time    `json:"window_start,omitempty"`
	WindowEnd   *time.Time    `json:"window_end,omitempty"`
	BulletinID  *snowflake.ID `json:"bulletin_id,omitempty"`
	CheckedAt   time.Time     `json:"checked_at"`
}

// Tick runs one timer-driven check.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	return s.tick(ctx, triggerTimer)
}

// TriggerManualCheck runs the same check on operator request.
func (s *Scheduler) TriggerManualCheck(ctx context.Context) (TickResult, error) {
	return s.tick(ctx, triggerManual)
}

func (s *Scheduler) tick(ctx context.Context, trigger string) (TickResult, error) {
	start := s.clock.Now()
	ctx, run := s.startTickRun(ctx, trigger)
	s.logTickStart(ctx, run)
	s.metrics.IncTickRun(trigger)

	result, err := s.evaluate(ctx, trigger)
	result.CheckedAt = start.UTC()
	if err != nil {
		result.Outcome = OutcomeFailed
		s.metrics.IncTickError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.IncTickTimeout(trigger)
		}
	}

	s.metrics.IncTickOutcome(string(result.Outcome))
	s.metrics.ObserveTickDuration(trigger, s.clock.Now().Sub(start))
	s.record(start, result, err)
	s.logTickFinish(ctx, run, result, err)
	return result, err
}

func (s *Scheduler) evaluate(ctx context.Context, trigger string) (TickResult, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		err = fmt.Errorf("load settings: %w", err)
		s.auditAttempt(ctx, trigger, TickResult{}, OutcomeFailed, err)
		return TickResult{}, err
	}
	if !settings.Enabled {
		return TickResult{Outcome: OutcomeDisabled}, nil
	}

	period, err := businessDayPeriod(settings, s.clock.Now())
	if err != nil {
		err = fmt.Errorf("resolve business day: %w", err)
		s.auditAttempt(ctx, trigger, TickResult{}, OutcomeFailed, err)
		return TickResult{}, err
	}
	result := TickResult{
		BusinessDay: period.Key,
		WindowStart: timePtr(period.End.UTC()),
		WindowEnd:   timePtr(period.End.Add(settings.GracePeriod()).UTC()),
	}

	key := lock.Key(lockNamespace, period.Key)
	lockStart := s.clock.Now()
	lease, acquired, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	switch {
	case err != nil:
		s.metrics.ObserveLockAttempt(s.locker.Backend(), obsmetrics.LockResultError, s.clock.Now().Sub(lockStart))
		err = fmt.Errorf("acquire %s: %w", key, err)
		s.auditAttempt(ctx, trigger, result, OutcomeFailed, err)
		return result, err
	case !acquired:
		s.metrics.ObserveLockAttempt(s.locker.Backend(), obsmetrics.LockResultUnavailable, s.clock.Now().Sub(lockStart))
		result.Outcome = OutcomeLockUnavailable
		return result, nil
	}
	s.metrics.ObserveLockAttempt(s.locker.Backend(), obsmetrics.LockResultAcquired, s.clock.Now().Sub(lockStart))
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			s.logger(ctx).Warn("scheduler.lock.release_failed", zap.String("key", key), zap.Error(err))
		}
	}()

	existing, err := s.closures.FindClosed(ctx, closuredomain.ClosureTypeDaily, period.Key)
	if err != nil {
		err = fmt.Errorf("check existing closure: %w", err)
		s.auditAttempt(ctx, trigger, result, OutcomeFailed, err)
		return result, err
	}
	if existing != nil {
		result.Outcome = OutcomeAlreadyClosed
		result.BulletinID = &existing.ID
		s.auditAttempt(ctx, trigger, result, result.Outcome, nil)
		return result, nil
	}

	now := s.clock.Now()
	switch err := guard.EnsureWithinWindow(now, period.End, settings.GracePeriod()); {
	case errors.Is(err, guard.ErrTooEarly):
		result.Outcome = OutcomeTooEarly
		return result, nil
	case errors.Is(err, guard.ErrTooLate):
		result.Outcome = OutcomeTooLate
		s.logger(ctx).Warn("scheduler.closure.window_missed",
			zap.String("business_day", period.Key),
			zap.Time("window_end", *result.WindowEnd),
		)
		return result, nil
	}

	bulletin, err := s.closures.CreateClosure(ctx, closuredomain.CreateClosureRequest{
		Type:      closuredomain.ClosureTypeDaily,
		Date:      period.Key,
		CreatedBy: actorName,
	})
	if errors.Is(err, closuredomain.ErrDuplicateClosure) {
		result.Outcome = OutcomeAlreadyClosed
		s.auditAttempt(ctx, trigger, result, result.Outcome, nil)
		return result, nil
	}
	if err != nil {
		err = fmt.Errorf("create closure %s: %w", period.Key, err)
		s.auditAttempt(ctx, trigger, result, OutcomeFailed, err)
		return result, err
	}

	result.Outcome = OutcomeClosed
	result.BulletinID = &bulletin.ID
	s.metrics.SetLastClosure(now)
	s.auditAttempt(ctx, trigger, result, result.Outcome, nil)
	return result, nil
}

// businessDayPeriod resolves the DAILY window of the business day due at now.
func businessDayPeriod(settings settingsdomain.Settings, now time.Time) (closuredomain.Period, error) {
	hour, minute, err := settingsdomain.ParseClockTime(settings.ClosureTime)
	if err != nil {
		return closuredomain.Period{}, err
	}
	loc, err := settings.Location()
	if err != nil {
		return closuredomain.Period{}, err
	}
	day := guard.CandidateBusinessDay(now, hour, minute, loc)
	return closuredomain.ResolvePeriod(closuredomain.ClosureTypeDaily, day.Format(closuredomain.DateLayout), hour, minute, loc)
}

func (s *Scheduler) auditAttempt(ctx context.Context, trigger string, result TickResult, outcome Outcome, cause error) {
	if s.auditSvc == nil {
		return
	}
	metadata := map[string]any{
		"trigger":      trigger,
		"business_day": result.BusinessDay,
		"outcome":      string(outcome),
	}
	if result.BulletinID != nil {
		metadata["bulletin_id"] = result.BulletinID.String()
	}
	if cause != nil {
		metadata["error"] = cause.Error()
	}
	actorID := actorName
	target := result.BusinessDay
	if err := s.auditSvc.AuditLog(context.WithoutCancel(ctx), "", string(auditdomain.ActorTypeScheduler), &actorID,
		"closure.auto_attempt", "business_day", &target, metadata); err != nil {
		s.logger(ctx).Warn("scheduler.audit_failed", zap.Error(err))
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
