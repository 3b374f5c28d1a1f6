package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/caisse/internal/observability/context"
	obslogger "github.com/smallbiznis/caisse/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	"go.uber.org/zap"
)

type tickRun struct {
	trigger   string
	runID     string
	startedAt time.Time
}

func (s *Scheduler) startTickRun(ctx context.Context, trigger string) (context.Context, *tickRun) {
	if ctx == nil {
		ctx = context.Background()
	}
	run := &tickRun{
		trigger:   trigger,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = obscontext.WithActor(ctx, "scheduler", actorName)
	ctx = obscontext.WithRequestID(ctx, run.runID)
	return ctx, run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logTickStart(ctx context.Context, run *tickRun) {
	s.logger(ctx).Debug("scheduler.tick.start",
		zap.String("trigger", run.trigger),
		zap.String("run_id", run.runID),
	)
}

func (s *Scheduler) logTickFinish(ctx context.Context, run *tickRun, result TickResult, err error) {
	fields := []zap.Field{
		zap.String("trigger", run.trigger),
		zap.String("run_id", run.runID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("business_day", result.BusinessDay),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
	}
	if result.BulletinID != nil {
		fields = append(fields, zap.String("bulletin_id", result.BulletinID.String()))
	}
	log := s.logger(ctx)
	switch {
	case err != nil:
		log.Error("scheduler.tick.finish", append(fields,
			zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
			zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
			zap.Error(err),
		)...)
	case result.Outcome == OutcomeClosed:
		log.Info("scheduler.tick.finish", fields...)
	default:
		log.Debug("scheduler.tick.finish", fields...)
	}
}
