package scheduler

import (
	"context"
	"errors"

	"github.com/smallbiznis/caisse/internal/config"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(provideMetrics),
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

func provideMetrics(cfg config.Config) *obsmetrics.SchedulerMetrics {
	return obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
}

func registerLifecycle(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.Scheduler.Enabled {
				return nil
			}
			return sched.Start(ctx)
		},
		OnStop: func(context.Context) error {
			if err := sched.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
				return err
			}
			return nil
		},
	})
}
