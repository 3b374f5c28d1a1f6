package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/clock"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	"github.com/smallbiznis/caisse/internal/lock"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	settingsdomain "github.com/smallbiznis/caisse/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidConfig  = errors.New("invalid_scheduler_config")
	ErrAlreadyRunning = errors.New("scheduler_already_running")
	ErrNotRunning     = errors.New("scheduler_not_running")
)

type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
)

// Status is a point-in-time view of the scheduler.
type Status struct {
	State       State      `json:"state"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastOutcome Outcome    `json:"last_outcome,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
}

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Locker   lock.Locker
	Closures closuredomain.Service
	Settings settingsdomain.Service
	AuditSvc auditdomain.Service          `optional:"true"`
	Metrics  *obsmetrics.SchedulerMetrics `optional:"true"`
	Config   Config                       `optional:"true"`
}

// Scheduler closes each business day once, whichever process gets there
// first. Every instance owns its own loop state.
type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	locker   lock.Locker
	closures closuredomain.Service
	settings settingsdomain.Service
	auditSvc auditdomain.Service
	metrics  *obsmetrics.SchedulerMetrics

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	lastRunAt *time.Time
	lastOut   Outcome
	lastErr   string
	nextRunAt *time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Locker == nil || p.Closures == nil || p.Settings == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		locker:   p.Locker,
		closures: p.Closures,
		settings: p.Settings,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
		state:    StateStopped,
	}, nil
}

// Start launches the polling loop. The loop outlives ctx and runs until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.state = StateRunning
	s.cancel = cancel
	s.done = done
	next := s.clock.Now().UTC()
	s.nextRunAt = &next

	go s.runForever(loopCtx, done)
	s.log.Info("scheduler.started", zap.Duration("run_interval", s.cfg.RunInterval))
	return nil
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.state = StateStopped
	s.cancel = nil
	s.done = nil
	s.nextRunAt = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("scheduler.stopped")
	return nil
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:       s.state,
		LastRunAt:   copyTime(s.lastRunAt),
		LastOutcome: s.lastOut,
		LastError:   s.lastErr,
		NextRunAt:   copyTime(s.nextRunAt),
	}
}

func (s *Scheduler) GetSettings(ctx context.Context) (settingsdomain.Settings, error) {
	return s.settings.Get(ctx)
}

func (s *Scheduler) UpdateSettings(ctx context.Context, settings settingsdomain.Settings, updatedBy string) (settingsdomain.Settings, error) {
	return s.settings.Update(ctx, settings, updatedBy)
}

func (s *Scheduler) runForever(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if _, err := s.tick(ctx, triggerTimer); err != nil {
			s.log.Warn("scheduler.tick.failed", zap.Error(err))
		}
		nextRun = s.clock.Now().Add(s.cfg.RunInterval)
		s.setNextRun(nextRun)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) record(at time.Time, result TickResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = at.UTC()
	s.lastRunAt = &at
	s.lastOut = result.Outcome
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
}

func (s *Scheduler) setNextRun(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	at = at.UTC()
	s.nextRunAt = &at
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
