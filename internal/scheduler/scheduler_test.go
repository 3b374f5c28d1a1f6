package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/clock"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	closurerepository "github.com/smallbiznis/caisse/internal/closure/repository"
	closureservice "github.com/smallbiznis/caisse/internal/closure/service"
	"github.com/smallbiznis/caisse/internal/config"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/caisse/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/caisse/internal/ledger/service"
	"github.com/smallbiznis/caisse/internal/lock"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/caisse/internal/order/domain"
	orderrepository "github.com/smallbiznis/caisse/internal/order/repository"
	orderservice "github.com/smallbiznis/caisse/internal/order/service"
	settingsdomain "github.com/smallbiznis/caisse/internal/settings/domain"
	settingsrepository "github.com/smallbiznis/caisse/internal/settings/repository"
	settingsservice "github.com/smallbiznis/caisse/internal/settings/service"
	"github.com/smallbiznis/caisse/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
	meta    []map[string]any
}

func (a *recordingAudit) AuditLog(_ context.Context, _ string, _ string, _ *string, action string, _ string, _ *string, metadata map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	a.meta = append(a.meta, metadata)
	return nil
}

func (a *recordingAudit) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func (a *recordingAudit) outcomes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.meta))
	for _, m := range a.meta {
		out = append(out, m["outcome"].(string))
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	ledger   *ledgerservice.Service
	settings settingsdomain.Service
	closures closuredomain.Service
	locker   lock.Locker
	audit    *recordingAudit
	node     *snowflake.Node
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db := testutil.OpenSQLite(t,
		&ledgerdomain.JournalEntry{},
		&ledgerdomain.LedgerHead{},
		&orderdomain.Order{},
		&orderdomain.OrderItem{},
		&orderdomain.OrderPayment{},
		&settingsdomain.FiscalSetting{},
		&closuredomain.ClosureBulletin{},
		&lock.SchedulerLock{},
	)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))

	fiscal := config.DefaultFiscalConfig()
	fiscal.Closure.Timezone = "UTC"
	holder := config.NewStaticFiscalConfigHolder(fiscal)

	ledger, err := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		Config: config.Config{RegisterID: "main"},
		Clock:  clk,
		Repo:   ledgerrepository.Provide(),
	})
	require.NoError(t, err)
	t.Cleanup(ledger.Close)

	settings := settingsservice.NewService(settingsservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  clk,
		Repo:   settingsrepository.Provide(),
		Fiscal: holder,
	})

	closures := closureservice.NewService(closureservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     closurerepository.Provide(),
		Ledger:   ledger,
		Orders:   orderservice.NewSource(orderservice.SourceParams{DB: db, Repo: orderrepository.Provide()}),
		Settings: settings,
		Fiscal:   holder,
	})

	return fixture{
		db:       db,
		clock:    clk,
		ledger:   ledger,
		settings: settings,
		closures: closures,
		locker:   lock.NewMemoryLocker(clk),
		audit:    &recordingAudit{},
		node:     node,
	}
}

func (f fixture) scheduler(t *testing.T) *Scheduler {
	t.Helper()
	sched, err := New(Params{
		Log:      zap.NewNop(),
		GenID:    f.node,
		Clock:    f.clock,
		Locker:   f.locker,
		Closures: f.closures,
		Settings: f.settings,
		AuditSvc: f.audit,
		Metrics:  obsmetrics.NewSchedulerMetricsForTest(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return sched
}

func (f fixture) sale(t *testing.T, id string, at time.Time) {
	t.Helper()
	amount := decimal.RequireFromString("12.00")
	vat := decimal.RequireFromString("2.00")
	order := orderdomain.Order{
		ID:            id,
		OrderNumber:   id,
		RegisterID:    "main",
		Status:        orderdomain.OrderStatusCompleted,
		TotalAmount:   amount,
		TaxAmount:     vat,
		PaymentMethod: "cash",
		CreatedAt:     at,
		FinalizedAt:   &at,
		Items: []orderdomain.OrderItem{{
			Name:       "menu",
			Quantity:   1,
			UnitPrice:  amount,
			TaxRate:    decimal.RequireFromString("20"),
			TotalPrice: amount,
			TaxAmount:  vat,
		}},
	}
	require.NoError(t, f.db.Create(&order).Error)

	f.clock.Set(at)
	_, err := f.ledger.Append(context.Background(), ledgerdomain.AppendRequest{
		Type:          ledgerdomain.TransactionTypeSale,
		OrderID:       id,
		Amount:        amount,
		VATAmount:     vat,
		PaymentMethod: "cash",
	})
	require.NoError(t, err)
}

func (f fixture) bulletins(t *testing.T) []closuredomain.ClosureBulletin {
	t.Helper()
	list, err := f.closures.ListClosures(context.Background(), closuredomain.ListClosuresRequest{})
	require.NoError(t, err)
	return list
}

func TestTickClosesBusinessDayOnce(t *testing.T) {
	f := newFixture(t)
	sched := f.scheduler(t)
	ctx := context.Background()

	f.sale(t, "o-1", time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))
	f.clock.Set(time.Date(2025, 3, 15, 3, 30, 0, 0, time.UTC))

	result, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, result.Outcome)
	assert.Equal(t, "2025-03-14", result.BusinessDay)
	require.NotNil(t, result.BulletinID)

	bulletins := f.bulletins(t)
	require.Len(t, bulletins, 1)
	assert.Equal(t, *result.BulletinID, bulletins[0].ID)
	assert.Equal(t, "scheduler", bulletins[0].CreatedBy)
	assert.Equal(t, "12.00", bulletins[0].TotalAmount.StringFixed(2))

	again, err := sched.TriggerManualCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyClosed, again.Outcome)
	assert.Len(t, f.bulletins(t), 1)

	status := sched.Status()
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, OutcomeAlreadyClosed, status.LastOutcome)
	require.NotNil(t, status.LastRunAt)
	assert.Empty(t, status.LastError)

	assert.Equal(t, []string{"closure.auto_attempt", "closure.auto_attempt"}, f.audit.actions)
	assert.Equal(t, []string{"closed", "already_closed"}, f.audit.outcomes())
}

func TestConcurrentTicksProduceOneBulletin(t *testing.T) {
	f := newFixture(t)
	f.sale(t, "o-1", time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC))
	f.clock.Set(time.Date(2025, 3, 15, 3, 5, 0, 0, time.UTC))

	// Two schedulers sharing a locker stand in for two processes.
	instances := []*Scheduler{f.scheduler(t), f.scheduler(t)}

	var wg sync.WaitGroup
	results := make([]TickResult, len(instances))
	errs := make([]error, len(instances))
	for i, sched := range instances {
		wg.Add(1)
		go func(i int, sched *Scheduler) {
			defer wg.Done()
			results[i], errs[i] = sched.Tick(context.Background())
		}(i, sched)
	}
	wg.Wait()

	closed := 0
	for i := range instances {
		require.NoError(t, errs[i])
		switch results[i].Outcome {
		case OutcomeClosed:
			closed++
		case OutcomeLockUnavailable, OutcomeAlreadyClosed:
		default:
			t.Fatalf("unexpected outcome %s", results[i].Outcome)
		}
	}
	assert.Equal(t, 1, closed)
	assert.Len(t, f.bulletins(t), 1)

	verification, err := f.ledger.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, verification.IsValid)
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	sched := f.scheduler(t)
	ctx := context.Background()
	f.clock.Set(time.Date(2025, 3, 15, 3, 5, 0, 0, time.UTC))

	lease, ok, err := f.locker.TryLock(ctx, lock.Key("fiscal-closure", "2025-03-14"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLockUnavailable, result.Outcome)
	assert.Empty(t, f.bulletins(t))
	assert.Empty(t, f.audit.actions)

	require.NoError(t, f.locker.Release(ctx, lease))
	result, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, result.Outcome)
}

type failingLocker struct{ err error }

func (failingLocker) Backend() string { return "failing" }

func (l failingLocker) TryLock(context.Context, string, time.Duration) (lock.Lease, bool, error) {
	return lock.Lease{}, false, l.err
}

func (failingLocker) Release(context.Context, lock.Lease) error { return nil }

type brokenSettings struct {
	settingsdomain.Service
	err error
}

func (s brokenSettings) Get(context.Context) (settingsdomain.Settings, error) {
	return settingsdomain.Settings{}, s.err
}

func TestTickAuditsLockBackendFailure(t *testing.T) {
	f := newFixture(t)
	f.locker = failingLocker{err: errors.New("redis: connection refused")}
	sched := f.scheduler(t)
	f.clock.Set(time.Date(2025, 3, 15, 3, 5, 0, 0, time.UTC))

	result, err := sched.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Empty(t, f.bulletins(t))

	require.Equal(t, []string{"closure.auto_attempt"}, f.audit.actions)
	assert.Equal(t, []string{string(OutcomeFailed)}, f.audit.outcomes())
	assert.Equal(t, "2025-03-14", f.audit.meta[0]["business_day"])
	assert.Contains(t, f.audit.meta[0]["error"], "connection refused")
}

func TestTickAuditsSettingsFailure(t *testing.T) {
	f := newFixture(t)
	f.settings = brokenSettings{Service: f.settings, err: errors.New("settings table unavailable")}
	sched := f.scheduler(t)
	f.clock.Set(time.Date(2025, 3, 15, 3, 5, 0, 0, time.UTC))

	result, err := sched.TriggerManualCheck(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	require.Equal(t, []string{"closure.auto_attempt"}, f.audit.actions)
	assert.Equal(t, []string{string(OutcomeFailed)}, f.audit.outcomes())
	assert.Equal(t, "manual", f.audit.meta[0]["trigger"])
	assert.Contains(t, f.audit.meta[0]["error"], "settings table unavailable")
}

func TestTickOutsideWindowAndDisabled(t *testing.T) {
	f := newFixture(t)
	sched := f.scheduler(t)
	ctx := context.Background()

	// 02:00 is before the 03:00 closure: the due day is the 13th, whose
	// window closed at 05:00 on the 14th.
	f.clock.Set(time.Date(2025, 3, 15, 2, 0, 0, 0, time.UTC))
	result, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTooLate, result.Outcome)
	assert.Equal(t, "2025-03-13", result.BusinessDay)
	assert.Empty(t, f.bulletins(t))

	current, err := sched.GetSettings(ctx)
	require.NoError(t, err)
	current.Enabled = false
	_, err = sched.UpdateSettings(ctx, current, "manager")
	require.NoError(t, err)

	f.clock.Set(time.Date(2025, 3, 15, 3, 5, 0, 0, time.UTC))
	result, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisabled, result.Outcome)
	assert.Empty(t, f.bulletins(t))

	current.ClosureTime = "25:00"
	_, err = sched.UpdateSettings(ctx, current, "manager")
	assert.ErrorIs(t, err, settingsdomain.ErrInvalidClosureTime)
}

func TestTickWithTableLocker(t *testing.T) {
	f := newFixture(t)
	f.locker = lock.NewTableLocker(f.db, f.clock, time.Second)
	sched := f.scheduler(t)
	f.clock.Set(time.Date(2025, 3, 15, 4, 0, 0, 0, time.UTC))

	result, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, result.Outcome)

	var held int64
	require.NoError(t, f.db.Model(&lock.SchedulerLock{}).Count(&held).Error)
	assert.Zero(t, held)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	sched := f.scheduler(t)
	ctx := context.Background()

	require.ErrorIs(t, sched.Stop(), ErrNotRunning)
	require.NoError(t, sched.Start(ctx))
	assert.ErrorIs(t, sched.Start(ctx), ErrAlreadyRunning)

	status := sched.Status()
	assert.Equal(t, StateRunning, status.State)
	assert.NotNil(t, status.NextRunAt)

	require.NoError(t, sched.Stop())
	status = sched.Status()
	assert.Equal(t, StateStopped, status.State)
	assert.Nil(t, status.NextRunAt)
	require.NotNil(t, status.LastRunAt)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
