package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/caisse/internal/clock"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	"github.com/smallbiznis/caisse/internal/closure/repository"
	"github.com/smallbiznis/caisse/internal/config"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/caisse/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/caisse/internal/ledger/service"
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

type fixture struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	ledger *ledgerservice.Service
	svc    closuredomain.Service
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
	)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))

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

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Ledger:   ledger,
		Orders:   orderservice.NewSource(orderservice.SourceParams{DB: db, Repo: orderrepository.Provide()}),
		Settings: settings,
		Fiscal:   holder,
	})
	return fixture{db: db, clock: clk, ledger: ledger, svc: svc}
}

func (f fixture) sale(t *testing.T, id string, at time.Time, total, tax string) {
	t.Helper()
	order := orderdomain.Order{
		ID:            id,
		OrderNumber:   id,
		RegisterID:    "main",
		Status:        orderdomain.OrderStatusCompleted,
		TotalAmount:   d(total),
		TaxAmount:     d(tax),
		PaymentMethod: "card",
		CreatedAt:     at,
		FinalizedAt:   &at,
		Items:         []orderdomain.OrderItem{line("20", total, tax)},
	}
	require.NoError(t, f.db.Create(&order).Error)

	f.clock.Set(at)
	_, err := f.ledger.Append(context.Background(), ledgerdomain.AppendRequest{
		Type:          ledgerdomain.TransactionTypeSale,
		OrderID:       id,
		Amount:        d(total),
		VATAmount:     d(tax),
		PaymentMethod: "card",
	})
	require.NoError(t, err)
}

func TestCreateDailyClosure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sale(t, "before", time.Date(2025, 3, 14, 2, 30, 0, 0, time.UTC), "6.00", "1.00")
	f.sale(t, "in-1", time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC), "12.00", "2.00")
	f.sale(t, "in-2", time.Date(2025, 3, 15, 2, 59, 0, 0, time.UTC), "24.00", "4.00")
	f.sale(t, "after", time.Date(2025, 3, 15, 3, 0, 0, 0, time.UTC), "30.00", "5.00")
	f.clock.Set(time.Date(2025, 3, 15, 5, 0, 0, 0, time.UTC))

	bulletin, err := f.svc.CreateClosure(ctx, closuredomain.CreateClosureRequest{
		Type:      closuredomain.ClosureTypeDaily,
		Date:      "2025-03-14",
		CreatedBy: "manager",
	})
	require.NoError(t, err)

	assert.Equal(t, "2025-03-14", bulletin.PeriodKey)
	assert.Equal(t, int64(2), bulletin.TotalTransactions)
	assert.Equal(t, "36.00", bulletin.TotalAmount.StringFixed(2))
	assert.Equal(t, "6.00", bulletin.TotalVAT.StringFixed(2))
	assert.Equal(t, int64(2), bulletin.FirstSequence)
	assert.Equal(t, int64(3), bulletin.LastSequence)
	assert.True(t, bulletin.IsClosed)
	assert.False(t, bulletin.Forced)
	assert.Equal(t, closuredomain.ComputeClosureHash(closuredomain.ClosureTypeDaily, "2025-03-14", 2,
		d("36.00"), d("6.00"), 2, 3), bulletin.ClosureHash)
	assert.Equal(t, "36.00", bulletin.PaymentMethodsBreakdown.Data()["card"].StringFixed(2))
	assert.Equal(t, "6.00", bulletin.VATBreakdown.Data()["20"].VAT.StringFixed(2))

	entry, err := f.ledger.GetBySequence(ctx, bulletin.LedgerSequence)
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.SequenceNumber)
	assert.Equal(t, ledgerdomain.TransactionTypeClosure, entry.TransactionType)
	payload, err := ledgerdomain.DecodePayload(entry.TransactionData)
	require.NoError(t, err)
	assert.Equal(t, bulletin.ClosureHash, payload.(ledgerdomain.ClosurePayload).ClosureHash)

	stored, err := f.svc.GetClosure(ctx, bulletin.ID)
	require.NoError(t, err)
	assert.Equal(t, bulletin.ClosureHash, stored.ClosureHash)
	assert.Equal(t, "6.00", stored.VATBreakdown.Data()["20"].VAT.StringFixed(2))

	result, err := f.ledger.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}

func TestDuplicateClosureNeedsForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sale(t, "o-1", time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC), "10.00", "1.67")
	f.clock.Set(time.Date(2025, 3, 15, 4, 0, 0, 0, time.UTC))

	req := closuredomain.CreateClosureRequest{Type: closuredomain.ClosureTypeDaily, Date: "2025-03-14"}
	first, err := f.svc.CreateClosure(ctx, req)
	require.NoError(t, err)

	_, err = f.svc.CreateClosure(ctx, req)
	require.ErrorIs(t, err, closuredomain.ErrDuplicateClosure)

	req.Force = true
	forced, err := f.svc.CreateClosure(ctx, req)
	require.NoError(t, err)
	assert.True(t, forced.Forced)
	assert.NotEqual(t, first.ID, forced.ID)
	assert.Equal(t, first.TotalAmount.String(), forced.TotalAmount.String())

	daily := closuredomain.ClosureTypeDaily
	list, err := f.svc.ListClosures(ctx, closuredomain.ListClosuresRequest{Type: &daily})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	original, err := f.svc.GetClosure(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, original.Forced)
	assert.Equal(t, first.ClosureHash, original.ClosureHash)

	latest, err := f.svc.FindClosed(ctx, closuredomain.ClosureTypeDaily, first.PeriodKey)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, forced.ID, latest.ID)
}

func TestFindClosedMatchesExactPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Set(time.Date(2025, 3, 15, 4, 0, 0, 0, time.UTC))

	bulletin, err := f.svc.CreateClosure(ctx, closuredomain.CreateClosureRequest{Type: closuredomain.ClosureTypeDaily, Date: "2025-03-14"})
	require.NoError(t, err)

	found, err := f.svc.FindClosed(ctx, closuredomain.ClosureTypeDaily, "2025-03-14")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, bulletin.ID, found.ID)

	// The 2025-03-14 business day runs into the morning of the 15th but
	// does not close it.
	next, err := f.svc.FindClosed(ctx, closuredomain.ClosureTypeDaily, "2025-03-15")
	require.NoError(t, err)
	assert.Nil(t, next)

	monthly, err := f.svc.FindClosed(ctx, closuredomain.ClosureTypeMonthly, "2025-03")
	require.NoError(t, err)
	assert.Nil(t, monthly)

	_, err = f.svc.FindClosed(ctx, closuredomain.ClosureTypeDaily, " ")
	assert.ErrorIs(t, err, closuredomain.ErrValidation)

	period, err := f.svc.ResolvePeriod(ctx, closuredomain.ClosureTypeDaily, "2025-03-15")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-15", period.Key)
	assert.True(t, bulletin.PeriodEnd.Equal(period.Start))
}

func TestClosureReadsShareOneTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sale(t, "o-1", time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC), "10.00", "1.67")
	f.clock.Set(time.Date(2025, 3, 15, 4, 0, 0, 0, time.UTC))

	pools := map[string]gorm.ConnPool{}
	record := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		for _, table := range []string{"closure_bulletins", "orders", "journal_entries"} {
			if _, seen := pools[table]; !seen && strings.Contains(sql, table) {
				pools[table] = d.Statement.ConnPool
			}
		}
	}
	require.NoError(t, f.db.Callback().Query().After("gorm:query").Register("test:closure_reads", record))
	require.NoError(t, f.db.Callback().Row().After("gorm:row").Register("test:closure_rows", record))

	bulletin, err := f.svc.CreateClosure(ctx, closuredomain.CreateClosureRequest{Type: closuredomain.ClosureTypeDaily, Date: "2025-03-14"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), bulletin.TotalTransactions)
	assert.Equal(t, int64(1), bulletin.FirstSequence)

	require.Len(t, pools, 3)
	_, inTx := pools["orders"].(gorm.TxCommitter)
	assert.True(t, inTx, "orders must be read inside a transaction")
	assert.Equal(t, pools["orders"], pools["closure_bulletins"])
	assert.Equal(t, pools["orders"], pools["journal_entries"])
}

func TestOverlappingTypesAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Set(time.Date(2025, 4, 2, 4, 0, 0, 0, time.UTC))

	_, err := f.svc.CreateClosure(ctx, closuredomain.CreateClosureRequest{Type: closuredomain.ClosureTypeDaily, Date: "2025-03-14"})
	require.NoError(t, err)
	monthly, err := f.svc.CreateClosure(ctx, closuredomain.CreateClosureRequest{Type: closuredomain.ClosureTypeMonthly, Date: "2025-03-14"})
	require.NoError(t, err)
	assert.Equal(t, "2025-03", monthly.PeriodKey)
	assert.Equal(t, int64(0), monthly.TotalTransactions)
	assert.Equal(t, int64(0), monthly.FirstSequence)
	assert.Equal(t, int64(0), monthly.LastSequence)
}

func TestCreateClosureValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateClosure(ctx, closuredomain.CreateClosureRequest{Type: closuredomain.ClosureTypeDaily, Date: "yesterday"})
	assert.ErrorIs(t, err, closuredomain.ErrValidation)

	_, err = f.svc.CreateClosure(ctx, closuredomain.CreateClosureRequest{Type: "QUARTERLY", Date: "2025-03-14"})
	assert.ErrorIs(t, err, closuredomain.ErrValidation)

	_, err = f.svc.GetClosure(ctx, snowflake.ID(42))
	assert.ErrorIs(t, err, closuredomain.ErrNotFound)

	last, err := f.ledger.Last(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestBulletinsAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Set(time.Date(2025, 3, 15, 4, 0, 0, 0, time.UTC))

	bulletin, err := f.svc.CreateClosure(ctx, closuredomain.CreateClosureRequest{Type: closuredomain.ClosureTypeDaily, Date: "2025-03-14"})
	require.NoError(t, err)

	bulletin.TotalAmount = decimal.NewFromInt(1000)
	assert.ErrorIs(t, f.db.Save(&bulletin).Error, closuredomain.ErrImmutableBulletin)
	assert.ErrorIs(t, f.db.Delete(&bulletin).Error, closuredomain.ErrImmutableBulletin)

	stored, err := f.svc.GetClosure(ctx, bulletin.ID)
	require.NoError(t, err)
	assert.True(t, stored.TotalAmount.IsZero())
}
