package service

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/caisse/internal/archive/blob"
	archivedomain "github.com/smallbiznis/caisse/internal/archive/domain"
	"github.com/smallbiznis/caisse/internal/archive/repository"
	"github.com/smallbiznis/caisse/internal/clock"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	closurerepository "github.com/smallbiznis/caisse/internal/closure/repository"
	closureservice "github.com/smallbiznis/caisse/internal/closure/service"
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
	db       *gorm.DB
	root     string
	clock    *clock.FakeClock
	ledger   *ledgerservice.Service
	closures closuredomain.Service
	svc      archivedomain.Service
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
		&archivedomain.ArchiveExport{},
	)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))

	fiscal := config.DefaultFiscalConfig()
	fiscal.Closure.Timezone = "UTC"
	holder := config.NewStaticFiscalConfigHolder(fiscal)

	cfg := config.Config{RegisterID: "main"}
	cfg.Archive.HMACSecret = "test-secret"

	ledger, err := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		Config: cfg,
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

	root := t.TempDir()
	store, err := blob.NewFileStore(root, time.Second)
	require.NoError(t, err)

	svc, err := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Config:   cfg,
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Blobs:    store,
		Ledger:   ledger,
		Closures: closures,
	})
	require.NoError(t, err)

	return fixture{db: db, root: root, clock: clk, ledger: ledger, closures: closures, svc: svc}
}

// closedDay records two card sales on 2025-03-14 and closes the day.
func (f fixture) closedDay(t *testing.T) closuredomain.ClosureBulletin {
	t.Helper()
	ctx := context.Background()

	for i, at := range []time.Time{
		time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC),
	} {
		id := []string{"o-1", "o-2"}[i]
		at := at
		order := orderdomain.Order{
			ID:            id,
			OrderNumber:   id,
			RegisterID:    "main",
			Status:        orderdomain.OrderStatusCompleted,
			TotalAmount:   decimal.RequireFromString("12.00"),
			TaxAmount:     decimal.RequireFromString("2.00"),
			PaymentMethod: "card",
			CreatedAt:     at,
			FinalizedAt:   &at,
			Items: []orderdomain.OrderItem{{
				Name:       "menu",
				Quantity:   1,
				UnitPrice:  decimal.RequireFromString("12.00"),
				TaxRate:    decimal.RequireFromString("20"),
				TotalPrice: decimal.RequireFromString("12.00"),
				TaxAmount:  decimal.RequireFromString("2.00"),
			}},
		}
		require.NoError(t, f.db.Create(&order).Error)

		f.clock.Set(at)
		_, err := f.ledger.Append(ctx, ledgerdomain.AppendRequest{
			Type:          ledgerdomain.TransactionTypeSale,
			OrderID:       id,
			Amount:        order.TotalAmount,
			VATAmount:     order.TaxAmount,
			PaymentMethod: "card",
		})
		require.NoError(t, err)
	}

	f.clock.Set(time.Date(2025, 3, 15, 4, 0, 0, 0, time.UTC))
	bulletin, err := f.closures.CreateClosure(ctx, closuredomain.CreateClosureRequest{
		Type: closuredomain.ClosureTypeDaily,
		Date: "2025-03-14",
	})
	require.NoError(t, err)
	return bulletin
}

func dailyRequest(format archivedomain.Format) archivedomain.ExportRequest {
	start := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	return archivedomain.ExportRequest{
		Type:        archivedomain.ExportTypeDaily,
		PeriodStart: &start,
		PeriodEnd:   &end,
		Format:      format,
		CreatedBy:   "accountant",
	}
}

func TestExportDailyJSONAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bulletin := f.closedDay(t)

	export, err := f.svc.ExportData(ctx, dailyRequest(archivedomain.FormatJSON))
	require.NoError(t, err)

	assert.Equal(t, archivedomain.StatusCompleted, export.ExportStatus)
	assert.Equal(t, "main-daily-2025-03-14.json", export.FileName)
	require.NotNil(t, export.PeriodStart)
	assert.True(t, bulletin.PeriodStart.Equal(*export.PeriodStart))
	assert.True(t, bulletin.PeriodEnd.Equal(*export.PeriodEnd))
	assert.Len(t, export.FileHash, 64)
	assert.NotEmpty(t, export.DigitalSignature)
	require.NotNil(t, export.LedgerSequence)
	assert.Equal(t, bulletin.LedgerSequence+1, *export.LedgerSequence)

	entry, err := f.ledger.GetBySequence(ctx, *export.LedgerSequence)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.TransactionTypeArchive, entry.TransactionType)
	payload, err := ledgerdomain.DecodePayload(entry.TransactionData)
	require.NoError(t, err)
	assert.Equal(t, export.FileHash, payload.(ledgerdomain.ArchivePayload).FileHash)

	dl, err := f.svc.DownloadExport(ctx, export.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(dl.Reader)
	require.NoError(t, err)
	require.NoError(t, dl.Reader.Close())
	assert.Equal(t, "application/json", dl.ContentType)
	assert.Equal(t, export.FileSize, int64(len(data)))

	var bundle archivedomain.Bundle
	require.NoError(t, json.Unmarshal(data, &bundle))
	assert.Equal(t, archivedomain.BundleVersion, bundle.Version)
	require.Len(t, bundle.Closures, 1)
	assert.Equal(t, bulletin.ClosureHash, bundle.Closures[0].ClosureHash)
	assert.Len(t, bundle.Entries, 2)

	result, err := f.svc.VerifyExport(ctx, export.ID)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)

	stored, err := f.svc.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, archivedomain.StatusVerified, stored.ExportStatus)
	assert.NotNil(t, stored.VerifiedAt)

	verification, err := f.ledger.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verification.IsValid)
}

func TestVerifyDetectsTampering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.closedDay(t)

	export, err := f.svc.ExportData(ctx, dailyRequest(archivedomain.FormatCSV))
	require.NoError(t, err)

	path := filepath.Join(f.root, filepath.FromSlash(export.FilePath))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o640))

	result, err := f.svc.VerifyExport(ctx, export.ID)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.True(t, result.HasKind(archivedomain.VerificationHashMismatch))
	assert.True(t, result.HasKind(archivedomain.VerificationSignatureMismatch))
	assert.False(t, result.HasKind(archivedomain.VerificationSizeMismatch))

	stored, err := f.svc.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, archivedomain.StatusFlagged, stored.ExportStatus)
	assert.Equal(t, export.FileHash, stored.FileHash)
	assert.Equal(t, export.DigitalSignature, stored.DigitalSignature)

	_, err = f.svc.DownloadExport(ctx, export.ID)
	assert.ErrorIs(t, err, archivedomain.ErrFlagged)

	require.NoError(t, os.Remove(path))
	result, err = f.svc.VerifyExport(ctx, export.ID)
	require.NoError(t, err)
	assert.True(t, result.HasKind(archivedomain.VerificationFileMissing))

	flagged, err := f.svc.ListExports(ctx, archivedomain.ListExportsRequest{Status: archivedomain.StatusFlagged})
	require.NoError(t, err)
	require.Len(t, flagged.Exports, 1)
	assert.Equal(t, export.ID, flagged.Exports[0].ID)
}

func TestVerifiedExportIsFlaggedAfterTampering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.closedDay(t)

	export, err := f.svc.ExportData(ctx, dailyRequest(archivedomain.FormatJSON))
	require.NoError(t, err)
	result, err := f.svc.VerifyExport(ctx, export.ID)
	require.NoError(t, err)
	require.True(t, result.IsValid)

	stored, err := f.svc.GetExport(ctx, export.ID)
	require.NoError(t, err)
	require.Equal(t, archivedomain.StatusVerified, stored.ExportStatus)

	path := filepath.Join(f.root, filepath.FromSlash(export.FilePath))
	original, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, original...), '\n'), 0o640))

	result, err = f.svc.VerifyExport(ctx, export.ID)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.True(t, result.HasKind(archivedomain.VerificationSizeMismatch))

	stored, err = f.svc.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, archivedomain.StatusFlagged, stored.ExportStatus)

	require.NoError(t, os.WriteFile(path, original, 0o640))
	result, err = f.svc.VerifyExport(ctx, export.ID)
	require.NoError(t, err)
	assert.True(t, result.IsValid)

	stored, err = f.svc.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, archivedomain.StatusVerified, stored.ExportStatus)
}

func TestExportWithoutClosureFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	export, err := f.svc.ExportData(ctx, dailyRequest(archivedomain.FormatJSON))
	require.ErrorIs(t, err, archivedomain.ErrClosureNotFound)
	assert.Equal(t, archivedomain.StatusFailed, export.ExportStatus)

	stored, err := f.svc.GetExport(ctx, export.ID)
	require.NoError(t, err)
	assert.Equal(t, archivedomain.StatusFailed, stored.ExportStatus)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "closure")

	_, err = f.svc.DownloadExport(ctx, export.ID)
	assert.ErrorIs(t, err, archivedomain.ErrNotCompleted)

	result, err := f.svc.VerifyExport(ctx, export.ID)
	require.NoError(t, err)
	assert.True(t, result.HasKind(archivedomain.VerificationNotCompleted))

	last, err := f.ledger.Last(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestExportNeedsTheClosureOfItsOwnPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.closedDay(t)

	// The 2025-03-14 bulletin reaches 03:00 on the 15th, so it overlaps the
	// calendar day requested here without closing it.
	start := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	req := dailyRequest(archivedomain.FormatJSON)
	req.PeriodStart, req.PeriodEnd = &start, &end

	export, err := f.svc.ExportData(ctx, req)
	require.ErrorIs(t, err, archivedomain.ErrClosureNotFound)
	assert.Equal(t, archivedomain.StatusFailed, export.ExportStatus)
	require.NotNil(t, export.PeriodStart)
	assert.Equal(t, time.Date(2025, 3, 15, 3, 0, 0, 0, time.UTC), export.PeriodStart.UTC())

	monthStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	_, err = f.svc.ExportData(ctx, archivedomain.ExportRequest{
		Type:        archivedomain.ExportTypeMonthly,
		PeriodStart: &monthStart,
		PeriodEnd:   &monthEnd,
		Format:      archivedomain.FormatJSON,
	})
	assert.ErrorIs(t, err, archivedomain.ErrClosureNotFound)
}

func TestExportRejectsPartialOrWidePeriods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.closedDay(t)

	req := dailyRequest(archivedomain.FormatJSON)
	twoDays := req.PeriodStart.AddDate(0, 0, 2)
	req.PeriodEnd = &twoDays
	_, err := f.svc.ExportData(ctx, req)
	assert.ErrorIs(t, err, archivedomain.ErrValidation)

	midMonth := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	nextMonth := midMonth.AddDate(0, 1, 0)
	_, err = f.svc.ExportData(ctx, archivedomain.ExportRequest{
		Type:        archivedomain.ExportTypeMonthly,
		PeriodStart: &midMonth,
		PeriodEnd:   &nextMonth,
		Format:      archivedomain.FormatJSON,
	})
	assert.ErrorIs(t, err, archivedomain.ErrValidation)

	list, err := f.svc.ListExports(ctx, archivedomain.ListExportsRequest{})
	require.NoError(t, err)
	assert.Empty(t, list.Exports)
}

func TestExportValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ExportData(ctx, archivedomain.ExportRequest{Type: archivedomain.ExportTypeFull, Format: archivedomain.FormatPDF})
	assert.ErrorIs(t, err, archivedomain.ErrValidation)

	_, err = f.svc.ExportData(ctx, archivedomain.ExportRequest{Type: "WEEKLY", Format: archivedomain.FormatJSON})
	assert.ErrorIs(t, err, archivedomain.ErrValidation)

	_, err = f.svc.ExportData(ctx, archivedomain.ExportRequest{Type: archivedomain.ExportTypeDaily, Format: archivedomain.FormatJSON})
	assert.ErrorIs(t, err, archivedomain.ErrValidation)

	req := dailyRequest(archivedomain.FormatJSON)
	req.PeriodStart, req.PeriodEnd = req.PeriodEnd, req.PeriodStart
	_, err = f.svc.ExportData(ctx, req)
	assert.ErrorIs(t, err, archivedomain.ErrValidation)

	list, err := f.svc.ListExports(ctx, archivedomain.ListExportsRequest{})
	require.NoError(t, err)
	assert.Empty(t, list.Exports)

	_, err = f.svc.GetExport(ctx, 42)
	assert.ErrorIs(t, err, archivedomain.ErrNotFound)
}

func TestFullExportCarriesVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.closedDay(t)

	pools := map[string]gorm.ConnPool{}
	record := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		for _, table := range []string{"closure_bulletins", "journal_entries"} {
			if _, seen := pools[table]; !seen && strings.Contains(sql, table) {
				pools[table] = d.Statement.ConnPool
			}
		}
	}
	require.NoError(t, f.db.Callback().Query().After("gorm:query").Register("test:export_reads", record))

	export, err := f.svc.ExportData(ctx, archivedomain.ExportRequest{
		Type:   archivedomain.ExportTypeFull,
		Format: archivedomain.FormatJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, "main-full-full.json", export.FileName)

	require.Len(t, pools, 2)
	_, inTx := pools["journal_entries"].(gorm.TxCommitter)
	assert.True(t, inTx, "entries must be read inside a transaction")
	assert.Equal(t, pools["journal_entries"], pools["closure_bulletins"])

	dl, err := f.svc.DownloadExport(ctx, export.ID)
	require.NoError(t, err)
	defer dl.Reader.Close()
	var bundle archivedomain.Bundle
	require.NoError(t, json.NewDecoder(dl.Reader).Decode(&bundle))
	assert.Len(t, bundle.Entries, 3)
	assert.Len(t, bundle.Closures, 1)
	require.NotNil(t, bundle.Verification)
	assert.True(t, bundle.Verification.IsValid)
	assert.Equal(t, int64(len(bundle.Entries)), bundle.Verification.EntriesChecked)
	assert.Equal(t, int64(3), bundle.Entries[len(bundle.Entries)-1].SequenceNumber)
	assert.Equal(t, bundle.Closures[0].LedgerSequence, bundle.Entries[len(bundle.Entries)-1].SequenceNumber)
}

func TestListExportsPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.closedDay(t)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		_, err := f.svc.ExportData(ctx, dailyRequest(archivedomain.FormatJSON))
		require.NoError(t, err)
	}

	req := archivedomain.ListExportsRequest{}
	req.PageSize = 2
	first, err := f.svc.ListExports(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Exports, 2)
	assert.True(t, first.HasMore)
	assert.True(t, first.Exports[0].CreatedAt.After(first.Exports[1].CreatedAt))

	req.PageToken = first.NextPageToken
	second, err := f.svc.ListExports(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.Exports, 1)
	assert.False(t, second.HasMore)
	assert.NotEqual(t, first.Exports[1].ID, second.Exports[0].ID)
}

func TestSignerDerivesPerRegisterKeys(t *testing.T) {
	a, err := newSigner("secret", "main")
	require.NoError(t, err)
	b, err := newSigner("secret", "terrace")
	require.NoError(t, err)

	data := []byte("bulletin")
	sig := a.Sign(data)
	assert.True(t, a.Verify(data, sig))
	assert.False(t, b.Verify(data, sig))
	assert.False(t, a.Verify([]byte("bulletin!"), sig))
	assert.False(t, a.Verify(data, "not-hex"))

	_, err = newSigner("  ", "main")
	assert.Error(t, err)
}
