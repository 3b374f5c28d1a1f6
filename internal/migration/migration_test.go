package migration

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	"github.com/smallbiznis/caisse/internal/testutil"
	"github.com/smallbiznis/caisse/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestMigrateSQLiteRejectsSecondRegularBulletin(t *testing.T) {
	conn := testutil.OpenSQLite(t)
	require.NoError(t, Migrate(conn, db.TypeSQLite))
	require.NoError(t, Migrate(conn, db.TypeSQLite))

	for _, model := range Models() {
		assert.True(t, conn.Migrator().HasTable(model))
	}

	start := time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC)
	bulletin := func(id int64, forced bool) *closuredomain.ClosureBulletin {
		now := start.Add(24 * time.Hour)
		return &closuredomain.ClosureBulletin{
			ID:                      snowflake.ID(id),
			RegisterID:              "main",
			ClosureType:             closuredomain.ClosureTypeDaily,
			PeriodKey:               "2025-03-14",
			PeriodStart:             start,
			PeriodEnd:               start.Add(24 * time.Hour),
			TotalAmount:             decimal.Zero,
			TotalVAT:                decimal.Zero,
			VATBreakdown:            datatypes.NewJSONType(closuredomain.VATBreakdown{}),
			PaymentMethodsBreakdown: datatypes.NewJSONType(closuredomain.PaymentBreakdown{}),
			TipsTotal:               decimal.Zero,
			ChangeTotal:             decimal.Zero,
			ClosureHash:             "hash",
			IsClosed:                true,
			ClosedAt:                &now,
			Forced:                  forced,
			CreatedBy:               "test",
			CreatedAt:               now,
		}
	}

	require.NoError(t, conn.Create(bulletin(1, false)).Error)
	err := conn.Create(bulletin(2, false)).Error
	require.Error(t, err)
	assert.True(t, db.IsDuplicateKeyErr(err))
	require.NoError(t, conn.Create(bulletin(3, true)).Error)
}
