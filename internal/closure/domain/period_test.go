package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestResolvePeriod(t *testing.T) {
	paris := mustLocation(t, "Europe/Paris")

	cases := []struct {
		name  string
		typ   ClosureType
		date  string
		start string
		end   string
		key   string
	}{
		{"daily", ClosureTypeDaily, "2025-03-14", "2025-03-14T02:00:00Z", "2025-03-15T02:00:00Z", "2025-03-14"},
		{"daily across dst", ClosureTypeDaily, "2025-03-29", "2025-03-29T02:00:00Z", "2025-03-30T01:00:00Z", "2025-03-29"},
		{"weekly from friday", ClosureTypeWeekly, "2025-03-14", "2025-03-10T02:00:00Z", "2025-03-17T02:00:00Z", "2025-W11"},
		{"weekly from sunday", ClosureTypeWeekly, "2025-03-16", "2025-03-10T02:00:00Z", "2025-03-17T02:00:00Z", "2025-W11"},
		{"weekly iso year", ClosureTypeWeekly, "2024-12-31", "2024-12-30T02:00:00Z", "2025-01-06T02:00:00Z", "2025-W01"},
		{"monthly", ClosureTypeMonthly, "2025-03-14", "2025-03-01T02:00:00Z", "2025-04-01T01:00:00Z", "2025-03"},
		{"annual", ClosureTypeAnnual, "2025-03-14", "2025-01-01T02:00:00Z", "2026-01-01T02:00:00Z", "2025"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			period, err := ResolvePeriod(tc.typ, tc.date, 3, 0, paris)
			require.NoError(t, err)
			assert.Equal(t, tc.start, period.Start.UTC().Format(time.RFC3339))
			assert.Equal(t, tc.end, period.End.UTC().Format(time.RFC3339))
			assert.Equal(t, tc.key, period.Key)
		})
	}
}

func TestResolvePeriodRejectsBadInput(t *testing.T) {
	_, err := ResolvePeriod(ClosureTypeDaily, "14/03/2025", 3, 0, time.UTC)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ResolvePeriod("HOURLY", "2025-03-14", 3, 0, time.UTC)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPeriodContainsIsHalfOpen(t *testing.T) {
	period, err := ResolvePeriod(ClosureTypeDaily, "2025-03-14", 3, 0, time.UTC)
	require.NoError(t, err)
	assert.True(t, period.Contains(period.Start))
	assert.False(t, period.Contains(period.End))
	assert.True(t, period.Contains(period.End.Add(-time.Millisecond)))
}

func TestParseTillAdjustment(t *testing.T) {
	adj, ok := ParseTillAdjustment("[TILL_ADJUSTMENT] from=cash to=card amount=20.00", "[TILL_ADJUSTMENT]")
	require.True(t, ok)
	assert.Equal(t, "cash", adj.From)
	assert.Equal(t, "card", adj.To)
	assert.True(t, adj.Amount.Equal(decimal.RequireFromString("20")))

	for _, notes := range []string{
		"from=cash to=card amount=20.00",
		"[TILL_ADJUSTMENT] from=cash to=cash amount=5",
		"[TILL_ADJUSTMENT] from=cash to=card amount=-5",
		"[TILL_ADJUSTMENT] from=cash amount=5",
		"[TILL_ADJUSTMENT] from=cash to=card amount=abc",
	} {
		_, ok := ParseTillAdjustment(notes, "[TILL_ADJUSTMENT]")
		assert.False(t, ok, notes)
	}
}

func TestComputeClosureHashIsStable(t *testing.T) {
	a := ComputeClosureHash(ClosureTypeDaily, "2025-03-14", 3, decimal.RequireFromString("43.55"), decimal.RequireFromString("5.2"), 1, 4)
	b := ComputeClosureHash(ClosureTypeDaily, "2025-03-14", 3, decimal.RequireFromString("43.550"), decimal.RequireFromString("5.20"), 1, 4)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c := ComputeClosureHash(ClosureTypeDaily, "2025-03-14", 3, decimal.RequireFromString("43.56"), decimal.RequireFromString("5.20"), 1, 4)
	assert.NotEqual(t, a, c)
}
