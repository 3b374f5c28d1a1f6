package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCandidateBusinessDay(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	cases := []struct {
		name string
		now  time.Time
		want string
	}{
		{"after closure time", time.Date(2025, 3, 15, 3, 10, 0, 0, paris), "2025-03-14"},
		{"exactly at closure time", time.Date(2025, 3, 15, 3, 0, 0, 0, paris), "2025-03-14"},
		{"before closure time", time.Date(2025, 3, 15, 2, 59, 0, 0, paris), "2025-03-13"},
		{"utc instant converted", time.Date(2025, 3, 15, 2, 10, 0, 0, time.UTC), "2025-03-14"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CandidateBusinessDay(tc.now, 3, 0, paris)
			assert.Equal(t, tc.want, got.Format("2006-01-02"))
		})
	}
}

func TestEnsureWithinWindow(t *testing.T) {
	end := time.Date(2025, 3, 15, 3, 0, 0, 0, time.UTC)
	grace := 30 * time.Minute

	assert.ErrorIs(t, EnsureWithinWindow(end.Add(-time.Second), end, grace), ErrTooEarly)
	assert.NoError(t, EnsureWithinWindow(end, end, grace))
	assert.NoError(t, EnsureWithinWindow(end.Add(grace), end, grace))
	assert.ErrorIs(t, EnsureWithinWindow(end.Add(grace+time.Second), end, grace), ErrTooLate)
	assert.ErrorIs(t, EnsureWithinWindow(end.Add(time.Second), end, 0), ErrTooLate)
}
