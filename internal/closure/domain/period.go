package domain

import (
	"fmt"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// Period is a half-open fiscal window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
	Key   string
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// ResolvePeriod computes the window of a closure type around a business date.
// Every boundary falls on the closure time of day in loc, so a business day
// runs from its closure time to the next day's.
func ResolvePeriod(closureType ClosureType, date string, hour, minute int, loc *time.Location) (Period, error) {
	if !closureType.Valid() {
		return Period{}, fmt.Errorf("%w: unknown closure type %q", ErrValidation, closureType)
	}
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(DateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return Period{}, fmt.Errorf("%w: invalid date %q", ErrValidation, date)
	}

	at := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, hour, minute, 0, 0, loc)
	}
	y, m, d := day.Date()

	switch closureType {
	case ClosureTypeDaily:
		return Period{
			Start: at(y, m, d),
			End:   at(y, m, d+1),
			Key:   day.Format(DateLayout),
		}, nil
	case ClosureTypeWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		monday := at(y, m, d-offset)
		isoYear, week := monday.ISOWeek()
		return Period{
			Start: monday,
			End:   at(y, m, d-offset+7),
			Key:   fmt.Sprintf("%04d-W%02d", isoYear, week),
		}, nil
	case ClosureTypeMonthly:
		return Period{
			Start: at(y, m, 1),
			End:   at(y, m+1, 1),
			Key:   fmt.Sprintf("%04d-%02d", y, int(m)),
		}, nil
	default:
		return Period{
			Start: at(y, time.January, 1),
			End:   at(y+1, time.January, 1),
			Key:   fmt.Sprintf("%04d", y),
		}, nil
	}
}
