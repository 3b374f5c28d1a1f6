package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	KeyClosureTime        = "closure_time"
	KeyTimezone           = "timezone"
	KeyGracePeriodMinutes = "grace_period_minutes"
	KeyAutoClosureEnabled = "auto_closure_enabled"
)

var (
	ErrInvalidClosureTime = errors.New("invalid_closure_time")
	ErrInvalidTimezone    = errors.New("invalid_timezone")
	ErrInvalidGracePeriod = errors.New("invalid_grace_period")
)

// FiscalSetting is one key/value row of the closure settings store.
type FiscalSetting struct {
	Key       string    `gorm:"column:setting_key;primaryKey;type:varchar(64)"`
	Value     string    `gorm:"column:setting_value;type:varchar(255);not null"`
	UpdatedBy string    `gorm:"type:varchar(128)"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (FiscalSetting) TableName() string { return "fiscal_settings" }

// Settings drive automatic daily closures.
type Settings struct {
	Enabled            bool   `json:"enabled"`
	ClosureTime        string `json:"closure_time"`
	Timezone           string `json:"timezone"`
	GracePeriodMinutes int    `json:"grace_period_minutes"`
}

// Validate checks an HH:MM closure time, a loadable IANA zone and a
// non-negative grace period.
func (s Settings) Validate() error {
	if _, _, err := ParseClockTime(s.ClosureTime); err != nil {
		return err
	}
	if _, err := loadLocation(s.Timezone); err != nil {
		return err
	}
	if s.GracePeriodMinutes < 0 {
		return ErrInvalidGracePeriod
	}
	return nil
}

func (s Settings) Location() (*time.Location, error) {
	return loadLocation(s.Timezone)
}

func (s Settings) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodMinutes) * time.Minute
}

// ParseClockTime parses a 24h "HH:MM" value.
func ParseClockTime(raw string) (int, int, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 5 {
		return 0, 0, ErrInvalidClosureTime
	}
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidClosureTime, raw)
	}
	return t.Hour(), t.Minute(), nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, name)
	}
	return loc, nil
}
