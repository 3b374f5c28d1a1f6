package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TillAdjustmentMarker tags zero-amount orders that move money between the
// cash and card buckets of a register.
const TillAdjustmentMarker = "[TILL_ADJUSTMENT]"

// FiscalConfig carries the fiscal rules that are tuned per deployment rather
// than per request.
type FiscalConfig struct {
	VATTiers             []VATTier       `mapstructure:"vatTiers"`
	TierTolerance        float64         `mapstructure:"tierTolerance"`
	TillAdjustmentMarker string          `mapstructure:"tillAdjustmentMarker"`
	Closure              ClosureDefaults `mapstructure:"closure"`
}

// VATTier is a configured VAT rate, expressed in percent (20 for 20%).
type VATTier struct {
	Label string  `mapstructure:"label"`
	Rate  float64 `mapstructure:"rate"`
}

// ClosureDefaults seed the scheduler settings store on first boot.
type ClosureDefaults struct {
	Time               string `mapstructure:"time"`
	Timezone           string `mapstructure:"timezone"`
	GracePeriodMinutes int    `mapstructure:"gracePeriodMinutes"`
	AutoEnabled        bool   `mapstructure:"autoEnabled"`
}

func DefaultFiscalConfig() FiscalConfig {
	return FiscalConfig{
		VATTiers: []VATTier{
			{Label: "0%", Rate: 0},
			{Label: "5.5%", Rate: 5.5},
			{Label: "10%", Rate: 10},
			{Label: "20%", Rate: 20},
		},
		TierTolerance:        0.5,
		TillAdjustmentMarker: TillAdjustmentMarker,
		Closure: ClosureDefaults{
			Time:               "03:00",
			Timezone:           "Europe/Paris",
			GracePeriodMinutes: 120,
			AutoEnabled:        true,
		},
	}
}

type FiscalConfigHolder struct {
	current atomic.Value // holds FiscalConfig
}

// NewStaticFiscalConfigHolder returns a holder that never reloads.
func NewStaticFiscalConfigHolder(cfg FiscalConfig) *FiscalConfigHolder {
	holder := &FiscalConfigHolder{}
	holder.current.Store(withFiscalDefaults(cfg))
	return holder
}

func NewFiscalConfigHolder() (*FiscalConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("fiscal")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/caisse/config")
	v.AddConfigPath("/etc/caisse")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CAISSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultFiscalConfig()
	v.SetDefault("fiscal.vatTiers", defaults.VATTiers)
	v.SetDefault("fiscal.tierTolerance", defaults.TierTolerance)
	v.SetDefault("fiscal.tillAdjustmentMarker", defaults.TillAdjustmentMarker)
	v.SetDefault("fiscal.closure.time", defaults.Closure.Time)
	v.SetDefault("fiscal.closure.timezone", defaults.Closure.Timezone)
	v.SetDefault("fiscal.closure.gracePeriodMinutes", defaults.Closure.GracePeriodMinutes)
	v.SetDefault("fiscal.closure.autoEnabled", defaults.Closure.AutoEnabled)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	var cfg FiscalConfig
	if err := v.UnmarshalKey("fiscal", &cfg); err != nil {
		return nil, err
	}
	cfg = withFiscalDefaults(cfg)
	if err := ValidateFiscalConfig(cfg); err != nil {
		return nil, err
	}

	holder := &FiscalConfigHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated FiscalConfig
			if err := v.UnmarshalKey("fiscal", &updated); err != nil {
				zap.L().Warn("fiscal.config.reload_failed", zap.String("file", e.Name), zap.Error(err))
				return
			}
			updated = withFiscalDefaults(updated)
			if err := ValidateFiscalConfig(updated); err != nil {
				zap.L().Warn("fiscal.config.invalid_ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			zap.L().Info("fiscal.config.reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *FiscalConfigHolder) Get() FiscalConfig {
	if h == nil {
		return DefaultFiscalConfig()
	}
	cfg, ok := h.current.Load().(FiscalConfig)
	if !ok {
		return DefaultFiscalConfig()
	}
	return cfg
}

func withFiscalDefaults(cfg FiscalConfig) FiscalConfig {
	defaults := DefaultFiscalConfig()
	if len(cfg.VATTiers) == 0 {
		cfg.VATTiers = defaults.VATTiers
	}
	if cfg.TierTolerance <= 0 {
		cfg.TierTolerance = defaults.TierTolerance
	}
	if strings.TrimSpace(cfg.TillAdjustmentMarker) == "" {
		cfg.TillAdjustmentMarker = defaults.TillAdjustmentMarker
	}
	if strings.TrimSpace(cfg.Closure.Time) == "" {
		cfg.Closure.Time = defaults.Closure.Time
	}
	if strings.TrimSpace(cfg.Closure.Timezone) == "" {
		cfg.Closure.Timezone = defaults.Closure.Timezone
	}
	if cfg.Closure.GracePeriodMinutes < 0 {
		cfg.Closure.GracePeriodMinutes = defaults.Closure.GracePeriodMinutes
	}
	return cfg
}

func ValidateFiscalConfig(cfg FiscalConfig) error {
	if len(cfg.VATTiers) == 0 {
		return errors.New("fiscal.vatTiers cannot be empty")
	}
	for _, tier := range cfg.VATTiers {
		if tier.Rate < 0 || tier.Rate >= 100 {
			return fmt.Errorf("fiscal.vatTiers: invalid rate %v", tier.Rate)
		}
	}
	if _, err := time.Parse("15:04", cfg.Closure.Time); err != nil {
		return fmt.Errorf("fiscal.closure.time: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Closure.Timezone); err != nil {
		return fmt.Errorf("fiscal.closure.timezone: %w", err)
	}
	return nil
}
