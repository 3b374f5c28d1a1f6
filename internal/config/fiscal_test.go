package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFiscalConfigIsValid(t *testing.T) {
	cfg := DefaultFiscalConfig()
	require.NoError(t, ValidateFiscalConfig(cfg))
	assert.Len(t, cfg.VATTiers, 4)
	assert.Equal(t, TillAdjustmentMarker, cfg.TillAdjustmentMarker)
}

func TestValidateFiscalConfigRejectsBadValues(t *testing.T) {
	cfg := DefaultFiscalConfig()
	cfg.Closure.Time = "25:00"
	assert.Error(t, ValidateFiscalConfig(cfg))

	cfg = DefaultFiscalConfig()
	cfg.Closure.Timezone = "Mars/Olympus_Mons"
	assert.Error(t, ValidateFiscalConfig(cfg))

	cfg = DefaultFiscalConfig()
	cfg.VATTiers = []VATTier{{Label: "bad", Rate: 120}}
	assert.Error(t, ValidateFiscalConfig(cfg))
}

func TestStaticHolderFillsDefaults(t *testing.T) {
	holder := NewStaticFiscalConfigHolder(FiscalConfig{
		VATTiers: []VATTier{{Label: "7%", Rate: 7}},
	})
	cfg := holder.Get()
	assert.Equal(t, []VATTier{{Label: "7%", Rate: 7}}, cfg.VATTiers)
	assert.Equal(t, 0.5, cfg.TierTolerance)
	assert.Equal(t, "03:00", cfg.Closure.Time)
	assert.Equal(t, TillAdjustmentMarker, cfg.TillAdjustmentMarker)

	var nilHolder *FiscalConfigHolder
	assert.Equal(t, DefaultFiscalConfig(), nilHolder.Get())
}
