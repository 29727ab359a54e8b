package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBusinessConfig() BusinessConfig {
	return BusinessConfig{
		BusinessName:       "Corner Store",
		CurrencyCode:       "DOP",
		DefaultWarehouseId: "W1",
		FiscalBatchSizes:   map[string]int{"B01": 100},
	}
}

func TestBusinessConfigHolderUpdatePublishesNewSnapshot(t *testing.T) {
	h, err := NewBusinessConfigHolder(validBusinessConfig())
	require.NoError(t, err)

	before := h.Snapshot()
	after, err := h.Update(func(c BusinessConfig) BusinessConfig {
		c.ReceiptFooter = "thanks"
		c.FiscalBatchSizes["B01"] = 20
		return c
	})
	require.NoError(t, err)

	assert.Equal(t, "thanks", after.ReceiptFooter)
	assert.Equal(t, 20, h.Snapshot().FiscalBatchSizes["B01"])
	// the earlier snapshot is untouched
	assert.Equal(t, "", before.ReceiptFooter)
	assert.Equal(t, 100, before.FiscalBatchSizes["B01"])
}

func TestBusinessConfigHolderRejectsInvalidUpdate(t *testing.T) {
	h, err := NewBusinessConfigHolder(validBusinessConfig())
	require.NoError(t, err)

	_, err = h.Update(func(c BusinessConfig) BusinessConfig {
		c.FiscalEnabled = true
		c.DefaultFiscalType = ""
		return c
	})
	require.Error(t, err)
	assert.False(t, h.Snapshot().FiscalEnabled)

	_, err = h.Update(nil)
	assert.ErrorIs(t, err, ErrNilBusinessConfigUpdate)
}

func TestTerminalConfigFiscalBatchSize(t *testing.T) {
	cfg := TerminalConfig{DefaultBatchSize: 50, FiscalBatchSizes: map[string]int{"B02": 5}}
	assert.Equal(t, 5, cfg.FiscalBatchSize("b02"))
	assert.Equal(t, 50, cfg.FiscalBatchSize("B01"))
	assert.Equal(t, DefaultFiscalBatchSize, TerminalConfig{}.FiscalBatchSize("B01"))
}

func TestBatchSizesFromEnv(t *testing.T) {
	t.Setenv("FISCAL_BATCH_SIZES", "b01=100, B02=5,bad,B03=-1")
	got := batchSizesFromEnv("FISCAL_BATCH_SIZES")
	assert.Equal(t, map[string]int{"B01": 100, "B02": 5}, got)
}
