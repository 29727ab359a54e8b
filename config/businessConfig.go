package config

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"bitbucket.org/mmdatafocus/possync/utils"
)

// BusinessConfig is the business-wide settings snapshot shared by every terminal.
// Values are never mutated in place; see BusinessConfigHolder.Update.
type BusinessConfig struct {
	BusinessName       string            `json:"businessName" validate:"required"`
	TaxId              string            `json:"taxId"`
	CurrencyCode       string            `json:"currencyCode" validate:"required,len=3"`
	DefaultWarehouseId string            `json:"defaultWarehouseId" validate:"required"`
	FiscalEnabled      bool              `json:"fiscalEnabled"`
	DefaultFiscalType  string            `json:"defaultFiscalType" validate:"required_if=FiscalEnabled true"`
	ReceiptFooter      string            `json:"receiptFooter"`
	FiscalBatchSizes   map[string]int    `json:"fiscalBatchSizes,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy so updaters can modify the maps freely.
func (c BusinessConfig) Clone() BusinessConfig {
	out := c
	if c.FiscalBatchSizes != nil {
		out.FiscalBatchSizes = make(map[string]int, len(c.FiscalBatchSizes))
		for k, v := range c.FiscalBatchSizes {
			out.FiscalBatchSizes[k] = v
		}
	}
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

var ErrNilBusinessConfigUpdate = errors.New("business config update function is nil")

// BusinessConfigHolder publishes validated BusinessConfig snapshots.
type BusinessConfigHolder struct {
	current atomic.Pointer[BusinessConfig]
	mu      sync.Mutex // serialises updaters
}

func NewBusinessConfigHolder(initial BusinessConfig) (*BusinessConfigHolder, error) {
	if err := utils.ValidateStruct(initial); err != nil {
		return nil, fmt.Errorf("invalid business config: %w", err)
	}
	h := &BusinessConfigHolder{}
	snapshot := initial.Clone()
	h.current.Store(&snapshot)
	return h, nil
}

// Snapshot returns a copy of the current configuration.
func (h *BusinessConfigHolder) Snapshot() BusinessConfig {
	return h.current.Load().Clone()
}

// Update applies fn to a copy of the current snapshot and publishes the result if it validates.
// On error the previous snapshot stays in place.
func (h *BusinessConfigHolder) Update(fn func(BusinessConfig) BusinessConfig) (BusinessConfig, error) {
	if fn == nil {
		return BusinessConfig{}, ErrNilBusinessConfigUpdate
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	next := fn(h.current.Load().Clone())
	if err := utils.ValidateStruct(next); err != nil {
		return h.Snapshot(), fmt.Errorf("invalid business config: %w", err)
	}
	published := next.Clone()
	h.current.Store(&published)
	return published.Clone(), nil
}
