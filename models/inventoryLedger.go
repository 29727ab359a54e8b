package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one inventory movement. BalanceQty and BalanceAvgCost are derived by replay.
type LedgerEntry struct {
	Id             string          `json:"id"`
	ProductId      string          `json:"productId"`
	WarehouseId    string          `json:"warehouseId"`
	Concept        MovementConcept `json:"concept"`
	DocumentRef    string          `json:"documentRef"`
	DocumentLine   int             `json:"documentLine"`
	CreatedAt      time.Time       `json:"createdAt"`
	QtyIn          decimal.Decimal `json:"qtyIn"`
	QtyOut         decimal.Decimal `json:"qtyOut"`
	UnitCost       decimal.Decimal `json:"unitCost"`
	BalanceQty     decimal.Decimal `json:"balanceQty"`
	BalanceAvgCost decimal.Decimal `json:"balanceAvgCost"`
	TerminalId     string          `json:"terminalId,omitempty"`
	SyncStatus     SyncStatus      `json:"syncStatus"`
	SyncError      string          `json:"syncError,omitempty"`
	Origin         EntryOrigin     `json:"origin"`
	// Hash is reserved for audit chaining and is not verified.
	Hash string `json:"hash,omitempty"`
	DocumentMeta
}

func (e LedgerEntry) GetId() string             { return e.Id }
func (e LedgerEntry) GetSyncStatus() SyncStatus { return e.SyncStatus }
func (e LedgerEntry) BusinessTime() time.Time   { return e.CreatedAt }

func (e LedgerEntry) Key() StockKey {
	return StockKey{ProductId: e.ProductId, WarehouseId: e.WarehouseId}
}

func (e LedgerEntry) WithSync(status SyncStatus, syncErr string) LedgerEntry {
	e.SyncStatus = status
	e.SyncError = syncErr
	return e
}

func (e LedgerEntry) WithOrigin(origin EntryOrigin) LedgerEntry {
	e.Origin = origin
	return e
}

// StockKey identifies a (product, warehouse) pair.
type StockKey struct {
	ProductId   string `json:"productId"`
	WarehouseId string `json:"warehouseId"`
}

func (k StockKey) String() string {
	return k.ProductId + "_" + k.WarehouseId
}

// ProductStock is the flat stock record keyed productId_warehouseId.
type ProductStock struct {
	Id          string          `json:"id"`
	ProductId   string          `json:"productId"`
	WarehouseId string          `json:"warehouseId"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avgCost"`
	DocumentMeta
}

func (p ProductStock) GetId() string { return p.Id }

func NewProductStock(key StockKey, qty, avgCost decimal.Decimal, at time.Time) ProductStock {
	return ProductStock{
		Id:           key.String(),
		ProductId:    key.ProductId,
		WarehouseId:  key.WarehouseId,
		Quantity:     qty,
		AvgCost:      avgCost,
		DocumentMeta: DocumentMeta{UpdatedAt: at},
	}
}

// KardexLine is one movement with its running balance, as shown on a stock card.
type KardexLine struct {
	EntryId        string          `json:"entryId"`
	Date           time.Time       `json:"date"`
	Concept        MovementConcept `json:"concept"`
	DocumentRef    string          `json:"documentRef"`
	WarehouseId    string          `json:"warehouseId"`
	QtyIn          decimal.Decimal `json:"qtyIn"`
	QtyOut         decimal.Decimal `json:"qtyOut"`
	UnitCost       decimal.Decimal `json:"unitCost"`
	BalanceQty     decimal.Decimal `json:"balanceQty"`
	BalanceAvgCost decimal.Decimal `json:"balanceAvgCost"`
	BalanceValue   decimal.Decimal `json:"balanceValue"`
}
