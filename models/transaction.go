package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionLine struct {
	LineNo      int             `json:"lineNo"`
	ProductId   string          `json:"productId"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Discount    decimal.Decimal `json:"discount"`
	TaxAmount   decimal.Decimal `json:"taxAmount"`
	LineTotal   decimal.Decimal `json:"lineTotal"`
}

// Transaction is a sale or refund. DisplayId is unique across the collection, and so is Ncf when set.
type Transaction struct {
	Id             string            `json:"id"`
	Type           TransactionType   `json:"type"`
	GlobalSequence int64             `json:"globalSequence"`
	SeriesId       string            `json:"seriesId"`
	SeriesNumber   int64             `json:"seriesNumber"`
	DisplayId      string            `json:"displayId"`
	Ncf            string            `json:"ncf,omitempty"`
	NcfType        string            `json:"ncfType,omitempty"`
	TerminalId     string            `json:"terminalId"`
	WarehouseId    string            `json:"warehouseId"`
	CustomerId     string            `json:"customerId,omitempty"`
	RefTransaction string            `json:"refTransaction,omitempty"`
	Lines          []TransactionLine `json:"lines"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	TaxTotal       decimal.Decimal   `json:"taxTotal"`
	Total          decimal.Decimal   `json:"total"`
	PaymentMethod  string            `json:"paymentMethod,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	SyncStatus     SyncStatus        `json:"syncStatus"`
	SyncError      string            `json:"syncError,omitempty"`
	Origin         EntryOrigin       `json:"origin"`
	DocumentMeta
}

func (t Transaction) GetId() string             { return t.Id }
func (t Transaction) GetSyncStatus() SyncStatus { return t.SyncStatus }
func (t Transaction) BusinessTime() time.Time   { return t.CreatedAt }

func (t Transaction) WithSync(status SyncStatus, syncErr string) Transaction {
	t.SyncStatus = status
	t.SyncError = syncErr
	return t
}

func (t Transaction) WithOrigin(origin EntryOrigin) Transaction {
	t.Origin = origin
	return t
}
