package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CashMovement struct {
	Id         string           `json:"id"`
	Type       CashMovementType `json:"type"`
	DisplayId  string           `json:"displayId,omitempty"`
	Amount     decimal.Decimal  `json:"amount"`
	Reason     string           `json:"reason,omitempty"`
	TerminalId string           `json:"terminalId"`
	UserId     string           `json:"userId,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	SyncStatus SyncStatus       `json:"syncStatus"`
	SyncError  string           `json:"syncError,omitempty"`
	Origin     EntryOrigin      `json:"origin"`
	DocumentMeta
}

func (m CashMovement) GetId() string             { return m.Id }
func (m CashMovement) GetSyncStatus() SyncStatus { return m.SyncStatus }
func (m CashMovement) BusinessTime() time.Time   { return m.CreatedAt }

func (m CashMovement) WithSync(status SyncStatus, syncErr string) CashMovement {
	m.SyncStatus = status
	m.SyncError = syncErr
	return m
}

func (m CashMovement) WithOrigin(origin EntryOrigin) CashMovement {
	m.Origin = origin
	return m
}

// ZReport closes a terminal's shift.
type ZReport struct {
	Id               string          `json:"id"`
	DisplayId        string          `json:"displayId,omitempty"`
	TerminalId       string          `json:"terminalId"`
	OpenedAt         time.Time       `json:"openedAt"`
	ClosedAt         time.Time       `json:"closedAt"`
	CreatedAt        time.Time       `json:"createdAt"`
	TransactionCount int             `json:"transactionCount"`
	SalesTotal       decimal.Decimal `json:"salesTotal"`
	RefundsTotal     decimal.Decimal `json:"refundsTotal"`
	CashIn           decimal.Decimal `json:"cashIn"`
	CashOut          decimal.Decimal `json:"cashOut"`
	ExpectedCash     decimal.Decimal `json:"expectedCash"`
	CountedCash      decimal.Decimal `json:"countedCash"`
	Difference       decimal.Decimal `json:"difference"`
	FirstSequence    int64           `json:"firstSequence"`
	LastSequence     int64           `json:"lastSequence"`
	SyncStatus       SyncStatus      `json:"syncStatus"`
	SyncError        string          `json:"syncError,omitempty"`
	Origin           EntryOrigin     `json:"origin"`
	DocumentMeta
}

func (z ZReport) GetId() string             { return z.Id }
func (z ZReport) GetSyncStatus() SyncStatus { return z.SyncStatus }
func (z ZReport) BusinessTime() time.Time   { return z.CreatedAt }

func (z ZReport) WithSync(status SyncStatus, syncErr string) ZReport {
	z.SyncStatus = status
	z.SyncError = syncErr
	return z
}

func (z ZReport) WithOrigin(origin EntryOrigin) ZReport {
	z.Origin = origin
	return z
}

// Operational is a locally authored record that queues for the master.
type Operational[T any] interface {
	Record
	GetSyncStatus() SyncStatus
	BusinessTime() time.Time
	WithSync(status SyncStatus, syncErr string) T
	WithOrigin(origin EntryOrigin) T
}
