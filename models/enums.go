package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "PENDING"
	SyncStatusSyncing   SyncStatus = "SYNCING"
	SyncStatusCompleted SyncStatus = "COMPLETED"
	SyncStatusError     SyncStatus = "ERROR"
)

// IsQueued reports whether the record still has to be pushed.
func (s SyncStatus) IsQueued() bool {
	return s == SyncStatusPending || s == SyncStatusError || s == ""
}

func (s *SyncStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("sync status must be string: %w", err)
	}
	switch SyncStatus(strings.ToUpper(str)) {
	case SyncStatusPending, "":
		*s = SyncStatusPending
	case SyncStatusSyncing:
		*s = SyncStatusSyncing
	case SyncStatusCompleted:
		*s = SyncStatusCompleted
	case SyncStatusError:
		*s = SyncStatusError
	default:
		return fmt.Errorf("invalid sync status %q", str)
	}
	return nil
}

// EntryOrigin tells whether a record was written on this terminal or arrived through replication.
type EntryOrigin string

const (
	OriginAuthored   EntryOrigin = "AUTHORED"
	OriginReplicated EntryOrigin = "REPLICATED"
)

func (o *EntryOrigin) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("entry origin must be string: %w", err)
	}
	switch EntryOrigin(strings.ToUpper(str)) {
	case OriginAuthored, "":
		*o = OriginAuthored
	case OriginReplicated:
		*o = OriginReplicated
	default:
		return fmt.Errorf("invalid entry origin %q", str)
	}
	return nil
}

type MovementConcept string

const (
	ConceptSale          MovementConcept = "SALE"
	ConceptPurchase      MovementConcept = "PURCHASE"
	ConceptAdjustmentIn  MovementConcept = "ADJUSTMENT_IN"
	ConceptAdjustmentOut MovementConcept = "ADJUSTMENT_OUT"
	ConceptTransferIn    MovementConcept = "TRANSFER_IN"
	ConceptTransferOut   MovementConcept = "TRANSFER_OUT"
	ConceptProduction    MovementConcept = "PRODUCTION"
	ConceptRefund        MovementConcept = "REFUND"
	ConceptOpening       MovementConcept = "OPENING"
)

// IsInflow reports whether a positive quantity of this concept adds stock.
func (c MovementConcept) IsInflow() bool {
	switch c {
	case ConceptPurchase, ConceptAdjustmentIn, ConceptTransferIn, ConceptProduction, ConceptRefund, ConceptOpening:
		return true
	default:
		return false
	}
}

func (c MovementConcept) IsValid() bool {
	switch c {
	case ConceptSale, ConceptPurchase, ConceptAdjustmentIn, ConceptAdjustmentOut, ConceptTransferIn,
		ConceptTransferOut, ConceptProduction, ConceptRefund, ConceptOpening:
		return true
	}
	return false
}

type TransactionType string

const (
	TransactionTypeSale   TransactionType = "SALE"
	TransactionTypeRefund TransactionType = "REFUND"
)

type CashMovementType string

const (
	CashMovementOpening CashMovementType = "OPENING"
	CashMovementIn      CashMovementType = "IN"
	CashMovementOut     CashMovementType = "OUT"
)
