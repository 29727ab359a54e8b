package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const PaymentMethodCash = "CASH"

var ErrInvalidCashMovement = errors.New("invalid cash movement")

type CashMovementInput struct {
	Type   models.CashMovementType
	Amount decimal.Decimal
	Reason string
	UserId string
}

// CashDrawer records cash movements and closes shifts into Z reports.
type CashDrawer struct {
	Store      models.Store
	Sequences  *SequenceAuthority
	TerminalId string
	Logger     *logrus.Logger
	Trigger    func()
	Now        func() time.Time
}

func NewCashDrawer(store models.Store, sequences *SequenceAuthority, terminalId string) *CashDrawer {
	return &CashDrawer{
		Store:      store,
		Sequences:  sequences,
		TerminalId: terminalId,
		Logger:     config.GetLogger(),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (d *CashDrawer) RecordCashMovement(ctx context.Context, in CashMovementInput) (*models.CashMovement, error) {
	switch in.Type {
	case models.CashMovementOpening, models.CashMovementIn, models.CashMovementOut:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCashMovement, in.Type)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidCashMovement)
	}
	number, err := d.Sequences.NextSeriesNumber(ctx, DocumentTypeCashMovement, "")
	if err != nil {
		return nil, err
	}
	now := d.now()
	m := models.CashMovement{
		Id:           uuid.NewString(),
		Type:         in.Type,
		DisplayId:    number.DisplayId,
		Amount:       in.Amount.Round(balancePlaces),
		Reason:       in.Reason,
		TerminalId:   d.TerminalId,
		UserId:       in.UserId,
		CreatedAt:    now,
		SyncStatus:   models.SyncStatusPending,
		Origin:       models.OriginAuthored,
		DocumentMeta: models.DocumentMeta{UpdatedAt: now},
	}
	if err := models.InsertOne(ctx, d.Store, models.CollectionCashMovements, m); err != nil {
		return nil, fmt.Errorf("store cash movement: %w", err)
	}
	d.fireTrigger()
	return &m, nil
}

// CloseShift summarises everything this terminal did since its previous Z report.
func (d *CashDrawer) CloseShift(ctx context.Context, countedCash decimal.Decimal) (*models.ZReport, error) {
	reports, err := models.GetAll[models.ZReport](ctx, d.Store, models.CollectionZReports)
	if err != nil {
		return nil, err
	}
	var openedAt time.Time
	for _, z := range reports {
		if z.TerminalId == d.TerminalId && z.ClosedAt.After(openedAt) {
			openedAt = z.ClosedAt
		}
	}
	now := d.now()
	inShift := func(t time.Time) bool { return t.After(openedAt) && !t.After(now) }

	z := models.ZReport{
		Id:           uuid.NewString(),
		TerminalId:   d.TerminalId,
		OpenedAt:     openedAt,
		ClosedAt:     now,
		CreatedAt:    now,
		SalesTotal:   decimal.Zero,
		RefundsTotal: decimal.Zero,
		CashIn:       decimal.Zero,
		CashOut:      decimal.Zero,
		SyncStatus:   models.SyncStatusPending,
		Origin:       models.OriginAuthored,
		DocumentMeta: models.DocumentMeta{UpdatedAt: now},
	}

	txs, err := models.GetAll[models.Transaction](ctx, d.Store, models.CollectionTransactions)
	if err != nil {
		return nil, err
	}
	cashSales, cashRefunds := decimal.Zero, decimal.Zero
	for _, tx := range txs {
		if tx.TerminalId != d.TerminalId || !inShift(tx.CreatedAt) {
			continue
		}
		z.TransactionCount++
		if z.FirstSequence == 0 || tx.GlobalSequence < z.FirstSequence {
			z.FirstSequence = tx.GlobalSequence
		}
		if tx.GlobalSequence > z.LastSequence {
			z.LastSequence = tx.GlobalSequence
		}
		isCash := tx.PaymentMethod == "" || strings.EqualFold(tx.PaymentMethod, PaymentMethodCash)
		if tx.Type == models.TransactionTypeRefund {
			z.RefundsTotal = z.RefundsTotal.Add(tx.Total)
			if isCash {
				cashRefunds = cashRefunds.Add(tx.Total)
			}
			continue
		}
		z.SalesTotal = z.SalesTotal.Add(tx.Total)
		if isCash {
			cashSales = cashSales.Add(tx.Total)
		}
	}

	movements, err := models.GetAll[models.CashMovement](ctx, d.Store, models.CollectionCashMovements)
	if err != nil {
		return nil, err
	}
	for _, m := range movements {
		if m.TerminalId != d.TerminalId || !inShift(m.CreatedAt) {
			continue
		}
		if m.Type == models.CashMovementOut {
			z.CashOut = z.CashOut.Add(m.Amount)
		} else {
			z.CashIn = z.CashIn.Add(m.Amount)
		}
	}

	z.ExpectedCash = z.CashIn.Sub(z.CashOut).Add(cashSales).Sub(cashRefunds).Round(balancePlaces)
	z.CountedCash = countedCash.Round(balancePlaces)
	z.Difference = z.CountedCash.Sub(z.ExpectedCash)

	number, err := d.Sequences.NextSeriesNumber(ctx, DocumentTypeZReport, "")
	if err != nil {
		return nil, err
	}
	z.DisplayId = number.DisplayId
	if err := models.InsertOne(ctx, d.Store, models.CollectionZReports, z); err != nil {
		return nil, fmt.Errorf("store z report: %w", err)
	}

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"event":        "cash.shift.closed",
			"display_id":   z.DisplayId,
			"transactions": z.TransactionCount,
			"difference":   z.Difference.StringFixed(2),
		}).Info("shift closed")
	}
	d.fireTrigger()
	return &z, nil
}

func (d *CashDrawer) fireTrigger() {
	if d.Trigger != nil {
		go d.Trigger()
	}
}

func (d *CashDrawer) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}
