package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Document types of the built-in series.
const (
	DocumentTypeTicket       = "TICKET"
	DocumentTypeRefund       = "REFUND"
	DocumentTypeCashMovement = "CASH_MOVEMENT"
	DocumentTypeZReport      = "Z_REPORT"
)

var ErrInvalidSale = errors.New("invalid sale")

type SaleLine struct {
	ProductId   string          `json:"productId" validate:"required"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Discount    decimal.Decimal `json:"discount"`
	TaxRate     decimal.Decimal `json:"taxRate"`
}

type SaleInput struct {
	Type           models.TransactionType `json:"type"`
	BusinessUnit   string                 `json:"businessUnit"`
	WarehouseId    string                 `json:"warehouseId" validate:"required"`
	CustomerId     string                 `json:"customerId"`
	FiscalType     string                 `json:"fiscalType"`
	PaymentMethod  string                 `json:"paymentMethod"`
	RefTransaction string                 `json:"refTransaction"`
	Lines          []SaleLine             `json:"lines" validate:"required,min=1,dive"`
}

// Checkout turns a cart into a numbered transaction plus its inventory movements.
type Checkout struct {
	Store      models.Store
	Sequences  *SequenceAuthority
	Ledger     *LedgerEngine
	TerminalId string
	Logger     *logrus.Logger
	Trigger    func()
	Now        func() time.Time
}

func NewCheckout(store models.Store, sequences *SequenceAuthority, ledger *LedgerEngine, terminalId string) *Checkout {
	return &Checkout{
		Store:      store,
		Sequences:  sequences,
		Ledger:     ledger,
		TerminalId: terminalId,
		Logger:     config.GetLogger(),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateSale numbers and stores a sale or refund. A numbering failure aborts before anything is stored.
func (c *Checkout) CreateSale(ctx context.Context, in SaleInput) (*models.Transaction, error) {
	if in.Type == "" {
		in.Type = models.TransactionTypeSale
	}
	if err := validateSale(in); err != nil {
		return nil, err
	}

	documentType := DocumentTypeTicket
	concept := models.ConceptSale
	if in.Type == models.TransactionTypeRefund {
		documentType = DocumentTypeRefund
		concept = models.ConceptRefund
	}

	seq, err := c.Sequences.NextGlobalSequence(ctx)
	if err != nil {
		config.LogError(c.Logger, "posCheckout.go", "CreateSale", "NextGlobalSequence", nil, err)
		return nil, err
	}
	series, err := c.Sequences.NextSeriesNumber(ctx, documentType, in.BusinessUnit)
	if err != nil {
		config.LogError(c.Logger, "posCheckout.go", "CreateSale", "NextSeriesNumber", documentType, err)
		return nil, err
	}
	var fiscal *FiscalNumber
	if in.FiscalType != "" {
		if fiscal, err = c.Sequences.IssueFiscalNumber(ctx, in.FiscalType); err != nil {
			config.LogError(c.Logger, "posCheckout.go", "CreateSale", "IssueFiscalNumber", in.FiscalType, err)
			return nil, err
		}
	}

	now := c.now()
	tx := models.Transaction{
		Id:             uuid.NewString(),
		Type:           in.Type,
		GlobalSequence: seq,
		SeriesId:       series.SeriesId,
		SeriesNumber:   series.Number,
		DisplayId:      series.DisplayId,
		TerminalId:     c.TerminalId,
		WarehouseId:    in.WarehouseId,
		CustomerId:     in.CustomerId,
		RefTransaction: in.RefTransaction,
		PaymentMethod:  in.PaymentMethod,
		CreatedAt:      now,
		SyncStatus:     models.SyncStatusPending,
		Origin:         models.OriginAuthored,
		DocumentMeta:   models.DocumentMeta{UpdatedAt: now},
	}
	if fiscal != nil {
		tx.Ncf = fiscal.Ncf
		tx.NcfType = fiscal.Type
	}
	tx.Lines, tx.Subtotal, tx.TaxTotal, tx.Total = priceLines(in.Lines)

	if err := withLock(ctx, c.Sequences.Locker, LockKeyTransactions, func() error {
		return models.InsertOne(ctx, c.Store, models.CollectionTransactions, tx)
	}); err != nil {
		config.LogError(c.Logger, "posCheckout.go", "CreateSale", "InsertTransaction", tx.DisplayId, err)
		return nil, fmt.Errorf("store transaction %s: %w", tx.DisplayId, err)
	}

	movements, err := c.movementsFor(ctx, tx, concept)
	if err == nil && len(movements) > 0 {
		_, err = c.Ledger.RecordMovements(ctx, movements)
	}
	if err != nil {
		// the numbers stay consumed; the gap shows up in the integrity check
		config.LogError(c.Logger, "posCheckout.go", "CreateSale", "RecordMovements", tx.DisplayId, err)
		err = fmt.Errorf("record stock for %s: %w", tx.DisplayId, err)
		if delErr := c.Store.Delete(ctx, models.CollectionTransactions, tx.Id); delErr != nil {
			config.LogError(c.Logger, "posCheckout.go", "CreateSale", "RollbackTransaction", tx.Id, delErr)
			err = errors.Join(err, fmt.Errorf("roll back transaction %s: %w", tx.Id, delErr))
		}
		return nil, err
	}

	if c.Logger != nil {
		c.Logger.WithFields(logrus.Fields{
			"event":           "checkout.sale.created",
			"display_id":      tx.DisplayId,
			"ncf":             tx.Ncf,
			"global_sequence": tx.GlobalSequence,
			"total":           tx.Total.StringFixed(2),
		}).Info("transaction created")
	}
	if c.Trigger != nil {
		go c.Trigger()
	}
	return &tx, nil
}

func (c *Checkout) movementsFor(ctx context.Context, tx models.Transaction, concept models.MovementConcept) ([]MovementInput, error) {
	var out []MovementInput
	for _, line := range tx.Lines {
		product, err := models.FindOne[models.Product](ctx, c.Store, models.CollectionProducts, line.ProductId)
		if err != nil {
			return nil, err
		}
		if product != nil && !product.TrackStock {
			continue
		}
		out = append(out, MovementInput{
			ProductId:    line.ProductId,
			WarehouseId:  tx.WarehouseId,
			Concept:      concept,
			DocumentRef:  tx.DisplayId,
			DocumentLine: line.LineNo,
			Quantity:     line.Quantity,
			TerminalId:   tx.TerminalId,
			CreatedAt:    tx.CreatedAt,
		})
	}
	return out, nil
}

func validateSale(in SaleInput) error {
	if err := utils.ValidateStruct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSale, utils.ProcessValidationErrors(err))
	}
	if in.Type != models.TransactionTypeSale && in.Type != models.TransactionTypeRefund {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSale, in.Type)
	}
	for i, line := range in.Lines {
		if !line.Quantity.IsPositive() {
			return fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidSale, i+1)
		}
		if line.UnitPrice.IsNegative() || line.Discount.IsNegative() || line.TaxRate.IsNegative() {
			return fmt.Errorf("%w: line %d has negative amounts", ErrInvalidSale, i+1)
		}
	}
	return nil
}

func priceLines(lines []SaleLine) ([]models.TransactionLine, decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	out := make([]models.TransactionLine, 0, len(lines))
	subtotal, taxTotal := decimal.Zero, decimal.Zero
	for i, line := range lines {
		gross := line.Quantity.Mul(line.UnitPrice).Sub(line.Discount)
		if gross.IsNegative() {
			gross = decimal.Zero
		}
		tax := gross.Mul(line.TaxRate).Round(balancePlaces)
		gross = gross.Round(balancePlaces)
		out = append(out, models.TransactionLine{
			LineNo:      i + 1,
			ProductId:   line.ProductId,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Discount:    line.Discount,
			TaxAmount:   tax,
			LineTotal:   gross.Add(tax),
		})
		subtotal = subtotal.Add(gross)
		taxTotal = taxTotal.Add(tax)
	}
	return out, subtotal, taxTotal, subtotal.Add(taxTotal)
}

func (c *Checkout) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}
