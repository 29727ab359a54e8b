package workflow

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/possync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCheckoutFixture(t *testing.T) (*fixture, *Checkout) {
	f := newFixture(t, DeriveAll)
	c := NewCheckout(f.store, f.sequences, f.ledger, "T1")
	c.Now = f.clock.Now
	c.Logger = nil
	seed(t, f.store, models.CollectionInternalSequences,
		models.DocumentSeries{Id: "TCK", DocumentType: DocumentTypeTicket, Prefix: "TCK", NextNumber: 1, Padding: 4},
		models.DocumentSeries{Id: "DEV", DocumentType: DocumentTypeRefund, Prefix: "DEV", NextNumber: 1, Padding: 4},
	)
	seed(t, f.store, models.CollectionProducts,
		models.Product{Id: "P1", Name: "Rice", Cost: d("2"), TrackStock: true},
		models.Product{Id: "SVC", Name: "Delivery", TrackStock: false},
	)
	_, err := f.ledger.RecordMovement(context.Background(), MovementInput{
		ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptOpening, Quantity: d("10"), UnitCost: dp("2"),
	})
	require.NoError(t, err)
	return f, c
}

func TestCreateSaleNumbersAndMovesStock(t *testing.T) {
	f, c := newCheckoutFixture(t)
	ctx := context.Background()
	seed(t, f.store, models.CollectionFiscalRanges, models.FiscalRange{
		Id: "R1", Type: "B01", Prefix: "B01", StartNumber: 1, EndNumber: 100, IsActive: true,
	})

	tx, err := c.CreateSale(ctx, SaleInput{
		WarehouseId: "W1",
		FiscalType:  "B01",
		Lines: []SaleLine{
			{ProductId: "P1", Quantity: d("4"), UnitPrice: d("5"), TaxRate: d("0.18")},
			{ProductId: "SVC", Quantity: d("1"), UnitPrice: d("3")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "TCK0001", tx.DisplayId)
	assert.Equal(t, "B0100000001", tx.Ncf)
	assert.Equal(t, int64(1), tx.GlobalSequence)
	assert.True(t, tx.Total.Equal(d("26.6")), "total %s", tx.Total)
	assert.Equal(t, models.SyncStatusPending, tx.SyncStatus)

	stock, err := models.GetOne[models.ProductStock](ctx, f.store, models.CollectionProductStocks, "P1_W1")
	require.NoError(t, err)
	assert.True(t, stock.Quantity.Equal(d("6")))

	// the untracked service line produced no movement
	for _, e := range ledgerOf(t, f.store) {
		assert.NotEqual(t, "SVC", e.ProductId)
	}

	refund, err := c.CreateSale(ctx, SaleInput{
		Type: models.TransactionTypeRefund, WarehouseId: "W1", RefTransaction: tx.Id,
		Lines: []SaleLine{{ProductId: "P1", Quantity: d("1"), UnitPrice: d("5")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "DEV0001", refund.DisplayId)
	assert.Equal(t, int64(2), refund.GlobalSequence)

	stock, err = models.GetOne[models.ProductStock](ctx, f.store, models.CollectionProductStocks, "P1_W1")
	require.NoError(t, err)
	assert.True(t, stock.Quantity.Equal(d("7")))
}

func TestCreateSaleAbortsWhenNumberingFails(t *testing.T) {
	f, c := newCheckoutFixture(t)
	ctx := context.Background()
	before := len(ledgerOf(t, f.store))

	_, err := c.CreateSale(ctx, SaleInput{
		WarehouseId: "W1",
		FiscalType:  "B15",
		Lines:       []SaleLine{{ProductId: "P1", Quantity: d("1"), UnitPrice: d("5")}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFiscalRangeNotConfigured)

	txs, err := models.GetAll[models.Transaction](ctx, f.store, models.CollectionTransactions)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Len(t, ledgerOf(t, f.store), before)
}

func TestCreateSaleReportsFailedRollback(t *testing.T) {
	f, c := newCheckoutFixture(t)
	ctx := context.Background()
	ledgerDown := errors.New("ledger unavailable")
	deleteDown := errors.New("delete refused")
	faulty := &faultyStore{
		Store:  f.store,
		list:   map[string]error{models.CollectionInventoryLedger: ledgerDown},
		delete: map[string]error{models.CollectionTransactions: deleteDown},
	}
	c.Store = faulty
	f.ledger.Store = faulty

	_, err := c.CreateSale(ctx, SaleInput{
		WarehouseId: "W1",
		Lines:       []SaleLine{{ProductId: "P1", Quantity: d("1"), UnitPrice: d("5")}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledgerDown)
	assert.ErrorIs(t, err, deleteDown)

	// the orphan stays visible for the integrity check
	txs, err := models.GetAll[models.Transaction](ctx, f.store, models.CollectionTransactions)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestCreateSaleRejectsInvalidCart(t *testing.T) {
	_, c := newCheckoutFixture(t)
	_, err := c.CreateSale(context.Background(), SaleInput{WarehouseId: "W1"})
	assert.ErrorIs(t, err, ErrInvalidSale)

	_, err = c.CreateSale(context.Background(), SaleInput{
		WarehouseId: "W1",
		Lines:       []SaleLine{{ProductId: "P1", Quantity: d("-1")}},
	})
	assert.ErrorIs(t, err, ErrInvalidSale)
}

func TestCloseShiftSummarisesCash(t *testing.T) {
	f, c := newCheckoutFixture(t)
	ctx := context.Background()
	seed(t, f.store, models.CollectionInternalSequences,
		models.DocumentSeries{Id: "CM", DocumentType: DocumentTypeCashMovement, Prefix: "CM", NextNumber: 1, Padding: 3},
		models.DocumentSeries{Id: "Z", DocumentType: DocumentTypeZReport, Prefix: "Z", NextNumber: 1, Padding: 3},
	)
	drawer := NewCashDrawer(f.store, f.sequences, "T1")
	drawer.Now = f.clock.Now
	drawer.Logger = nil

	_, err := drawer.RecordCashMovement(ctx, CashMovementInput{Type: models.CashMovementOpening, Amount: d("100")})
	require.NoError(t, err)
	_, err = c.CreateSale(ctx, SaleInput{WarehouseId: "W1", Lines: []SaleLine{{ProductId: "P1", Quantity: d("2"), UnitPrice: d("10")}}})
	require.NoError(t, err)
	_, err = drawer.RecordCashMovement(ctx, CashMovementInput{Type: models.CashMovementOut, Amount: d("15"), Reason: "supplies"})
	require.NoError(t, err)

	z, err := drawer.CloseShift(ctx, d("104"))
	require.NoError(t, err)
	assert.Equal(t, "Z001", z.DisplayId)
	assert.Equal(t, 1, z.TransactionCount)
	assert.True(t, z.ExpectedCash.Equal(d("105")), "expected %s", z.ExpectedCash)
	assert.True(t, z.Difference.Equal(d("-1")))

	_, err = drawer.RecordCashMovement(ctx, CashMovementInput{Type: models.CashMovementIn, Amount: d("0")})
	assert.ErrorIs(t, err, ErrInvalidCashMovement)
}
