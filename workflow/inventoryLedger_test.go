package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/possync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerInThenOutKeepsAverageCost(t *testing.T) {
	f := newFixture(t, DeriveAll)
	ctx := context.Background()
	seed(t, f.store, models.CollectionProducts, models.Product{Id: "P1", Name: "Rice", TrackStock: true})

	_, err := f.ledger.RecordMovement(ctx, MovementInput{
		ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptPurchase,
		DocumentRef: "PO-1", Quantity: d("10"), UnitCost: dp("2.00"),
	})
	require.NoError(t, err)
	out, err := f.ledger.RecordMovement(ctx, MovementInput{
		ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptSale,
		DocumentRef: "TCK001", Quantity: d("4"),
	})
	require.NoError(t, err)

	assert.True(t, out.BalanceQty.Equal(d("6")), "balance %s", out.BalanceQty)
	assert.True(t, out.BalanceAvgCost.Equal(d("2")), "avg %s", out.BalanceAvgCost)
	assert.True(t, out.QtyOut.Equal(d("4")))
	assert.Equal(t, models.SyncStatusPending, out.SyncStatus)
	assert.Equal(t, models.OriginAuthored, out.Origin)

	stock, err := models.GetOne[models.ProductStock](ctx, f.store, models.CollectionProductStocks, "P1_W1")
	require.NoError(t, err)
	assert.True(t, stock.Quantity.Equal(d("6")))
	assert.True(t, stock.AvgCost.Equal(d("2")))

	product, err := models.GetOne[models.Product](ctx, f.store, models.CollectionProducts, "P1")
	require.NoError(t, err)
	assert.True(t, product.StockIn("W1").Equal(d("6")))
}

func TestLedgerWeightedAverageAndNegativeFallback(t *testing.T) {
	tests := []struct {
		name     string
		moves    []MovementInput
		wantQty  string
		wantCost string
	}{
		{
			name: "two purchases",
			moves: []MovementInput{
				{Concept: models.ConceptPurchase, Quantity: d("10"), UnitCost: dp("2")},
				{Concept: models.ConceptPurchase, Quantity: d("10"), UnitCost: dp("4")},
			},
			wantQty: "20", wantCost: "3",
		},
		{
			name: "inflow that leaves balance negative falls back to unit cost",
			moves: []MovementInput{
				{Concept: models.ConceptSale, Quantity: d("5"), UnitCost: dp("0")},
				{Concept: models.ConceptAdjustmentIn, Quantity: d("3"), UnitCost: dp("7")},
			},
			wantQty: "-2", wantCost: "7",
		},
		{
			name: "average is rounded to four places",
			moves: []MovementInput{
				{Concept: models.ConceptOpening, Quantity: d("3"), UnitCost: dp("1")},
				{Concept: models.ConceptPurchase, Quantity: d("3"), UnitCost: dp("1.0001")},
				{Concept: models.ConceptPurchase, Quantity: d("1"), UnitCost: dp("0")},
			},
			wantQty: "7", wantCost: "0.8572",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DeriveAll)
			for i := range tt.moves {
				tt.moves[i].ProductId = "P1"
				tt.moves[i].WarehouseId = "W1"
			}
			_, err := f.ledger.RecordMovements(context.Background(), tt.moves)
			require.NoError(t, err)

			stock, err := f.ledger.Recalculate(context.Background(), "P1", "W1")
			require.NoError(t, err)
			assert.True(t, stock.Quantity.Equal(d(tt.wantQty)), "qty %s", stock.Quantity)
			assert.True(t, stock.AvgCost.Equal(d(tt.wantCost)), "avg %s", stock.AvgCost)
		})
	}
}

func TestLedgerReplayIsDeterministic(t *testing.T) {
	f := newFixture(t, DeriveAll)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	// same timestamp, stored out of id order: the id breaks the tie
	entries := []models.LedgerEntry{
		{Id: "c", ProductId: "P1", WarehouseId: "W1", CreatedAt: at, QtyOut: d("2"), QtyIn: d("0"), UnitCost: d("0")},
		{Id: "a", ProductId: "P1", WarehouseId: "W1", CreatedAt: at, QtyIn: d("5"), QtyOut: d("0"), UnitCost: d("3")},
		{Id: "b", ProductId: "P1", WarehouseId: "W1", CreatedAt: at, QtyIn: d("5"), QtyOut: d("0"), UnitCost: d("5")},
		{Id: "z", ProductId: "P2", WarehouseId: "W1", CreatedAt: at, QtyIn: d("1"), QtyOut: d("0"), UnitCost: d("1")},
	}
	seed(t, f.store, models.CollectionInventoryLedger, entries...)

	first, err := f.ledger.Recalculate(ctx, "P1", "W1")
	require.NoError(t, err)
	snapshot := ledgerOf(t, f.store)

	second, err := f.ledger.Recalculate(ctx, "P1", "W1")
	require.NoError(t, err)

	assert.True(t, first.Quantity.Equal(second.Quantity))
	assert.True(t, first.AvgCost.Equal(second.AvgCost))
	assert.True(t, first.Quantity.Equal(d("8")))
	assert.True(t, first.AvgCost.Equal(d("4")))

	again := ledgerOf(t, f.store)
	require.Len(t, again, len(snapshot))
	for i := range snapshot {
		assert.True(t, snapshot[i].BalanceQty.Equal(again[i].BalanceQty))
		assert.True(t, snapshot[i].BalanceAvgCost.Equal(again[i].BalanceAvgCost))
	}

	// untouched pair keeps its stored balances
	for _, e := range again {
		if e.ProductId == "P2" {
			assert.True(t, e.BalanceQty.IsZero())
		}
	}
}

func TestLedgerTrustReplicatedUsesCheckpoints(t *testing.T) {
	f := newFixture(t, TrustReplicated)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	// balances arrived already resolved by the master and would not match a local replay
	replicated := models.LedgerEntry{
		Id: "m1", ProductId: "P1", WarehouseId: "W1", CreatedAt: at,
		QtyIn: d("1"), QtyOut: d("0"), UnitCost: d("1"),
		BalanceQty: d("100"), BalanceAvgCost: d("5"),
		Origin: models.OriginReplicated, SyncStatus: models.SyncStatusCompleted,
	}
	_, err := f.ledger.ImportEntries(ctx, []models.LedgerEntry{replicated})
	require.NoError(t, err)

	entry, err := f.ledger.RecordMovement(ctx, MovementInput{
		ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptPurchase,
		Quantity: d("10"), UnitCost: dp("10"),
	})
	require.NoError(t, err)
	assert.True(t, entry.BalanceQty.Equal(d("110")))
	assert.True(t, entry.BalanceAvgCost.Equal(d("5.4545")), "avg %s", entry.BalanceAvgCost)

	stored, err := models.GetOne[models.LedgerEntry](ctx, f.store, models.CollectionInventoryLedger, "m1")
	require.NoError(t, err)
	assert.True(t, stored.BalanceQty.Equal(d("100")))

	// a deriving terminal recomputes the same entry
	master := NewLedgerEngine(f.store, f.locker, DeriveAll, "M")
	master.Logger = nil
	stock, err := master.Recalculate(ctx, "P1", "W1")
	require.NoError(t, err)
	assert.True(t, stock.Quantity.Equal(d("11")))
}

func TestLedgerRejectsInvalidMovementWithoutWriting(t *testing.T) {
	f := newFixture(t, DeriveAll)
	_, err := f.ledger.RecordMovements(context.Background(), []MovementInput{
		{ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptPurchase, Quantity: d("1")},
		{ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptSale, Quantity: d("0")},
	})
	assert.ErrorIs(t, err, ErrInvalidMovement)
	assert.Empty(t, ledgerOf(t, f.store))
}

func TestLedgerTriggersSyncAfterWrite(t *testing.T) {
	f := newFixture(t, DeriveAll)
	fired := make(chan struct{}, 1)
	f.ledger.Trigger = func() { fired <- struct{}{} }

	_, err := f.ledger.RecordMovement(context.Background(), MovementInput{
		ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptPurchase, Quantity: d("1"), UnitCost: dp("1"),
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("sync trigger was not called")
	}
}

func TestLedgerKardexRunningBalances(t *testing.T) {
	f := newFixture(t, DeriveAll)
	ctx := context.Background()
	_, err := f.ledger.RecordMovements(ctx, []MovementInput{
		{ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptPurchase, Quantity: d("10"), UnitCost: dp("2")},
		{ProductId: "P1", WarehouseId: "W2", Concept: models.ConceptPurchase, Quantity: d("1"), UnitCost: dp("9")},
	})
	require.NoError(t, err)
	_, err = f.ledger.RecordMovement(ctx, MovementInput{ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptSale, Quantity: d("3")})
	require.NoError(t, err)

	lines, err := f.ledger.Kardex(ctx, "P1", "W1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.True(t, lines[1].BalanceQty.Equal(d("7")))
	assert.True(t, lines[1].BalanceValue.Equal(d("14")))

	all, err := f.ledger.Kardex(ctx, "P1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	n, err := f.ledger.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
