package main

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/possync"
	"bitbucket.org/mmdatafocus/possync/workflow"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportConfigStoresValidatedSnapshot(t *testing.T) {
	ctx := context.Background()
	st := &station{store: models.NewMemoryStore(), orch: &possync.Orchestrator{}}

	_, err := st.importConfig(ctx, strings.NewReader(`{"businessName":"Shop","currencyCode":"DOPX"}`))
	require.Error(t, err)
	assert.Nil(t, st.orch.Config)

	cfg, err := st.importConfig(ctx, strings.NewReader(`{"businessName":"Shop","currencyCode":"DOP","defaultWarehouseId":"W1"}`))
	require.NoError(t, err)
	assert.Equal(t, "Shop", cfg.BusinessName)
	require.NotNil(t, st.orch.Config)

	stored, err := possync.LoadLocalConfig(ctx, st.store)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "W1", stored.DefaultWarehouseId)
}

func TestOnWriteTriggersSyncForEveryLocalWrite(t *testing.T) {
	ctx := context.Background()
	store := models.NewMemoryStore()
	locker := workflow.NewKeyedMutex()
	ledger := workflow.NewLedgerEngine(store, locker, workflow.DeriveAll, "T1")
	sequences := workflow.NewSequenceAuthority(store, locker, nil, nil)
	st := &station{
		store:     store,
		ledger:    ledger,
		sequences: sequences,
		checkout:  workflow.NewCheckout(store, sequences, ledger, "T1"),
		drawer:    workflow.NewCashDrawer(store, sequences, "T1"),
		orch:      &possync.Orchestrator{},
	}
	for _, series := range []models.DocumentSeries{
		{Id: "TCK", DocumentType: workflow.DocumentTypeTicket, Prefix: "TCK", NextNumber: 1, Padding: 4},
		{Id: "CM", DocumentType: workflow.DocumentTypeCashMovement, Prefix: "CM", NextNumber: 1, Padding: 3},
	} {
		require.NoError(t, models.UpsertOne(ctx, store, models.CollectionInternalSequences, series))
	}
	require.NoError(t, models.UpsertOne(ctx, store, models.CollectionProducts, models.Product{Id: "SVC", Name: "Delivery"}))

	var fired atomic.Int32
	st.onWrite(func() { fired.Add(1) })

	cost := decimal.NewFromInt(2)
	_, err := st.ledger.RecordMovement(ctx, workflow.MovementInput{
		ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptOpening, Quantity: decimal.NewFromInt(5), UnitCost: &cost,
	})
	require.NoError(t, err)
	_, err = st.drawer.RecordCashMovement(ctx, workflow.CashMovementInput{Type: models.CashMovementOpening, Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, err = st.checkout.CreateSale(ctx, workflow.SaleInput{
		WarehouseId: "W1",
		Lines:       []workflow.SaleLine{{ProductId: "SVC", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(50)}},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return fired.Load() == 3 }, time.Second, 10*time.Millisecond)
}
