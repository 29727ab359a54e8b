package possync

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/workflow"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusOf(statuses []CollectionStatus) map[string]CollectionStatus {
	out := make(map[string]CollectionStatus, len(statuses))
	for _, s := range statuses {
		out[s.Collection] = s
	}
	return out
}

func TestSlavePullsCatalogsAndKeepsHigherSeries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	master := h.terminal("M1", true)
	slave := h.terminal("T2", false)

	seed(t, master.store, models.CollectionProducts,
		models.Product{Id: "P1", Name: "Coffee", Price: d("2.50"), IsActive: true},
		models.Product{Id: "P2", Name: "Tea", Price: d("1.75"), IsActive: true},
	)
	seed(t, master.store, models.CollectionInternalSequences,
		models.DocumentSeries{Id: "TCK", DocumentType: "SALE", Prefix: "TCK", NextNumber: 5, Padding: 4},
		models.DocumentSeries{Id: "DEV", DocumentType: "REFUND", Prefix: "DEV", NextNumber: 2, Padding: 4},
	)
	seed(t, master.store, models.CollectionFiscalRanges,
		models.FiscalRange{Id: "R1", Type: "B01", Prefix: "B01", StartNumber: 1, EndNumber: 100, IsActive: true},
	)

	statuses, err := master.orch.SyncAllCatalogs(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.Equal(t, CollectionSynced, s.Status, s.Collection)
	}

	seed(t, slave.store, models.CollectionInternalSequences,
		models.DocumentSeries{Id: "TCK", DocumentType: "SALE", Prefix: "TCK", NextNumber: 9, Padding: 4},
		models.DocumentSeries{Id: "OLD", DocumentType: "SALE", Prefix: "OLD", NextNumber: 1, Padding: 4},
	)

	statuses, err = slave.orch.SyncAllCatalogs(ctx)
	require.NoError(t, err)
	byName := statusOf(statuses)
	require.Len(t, byName, len(Policies()))
	assert.Equal(t, CollectionSynced, byName[models.CollectionProducts].Status)
	assert.Equal(t, 2, byName[models.CollectionProducts].Applied)
	assert.Equal(t, int64(1), byName[models.CollectionProducts].LocalVersion)

	assert.Len(t, all[models.Product](t, slave.store, models.CollectionProducts), 2)
	assert.Len(t, all[models.FiscalRange](t, slave.store, models.CollectionFiscalRanges), 1)

	series := byId(all[models.DocumentSeries](t, slave.store, models.CollectionInternalSequences))
	require.Len(t, series, 2)
	assert.Equal(t, int64(9), series["TCK"].NextNumber)
	assert.Equal(t, int64(2), series["DEV"].NextNumber)

	wm, err := models.GetOne[models.SyncWatermark](ctx, slave.store, models.CollectionSyncWatermarks, models.CollectionProducts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wm.Version)
	require.NotNil(t, wm.LastSyncTimestamp)

	statuses, err = slave.orch.SyncAllCatalogs(ctx)
	require.NoError(t, err)
	assert.Zero(t, statusOf(statuses)[models.CollectionProducts].Applied)
}

func TestDeltaPullRemovesDeletedCatalogItems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	master := h.terminal("M1", true)
	slave := h.terminal("T2", false)

	seed(t, master.store, models.CollectionCustomers,
		models.Customer{Id: "C1", Name: "Ana"},
		models.Customer{Id: "C2", Name: "Luis"},
	)
	_, err := master.orch.PushCatalogs(ctx)
	require.NoError(t, err)
	_, err = slave.orch.PullCatalog(ctx, models.CollectionCustomers)
	require.NoError(t, err)
	require.Len(t, all[models.Customer](t, slave.store, models.CollectionCustomers), 2)

	require.NoError(t, master.store.Delete(ctx, models.CollectionCustomers, "C2"))
	_, err = master.orch.PushCatalogs(ctx)
	require.NoError(t, err)

	var events []SyncEvent
	slave.bus.Subscribe(func(e SyncEvent) { events = append(events, e) })
	st, err := slave.orch.PullCatalog(ctx, models.CollectionCustomers)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Applied)
	customers := all[models.Customer](t, slave.store, models.CollectionCustomers)
	require.Len(t, customers, 1)
	assert.Equal(t, "C1", customers[0].Id)
	require.Len(t, events, 1)
	assert.Equal(t, EventDeleted, events[0].Kind)
	assert.Equal(t, "C2", events[0].DocumentId)
}

func TestFullDownloadKeepsRecordsOwedToMaster(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	master := h.terminal("M1", true)
	slave := h.terminal("T2", false)

	mine := queuedTx("tx-m1", 1, models.SyncStatusPending)
	mine.TerminalId = "M1"
	seed(t, master.store, models.CollectionTransactions, mine)
	statuses, err := master.orch.PushOperational(ctx)
	require.NoError(t, err)
	assert.Equal(t, CollectionSynced, statusOf(statuses)[models.CollectionTransactions].Status)
	assert.Equal(t, models.SyncStatusCompleted, all[models.Transaction](t, master.store, models.CollectionTransactions)[0].SyncStatus)

	seed(t, slave.store, models.CollectionTransactions,
		queuedTx("tx-s1", 2, models.SyncStatusPending),
		queuedTx("tx-old", 0, models.SyncStatusCompleted),
	)
	st, err := slave.orch.PullCatalog(ctx, models.CollectionTransactions)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Applied)

	txs := byId(all[models.Transaction](t, slave.store, models.CollectionTransactions))
	require.Len(t, txs, 2)
	assert.Equal(t, models.OriginReplicated, txs["tx-m1"].Origin)
	assert.Equal(t, models.SyncStatusCompleted, txs["tx-m1"].SyncStatus)
	assert.Equal(t, models.OriginAuthored, txs["tx-s1"].Origin)
	assert.Equal(t, models.SyncStatusPending, txs["tx-s1"].SyncStatus)
}

func TestSlaveRecordsReachMasterAndOtherTerminals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	master := h.terminal("M1", true)
	slave := h.terminal("T2", false)
	viewer := h.terminal("T3", false)

	_, err := slave.ledger.RecordMovements(ctx, []workflow.MovementInput{
		{ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptPurchase, DocumentRef: "PO-1", Quantity: d("10"), UnitCost: ptr(d("2"))},
		{ProductId: "P1", WarehouseId: "W1", Concept: models.ConceptSale, DocumentRef: "TCK0001", Quantity: d("4")},
	})
	require.NoError(t, err)
	seed(t, slave.store, models.CollectionTransactions, queuedTx("tx-1", 5, models.SyncStatusPending))

	w := newTestWorker(slave.orch.Queues()...)
	require.NoError(t, w.RunOnce(ctx))
	assert.Zero(t, w.State().PendingCount)
	for _, e := range all[models.LedgerEntry](t, slave.store, models.CollectionInventoryLedger) {
		assert.Equal(t, models.SyncStatusCompleted, e.SyncStatus)
	}

	counts, err := master.orch.DrainPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.CollectionInventoryLedger])
	assert.Equal(t, 1, counts[models.CollectionTransactions])

	stock, err := models.GetOne[models.ProductStock](ctx, master.store, models.CollectionProductStocks, "P1_W1")
	require.NoError(t, err)
	assert.True(t, stock.Quantity.Equal(d("6")), stock.Quantity.String())
	assert.True(t, stock.AvgCost.Equal(d("2")), stock.AvgCost.String())

	tx, err := models.GetOne[models.Transaction](ctx, master.store, models.CollectionTransactions, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.OriginReplicated, tx.Origin)
	assert.Equal(t, models.SyncStatusCompleted, tx.SyncStatus)

	counts, err = master.orch.DrainPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[models.CollectionTransactions])

	_, err = master.orch.PushOperational(ctx)
	require.NoError(t, err)
	_, err = viewer.orch.PullCatalog(ctx, models.CollectionInventoryLedger)
	require.NoError(t, err)
	seen, err := models.GetOne[models.ProductStock](ctx, viewer.store, models.CollectionProductStocks, "P1_W1")
	require.NoError(t, err)
	assert.True(t, seen.Quantity.Equal(d("6")), seen.Quantity.String())
	for _, e := range all[models.LedgerEntry](t, viewer.store, models.CollectionInventoryLedger) {
		assert.Equal(t, models.OriginReplicated, e.Origin)
	}
}

func TestDrainKeepsRecordsWhoseResponseNeverArrived(t *testing.T) {
	var held atomic.Bool
	h := newHarness(t, func(c *gin.Context) {
		c.Next()
		// the first queue read reaches the master only after it gave up waiting
		if strings.HasSuffix(c.Request.URL.Path, "/transactions/pending") && held.CompareAndSwap(false, true) {
			time.Sleep(600 * time.Millisecond)
		}
	})
	ctx := context.Background()
	master := h.terminal("M1", true)
	slave := h.terminal("T2", false)

	_, err := slave.client.PushTransaction(ctx, queuedTx("tx-1", 1, models.SyncStatusPending))
	require.NoError(t, err)

	impatient := NewClient(ClientOptions{
		BaseURL:           h.http.URL,
		TerminalId:        "M1",
		DeviceToken:       "device-token-M1",
		IsPrimary:         true,
		AttemptTimeout:    300 * time.Millisecond,
		RetryBudget:       3,
		RetryInitialDelay: time.Millisecond,
	})
	impatient.logger = nil
	master.orch.Client = impatient

	counts, err := master.orch.DrainPending(ctx)
	require.NoError(t, err)
	assert.True(t, held.Load())
	assert.Equal(t, 1, counts[models.CollectionTransactions])

	tx, err := models.GetOne[models.Transaction](ctx, master.store, models.CollectionTransactions, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.OriginReplicated, tx.Origin)

	queued, err := h.store.List(ctx, pendingCollection(models.CollectionTransactions))
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestFailedDrainLeavesRecordsQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	master := h.terminal("M1", true)
	slave := h.terminal("T2", false)

	_, err := slave.client.PushCashMovement(ctx, models.CashMovement{Id: "cm-1", Type: models.CashMovementIn, Amount: d("5"), TerminalId: "T2"})
	require.NoError(t, err)

	master.orch.Store = failingStore{Store: master.store, collection: models.CollectionCashMovements}
	_, err = master.orch.DrainPending(ctx)
	require.Error(t, err)

	queued, err := h.store.List(ctx, pendingCollection(models.CollectionCashMovements))
	require.NoError(t, err)
	require.Len(t, queued, 1)

	master.orch.Store = master.store
	counts, err := master.orch.DrainPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.CollectionCashMovements])
	queued, err = h.store.List(ctx, pendingCollection(models.CollectionCashMovements))
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestForcePullAllReportsProgressPerModule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	master := h.terminal("M1", true)
	slave := h.terminal("T2", false)
	seed(t, master.store, models.CollectionProducts, models.Product{Id: "P1", Name: "Coffee"})
	_, err := master.orch.SyncAllCatalogs(ctx)
	require.NoError(t, err)
	_, err = slave.orch.SyncAllCatalogs(ctx)
	require.NoError(t, err)

	var done []string
	slave.bus.Subscribe(func(e SyncEvent) {
		if e.Kind == EventProgress && e.Progress.Done {
			done = append(done, e.Progress.Module)
		}
	})
	statuses, err := slave.orch.ForcePullAll(ctx)
	require.NoError(t, err)
	assert.Len(t, done, len(Policies())+1)
	assert.Equal(t, models.CollectionConfig, done[len(done)-1])
	assert.Equal(t, 1, statusOf(statuses)[models.CollectionProducts].Applied)
}

func TestBusinessConfigTravelsFromMaster(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	master := h.terminal("M1", true)
	slave := h.terminal("T2", false)

	require.NoError(t, slave.orch.RefreshConfig(ctx))

	var err error
	master.orch.Config, err = config.NewBusinessConfigHolder(config.BusinessConfig{
		BusinessName: "Colmado Ana", CurrencyCode: "DOP", DefaultWarehouseId: "W1",
	})
	require.NoError(t, err)
	slave.orch.Config, err = config.NewBusinessConfigHolder(config.BusinessConfig{
		BusinessName: "unset", CurrencyCode: "USD", DefaultWarehouseId: "W0",
	})
	require.NoError(t, err)

	_, err = master.orch.PushCatalogs(ctx)
	require.NoError(t, err)
	require.NoError(t, slave.orch.RefreshConfig(ctx))

	snapshot := slave.orch.Config.Snapshot()
	assert.Equal(t, "Colmado Ana", snapshot.BusinessName)
	assert.Equal(t, "DOP", snapshot.CurrencyCode)

	stored, err := LoadLocalConfig(ctx, slave.store)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "W1", stored.DefaultWarehouseId)
}

func TestMasterOnlyOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	slave := h.terminal("T2", false)

	_, err := slave.orch.PushCatalogs(ctx)
	require.ErrorIs(t, err, ErrNotPrimary)
	_, err = slave.orch.DrainPending(ctx)
	require.ErrorIs(t, err, ErrNotPrimary)
	_, err = slave.orch.PullCatalog(ctx, "unknown")
	require.ErrorIs(t, err, ErrUnknownCollection)
}

func TestUnreachableServerLeavesCollectionsPending(t *testing.T) {
	h := newHarness(t)
	slave := h.terminal("T2", false)
	h.http.Close()

	statuses, err := slave.orch.SyncAllCatalogs(context.Background())
	require.ErrorIs(t, err, ErrOffline)
	require.Len(t, statuses, len(Policies()))
	for _, s := range statuses {
		assert.Equal(t, CollectionPending, s.Status, s.Collection)
	}
	assert.Equal(t, StateOffline, slave.client.State())
}

func ptr[T any](v T) *T { return &v }

// failingStore rejects every write to one collection.
type failingStore struct {
	models.Store
	collection string
}

func (s failingStore) Upsert(ctx context.Context, collection string, doc models.Document) error {
	if collection == s.collection {
		return errors.New("disk full")
	}
	return s.Store.Upsert(ctx, collection, doc)
}
