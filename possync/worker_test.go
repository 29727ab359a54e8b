package possync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedTx(id string, minute int, status models.SyncStatus) models.Transaction {
	return models.Transaction{
		Id:         id,
		Type:       models.TransactionTypeSale,
		DisplayId:  "TCK-" + id,
		TerminalId: "T2",
		CreatedAt:  time.Date(2024, 5, 1, 10, minute, 0, 0, time.UTC),
		SyncStatus: status,
		Origin:     models.OriginAuthored,
	}
}

type recordingPush struct {
	mu     sync.Mutex
	pushed []string
	failOn string
}

func (r *recordingPush) push(_ context.Context, tx models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, tx.Id)
	if tx.Id == r.failOn {
		return errors.New("server said no")
	}
	return nil
}

func newTestWorker(queues ...Queue) *Worker {
	w := NewWorker(time.Hour, queues...)
	w.Logger = nil
	return w
}

func TestWorkerDrainsOldestFirstAndHaltsOnFailure(t *testing.T) {
	ctx := context.Background()
	store := models.NewMemoryStore()
	seed(t, store, models.CollectionTransactions,
		queuedTx("c", 3, models.SyncStatusPending),
		queuedTx("a", 1, models.SyncStatusPending),
		queuedTx("done", 0, models.SyncStatusCompleted),
		queuedTx("b", 2, models.SyncStatusError),
	)
	rec := &recordingPush{failOn: "b"}
	queue := NewOperationalQueue(store, workflow.NewKeyedMutex(), models.CollectionTransactions, rec.push)
	w := newTestWorker(queue)

	err := w.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, rec.pushed)

	txs := byId(all[models.Transaction](t, store, models.CollectionTransactions))
	assert.Equal(t, models.SyncStatusCompleted, txs["a"].SyncStatus)
	assert.Equal(t, models.SyncStatusError, txs["b"].SyncStatus)
	assert.Equal(t, "server said no", txs["b"].SyncError)
	assert.Equal(t, models.SyncStatusPending, txs["c"].SyncStatus)

	state := w.State()
	assert.True(t, state.HasError)
	assert.False(t, state.IsSyncing)
	assert.Equal(t, 2, state.PendingCount)
	assert.Contains(t, state.LastError, "server said no")
	assert.Nil(t, state.LastSyncTime)

	rec.failOn = ""
	require.NoError(t, w.RunOnce(ctx))
	assert.Equal(t, []string{"a", "b", "b", "c"}, rec.pushed)

	txs = byId(all[models.Transaction](t, store, models.CollectionTransactions))
	for _, id := range []string{"a", "b", "c", "done"} {
		assert.Equal(t, models.SyncStatusCompleted, txs[id].SyncStatus, id)
		assert.Empty(t, txs[id].SyncError, id)
	}
	state = w.State()
	assert.False(t, state.HasError)
	assert.Zero(t, state.PendingCount)
	assert.NotNil(t, state.LastSyncTime)
}

func TestWorkerRetriesInterruptedPush(t *testing.T) {
	store := models.NewMemoryStore()
	seed(t, store, models.CollectionTransactions, queuedTx("a", 1, models.SyncStatusSyncing))
	rec := &recordingPush{}
	w := newTestWorker(NewOperationalQueue(store, nil, models.CollectionTransactions, rec.push))

	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, []string{"a"}, rec.pushed)
}

func TestCountOnlyQueueNeverPushes(t *testing.T) {
	store := models.NewMemoryStore()
	seed(t, store, models.CollectionTransactions, queuedTx("a", 1, models.SyncStatusPending))
	w := newTestWorker(NewOperationalQueue[models.Transaction](store, nil, models.CollectionTransactions, nil))

	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, 1, w.State().PendingCount)
	assert.Equal(t, models.SyncStatusPending, all[models.Transaction](t, store, models.CollectionTransactions)[0].SyncStatus)
}

func TestWorkerStepsRunBeforeQueues(t *testing.T) {
	store := models.NewMemoryStore()
	seed(t, store, models.CollectionTransactions, queuedTx("a", 1, models.SyncStatusPending))
	var order []string
	w := newTestWorker(NewOperationalQueue(store, nil, models.CollectionTransactions, func(_ context.Context, tx models.Transaction) error {
		order = append(order, "push:"+tx.Id)
		return nil
	}))
	w.Steps = []Step{
		{Name: "catalogs", Run: func(context.Context) error {
			order = append(order, "catalogs")
			return ErrOffline
		}},
	}

	err := w.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, []string{"catalogs", "push:a"}, order)
	assert.True(t, w.State().HasError)
}

func TestWorkerNotifiesSubscribersAndRunsOnTrigger(t *testing.T) {
	store := models.NewMemoryStore()
	var mu sync.Mutex
	pushed := 0
	queue := NewOperationalQueue(store, nil, models.CollectionTransactions, func(context.Context, models.Transaction) error {
		mu.Lock()
		pushed++
		mu.Unlock()
		return nil
	})
	w := newTestWorker(queue)

	var states []WorkerState
	var smu sync.Mutex
	unsubscribe := w.Subscribe(func(s WorkerState) {
		smu.Lock()
		states = append(states, s)
		smu.Unlock()
	})
	defer unsubscribe()

	seed(t, store, models.CollectionTransactions, queuedTx("a", 1, models.SyncStatusPending))
	w.NotifyConnectivity(false)
	assert.Equal(t, 1, w.State().PendingCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	require.Eventually(t, func() bool { return w.State().PendingCount == 0 && !w.State().IsSyncing }, time.Second, 5*time.Millisecond)

	seed(t, store, models.CollectionTransactions, queuedTx("b", 2, models.SyncStatusPending))
	w.NotifyConnectivity(true)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pushed == 2
	}, time.Second, 5*time.Millisecond)

	smu.Lock()
	defer smu.Unlock()
	require.NotEmpty(t, states)
	assert.Zero(t, states[0].PendingCount)
	sawSyncing := false
	for _, s := range states {
		sawSyncing = sawSyncing || s.IsSyncing
	}
	assert.True(t, sawSyncing)
}

func TestSortByBusinessTimeBreaksTiesById(t *testing.T) {
	items := []models.Transaction{queuedTx("b", 1, ""), queuedTx("c", 0, ""), queuedTx("a", 1, "")}
	sortByBusinessTime(items)
	assert.Equal(t, []string{"c", "a", "b"}, []string{items[0].Id, items[1].Id, items[2].Id})
}
