package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/possync/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// testClock hands out strictly increasing timestamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	store     *models.MemoryStore
	locker    *KeyedMutex
	clock     *testClock
	ledger    *LedgerEngine
	pool      *LocalFiscalPool
	sequences *SequenceAuthority
	heal      *SelfHeal
}

func newFixture(t *testing.T, policy BalancePolicy) *fixture {
	t.Helper()
	f := &fixture{
		store:  models.NewMemoryStore(),
		locker: NewKeyedMutex(),
		clock:  newTestClock(),
	}
	f.ledger = NewLedgerEngine(f.store, f.locker, policy, "T1")
	f.ledger.Now = f.clock.Now
	f.ledger.Logger = nil
	f.pool = NewLocalFiscalPool(f.store, f.locker)
	f.pool.Now = f.clock.Now
	f.pool.Logger = nil
	f.sequences = NewSequenceAuthority(f.store, f.locker, f.pool, func(string) int { return 5 })
	f.sequences.Now = f.clock.Now
	f.sequences.Logger = nil
	f.heal = NewSelfHeal(f.store, f.locker, f.ledger)
	f.heal.Now = f.clock.Now
	f.heal.Logger = nil
	return f
}

func seed[T models.Record](t *testing.T, s models.Store, collection string, items ...T) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, models.UpsertOne(context.Background(), s, collection, item))
	}
}

func ledgerOf(t *testing.T, s models.Store) []models.LedgerEntry {
	t.Helper()
	entries, err := models.GetAll[models.LedgerEntry](context.Background(), s, models.CollectionInventoryLedger)
	require.NoError(t, err)
	return entries
}

// faultyStore fails the listed operations per collection and passes the rest through.
type faultyStore struct {
	models.Store
	list   map[string]error
	upsert map[string]error
	delete map[string]error
}

func (s *faultyStore) List(ctx context.Context, collection string) ([]models.Document, error) {
	if err := s.list[collection]; err != nil {
		return nil, err
	}
	return s.Store.List(ctx, collection)
}

func (s *faultyStore) Upsert(ctx context.Context, collection string, doc models.Document) error {
	if err := s.upsert[collection]; err != nil {
		return err
	}
	return s.Store.Upsert(ctx, collection, doc)
}

func (s *faultyStore) Delete(ctx context.Context, collection string, id string) error {
	if err := s.delete[collection]; err != nil {
		return err
	}
	return s.Store.Delete(ctx, collection, id)
}

type failingPool struct{ err error }

func (p failingPool) Lease(context.Context, string, int) (*models.FiscalLease, error) {
	return nil, p.err
}
