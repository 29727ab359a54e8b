package possync

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

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

// harness is a sync server on a real gin router behind httptest.
type harness struct {
	t      *testing.T
	clock  *testClock
	store  *models.MemoryStore
	server *Server
	http   *httptest.Server
}

func newHarness(t *testing.T, extra ...gin.HandlerFunc) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := newTestClock()
	store := models.NewMemoryStore()
	store.SetClock(clock.Now)

	srv := NewServer(store, workflow.NewKeyedMutex(), []byte("test-secret"), time.Hour)
	srv.Logger = nil
	srv.Now = clock.Now
	srv.Pool.Now = clock.Now
	srv.Pool.Logger = nil
	srv.Ledger.Now = clock.Now
	srv.Ledger.Logger = nil
	srv.AllowEnrollment = func() bool { return true }

	ts := httptest.NewServer(NewRouter(srv, extra...))
	t.Cleanup(ts.Close)
	return &harness{t: t, clock: clock, store: store, server: srv, http: ts}
}

func newTestClient(baseURL, terminalId string, primary bool) *Client {
	c := NewClient(ClientOptions{
		BaseURL:           baseURL,
		TerminalId:        terminalId,
		DeviceToken:       "device-token-" + terminalId,
		IsPrimary:         primary,
		AttemptTimeout:    2 * time.Second,
		RetryBudget:       3,
		RetryInitialDelay: time.Millisecond,
	})
	c.logger = nil
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func (h *harness) client(terminalId string, primary bool) *Client {
	return newTestClient(h.http.URL, terminalId, primary)
}

// terminal is one POS station wired to the harness server.
type terminal struct {
	store     *models.MemoryStore
	locker    *workflow.KeyedMutex
	ledger    *workflow.LedgerEngine
	sequences *workflow.SequenceAuthority
	client    *Client
	bus       *EventBus
	orch      *Orchestrator
}

func (h *harness) terminal(id string, primary bool) *terminal {
	h.t.Helper()
	tm := &terminal{
		store:  models.NewMemoryStore(),
		locker: workflow.NewKeyedMutex(),
		client: h.client(id, primary),
		bus:    NewEventBus(),
	}
	tm.store.SetClock(h.clock.Now)
	tm.ledger = workflow.NewLedgerEngine(tm.store, tm.locker, workflow.BalancePolicyFor(primary), id)
	tm.ledger.Now = h.clock.Now
	tm.ledger.Logger = nil
	tm.sequences = workflow.NewSequenceAuthority(tm.store, tm.locker, NewRemoteFiscalPool(tm.client), func(string) int { return 5 })
	tm.sequences.Now = h.clock.Now
	tm.sequences.Logger = nil
	tm.orch = NewOrchestrator(tm.store, tm.client, tm.ledger, tm.sequences, StaticRole(primary), tm.bus)
	tm.orch.Logger = nil
	tm.orch.Now = h.clock.Now
	return tm
}

func seed[T models.Record](t *testing.T, s models.Store, collection string, items ...T) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, models.UpsertOne(context.Background(), s, collection, item))
	}
}

func all[T any](t *testing.T, s models.Store, collection string) []T {
	t.Helper()
	items, err := models.GetAll[T](context.Background(), s, collection)
	require.NoError(t, err)
	return items
}

func byId[T models.Record](items []T) map[string]T {
	out := make(map[string]T, len(items))
	for _, item := range items {
		out[item.GetId()] = item
	}
	return out
}
