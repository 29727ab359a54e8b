package possync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/workflow"
	"github.com/sirupsen/logrus"
)

// WorkerState is what the UI shows about background sync.
type WorkerState struct {
	PendingCount int        `json:"pendingCount"`
	IsSyncing    bool       `json:"isSyncing"`
	HasError     bool       `json:"hasError"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// Queue is one collection of locally authored records waiting for the master.
type Queue interface {
	Collection() string
	Pending(ctx context.Context) (int, error)
	// Drain pushes queued records oldest first and stops at the first failure.
	Drain(ctx context.Context) (int, error)
}

// OperationalQueue drains one operational collection through Push.
// A nil Push makes the queue count-only.
type OperationalQueue[T models.Operational[T]] struct {
	Store  models.Store
	Locker workflow.CounterLocker
	Name   string
	Push   func(ctx context.Context, item T) error
}

func NewOperationalQueue[T models.Operational[T]](store models.Store, locker workflow.CounterLocker, name string, push func(context.Context, T) error) *OperationalQueue[T] {
	if locker == nil {
		locker = workflow.NewKeyedMutex()
	}
	return &OperationalQueue[T]{Store: store, Locker: locker, Name: name, Push: push}
}

func (q *OperationalQueue[T]) Collection() string { return q.Name }

func (q *OperationalQueue[T]) Pending(ctx context.Context) (int, error) {
	items, err := q.queued(ctx)
	return len(items), err
}

// queued lists authored records still owed to the master. SYNCING records are included:
// only one cycle runs at a time, so any found at cycle start were interrupted.
func (q *OperationalQueue[T]) queued(ctx context.Context) ([]T, error) {
	all, err := models.GetAll[T](ctx, q.Store, q.Name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0)
	seen := make(map[string]struct{}, len(all))
	for _, item := range all {
		if _, dup := seen[item.GetId()]; dup {
			continue
		}
		seen[item.GetId()] = struct{}{}
		status := item.GetSyncStatus()
		if status.IsQueued() || status == models.SyncStatusSyncing {
			out = append(out, item)
		}
	}
	sortByBusinessTime(out)
	return out, nil
}

func (q *OperationalQueue[T]) Drain(ctx context.Context) (int, error) {
	if q.Push == nil {
		return 0, nil
	}
	items, err := q.queued(ctx)
	if err != nil {
		return 0, err
	}
	pushed := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}
		if err := q.mark(ctx, item.GetId(), models.SyncStatusSyncing, ""); err != nil {
			return pushed, err
		}
		if err := q.Push(ctx, item); err != nil {
			if markErr := q.mark(ctx, item.GetId(), models.SyncStatusError, err.Error()); markErr != nil {
				return pushed, errors.Join(err, markErr)
			}
			return pushed, fmt.Errorf("push %s/%s: %w", q.Name, item.GetId(), err)
		}
		if err := q.mark(ctx, item.GetId(), models.SyncStatusCompleted, ""); err != nil {
			return pushed, err
		}
		pushed++
	}
	return pushed, nil
}

// mark re-reads the record under the collection lock so concurrent rewrites are not lost.
func (q *OperationalQueue[T]) mark(ctx context.Context, id string, status models.SyncStatus, syncErr string) error {
	unlock, err := q.Locker.Lock(ctx, workflow.CollectionLockKey(q.Name))
	if err != nil {
		return err
	}
	defer unlock()
	current, err := models.FindOne[T](ctx, q.Store, q.Name, id)
	if err != nil || current == nil {
		return err
	}
	return models.UpsertOne(ctx, q.Store, q.Name, (*current).WithSync(status, syncErr))
}

// sortByBusinessTime orders records by business timestamp, id breaking ties.
func sortByBusinessTime[T models.Operational[T]](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := items[i].BusinessTime(), items[j].BusinessTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return items[i].GetId() < items[j].GetId()
	})
}

// Step is extra work a cycle runs before draining the queues.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Worker pushes queued operational records in the background, on a ticker and on demand.
type Worker struct {
	Queues   []Queue
	Steps    []Step
	Interval time.Duration
	Logger   *logrus.Logger
	Now      func() time.Time

	cycle   sync.Mutex
	mu      sync.Mutex
	state   WorkerState
	nextId  int
	subs    map[int]func(WorkerState)
	trigger chan struct{}
}

func NewWorker(interval time.Duration, queues ...Queue) *Worker {
	if interval <= 0 {
		interval = config.DefaultSyncInterval
	}
	return &Worker{
		Queues:   queues,
		Interval: interval,
		Logger:   config.GetLogger(),
		Now:      func() time.Time { return time.Now().UTC() },
		subs:     map[int]func(WorkerState){},
		trigger:  make(chan struct{}, 1),
	}
}

// Run cycles until ctx ends: once at start, then on every tick or Trigger.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		_ = w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.triggerChan():
		}
	}
}

// Trigger asks for a cycle as soon as possible. It never blocks.
func (w *Worker) Trigger() {
	select {
	case w.triggerChan() <- struct{}{}:
	default:
	}
}

func (w *Worker) triggerChan() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.trigger == nil {
		w.trigger = make(chan struct{}, 1)
	}
	return w.trigger
}

// NotifyConnectivity refreshes the pending count and, when back online, starts a cycle.
func (w *Worker) NotifyConnectivity(online bool) {
	pending := w.countPending(context.Background())
	w.update(func(s *WorkerState) { s.PendingCount = pending })
	if online {
		w.Trigger()
	}
}

// RunOnce runs the steps, then drains every queue. A cycle already in progress makes it a no-op.
func (w *Worker) RunOnce(ctx context.Context) error {
	if !w.cycle.TryLock() {
		return nil
	}
	defer w.cycle.Unlock()

	w.update(func(s *WorkerState) { s.IsSyncing = true })

	var errs []error
	for _, step := range w.Steps {
		if err := step.Run(ctx); err != nil {
			w.logFailure("sync.worker.step_failed", step.Name, 0, err)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
		}
	}
	for _, q := range w.Queues {
		pushed, err := q.Drain(ctx)
		if err != nil {
			w.logFailure("sync.worker.push_failed", q.Collection(), pushed, err)
			errs = append(errs, err)
			continue
		}
		if pushed > 0 && w.Logger != nil {
			w.Logger.WithFields(logrus.Fields{
				"event":      "sync.worker.pushed",
				"collection": q.Collection(),
				"pushed":     pushed,
			}).Info("queue drained")
		}
	}

	err := errors.Join(errs...)
	pending := w.countPending(ctx)
	now := w.now()
	w.update(func(s *WorkerState) {
		s.IsSyncing = false
		s.PendingCount = pending
		s.HasError = err != nil
		s.LastError = ""
		if err != nil {
			s.LastError = err.Error()
			return
		}
		s.LastSyncTime = &now
	})
	return err
}

func (w *Worker) countPending(ctx context.Context) int {
	total := 0
	for _, q := range w.Queues {
		n, err := q.Pending(ctx)
		if err != nil {
			config.LogError(w.Logger, "worker.go", "countPending", q.Collection(), nil, err)
			continue
		}
		total += n
	}
	return total
}

// Subscribe registers fn for state changes and calls it once with the current state.
func (w *Worker) Subscribe(fn func(WorkerState)) (unsubscribe func()) {
	w.mu.Lock()
	if w.subs == nil {
		w.subs = map[int]func(WorkerState){}
	}
	id := w.nextId
	w.nextId++
	w.subs[id] = fn
	current := w.state
	w.mu.Unlock()

	fn(current)
	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) update(fn func(*WorkerState)) {
	w.mu.Lock()
	fn(&w.state)
	snapshot := w.state
	ids := make([]int, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(WorkerState), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, w.subs[id])
	}
	w.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

func (w *Worker) logFailure(event, collection string, pushed int, err error) {
	if w.Logger == nil {
		return
	}
	w.Logger.WithFields(logrus.Fields{
		"event":      event,
		"collection": collection,
		"pushed":     pushed,
		"offline":    errors.Is(err, ErrOffline),
	}).WithError(err).Warn("sync cycle incomplete")
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}
