package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/utils"
	"bitbucket.org/mmdatafocus/possync/workflow"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotPrimary        = errors.New("operation is reserved to the primary terminal")
	ErrUnknownCollection = errors.New("collection is not replicated")
)

// Orchestrator moves collections between this terminal's store and the sync server
// according to the replication policy table and the terminal's role.
type Orchestrator struct {
	Store     models.Store
	Client    *Client
	Ledger    *workflow.LedgerEngine
	Sequences *workflow.SequenceAuthority
	Role      Role
	Bus       *EventBus
	Config    *config.BusinessConfigHolder
	Locker    workflow.CounterLocker
	Logger    *logrus.Logger
	Now       func() time.Time
}

func NewOrchestrator(store models.Store, client *Client, ledger *workflow.LedgerEngine, sequences *workflow.SequenceAuthority, role Role, bus *EventBus) *Orchestrator {
	locker := ledger.Locker
	if locker == nil {
		locker = workflow.NewKeyedMutex()
	}
	return &Orchestrator{
		Store:     store,
		Client:    client,
		Ledger:    ledger,
		Sequences: sequences,
		Role:      role,
		Bus:       bus,
		Locker:    locker,
		Logger:    config.GetLogger(),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) isPrimary() bool {
	return o.Role != nil && o.Role.IsPrimary()
}

// pullCollections lists what this role receives from the server. The master owns the
// catalogs; it only refreshes fiscal ranges, whose counters move on the server.
func (o *Orchestrator) pullCollections() []string {
	if o.isPrimary() {
		return []string{models.CollectionFiscalRanges}
	}
	return collectionNames(Policies())
}

// Queues returns the worker queues for this role. The master is the destination of
// operational records, so its queues only count.
func (o *Orchestrator) Queues() []Queue {
	var (
		pushTx     func(context.Context, models.Transaction) error
		pushEntry  func(context.Context, models.LedgerEntry) error
		pushCash   func(context.Context, models.CashMovement) error
		pushReport func(context.Context, models.ZReport) error
	)
	if !o.isPrimary() {
		pushTx = func(ctx context.Context, t models.Transaction) error {
			_, err := o.Client.PushTransaction(ctx, t)
			return err
		}
		pushEntry = func(ctx context.Context, e models.LedgerEntry) error {
			_, err := o.Client.PushInventoryMovement(ctx, e)
			return err
		}
		pushCash = func(ctx context.Context, m models.CashMovement) error {
			_, err := o.Client.PushCashMovement(ctx, m)
			return err
		}
		pushReport = func(ctx context.Context, z models.ZReport) error {
			_, err := o.Client.PushZReport(ctx, z)
			return err
		}
	}
	return []Queue{
		NewOperationalQueue(o.Store, o.Locker, models.CollectionInventoryLedger, pushEntry),
		NewOperationalQueue(o.Store, o.Locker, models.CollectionTransactions, pushTx),
		NewOperationalQueue(o.Store, o.Locker, models.CollectionZReports, pushReport),
		NewOperationalQueue(o.Store, o.Locker, models.CollectionCashMovements, pushCash),
	}
}

// Steps returns the per-cycle work the worker runs ahead of its queues.
func (o *Orchestrator) Steps() []Step {
	if o.isPrimary() {
		return []Step{{Name: "master", Run: o.MasterCycle}}
	}
	return []Step{
		{Name: "catalogs", Run: func(ctx context.Context) error {
			_, err := o.SyncAllCatalogs(ctx)
			return err
		}},
		{Name: "config", Run: o.RefreshConfig},
	}
}

func (o *Orchestrator) watermark(ctx context.Context, collection string) (models.SyncWatermark, error) {
	wm, err := models.FindOne[models.SyncWatermark](ctx, o.Store, models.CollectionSyncWatermarks, collection)
	if err != nil {
		return models.SyncWatermark{}, err
	}
	if wm == nil {
		return models.SyncWatermark{Collection: collection}, nil
	}
	return *wm, nil
}

// PullCatalog brings one replicated collection up to the server's version.
// Full snapshots replace the local copy, keeping local records still owed to the master;
// deltas upsert, and drop items flagged deleted.
func (o *Orchestrator) PullCatalog(ctx context.Context, collection string) (*CollectionStatus, error) {
	if _, ok := PolicyFor(collection); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	status := &CollectionStatus{Collection: collection, Status: CollectionSynced}
	wm, err := o.watermark(ctx, collection)
	if err != nil {
		return status, err
	}
	status.LocalVersion = wm.Version

	meta, err := o.Client.GetMetadata(ctx, collection)
	if err != nil {
		return status, err
	}
	status.RemoteVersion = meta.Version
	if wm.LastSyncTimestamp != nil && wm.Version == meta.Version {
		return status, nil
	}

	delta, err := o.Client.PullDelta(ctx, collection, wm.LastSyncTimestamp)
	if err != nil {
		return status, err
	}
	applied, err := o.apply(ctx, collection, delta.Items, delta.IsFullDownload)
	if err != nil {
		return status, fmt.Errorf("apply %s: %w", collection, err)
	}
	status.Applied = applied

	wm = wm.Advance(meta.Version, delta.ServerTime)
	if meta.Version < wm.Version {
		// server history was reset
		wm.Version = meta.Version
	}
	if err := models.UpsertOne(ctx, o.Store, models.CollectionSyncWatermarks, wm); err != nil {
		return status, err
	}
	status.LocalVersion = wm.Version

	if o.Logger != nil {
		o.Logger.WithFields(logrus.Fields{
			"event":         "sync.pull.applied",
			"collection":    collection,
			"applied":       applied,
			"full_download": delta.IsFullDownload,
			"version":       wm.Version,
		}).Info("collection pulled")
	}
	return status, nil
}

func (o *Orchestrator) apply(ctx context.Context, collection string, items []json.RawMessage, full bool) (int, error) {
	switch collection {
	case models.CollectionInventoryLedger:
		return o.applyLedger(ctx, items, full)
	case models.CollectionTransactions:
		return applyOperational[models.Transaction](ctx, o, collection, items, full)
	case models.CollectionCashMovements:
		return applyOperational[models.CashMovement](ctx, o, collection, items, full)
	case models.CollectionZReports:
		return applyOperational[models.ZReport](ctx, o, collection, items, full)
	case models.CollectionInternalSequences:
		series := make([]models.DocumentSeries, 0, len(items))
		for i, raw := range items {
			var s models.DocumentSeries
			if err := json.Unmarshal(raw, &s); err != nil {
				return 0, fmt.Errorf("item %d: %w", i, err)
			}
			series = append(series, s)
		}
		n, err := o.Sequences.ApplyReplicatedSeries(ctx, series, full)
		if err == nil && n > 0 {
			o.Bus.publishChange(EventUpdated, collection, "", nil)
		}
		return n, err
	case models.CollectionProductStocks:
		n, err := o.applyRaw(ctx, collection, items, full)
		if err != nil {
			return n, err
		}
		return n, o.rederiveQueuedPairs(ctx)
	}
	return o.applyRaw(ctx, collection, items, full)
}

func rawDocument(collection string, raw json.RawMessage) (models.Document, error) {
	id, err := documentId(collection, raw)
	if err != nil {
		return models.Document{}, err
	}
	var meta models.DocumentMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return models.Document{}, err
	}
	return models.Document{Id: id, Body: raw, UpdatedAt: meta.UpdatedAt, Deleted: meta.Deleted}, nil
}

func (o *Orchestrator) applyRaw(ctx context.Context, collection string, items []json.RawMessage, full bool) (int, error) {
	applied := 0
	var events []SyncEvent
	err := o.withLock(ctx, workflow.CollectionLockKey(collection), func() error {
		live := make([]models.Document, 0, len(items))
		for i, raw := range items {
			doc, err := rawDocument(collection, raw)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			if full {
				if !doc.Deleted {
					live = append(live, doc)
				}
				continue
			}
			if doc.Deleted {
				err = o.Store.Delete(ctx, collection, doc.Id)
				events = append(events, SyncEvent{Kind: EventDeleted, Collection: collection, DocumentId: doc.Id})
			} else {
				err = o.Store.Upsert(ctx, collection, doc)
				events = append(events, SyncEvent{Kind: EventUpdated, Collection: collection, DocumentId: doc.Id, Payload: doc.Body})
			}
			if err != nil {
				return err
			}
			applied++
		}
		if !full {
			return nil
		}
		applied = len(live)
		events = append(events, SyncEvent{Kind: EventUpdated, Collection: collection})
		return o.Store.Save(ctx, collection, live)
	})
	if err != nil {
		return applied, err
	}
	for _, e := range events {
		o.Bus.Publish(e)
	}
	return applied, nil
}

// applyOperational stores operational records received from the master as replicated.
func applyOperational[T models.Operational[T]](ctx context.Context, o *Orchestrator, collection string, items []json.RawMessage, full bool) (int, error) {
	live := make([]T, 0, len(items))
	var removed []string
	for i, raw := range items {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return 0, fmt.Errorf("item %d: %w", i, err)
		}
		var meta models.DocumentMeta
		_ = json.Unmarshal(raw, &meta)
		if meta.Deleted {
			removed = append(removed, item.GetId())
			continue
		}
		live = append(live, item.WithOrigin(models.OriginReplicated).WithSync(models.SyncStatusCompleted, ""))
	}

	err := o.withLock(ctx, workflow.CollectionLockKey(collection), func() error {
		if full {
			local, err := models.GetAll[T](ctx, o.Store, collection)
			if err != nil {
				return err
			}
			return models.SaveAll(ctx, o.Store, collection, mergeOwed(live, local))
		}
		for _, id := range removed {
			if err := o.Store.Delete(ctx, collection, id); err != nil {
				return err
			}
		}
		for _, item := range live {
			if err := models.UpsertOne(ctx, o.Store, collection, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, item := range live {
		o.Bus.publishChange(EventUpdated, collection, item.GetId(), nil)
	}
	for _, id := range removed {
		o.Bus.publishChange(EventDeleted, collection, id, nil)
	}
	return len(live) + len(removed), nil
}

// mergeOwed appends to incoming every local record not yet delivered to the master.
func mergeOwed[T models.Operational[T]](incoming, local []T) []T {
	have := make(map[string]struct{}, len(incoming))
	for _, item := range incoming {
		have[item.GetId()] = struct{}{}
	}
	out := append(make([]T, 0, len(incoming)+len(local)), incoming...)
	for _, item := range local {
		if item.GetSyncStatus() == models.SyncStatusCompleted {
			continue
		}
		if _, ok := have[item.GetId()]; ok {
			continue
		}
		have[item.GetId()] = struct{}{}
		out = append(out, item)
	}
	return out
}

func (o *Orchestrator) applyLedger(ctx context.Context, items []json.RawMessage, full bool) (int, error) {
	live := make([]models.LedgerEntry, 0, len(items))
	removed := map[string]struct{}{}
	for i, raw := range items {
		var entry models.LedgerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return 0, fmt.Errorf("item %d: %w", i, err)
		}
		if entry.Deleted {
			removed[entry.Id] = struct{}{}
			continue
		}
		live = append(live, entry.WithOrigin(models.OriginReplicated).WithSync(models.SyncStatusCompleted, ""))
	}

	if full {
		_, err := o.Ledger.Rewrite(ctx, func(ledger []models.LedgerEntry) ([]models.LedgerEntry, []models.StockKey) {
			next := mergeOwed(live, ledger)
			touched := make([]models.StockKey, 0, len(ledger)+len(next))
			for _, e := range ledger {
				touched = append(touched, e.Key())
			}
			for _, e := range next {
				touched = append(touched, e.Key())
			}
			return next, touched
		})
		if err != nil {
			return 0, err
		}
		o.Bus.publishChange(EventUpdated, models.CollectionInventoryLedger, "", nil)
		return len(live), nil
	}

	if len(removed) > 0 {
		_, err := o.Ledger.Rewrite(ctx, func(ledger []models.LedgerEntry) ([]models.LedgerEntry, []models.StockKey) {
			next := make([]models.LedgerEntry, 0, len(ledger))
			var touched []models.StockKey
			for _, e := range ledger {
				if _, gone := removed[e.Id]; gone {
					touched = append(touched, e.Key())
					continue
				}
				next = append(next, e)
			}
			return next, touched
		})
		if err != nil {
			return 0, err
		}
	}
	if _, err := o.Ledger.ImportEntries(ctx, live); err != nil {
		return 0, err
	}
	for _, e := range live {
		o.Bus.publishChange(EventUpdated, models.CollectionInventoryLedger, e.Id, nil)
	}
	return len(live) + len(removed), nil
}

// rederiveQueuedPairs recomputes the stock of pairs that carry local movements the
// master has not seen yet, so a pulled productStocks snapshot does not hide them.
func (o *Orchestrator) rederiveQueuedPairs(ctx context.Context) error {
	ledger, err := models.GetAll[models.LedgerEntry](ctx, o.Store, models.CollectionInventoryLedger)
	if err != nil {
		return err
	}
	var keys []models.StockKey
	for _, e := range ledger {
		if e.SyncStatus != models.SyncStatusCompleted {
			keys = append(keys, e.Key())
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return o.Ledger.RecalculatePairs(ctx, keys)
}

func classify(status *CollectionStatus, collection string, err error) CollectionStatus {
	out := CollectionStatus{Collection: collection, Status: CollectionSynced}
	if status != nil {
		out = *status
	}
	if err != nil {
		out.Error = err.Error()
		out.err = err
		out.Status = CollectionError
		if errors.Is(err, ErrOffline) {
			out.Status = CollectionPending
		}
	}
	return out
}

func statusErrors(statuses []CollectionStatus) error {
	var errs []error
	for _, s := range statuses {
		switch {
		case s.Status == CollectionSynced:
		case s.err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", s.Collection, s.err))
		default:
			errs = append(errs, fmt.Errorf("%s: %s", s.Collection, s.Error))
		}
	}
	return errors.Join(errs...)
}

// SyncAllCatalogs pushes every catalog when this is the master, or pulls every replicated
// collection otherwise. Each collection reports its own outcome; the error joins the failures.
func (o *Orchestrator) SyncAllCatalogs(ctx context.Context) ([]CollectionStatus, error) {
	var statuses []CollectionStatus
	if o.isPrimary() {
		pushed, err := o.PushCatalogs(ctx)
		if err != nil {
			return nil, err
		}
		statuses = pushed
	}
	for _, name := range o.pullCollections() {
		st, err := o.PullCatalog(ctx, name)
		statuses = upsertStatus(statuses, classify(st, name, err))
	}
	return statuses, statusErrors(statuses)
}

func upsertStatus(statuses []CollectionStatus, s CollectionStatus) []CollectionStatus {
	for i := range statuses {
		if statuses[i].Collection == s.Collection {
			if statuses[i].Status == CollectionSynced {
				statuses[i] = s
			}
			return statuses
		}
	}
	return append(statuses, s)
}

// ForcePullAll forgets every watermark this role pulls and downloads those collections
// again, announcing progress per module on the event bus.
func (o *Orchestrator) ForcePullAll(ctx context.Context) ([]CollectionStatus, error) {
	names := o.pullCollections()
	total := len(names) + 1
	statuses := make([]CollectionStatus, 0, len(names))
	for i, name := range names {
		o.Bus.publishProgress(Progress{Module: name, Step: i + 1, Total: total, Message: "downloading"})
		if err := o.Store.Delete(ctx, models.CollectionSyncWatermarks, name); err != nil {
			return statuses, err
		}
		st, err := o.PullCatalog(ctx, name)
		s := classify(st, name, err)
		statuses = append(statuses, s)
		o.Bus.publishProgress(Progress{Module: name, Step: i + 1, Total: total, Done: true, Error: s.Error})
	}

	o.Bus.publishProgress(Progress{Module: models.CollectionConfig, Step: total, Total: total, Message: "downloading"})
	cfgErr := o.RefreshConfig(ctx)
	cfgStatus := classify(nil, models.CollectionConfig, cfgErr)
	statuses = append(statuses, cfgStatus)
	o.Bus.publishProgress(Progress{Module: models.CollectionConfig, Step: total, Total: total, Done: true, Error: cfgStatus.Error})

	return statuses, statusErrors(statuses)
}

// PushCatalogs sends the master's catalogs, and its business configuration, to the server.
func (o *Orchestrator) PushCatalogs(ctx context.Context) ([]CollectionStatus, error) {
	if !o.isPrimary() {
		return nil, ErrNotPrimary
	}
	statuses := make([]CollectionStatus, 0, len(catalogPolicies)+1)
	for _, name := range CatalogCollections() {
		docs, err := o.Store.List(ctx, name)
		if err != nil {
			statuses = append(statuses, classify(nil, name, err))
			continue
		}
		items := make([]json.RawMessage, 0, len(docs))
		for _, d := range docs {
			if !d.Deleted {
				items = append(items, d.Body)
			}
		}
		resp, err := o.Client.Push(ctx, name, items)
		st := &CollectionStatus{Collection: name, Status: CollectionSynced}
		if resp != nil {
			st.LocalVersion = resp.Version
			st.RemoteVersion = resp.Version
			st.Applied = resp.Changed + resp.Deleted
		}
		statuses = append(statuses, classify(st, name, err))
	}

	if o.Config != nil {
		cfg := o.Config.Snapshot()
		body, err := json.Marshal(cfg)
		if err == nil {
			_, err = o.Client.Push(ctx, models.CollectionConfig, []json.RawMessage{body})
		}
		if err == nil {
			err = o.storeConfig(ctx, body)
		}
		statuses = append(statuses, classify(nil, models.CollectionConfig, err))
	}
	return statuses, nil
}

// PushOperational publishes the master's operational collections for company-wide
// visibility and marks its own queued records delivered.
func (o *Orchestrator) PushOperational(ctx context.Context) ([]CollectionStatus, error) {
	if !o.isPrimary() {
		return nil, ErrNotPrimary
	}
	statuses := []CollectionStatus{
		pushOperational[models.LedgerEntry](ctx, o, models.CollectionInventoryLedger),
		pushOperational[models.Transaction](ctx, o, models.CollectionTransactions),
		pushOperational[models.ZReport](ctx, o, models.CollectionZReports),
		pushOperational[models.CashMovement](ctx, o, models.CollectionCashMovements),
	}
	return statuses, statusErrors(statuses)
}

func pushOperational[T models.Operational[T]](ctx context.Context, o *Orchestrator, collection string) CollectionStatus {
	items, err := models.GetAll[T](ctx, o.Store, collection)
	if err != nil {
		return classify(nil, collection, err)
	}
	seen := make(map[string]struct{}, len(items))
	outgoing := make([]T, 0, len(items))
	var owed []string
	for _, item := range items {
		if _, dup := seen[item.GetId()]; dup {
			continue
		}
		seen[item.GetId()] = struct{}{}
		if item.GetSyncStatus() != models.SyncStatusCompleted {
			owed = append(owed, item.GetId())
		}
		outgoing = append(outgoing, item.WithSync(models.SyncStatusCompleted, ""))
	}
	bodies, err := utils.RawItems(outgoing)
	if err != nil {
		return classify(nil, collection, err)
	}

	resp, err := o.Client.Push(ctx, collection, bodies)
	if err != nil {
		return classify(nil, collection, err)
	}
	st := &CollectionStatus{
		Collection:    collection,
		Status:        CollectionSynced,
		LocalVersion:  resp.Version,
		RemoteVersion: resp.Version,
		Applied:       resp.Changed + resp.Deleted,
	}
	if len(owed) == 0 {
		return *st
	}
	err = o.withLock(ctx, workflow.CollectionLockKey(collection), func() error {
		for _, id := range owed {
			current, err := models.FindOne[T](ctx, o.Store, collection, id)
			if err != nil {
				return err
			}
			if current == nil {
				continue
			}
			if err := models.UpsertOne(ctx, o.Store, collection, (*current).WithSync(models.SyncStatusCompleted, "")); err != nil {
				return err
			}
		}
		return nil
	})
	return classify(st, collection, err)
}

// DrainPending pulls the records slaves queued on the server, stores them as replicated and
// completed, then acknowledges them. Records the master failed to store stay queued on the
// server and come back on the next drain; storing is by id so a redelivery changes nothing.
func (o *Orchestrator) DrainPending(ctx context.Context) (map[string]int, error) {
	if !o.isPrimary() {
		return nil, ErrNotPrimary
	}
	counts := map[string]int{}
	var errs []error

	if txs, err := o.Client.PullPendingTransactions(ctx); err != nil {
		errs = append(errs, err)
	} else {
		n, err := storeDrained(ctx, o, models.CollectionTransactions, txs)
		counts[models.CollectionTransactions] = n
		errs = append(errs, err)
	}

	if entries, err := o.Client.PullPendingInventoryMovements(ctx); err != nil {
		errs = append(errs, err)
	} else {
		n, err := o.importDrainedLedger(ctx, entries)
		counts[models.CollectionInventoryLedger] = n
		errs = append(errs, err)
	}

	if cash, err := o.Client.PullPendingCashMovements(ctx); err != nil {
		errs = append(errs, err)
	} else {
		n, err := storeDrained(ctx, o, models.CollectionCashMovements, cash)
		counts[models.CollectionCashMovements] = n
		errs = append(errs, err)
	}

	if reports, err := o.Client.PullPendingZReports(ctx); err != nil {
		errs = append(errs, err)
	} else {
		n, err := storeDrained(ctx, o, models.CollectionZReports, reports)
		counts[models.CollectionZReports] = n
		errs = append(errs, err)
	}

	if o.Logger != nil {
		o.Logger.WithFields(logrus.Fields{
			"event":  "sync.drain.end",
			"counts": counts,
		}).Info("pending queues drained")
	}
	return counts, errors.Join(errs...)
}

func storeDrained[T models.Operational[T]](ctx context.Context, o *Orchestrator, collection string, items []T) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	err := o.withLock(ctx, workflow.CollectionLockKey(collection), func() error {
		for _, item := range items {
			tagged := item.WithOrigin(models.OriginReplicated).WithSync(models.SyncStatusCompleted, "")
			if err := models.UpsertOne(ctx, o.Store, collection, tagged); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store drained %s: %w", collection, err)
	}
	for _, item := range items {
		o.Bus.publishChange(EventCreated, collection, item.GetId(), nil)
	}
	return len(items), ack(ctx, o, collection, items)
}

func (o *Orchestrator) importDrainedLedger(ctx context.Context, entries []models.LedgerEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tagged := make([]models.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		tagged = append(tagged, e.WithOrigin(models.OriginReplicated).WithSync(models.SyncStatusCompleted, ""))
	}
	if _, err := o.Ledger.ImportEntries(ctx, tagged); err != nil {
		return 0, err
	}
	for _, e := range tagged {
		o.Bus.publishChange(EventCreated, models.CollectionInventoryLedger, e.Id, nil)
	}
	return len(tagged), ack(ctx, o, models.CollectionInventoryLedger, entries)
}

// ack releases stored records from the server queue. A failed ack only means the records
// are delivered again.
func ack[T models.Record](ctx context.Context, o *Orchestrator, collection string, items []T) error {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.GetId())
	}
	if _, err := o.Client.AckPending(ctx, collection, ids); err != nil {
		return fmt.Errorf("ack drained %s: %w", collection, err)
	}
	return nil
}

// MasterCycle is one sync round of the primary terminal: drain the slaves' queues, publish
// operational history, then publish catalogs and refresh fiscal ranges.
func (o *Orchestrator) MasterCycle(ctx context.Context) error {
	if !o.isPrimary() {
		return ErrNotPrimary
	}
	_, drainErr := o.DrainPending(ctx)
	_, opErr := o.PushOperational(ctx)
	_, catErr := o.SyncAllCatalogs(ctx)
	return errors.Join(drainErr, opErr, catErr)
}

// RefreshConfig installs the server's business configuration. A server without one is
// not an error.
func (o *Orchestrator) RefreshConfig(ctx context.Context) error {
	cfg, err := o.Client.GetConfig(ctx)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := o.storeConfig(ctx, body); err != nil {
		return err
	}
	if o.Config != nil {
		if _, err := o.Config.Update(func(config.BusinessConfig) config.BusinessConfig { return *cfg }); err != nil {
			return err
		}
	}
	o.Bus.publishChange(EventUpdated, models.CollectionConfig, ConfigDocumentId, body)
	return nil
}

func (o *Orchestrator) storeConfig(ctx context.Context, body json.RawMessage) error {
	return o.Store.Upsert(ctx, models.CollectionConfig, models.Document{Id: ConfigDocumentId, Body: body, UpdatedAt: o.now()})
}

// LoadLocalConfig returns the last business configuration stored on this terminal, or nil.
func LoadLocalConfig(ctx context.Context, store models.Store) (*config.BusinessConfig, error) {
	return models.FindOne[config.BusinessConfig](ctx, store, models.CollectionConfig, ConfigDocumentId)
}

func (o *Orchestrator) withLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := o.Locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}
