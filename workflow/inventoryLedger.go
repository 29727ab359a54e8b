package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const balancePlaces = 4

// BalancePolicy decides which ledger entries a terminal derives balances for.
type BalancePolicy int

const (
	// DeriveAll recomputes every entry of a pair. Used by the master.
	DeriveAll BalancePolicy = iota
	// TrustReplicated keeps balances of REPLICATED entries as checkpoints and derives only
	// locally authored entries. Used by slaves.
	TrustReplicated
)

func (p BalancePolicy) String() string {
	if p == TrustReplicated {
		return "trust_replicated"
	}
	return "derive_all"
}

// BalancePolicyFor picks the policy matching a terminal role.
func BalancePolicyFor(isPrimary bool) BalancePolicy {
	if isPrimary || config.StrictLedgerReplay() {
		return DeriveAll
	}
	return TrustReplicated
}

var (
	ErrInvalidMovement = errors.New("invalid inventory movement")
)

// MovementInput describes one stock-affecting line. Quantity is always positive; the concept
// decides the direction.
type MovementInput struct {
	ProductId    string
	WarehouseId  string
	Concept      models.MovementConcept
	DocumentRef  string
	DocumentLine int
	Quantity     decimal.Decimal
	// UnitCost defaults to the pair's current average cost.
	UnitCost   *decimal.Decimal
	TerminalId string
	CreatedAt  time.Time
}

func (in MovementInput) validate() error {
	switch {
	case in.ProductId == "" || in.WarehouseId == "":
		return fmt.Errorf("%w: product and warehouse are required", ErrInvalidMovement)
	case !in.Concept.IsValid():
		return fmt.Errorf("%w: unknown concept %q", ErrInvalidMovement, in.Concept)
	case !in.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive (got %s)", ErrInvalidMovement, in.Quantity)
	case in.UnitCost != nil && in.UnitCost.IsNegative():
		return fmt.Errorf("%w: unit cost must not be negative", ErrInvalidMovement)
	}
	return nil
}

// LedgerEngine appends inventory movements and keeps balances derived from replay.
type LedgerEngine struct {
	Store      models.Store
	Locker     CounterLocker
	Policy     BalancePolicy
	Logger     *logrus.Logger
	TerminalId string
	// Trigger is called asynchronously after every successful local write.
	Trigger func()
	Now     func() time.Time
}

func NewLedgerEngine(store models.Store, locker CounterLocker, policy BalancePolicy, terminalId string) *LedgerEngine {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &LedgerEngine{
		Store:      store,
		Locker:     locker,
		Policy:     policy,
		Logger:     config.GetLogger(),
		TerminalId: terminalId,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (e *LedgerEngine) RecordMovement(ctx context.Context, in MovementInput) (*models.LedgerEntry, error) {
	entries, err := e.RecordMovements(ctx, []MovementInput{in})
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// RecordMovements appends all inputs and recomputes every touched pair before returning.
// Nothing is persisted when an input is invalid or the recomputation fails.
func (e *LedgerEngine) RecordMovements(ctx context.Context, inputs []MovementInput) ([]*models.LedgerEntry, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	for i, in := range inputs {
		if err := in.validate(); err != nil {
			return nil, fmt.Errorf("movement %d: %w", i, err)
		}
	}

	var created []*models.LedgerEntry
	err := withLock(ctx, e.Locker, LockKeyLedger, func() error {
		ledger, err := models.GetAll[models.LedgerEntry](ctx, e.Store, models.CollectionInventoryLedger)
		if err != nil {
			return err
		}
		now := e.now()
		ids := make([]string, 0, len(inputs))
		for _, in := range inputs {
			unitCost, err := e.resolveUnitCost(ctx, ledger, in)
			if err != nil {
				return err
			}
			entry := e.newEntry(in, unitCost, now)
			ledger = append(ledger, entry)
			ids = append(ids, entry.Id)
		}

		ledger, _, err = e.recomputeLocked(ctx, ledger, touchedKeysOfInputs(inputs))
		if err != nil {
			return err
		}

		byId := make(map[string]models.LedgerEntry, len(ledger))
		for _, entry := range ledger {
			byId[entry.Id] = entry
		}
		for _, id := range ids {
			entry := byId[id]
			created = append(created, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record movements: %w", err)
	}
	e.fireTrigger()
	return created, nil
}

// Recalculate replays one pair and returns its final balance.
func (e *LedgerEngine) Recalculate(ctx context.Context, productId, warehouseId string) (*models.ProductStock, error) {
	key := models.StockKey{ProductId: productId, WarehouseId: warehouseId}
	var result *models.ProductStock
	err := withLock(ctx, e.Locker, LockKeyLedger, func() error {
		ledger, err := models.GetAll[models.LedgerEntry](ctx, e.Store, models.CollectionInventoryLedger)
		if err != nil {
			return err
		}
		_, balances, err := e.recomputeLocked(ctx, ledger, []models.StockKey{key})
		if err != nil {
			return err
		}
		stock := balances[key]
		result = &stock
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recalculate %s: %w", key, err)
	}
	return result, nil
}

func (e *LedgerEngine) RecalculatePairs(ctx context.Context, keys []models.StockKey) error {
	keys = uniqueKeys(keys)
	if len(keys) == 0 {
		return nil
	}
	return withLock(ctx, e.Locker, LockKeyLedger, func() error {
		ledger, err := models.GetAll[models.LedgerEntry](ctx, e.Store, models.CollectionInventoryLedger)
		if err != nil {
			return err
		}
		_, _, err = e.recomputeLocked(ctx, ledger, keys)
		return err
	})
}

// RecalculateAll replays every pair present in the ledger and returns how many were rebuilt.
func (e *LedgerEngine) RecalculateAll(ctx context.Context) (int, error) {
	var n int
	err := withLock(ctx, e.Locker, LockKeyLedger, func() error {
		ledger, err := models.GetAll[models.LedgerEntry](ctx, e.Store, models.CollectionInventoryLedger)
		if err != nil {
			return err
		}
		keys := make([]models.StockKey, 0)
		for _, entry := range ledger {
			keys = append(keys, entry.Key())
		}
		keys = uniqueKeys(keys)
		_, _, err = e.recomputeLocked(ctx, ledger, keys)
		n = len(keys)
		return err
	})
	return n, err
}

// ImportEntries stores entries received from another node, replacing local copies with the
// same id, then replays the touched pairs under the engine's policy.
func (e *LedgerEngine) ImportEntries(ctx context.Context, incoming []models.LedgerEntry) ([]models.StockKey, error) {
	if len(incoming) == 0 {
		return nil, nil
	}
	var keys []models.StockKey
	err := withLock(ctx, e.Locker, LockKeyLedger, func() error {
		ledger, err := models.GetAll[models.LedgerEntry](ctx, e.Store, models.CollectionInventoryLedger)
		if err != nil {
			return err
		}
		index := make(map[string]int, len(ledger))
		for i, entry := range ledger {
			if _, ok := index[entry.Id]; !ok {
				index[entry.Id] = i
			}
		}
		for _, entry := range incoming {
			keys = append(keys, entry.Key())
			if i, ok := index[entry.Id]; ok {
				ledger[i] = entry
				continue
			}
			index[entry.Id] = len(ledger)
			ledger = append(ledger, entry)
		}
		keys = uniqueKeys(keys)
		_, _, err = e.recomputeLocked(ctx, ledger, keys)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("import ledger entries: %w", err)
	}
	return keys, nil
}

// Rewrite hands the whole ledger to edit and, when edit reports touched pairs, persists its
// result and replays those pairs. It returns how many entries edit removed.
func (e *LedgerEngine) Rewrite(ctx context.Context, edit func([]models.LedgerEntry) ([]models.LedgerEntry, []models.StockKey)) (int, error) {
	var removed int
	err := withLock(ctx, e.Locker, LockKeyLedger, func() error {
		ledger, err := models.GetAll[models.LedgerEntry](ctx, e.Store, models.CollectionInventoryLedger)
		if err != nil {
			return err
		}
		next, touched := edit(ledger)
		if len(touched) == 0 {
			return nil
		}
		removed = len(ledger) - len(next)
		_, _, err = e.recomputeLocked(ctx, next, uniqueKeys(touched))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("rewrite ledger: %w", err)
	}
	return removed, nil
}

// Kardex returns the ordered movements of a product with running balances, one warehouse or all.
func (e *LedgerEngine) Kardex(ctx context.Context, productId, warehouseId string) ([]models.KardexLine, error) {
	ledger, err := models.GetAll[models.LedgerEntry](ctx, e.Store, models.CollectionInventoryLedger)
	if err != nil {
		return nil, err
	}
	ledger = dedupLedgerById(ledger)

	byKey := map[models.StockKey][]models.LedgerEntry{}
	var keys []models.StockKey
	for _, entry := range ledger {
		if entry.Deleted || entry.ProductId != productId || (warehouseId != "" && entry.WarehouseId != warehouseId) {
			continue
		}
		if _, ok := byKey[entry.Key()]; !ok {
			keys = append(keys, entry.Key())
		}
		byKey[entry.Key()] = append(byKey[entry.Key()], entry)
	}

	var lines []models.KardexLine
	for _, key := range keys {
		pair := byKey[key]
		sortLedger(pair)
		foldPair(pair, e.Policy)
		for _, entry := range pair {
			lines = append(lines, models.KardexLine{
				EntryId:        entry.Id,
				Date:           entry.CreatedAt,
				Concept:        entry.Concept,
				DocumentRef:    entry.DocumentRef,
				WarehouseId:    entry.WarehouseId,
				QtyIn:          entry.QtyIn,
				QtyOut:         entry.QtyOut,
				UnitCost:       entry.UnitCost,
				BalanceQty:     entry.BalanceQty,
				BalanceAvgCost: entry.BalanceAvgCost,
				BalanceValue:   entry.BalanceQty.Mul(entry.BalanceAvgCost).Round(balancePlaces),
			})
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if !lines[i].Date.Equal(lines[j].Date) {
			return lines[i].Date.Before(lines[j].Date)
		}
		return lines[i].EntryId < lines[j].EntryId
	})
	return lines, nil
}

// StockBalances lists the flat stock records.
func (e *LedgerEngine) StockBalances(ctx context.Context) ([]models.ProductStock, error) {
	return models.GetAll[models.ProductStock](ctx, e.Store, models.CollectionProductStocks)
}

// recomputeLocked dedups the ledger, replays keys, persists the ledger and pushes the final
// balances to products and productStocks. Caller holds LockKeyLedger.
func (e *LedgerEngine) recomputeLocked(ctx context.Context, ledger []models.LedgerEntry, keys []models.StockKey) ([]models.LedgerEntry, map[models.StockKey]models.ProductStock, error) {
	started := time.Now()
	before := len(ledger)
	ledger = dedupLedgerById(ledger)

	positions := map[models.StockKey][]int{}
	for i, entry := range ledger {
		positions[entry.Key()] = append(positions[entry.Key()], i)
	}

	now := e.now()
	balances := make(map[models.StockKey]models.ProductStock, len(keys))
	for _, key := range keys {
		idx := positions[key]
		pair := make([]models.LedgerEntry, len(idx))
		for j, i := range idx {
			pair[j] = ledger[i]
		}
		sortLedger(pair)
		qty, avg := foldPair(pair, e.Policy)

		byId := make(map[string]models.LedgerEntry, len(pair))
		for _, entry := range pair {
			byId[entry.Id] = entry
		}
		for _, i := range idx {
			ledger[i] = byId[ledger[i].Id]
		}
		balances[key] = models.NewProductStock(key, qty, avg, now)
	}

	if err := models.SaveAll(ctx, e.Store, models.CollectionInventoryLedger, ledger); err != nil {
		return nil, nil, err
	}
	if err := e.applyBalances(ctx, balances); err != nil {
		return nil, nil, err
	}

	if e.Logger != nil {
		e.Logger.WithFields(logrus.Fields{
			"event":      "ledger.recalc.end",
			"pairs":      len(keys),
			"entries":    len(ledger),
			"duplicates": before - len(ledger),
			"policy":     e.Policy.String(),
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Debug("ledger recalculated")
	}
	return ledger, balances, nil
}

func (e *LedgerEngine) applyBalances(ctx context.Context, balances map[models.StockKey]models.ProductStock) error {
	keys := make([]models.StockKey, 0, len(balances))
	for key := range balances {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, key := range keys {
		stock := balances[key]
		if err := models.UpsertOne(ctx, e.Store, models.CollectionProductStocks, stock); err != nil {
			return fmt.Errorf("update product stock %s: %w", key, err)
		}
		product, err := models.FindOne[models.Product](ctx, e.Store, models.CollectionProducts, key.ProductId)
		if err != nil {
			return fmt.Errorf("load product %s: %w", key.ProductId, err)
		}
		if product == nil {
			continue
		}
		if product.Stocks == nil {
			product.Stocks = map[string]decimal.Decimal{}
		}
		product.Stocks[key.WarehouseId] = stock.Quantity
		product.UpdatedAt = stock.UpdatedAt
		if err := models.UpsertOne(ctx, e.Store, models.CollectionProducts, *product); err != nil {
			return fmt.Errorf("update product %s stock: %w", key.ProductId, err)
		}
	}
	return nil
}

func (e *LedgerEngine) resolveUnitCost(ctx context.Context, ledger []models.LedgerEntry, in MovementInput) (decimal.Decimal, error) {
	if in.UnitCost != nil {
		return in.UnitCost.Round(balancePlaces), nil
	}
	key := models.StockKey{ProductId: in.ProductId, WarehouseId: in.WarehouseId}
	var pair []models.LedgerEntry
	for _, entry := range dedupLedgerById(ledger) {
		if entry.Key() == key {
			pair = append(pair, entry)
		}
	}
	if len(pair) > 0 {
		sortLedger(pair)
		_, avg := foldPair(pair, e.Policy)
		return avg, nil
	}
	product, err := models.FindOne[models.Product](ctx, e.Store, models.CollectionProducts, in.ProductId)
	if err != nil {
		return decimal.Zero, err
	}
	if product != nil {
		return product.Cost.Round(balancePlaces), nil
	}
	return decimal.Zero, nil
}

func (e *LedgerEngine) newEntry(in MovementInput, unitCost decimal.Decimal, now time.Time) models.LedgerEntry {
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	terminalId := in.TerminalId
	if terminalId == "" {
		terminalId = e.TerminalId
	}
	entry := models.LedgerEntry{
		Id:             uuid.NewString(),
		ProductId:      in.ProductId,
		WarehouseId:    in.WarehouseId,
		Concept:        in.Concept,
		DocumentRef:    in.DocumentRef,
		DocumentLine:   in.DocumentLine,
		CreatedAt:      createdAt.UTC(),
		QtyIn:          decimal.Zero,
		QtyOut:         decimal.Zero,
		UnitCost:       unitCost,
		BalanceQty:     decimal.Zero,
		BalanceAvgCost: decimal.Zero,
		TerminalId:     terminalId,
		SyncStatus:     models.SyncStatusPending,
		Origin:         models.OriginAuthored,
		DocumentMeta:   models.DocumentMeta{UpdatedAt: now},
	}
	if in.Concept.IsInflow() {
		entry.QtyIn = in.Quantity
	} else {
		entry.QtyOut = in.Quantity
	}
	return entry
}

func (e *LedgerEngine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *LedgerEngine) fireTrigger() {
	if e.Trigger != nil {
		go e.Trigger()
	}
}

// foldPair replays a sorted pair in place and returns the final (quantity, average cost).
func foldPair(pair []models.LedgerEntry, policy BalancePolicy) (decimal.Decimal, decimal.Decimal) {
	balance := decimal.Zero
	avg := decimal.Zero
	for i := range pair {
		entry := &pair[i]
		if policy == TrustReplicated && entry.Origin == models.OriginReplicated {
			balance = entry.BalanceQty
			avg = entry.BalanceAvgCost
			continue
		}
		if entry.QtyIn.IsPositive() {
			afterIn := balance.Add(entry.QtyIn)
			if afterIn.IsPositive() {
				avg = balance.Mul(avg).Add(entry.QtyIn.Mul(entry.UnitCost)).Div(afterIn).Round(balancePlaces)
			} else {
				avg = entry.UnitCost.Round(balancePlaces)
			}
		}
		balance = balance.Add(entry.QtyIn).Sub(entry.QtyOut).Round(balancePlaces)
		entry.BalanceQty = balance
		entry.BalanceAvgCost = avg
	}
	return balance, avg
}

func sortLedger(pair []models.LedgerEntry) {
	sort.SliceStable(pair, func(i, j int) bool {
		if !pair[i].CreatedAt.Equal(pair[j].CreatedAt) {
			return pair[i].CreatedAt.Before(pair[j].CreatedAt)
		}
		return pair[i].Id < pair[j].Id
	})
}

// dedupLedgerById keeps the first entry seen per id.
func dedupLedgerById(ledger []models.LedgerEntry) []models.LedgerEntry {
	seen := make(map[string]struct{}, len(ledger))
	out := make([]models.LedgerEntry, 0, len(ledger))
	for _, entry := range ledger {
		if _, ok := seen[entry.Id]; ok {
			continue
		}
		seen[entry.Id] = struct{}{}
		out = append(out, entry)
	}
	return out
}

func touchedKeysOfInputs(inputs []MovementInput) []models.StockKey {
	keys := make([]models.StockKey, 0, len(inputs))
	for _, in := range inputs {
		keys = append(keys, models.StockKey{ProductId: in.ProductId, WarehouseId: in.WarehouseId})
	}
	return uniqueKeys(keys)
}

func uniqueKeys(keys []models.StockKey) []models.StockKey {
	return utils.UniqueSlice(keys)
}
