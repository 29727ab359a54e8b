package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/utils"
	"github.com/sirupsen/logrus"
)

type CounterChange struct {
	Id   string `json:"id"`
	From int64  `json:"from"`
	To   int64  `json:"to"`
}

type RepairReport struct {
	TransactionsRemoved  int             `json:"transactionsRemoved"`
	LedgerEntriesRemoved int             `json:"ledgerEntriesRemoved"`
	SeriesRaised         []CounterChange `json:"seriesRaised,omitempty"`
	FiscalRangesRaised   []CounterChange `json:"fiscalRangesRaised,omitempty"`
}

func (r RepairReport) Changed() bool {
	return r.TransactionsRemoved > 0 || r.LedgerEntriesRemoved > 0 ||
		len(r.SeriesRaised) > 0 || len(r.FiscalRangesRaised) > 0
}

type SequenceGap struct {
	TerminalId string `json:"terminalId,omitempty"`
	From       int64  `json:"from"`
	To         int64  `json:"to"`
}

type DuplicateSequence struct {
	TerminalId     string   `json:"terminalId,omitempty"`
	Sequence       int64    `json:"sequence"`
	TransactionIds []string `json:"transactionIds"`
}

type IntegrityReport struct {
	CheckedAt           time.Time           `json:"checkedAt"`
	Transactions        int                 `json:"transactions"`
	Gaps                []SequenceGap       `json:"gaps,omitempty"`
	Duplicates          []DuplicateSequence `json:"duplicates,omitempty"`
	DuplicateDisplayIds []string            `json:"duplicateDisplayIds,omitempty"`
	DuplicateNcfs       []string            `json:"duplicateNcfs,omitempty"`
}

func (r IntegrityReport) Healthy() bool {
	return len(r.Gaps) == 0 && len(r.Duplicates) == 0 &&
		len(r.DuplicateDisplayIds) == 0 && len(r.DuplicateNcfs) == 0
}

// SelfHeal removes duplicated records and raises counters that fell behind issued numbers.
type SelfHeal struct {
	Store  models.Store
	Locker CounterLocker
	Ledger *LedgerEngine
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewSelfHeal(store models.Store, locker CounterLocker, ledger *LedgerEngine) *SelfHeal {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &SelfHeal{
		Store:  store,
		Locker: locker,
		Ledger: ledger,
		Logger: config.GetLogger(),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Repair runs every step once. Running it again right after changes nothing.
func (h *SelfHeal) Repair(ctx context.Context) (*RepairReport, error) {
	report := &RepairReport{}

	removed, err := h.dedupTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("repair transactions: %w", err)
	}
	report.TransactionsRemoved = removed

	series, err := models.GetAll[models.DocumentSeries](ctx, h.Store, models.CollectionInternalSequences)
	if err != nil {
		return nil, err
	}
	if report.LedgerEntriesRemoved, err = h.dedupLedger(ctx, series); err != nil {
		return nil, fmt.Errorf("repair ledger: %w", err)
	}

	txs, err := models.GetAll[models.Transaction](ctx, h.Store, models.CollectionTransactions)
	if err != nil {
		return nil, err
	}
	if report.SeriesRaised, err = h.raiseSeries(ctx, series, txs); err != nil {
		return nil, fmt.Errorf("repair series: %w", err)
	}
	if report.FiscalRangesRaised, err = h.raiseFiscalRanges(ctx, txs); err != nil {
		return nil, fmt.Errorf("repair fiscal ranges: %w", err)
	}

	if h.Logger != nil {
		h.Logger.WithFields(logrus.Fields{
			"event":                  "selfheal.repair.end",
			"transactions_removed":   report.TransactionsRemoved,
			"ledger_entries_removed": report.LedgerEntriesRemoved,
			"series_raised":          len(report.SeriesRaised),
			"fiscal_ranges_raised":   len(report.FiscalRangesRaised),
		}).Info("self-heal repair finished")
	}
	return report, nil
}

// dedupTransactions keeps the first transaction seen per displayId.
func (h *SelfHeal) dedupTransactions(ctx context.Context) (int, error) {
	var removed int
	err := withLock(ctx, h.Locker, LockKeyTransactions, func() error {
		docs, err := h.Store.List(ctx, models.CollectionTransactions)
		if err != nil {
			return err
		}
		seen := map[string]struct{}{}
		kept := make([]models.Document, 0, len(docs))
		for _, doc := range docs {
			tx, err := models.FromDocument[models.Transaction](doc)
			if err != nil {
				return err
			}
			if tx.DisplayId != "" {
				if _, dup := seen[tx.DisplayId]; dup {
					removed++
					continue
				}
				seen[tx.DisplayId] = struct{}{}
			}
			kept = append(kept, doc)
		}
		if removed == 0 {
			return nil
		}
		return h.Store.Save(ctx, models.CollectionTransactions, kept)
	})
	return removed, err
}

// dedupLedger drops repeated lines of sequenced documents. Entries whose documentRef does
// not carry a series prefix are never touched.
func (h *SelfHeal) dedupLedger(ctx context.Context, series []models.DocumentSeries) (int, error) {
	if h.Ledger == nil {
		return 0, nil
	}
	var prefixes []string
	for _, s := range series {
		if s.Prefix != "" {
			prefixes = append(prefixes, s.Prefix)
		}
	}
	if len(prefixes) == 0 {
		return 0, nil
	}
	sequenced := func(ref string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(ref, p) {
				return true
			}
		}
		return false
	}

	return h.Ledger.Rewrite(ctx, func(ledger []models.LedgerEntry) ([]models.LedgerEntry, []models.StockKey) {
		seen := map[string]struct{}{}
		kept := make([]models.LedgerEntry, 0, len(ledger))
		var touched []models.StockKey
		for _, entry := range ledger {
			if !sequenced(entry.DocumentRef) {
				kept = append(kept, entry)
				continue
			}
			key := fmt.Sprintf("%s|%s|%s|%s|%d", entry.DocumentRef, entry.ProductId,
				entry.QtyIn.StringFixed(balancePlaces), entry.QtyOut.StringFixed(balancePlaces), entry.DocumentLine)
			if _, dup := seen[key]; dup {
				touched = append(touched, entry.Key())
				continue
			}
			seen[key] = struct{}{}
			kept = append(kept, entry)
		}
		return kept, touched
	})
}

func (h *SelfHeal) raiseSeries(ctx context.Context, series []models.DocumentSeries, txs []models.Transaction) ([]CounterChange, error) {
	var changes []CounterChange
	for _, s := range series {
		var maxUsed int64
		for _, tx := range txs {
			n := tx.SeriesNumber
			if tx.SeriesId != s.Id {
				// older records may only carry the display id
				suffix, ok := utils.NumericSuffix(tx.DisplayId, s.Prefix)
				if tx.SeriesId != "" || s.Prefix == "" || !ok {
					continue
				}
				n = suffix
			}
			if n > maxUsed {
				maxUsed = n
			}
		}
		if maxUsed == 0 {
			continue
		}

		err := withLock(ctx, h.Locker, seriesLockKey(s.Id), func() error {
			current, err := models.GetOne[models.DocumentSeries](ctx, h.Store, models.CollectionInternalSequences, s.Id)
			if err != nil {
				return err
			}
			if current.NextNumber > maxUsed {
				return nil
			}
			changes = append(changes, CounterChange{Id: current.Id, From: current.NextNumber, To: maxUsed + 1})
			current.NextNumber = maxUsed + 1
			current.UpdatedAt = h.now()
			return models.UpsertOne(ctx, h.Store, models.CollectionInternalSequences, *current)
		})
		if err != nil {
			return nil, err
		}
	}
	return changes, nil
}

func (h *SelfHeal) raiseFiscalRanges(ctx context.Context, txs []models.Transaction) ([]CounterChange, error) {
	ranges, err := models.GetAll[models.FiscalRange](ctx, h.Store, models.CollectionFiscalRanges)
	if err != nil {
		return nil, err
	}
	var changes []CounterChange
	for _, r := range ranges {
		var maxUsed int64
		for _, tx := range txs {
			if tx.Ncf == "" {
				continue
			}
			n, ok := utils.NumericSuffix(tx.Ncf, r.Prefix)
			if !ok || n < r.StartNumber {
				continue
			}
			if n > maxUsed {
				maxUsed = n
			}
		}
		if maxUsed > r.EndNumber {
			maxUsed = r.EndNumber
		}
		if maxUsed == 0 {
			continue
		}

		err := withLock(ctx, h.Locker, fiscalRangeLockKey(r.Type), func() error {
			current, err := models.GetOne[models.FiscalRange](ctx, h.Store, models.CollectionFiscalRanges, r.Id)
			if err != nil {
				return err
			}
			if current.CurrentGlobal >= maxUsed {
				return nil
			}
			changes = append(changes, CounterChange{Id: current.Id, From: current.CurrentGlobal, To: maxUsed})
			current.CurrentGlobal = maxUsed
			current.UpdatedAt = h.now()
			return models.UpsertOne(ctx, h.Store, models.CollectionFiscalRanges, *current)
		})
		if err != nil {
			return nil, err
		}
	}
	return changes, nil
}

// CheckIntegrity reports global sequence gaps and duplicates per terminal, and repeated
// display ids or fiscal numbers. It never writes.
func (h *SelfHeal) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	txs, err := models.GetAll[models.Transaction](ctx, h.Store, models.CollectionTransactions)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{CheckedAt: h.now(), Transactions: len(txs)}

	byTerminal := map[string][]models.Transaction{}
	var terminals []string
	for _, tx := range txs {
		if _, ok := byTerminal[tx.TerminalId]; !ok {
			terminals = append(terminals, tx.TerminalId)
		}
		byTerminal[tx.TerminalId] = append(byTerminal[tx.TerminalId], tx)
	}
	sort.Strings(terminals)

	for _, terminalId := range terminals {
		list := byTerminal[terminalId]
		sort.SliceStable(list, func(i, j int) bool { return list[i].GlobalSequence < list[j].GlobalSequence })
		for i := 1; i < len(list); i++ {
			prev, cur := list[i-1].GlobalSequence, list[i].GlobalSequence
			switch {
			case cur == prev:
				n := len(report.Duplicates)
				if n > 0 && report.Duplicates[n-1].TerminalId == terminalId && report.Duplicates[n-1].Sequence == cur {
					report.Duplicates[n-1].TransactionIds = append(report.Duplicates[n-1].TransactionIds, list[i].Id)
					continue
				}
				report.Duplicates = append(report.Duplicates, DuplicateSequence{
					TerminalId:     terminalId,
					Sequence:       cur,
					TransactionIds: []string{list[i-1].Id, list[i].Id},
				})
			case cur > prev+1:
				report.Gaps = append(report.Gaps, SequenceGap{TerminalId: terminalId, From: prev + 1, To: cur - 1})
			}
		}
	}

	report.DuplicateDisplayIds = repeatedValues(txs, func(tx models.Transaction) string { return tx.DisplayId })
	report.DuplicateNcfs = repeatedValues(txs, func(tx models.Transaction) string { return tx.Ncf })
	return report, nil
}

func repeatedValues(txs []models.Transaction, value func(models.Transaction) string) []string {
	counts := map[string]int{}
	var out []string
	for _, tx := range txs {
		v := value(tx)
		if v == "" {
			continue
		}
		counts[v]++
		if counts[v] == 2 {
			out = append(out, v)
		}
	}
	return out
}

func (h *SelfHeal) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}
