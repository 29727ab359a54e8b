package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/utils"
	"github.com/sirupsen/logrus"
)

type SeriesNumber struct {
	SeriesId  string `json:"seriesId"`
	Number    int64  `json:"number"`
	DisplayId string `json:"displayId"`
}

type FiscalNumber struct {
	Ncf     string `json:"ncf"`
	Type    string `json:"type"`
	Number  int64  `json:"number"`
	RangeId string `json:"rangeId,omitempty"`
}

// SequenceAuthority issues the global sequence, series display numbers and fiscal numbers.
// No number is ever handed out twice: clashes with stored transactions are skipped.
type SequenceAuthority struct {
	Store  models.Store
	Locker CounterLocker
	Pool   FiscalPool
	// BatchSize returns the lease size for a fiscal type.
	BatchSize func(fiscalType string) int
	Logger    *logrus.Logger
	Now       func() time.Time
}

func NewSequenceAuthority(store models.Store, locker CounterLocker, pool FiscalPool, batchSize func(string) int) *SequenceAuthority {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &SequenceAuthority{
		Store:     store,
		Locker:    locker,
		Pool:      pool,
		BatchSize: batchSize,
		Logger:    config.GetLogger(),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (a *SequenceAuthority) NextGlobalSequence(ctx context.Context) (int64, error) {
	var next int64
	err := withLock(ctx, a.Locker, LockKeyGlobalSequence, func() error {
		current, err := a.currentGlobalSequence(ctx)
		if err != nil {
			return err
		}
		next = current + 1
		return a.Store.SetSetting(ctx, models.SettingGlobalSequence, strconv.FormatInt(next, 10))
	})
	if err != nil {
		return 0, fmt.Errorf("next global sequence: %w", err)
	}
	return next, nil
}

// CurrentGlobalSequence returns the last issued global sequence, 0 when none.
func (a *SequenceAuthority) CurrentGlobalSequence(ctx context.Context) (int64, error) {
	return a.currentGlobalSequence(ctx)
}

func (a *SequenceAuthority) currentGlobalSequence(ctx context.Context) (int64, error) {
	raw, ok, err := a.Store.GetSetting(ctx, models.SettingGlobalSequence)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt global sequence %q: %w", raw, err)
	}
	return n, nil
}

// NextSeriesNumber issues the next display number of the series serving documentType.
func (a *SequenceAuthority) NextSeriesNumber(ctx context.Context, documentType, businessUnit string) (*SeriesNumber, error) {
	series, err := a.findSeries(ctx, documentType, businessUnit)
	if err != nil {
		return nil, err
	}

	var issued *SeriesNumber
	err = withLock(ctx, a.Locker, seriesLockKey(series.Id), func() error {
		// re-read under the lock
		current, err := models.GetOne[models.DocumentSeries](ctx, a.Store, models.CollectionInternalSequences, series.Id)
		if err != nil {
			return err
		}
		used, err := a.usedDisplayIds(ctx)
		if err != nil {
			return err
		}

		number := current.NextNumber
		if number < 1 {
			number = 1
		}
		start := number
		displayId := current.Format(number)
		for used[displayId] {
			number++
			displayId = current.Format(number)
		}

		skipped := number - start
		current.NextNumber = number + 1
		current.UpdatedAt = a.now()
		if err := models.UpsertOne(ctx, a.Store, models.CollectionInternalSequences, *current); err != nil {
			return err
		}
		if skipped > 0 && a.Logger != nil {
			a.Logger.WithFields(logrus.Fields{
				"event":      "sequence.series.skip",
				"series_id":  current.Id,
				"skipped":    skipped,
				"display_id": displayId,
			}).Warn("series counter was behind issued documents")
		}
		issued = &SeriesNumber{SeriesId: current.Id, Number: number, DisplayId: displayId}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("next %s number: %w", documentType, err)
	}
	return issued, nil
}

func (a *SequenceAuthority) findSeries(ctx context.Context, documentType, businessUnit string) (*models.DocumentSeries, error) {
	all, err := models.GetAll[models.DocumentSeries](ctx, a.Store, models.CollectionInternalSequences)
	if err != nil {
		return nil, err
	}
	var fallback *models.DocumentSeries
	for i := range all {
		s := all[i]
		if !s.Matches(documentType, businessUnit) {
			continue
		}
		if s.BusinessUnit == businessUnit {
			return &s, nil
		}
		if fallback == nil {
			fallback = &s
		}
	}
	if fallback == nil {
		return nil, seriesNotConfigured(documentType, businessUnit)
	}
	return fallback, nil
}

// ApplyReplicatedSeries stores series received from the master. A local NextNumber ahead of
// the incoming one wins. With replaceAll, local series absent from incoming are removed.
func (a *SequenceAuthority) ApplyReplicatedSeries(ctx context.Context, incoming []models.DocumentSeries, replaceAll bool) (int, error) {
	keep := make(map[string]struct{}, len(incoming))
	applied := 0
	for _, s := range incoming {
		keep[s.Id] = struct{}{}
		err := withLock(ctx, a.Locker, seriesLockKey(s.Id), func() error {
			local, err := models.FindOne[models.DocumentSeries](ctx, a.Store, models.CollectionInternalSequences, s.Id)
			if err != nil {
				return err
			}
			if s.Deleted {
				if local == nil {
					return nil
				}
				applied++
				return a.Store.Delete(ctx, models.CollectionInternalSequences, s.Id)
			}
			if local != nil && local.NextNumber > s.NextNumber {
				s.NextNumber = local.NextNumber
			}
			applied++
			return models.UpsertOne(ctx, a.Store, models.CollectionInternalSequences, s)
		})
		if err != nil {
			return applied, fmt.Errorf("apply series %s: %w", s.Id, err)
		}
	}
	if !replaceAll {
		return applied, nil
	}

	local, err := models.GetAll[models.DocumentSeries](ctx, a.Store, models.CollectionInternalSequences)
	if err != nil {
		return applied, err
	}
	for _, s := range local {
		if _, ok := keep[s.Id]; ok {
			continue
		}
		err := withLock(ctx, a.Locker, seriesLockKey(s.Id), func() error {
			return a.Store.Delete(ctx, models.CollectionInternalSequences, s.Id)
		})
		if err != nil {
			return applied, fmt.Errorf("remove series %s: %w", s.Id, err)
		}
		applied++
	}
	return applied, nil
}

// IssueFiscalNumber issues the next fiscal number of fiscalType from the local buffer,
// leasing a new batch when the buffer is missing, spent or expired.
func (a *SequenceAuthority) IssueFiscalNumber(ctx context.Context, fiscalType string) (*FiscalNumber, error) {
	if a.Pool == nil {
		return nil, fiscalUnavailable(fiscalType, ErrFiscalRangeNotConfigured)
	}
	var issued *FiscalNumber
	err := withLock(ctx, a.Locker, fiscalBufferLockKey(fiscalType), func() error {
		buffer, err := models.FindOne[models.LocalFiscalBuffer](ctx, a.Store, models.CollectionLocalFiscalBuffer, fiscalType)
		if err != nil {
			return err
		}
		used, err := a.usedNcfs(ctx)
		if err != nil {
			return err
		}

		for {
			if buffer == nil || !buffer.IsUsable(a.now()) {
				lease, err := a.Pool.Lease(ctx, fiscalType, a.batchSize(fiscalType))
				if err != nil {
					if buffer != nil {
						// keep the buffer past every skipped number
						if saveErr := a.saveBuffer(ctx, *buffer); saveErr != nil {
							config.LogError(a.Logger, "sequenceAuthority.go", "IssueFiscalNumber", "saveBuffer", fiscalType, saveErr)
							return errors.Join(err, saveErr)
						}
					}
					return err
				}
				next := lease.Buffer()
				buffer = &next
				if err := a.saveBuffer(ctx, *buffer); err != nil {
					return err
				}
			}

			n := buffer.CurrentNumber
			ncf := utils.FormatDocumentNumber(buffer.Prefix, n, models.FiscalNumberPadding)
			buffer.CurrentNumber = n + 1
			if used[ncf] {
				continue
			}
			if err := a.saveBuffer(ctx, *buffer); err != nil {
				return err
			}
			issued = &FiscalNumber{Ncf: ncf, Type: fiscalType, Number: n, RangeId: buffer.RangeId}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// FiscalBuffers lists the local leases, for status screens.
func (a *SequenceAuthority) FiscalBuffers(ctx context.Context) ([]models.LocalFiscalBuffer, error) {
	return models.GetAll[models.LocalFiscalBuffer](ctx, a.Store, models.CollectionLocalFiscalBuffer)
}

func (a *SequenceAuthority) saveBuffer(ctx context.Context, buffer models.LocalFiscalBuffer) error {
	buffer.UpdatedAt = a.now()
	return models.UpsertOne(ctx, a.Store, models.CollectionLocalFiscalBuffer, buffer)
}

func (a *SequenceAuthority) usedDisplayIds(ctx context.Context) (map[string]bool, error) {
	txs, err := models.GetAll[models.Transaction](ctx, a.Store, models.CollectionTransactions)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.DisplayId != "" {
			used[tx.DisplayId] = true
		}
	}
	return used, nil
}

func (a *SequenceAuthority) usedNcfs(ctx context.Context) (map[string]bool, error) {
	txs, err := models.GetAll[models.Transaction](ctx, a.Store, models.CollectionTransactions)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.Ncf != "" {
			used[tx.Ncf] = true
		}
	}
	return used, nil
}

func (a *SequenceAuthority) batchSize(fiscalType string) int {
	if a.BatchSize != nil {
		if n := a.BatchSize(fiscalType); n > 0 {
			return n
		}
	}
	return config.DefaultFiscalBatchSize
}

func (a *SequenceAuthority) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}
