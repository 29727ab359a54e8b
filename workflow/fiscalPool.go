package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"github.com/sirupsen/logrus"
)

// FiscalPool hands out blocks of fiscal numbers. Only the master's store-backed pool
// moves a range's CurrentGlobal; slaves reach it through the sync server.
type FiscalPool interface {
	Lease(ctx context.Context, fiscalType string, batchSize int) (*models.FiscalLease, error)
}

// LocalFiscalPool leases straight from the fiscalRanges collection of its store.
type LocalFiscalPool struct {
	Store  models.Store
	Locker CounterLocker
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewLocalFiscalPool(store models.Store, locker CounterLocker) *LocalFiscalPool {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &LocalFiscalPool{
		Store:  store,
		Locker: locker,
		Logger: config.GetLogger(),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *LocalFiscalPool) Lease(ctx context.Context, fiscalType string, batchSize int) (*models.FiscalLease, error) {
	if batchSize <= 0 {
		batchSize = config.DefaultFiscalBatchSize
	}
	var lease *models.FiscalLease
	err := withLock(ctx, p.Locker, fiscalRangeLockKey(fiscalType), func() error {
		ranges, err := models.GetAll[models.FiscalRange](ctx, p.Store, models.CollectionFiscalRanges)
		if err != nil {
			return err
		}
		r, err := pickFiscalRange(ranges, fiscalType, p.now())
		if err != nil {
			return err
		}

		start := r.CurrentGlobal + 1
		if start < r.StartNumber {
			start = r.StartNumber
		}
		end := start + int64(batchSize) - 1
		if end > r.EndNumber {
			end = r.EndNumber
		}
		r.CurrentGlobal = end
		r.UpdatedAt = p.now()
		if err := models.UpsertOne(ctx, p.Store, models.CollectionFiscalRanges, r); err != nil {
			return err
		}

		lease = &models.FiscalLease{
			RangeId:    r.Id,
			Type:       r.Type,
			Prefix:     r.Prefix,
			Start:      start,
			End:        end,
			ExpiryDate: r.ExpiryDate,
		}
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"event":     "fiscal.lease",
				"type":      fiscalType,
				"range_id":  r.Id,
				"start":     start,
				"end":       end,
				"remaining": r.Remaining(),
			}).Info("fiscal batch leased")
		}
		return nil
	})
	if err != nil {
		return nil, fiscalUnavailable(fiscalType, err)
	}
	return lease, nil
}

// Register stores r as pushed by an administrator. CurrentGlobal never moves backwards, so a
// stale copy cannot hand out numbers again. It reports whether anything changed.
func (p *LocalFiscalPool) Register(ctx context.Context, r models.FiscalRange) (bool, error) {
	if r.Id == "" || r.Type == "" {
		return false, fmt.Errorf("fiscal range needs id and type")
	}
	if r.EndNumber < r.StartNumber {
		return false, fmt.Errorf("fiscal range %s ends before it starts", r.Id)
	}
	var changed bool
	err := withLock(ctx, p.Locker, fiscalRangeLockKey(r.Type), func() error {
		stored, err := models.FindOne[models.FiscalRange](ctx, p.Store, models.CollectionFiscalRanges, r.Id)
		if err != nil {
			return err
		}
		if stored != nil && stored.CurrentGlobal > r.CurrentGlobal {
			r.CurrentGlobal = stored.CurrentGlobal
		}
		if r.CurrentGlobal > r.EndNumber {
			r.CurrentGlobal = r.EndNumber
		}
		if stored != nil {
			r.UpdatedAt = stored.UpdatedAt
			if sameRange(*stored, r) {
				return nil
			}
		}
		changed = true
		r.UpdatedAt = p.now()
		return models.UpsertOne(ctx, p.Store, models.CollectionFiscalRanges, r)
	})
	return changed, err
}

func sameRange(a, b models.FiscalRange) bool {
	sameExpiry := (a.ExpiryDate == nil && b.ExpiryDate == nil) ||
		(a.ExpiryDate != nil && b.ExpiryDate != nil && a.ExpiryDate.Equal(*b.ExpiryDate))
	return a.Type == b.Type && a.Prefix == b.Prefix && a.StartNumber == b.StartNumber &&
		a.EndNumber == b.EndNumber && a.CurrentGlobal == b.CurrentGlobal && a.IsActive == b.IsActive &&
		a.Deleted == b.Deleted && sameExpiry
}

func (p *LocalFiscalPool) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// pickFiscalRange returns the first usable range of fiscalType, or the most specific reason
// none is usable.
func pickFiscalRange(ranges []models.FiscalRange, fiscalType string, now time.Time) (models.FiscalRange, error) {
	var (
		found, active, current bool
	)
	for _, r := range ranges {
		if r.Deleted || r.Type != fiscalType {
			continue
		}
		found = true
		if !r.IsActive {
			continue
		}
		active = true
		if r.IsExpired(now) {
			continue
		}
		current = true
		if r.IsExhausted() {
			continue
		}
		return r, nil
	}
	switch {
	case !found:
		return models.FiscalRange{}, ErrFiscalRangeNotConfigured
	case !active:
		return models.FiscalRange{}, ErrFiscalRangeInactive
	case !current:
		return models.FiscalRange{}, ErrFiscalRangeExpired
	default:
		return models.FiscalRange{}, fmt.Errorf("%s: %w", fiscalType, ErrFiscalRangeExhausted)
	}
}
