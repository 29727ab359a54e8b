package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/possync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextGlobalSequenceIncrements(t *testing.T) {
	f := newFixture(t, DeriveAll)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := f.sequences.NextGlobalSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	current, err := f.sequences.CurrentGlobalSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), current)
}

func TestNextSeriesNumberSkipsIssuedDisplayIds(t *testing.T) {
	f := newFixture(t, DeriveAll)
	ctx := context.Background()
	seed(t, f.store, models.CollectionInternalSequences, models.DocumentSeries{
		Id: "TCK", DocumentType: DocumentTypeTicket, Prefix: "TCK", NextNumber: 5, Padding: 3,
	})
	seed(t, f.store, models.CollectionTransactions,
		models.Transaction{Id: "t5", DisplayId: "TCK005"},
		models.Transaction{Id: "t6", DisplayId: "TCK006"},
	)

	got, err := f.sequences.NextSeriesNumber(ctx, DocumentTypeTicket, "")
	require.NoError(t, err)
	assert.Equal(t, "TCK007", got.DisplayId)
	assert.Equal(t, int64(7), got.Number)

	series, err := models.GetOne[models.DocumentSeries](ctx, f.store, models.CollectionInternalSequences, "TCK")
	require.NoError(t, err)
	assert.Equal(t, int64(8), series.NextNumber)
}

func TestNextSeriesNumberPrefersBusinessUnit(t *testing.T) {
	f := newFixture(t, DeriveAll)
	seed(t, f.store, models.CollectionInternalSequences,
		models.DocumentSeries{Id: "ANY", DocumentType: DocumentTypeTicket, Prefix: "A", NextNumber: 1},
		models.DocumentSeries{Id: "BAR", DocumentType: DocumentTypeTicket, Prefix: "B", NextNumber: 1, BusinessUnit: "bar"},
	)
	got, err := f.sequences.NextSeriesNumber(context.Background(), DocumentTypeTicket, "bar")
	require.NoError(t, err)
	assert.Equal(t, "B1", got.DisplayId)
}

func TestNextSeriesNumberWithoutSeriesIsActionable(t *testing.T) {
	f := newFixture(t, DeriveAll)
	_, err := f.sequences.NextSeriesNumber(context.Background(), DocumentTypeRefund, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSeriesNotConfigured)
	assert.ErrorIs(t, err, ErrSequenceUnavailable)
	assert.Contains(t, err.Error(), "no series assigned for document type REFUND")
}

func TestNextSeriesNumberIsUniqueUnderConcurrency(t *testing.T) {
	f := newFixture(t, DeriveAll)
	seed(t, f.store, models.CollectionInternalSequences, models.DocumentSeries{
		Id: "TCK", DocumentType: DocumentTypeTicket, Prefix: "T", NextNumber: 1, Padding: 4,
	})

	const n = 25
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.sequences.NextSeriesNumber(context.Background(), DocumentTypeTicket, "")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[got.DisplayId] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)

	series, err := models.GetOne[models.DocumentSeries](context.Background(), f.store, models.CollectionInternalSequences, "TCK")
	require.NoError(t, err)
	assert.Equal(t, int64(n+1), series.NextNumber)
}

func TestFiscalBatchLargerThanRangeExhaustsPool(t *testing.T) {
	f := newFixture(t, DeriveAll)
	ctx := context.Background()
	seed(t, f.store, models.CollectionFiscalRanges, models.FiscalRange{
		Id: "R1", Type: "B01", Prefix: "B01", StartNumber: 1, EndNumber: 3, IsActive: true,
	})

	lease, err := f.pool.Lease(ctx, "B01", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lease.Start)
	assert.Equal(t, int64(3), lease.End)

	// hand the lease to the terminal the way IssueFiscalNumber does
	seed(t, f.store, models.CollectionLocalFiscalBuffer, lease.Buffer())
	var issued []string
	for i := 0; i < 3; i++ {
		n, err := f.sequences.IssueFiscalNumber(ctx, "B01")
		require.NoError(t, err)
		issued = append(issued, n.Ncf)
	}
	assert.Equal(t, []string{"B0100000001", "B0100000002", "B0100000003"}, issued)

	_, err = f.sequences.IssueFiscalNumber(ctx, "B01")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFiscalRangeExhausted)
	assert.ErrorIs(t, err, ErrSequenceUnavailable)

	r, err := models.GetOne[models.FiscalRange](ctx, f.store, models.CollectionFiscalRanges, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.CurrentGlobal)
}

func TestIssueFiscalNumberLeasesMidSkip(t *testing.T) {
	f := newFixture(t, DeriveAll)
	ctx := context.Background()
	f.sequences.BatchSize = func(string) int { return 2 }
	seed(t, f.store, models.CollectionFiscalRanges, models.FiscalRange{
		Id: "R1", Type: "B02", Prefix: "B02", StartNumber: 1, EndNumber: 10, IsActive: true,
	})
	// leftovers from before a reset
	seed(t, f.store, models.CollectionTransactions,
		models.Transaction{Id: "x1", DisplayId: "X1", Ncf: "B0200000001"},
		models.Transaction{Id: "x2", DisplayId: "X2", Ncf: "B0200000002"},
	)

	got, err := f.sequences.IssueFiscalNumber(ctx, "B02")
	require.NoError(t, err)
	assert.Equal(t, "B0200000003", got.Ncf)

	r, err := models.GetOne[models.FiscalRange](ctx, f.store, models.CollectionFiscalRanges, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), r.CurrentGlobal)

	buffer, err := models.GetOne[models.LocalFiscalBuffer](ctx, f.store, models.CollectionLocalFiscalBuffer, "B02")
	require.NoError(t, err)
	assert.Equal(t, int64(4), buffer.CurrentNumber)
	assert.Equal(t, int64(4), buffer.EndNumber)
}

func TestIssueFiscalNumberReportsBufferSaveFailure(t *testing.T) {
	f := newFixture(t, DeriveAll)
	seed(t, f.store, models.CollectionLocalFiscalBuffer, models.LocalFiscalBuffer{
		Type: "B02", Prefix: "B02", CurrentNumber: 6, EndNumber: 5, RangeId: "R1",
	})
	diskFull := errors.New("disk full")
	f.sequences.Store = &faultyStore{
		Store:  f.store,
		upsert: map[string]error{models.CollectionLocalFiscalBuffer: diskFull},
	}
	f.sequences.Pool = failingPool{err: ErrFiscalRangeExhausted}

	_, err := f.sequences.IssueFiscalNumber(context.Background(), "B02")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFiscalRangeExhausted)
	assert.ErrorIs(t, err, diskFull)
}

func TestFiscalPoolFailureReasons(t *testing.T) {
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		ranges []models.FiscalRange
		want   error
	}{
		{name: "not configured", want: ErrFiscalRangeNotConfigured},
		{
			name:   "inactive",
			ranges: []models.FiscalRange{{Id: "R", Type: "B01", StartNumber: 1, EndNumber: 9}},
			want:   ErrFiscalRangeInactive,
		},
		{
			name:   "expired",
			ranges: []models.FiscalRange{{Id: "R", Type: "B01", StartNumber: 1, EndNumber: 9, IsActive: true, ExpiryDate: &past}},
			want:   ErrFiscalRangeExpired,
		},
		{
			name:   "exhausted",
			ranges: []models.FiscalRange{{Id: "R", Type: "B01", StartNumber: 1, EndNumber: 9, CurrentGlobal: 9, IsActive: true}},
			want:   ErrFiscalRangeExhausted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DeriveAll)
			seed(t, f.store, models.CollectionFiscalRanges, tt.ranges...)
			_, err := f.sequences.IssueFiscalNumber(context.Background(), "B01")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.ErrorIs(t, err, ErrSequenceUnavailable)
		})
	}
}

func TestFiscalPoolNeverOverlapsLeases(t *testing.T) {
	f := newFixture(t, DeriveAll)
	ctx := context.Background()
	seed(t, f.store, models.CollectionFiscalRanges, models.FiscalRange{
		Id: "R1", Type: "B01", Prefix: "B01", StartNumber: 1, EndNumber: 100, IsActive: true,
	})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leases []*models.FiscalLease
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := f.pool.Lease(ctx, "B01", 7)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			leases = append(leases, lease)
			mu.Unlock()
		}()
	}
	wg.Wait()

	used := map[int64]bool{}
	for _, l := range leases {
		for n := l.Start; n <= l.End; n++ {
			assert.False(t, used[n], "number %d leased twice", n)
			used[n] = true
		}
	}
	assert.Len(t, used, 70)
}
