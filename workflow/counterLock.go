package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"github.com/bsm/redislock"
)

// Lock keys. Read-modify-increment-persist of a counter happens under its key.
const (
	LockKeyGlobalSequence = "counter:globalSequence"
	LockKeyLedger         = "collection:inventoryLedger"
	LockKeyTransactions   = "collection:transactions"
)

// CollectionLockKey guards whole-collection rewrites and status updates of one collection.
func CollectionLockKey(collection string) string { return "collection:" + collection }

func seriesLockKey(seriesId string) string         { return "counter:series:" + seriesId }
func fiscalBufferLockKey(fiscalType string) string { return "counter:fiscalBuffer:" + fiscalType }
func fiscalRangeLockKey(fiscalType string) string  { return "counter:fiscalRange:" + fiscalType }

var ErrLockNotObtained = errors.New("could not obtain counter lock")

// CounterLocker serialises access to one collection or counter.
type CounterLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is the in-process CounterLocker.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: map[string]chan struct{}{}}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	slot, ok := m.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		m.slots[key] = slot
	}
	m.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

// RedisCounterLocker serialises counters across sync server replicas.
type RedisCounterLocker struct {
	Client  *redislock.Client
	TTL     time.Duration
	Retries int
	Backoff time.Duration
}

func NewRedisCounterLocker(client *redislock.Client) *RedisCounterLocker {
	return &RedisCounterLocker{
		Client:  client,
		TTL:     30 * time.Second,
		Retries: 100,
		Backoff: 50 * time.Millisecond,
	}
}

func (l *RedisCounterLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.Client == nil {
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lock, err := l.Client.Obtain(ctx, "possync:"+key, l.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.Backoff), l.Retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(config.GetLogger(), "workflow", "RedisCounterLocker.Lock", "could not obtain lock", key, err)
		return nil, fmt.Errorf("%s: %w", key, ErrLockNotObtained)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, nil
}

// DefaultCounterLocker uses Redis when the global lock client is connected.
func DefaultCounterLocker() CounterLocker {
	if client := config.GetRedisLock(); client != nil {
		return NewRedisCounterLocker(client)
	}
	return NewKeyedMutex()
}

func withLock(ctx context.Context, locker CounterLocker, key string, fn func() error) error {
	unlock, err := locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
