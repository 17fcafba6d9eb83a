package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a key-value cache with per-entry TTL.
//
// Every key carries a generation that Set and Delete advance. A read-through
// fill records the generation before loading and writes with Fill, which is a
// no-op when the key was written or evicted in the meantime. This keeps a
// load that started before an invalidation from caching its stale result.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Generation(ctx context.Context, key string) (int64, error)
	Fill(ctx context.Context, key string, gen int64, value []byte, ttl time.Duration) (bool, error)
}

// Key helpers. Every derived value for a village is keyed by its id.
func WeatherLatestKey(villageID string) string { return "weather:latest:" + villageID }
func MarketLatestKey(villageID string) string  { return "market:latest:" + villageID }
func RiskKey(villageID string) string          { return "risk:village:" + villageID }
func AdvisoryKey(villageID string) string      { return "ai:village:" + villageID }

// VillageKeys lists every cache key scoped to a village.
func VillageKeys(villageID string) []string {
	return []string{
		WeatherLatestKey(villageID),
		MarketLatestKey(villageID),
		RiskKey(villageID),
		AdvisoryKey(villageID),
	}
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process Store used when no Redis URL is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	data  map[string]entry
	gens  map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, data: make(map[string]entry), gens: make(map[string]int64)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.data[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(m.data, key)
		}
		m.mu.Unlock()
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := m.newEntry(value, ttl)
	m.mu.Lock()
	m.data[key] = e
	m.gens[key]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
		m.gens[k]++
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Generation(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gens[key], nil
}

func (m *MemoryStore) Fill(_ context.Context, key string, gen int64, value []byte, ttl time.Duration) (bool, error) {
	e := m.newEntry(value, ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gens[key] != gen {
		return false, nil
	}
	m.data[key] = e
	return true, nil
}

func (m *MemoryStore) newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	return e
}
