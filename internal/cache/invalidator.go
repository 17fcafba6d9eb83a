package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/i474232898/farm-advisory/internal/ingest"
)

// DefaultTTL bounds how long a derived value may be served from the cache.
const DefaultTTL = time.Hour

// Invalidator refreshes or evicts the cache entries of a village after new
// readings are persisted.
type Invalidator struct {
	store Store
	ttl   time.Duration
}

// NewInvalidator creates an Invalidator writing snapshots with the given TTL.
func NewInvalidator(store Store, ttl time.Duration) *Invalidator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Invalidator{store: store, ttl: ttl}
}

// Invalidate overwrites weather:latest with the new weather reading, or evicts
// market:latest for market readings (a batch may backfill older arrival dates,
// so the loader decides what is latest). Risk and advisory entries are always
// evicted. Failures are returned as *ingest.CacheError.
func (i *Invalidator) Invalidate(ctx context.Context, villageID string, kind ingest.Kind, latest ingest.StoredReading) error {
	evict := []string{RiskKey(villageID), AdvisoryKey(villageID)}
	var first error

	switch kind {
	case ingest.KindWeather:
		key := WeatherLatestKey(villageID)
		if err := i.setJSON(ctx, key, latest); err != nil {
			first = err
			// Never leave the previous snapshot behind.
			evict = append(evict, key)
		}
	case ingest.KindMarket:
		evict = append(evict, MarketLatestKey(villageID))
	}

	if err := i.store.Delete(ctx, evict...); err != nil && first == nil {
		first = &ingest.CacheError{Op: "delete", Key: evict[0], Err: err}
	}
	return first
}

func (i *Invalidator) setJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &ingest.CacheError{Op: "encode", Key: key, Err: err}
	}
	if err := i.store.Set(ctx, key, b, i.ttl); err != nil {
		return &ingest.CacheError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// GetOrLoad returns the cached JSON value at key, or calls load and caches
// its result for ttl. Cache failures fall through to load; hit reports
// whether the value came from the cache. The result is not cached when the
// key was invalidated while load was running.
func GetOrLoad[T any](ctx context.Context, store Store, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (value T, hit bool, err error) {
	if b, gerr := store.Get(ctx, key); gerr == nil {
		if uerr := json.Unmarshal(b, &value); uerr == nil {
			return value, true, nil
		}
	}

	gen, genErr := store.Generation(ctx, key)
	value, err = load(ctx)
	if err != nil {
		return value, false, err
	}
	if genErr != nil {
		return value, false, nil
	}
	if b, merr := json.Marshal(value); merr == nil {
		_, _ = store.Fill(ctx, key, gen, b, ttl)
	}
	return value, false, nil
}
