package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/i474232898/farm-advisory/internal/ingest"
)

type marketKey struct {
	villageID string
	commodity string
	arrival   time.Time
}

type weatherKey struct {
	villageID string
	hour      time.Time
}

// MemoryStore is a concurrency-safe in-memory implementation of the reading store.
// Transactions are serialized; writes are staged and applied only on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	// key: village id, value: readings in insertion order
	weather map[string][]ingest.StoredReading
	market  map[string][]ingest.StoredReading

	// uniqueness constraints mirroring schema.sql
	weatherKeys map[weatherKey]struct{}
	marketKeys  map[marketKey]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:       clock,
		weather:     make(map[string][]ingest.StoredReading),
		market:      make(map[string][]ingest.StoredReading),
		weatherKeys: make(map[weatherKey]struct{}),
		marketKeys:  make(map[marketKey]struct{}),
	}
}

// WithinTx runs fn with exclusive access to the store. Staged inserts are
// committed when fn returns nil and discarded otherwise.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ingest.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:       s,
		weatherKeys: make(map[weatherKey]struct{}),
		marketKeys:  make(map[marketKey]struct{}),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for _, r := range tx.pending {
		switch r.Kind {
		case ingest.KindWeather:
			s.weather[r.VillageID] = append(s.weather[r.VillageID], r)
		case ingest.KindMarket:
			s.market[r.VillageID] = append(s.market[r.VillageID], r)
		}
	}
	for k := range tx.weatherKeys {
		s.weatherKeys[k] = struct{}{}
	}
	for k := range tx.marketKeys {
		s.marketKeys[k] = struct{}{}
	}
	return nil
}

type memoryTx struct {
	store       *MemoryStore
	pending     []ingest.StoredReading
	weatherKeys map[weatherKey]struct{}
	marketKeys  map[marketKey]struct{}
}

func (tx *memoryTx) HasWeatherSince(_ context.Context, villageID string, since time.Time) (bool, error) {
	for _, r := range tx.store.weather[villageID] {
		if r.ObservedAt.After(since) {
			return true, nil
		}
	}
	for _, r := range tx.pending {
		if r.Kind == ingest.KindWeather && r.VillageID == villageID && r.ObservedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) HasMarket(_ context.Context, villageID, commodity string, arrival time.Time) (bool, error) {
	k := marketKey{villageID: villageID, commodity: commodity, arrival: arrival.UTC()}
	if _, ok := tx.store.marketKeys[k]; ok {
		return true, nil
	}
	_, ok := tx.marketKeys[k]
	return ok, nil
}

func (tx *memoryTx) Insert(_ context.Context, r ingest.Reading) (ingest.StoredReading, error) {
	switch r.Kind {
	case ingest.KindWeather:
		if r.Weather == nil {
			return ingest.StoredReading{}, fmt.Errorf("weather reading for %s has no payload", r.VillageID)
		}
		k := weatherKey{villageID: r.VillageID, hour: r.ObservedAt.UTC().Truncate(time.Hour)}
		if tx.hasWeatherKey(k) {
			return ingest.StoredReading{}, fmt.Errorf("weather %s at %s: %w", r.VillageID, k.hour.Format(time.RFC3339), ingest.ErrDuplicateKey)
		}
		tx.weatherKeys[k] = struct{}{}
	case ingest.KindMarket:
		if r.Market == nil {
			return ingest.StoredReading{}, fmt.Errorf("market reading for %s has no payload", r.VillageID)
		}
		k := marketKey{villageID: r.VillageID, commodity: r.Market.Commodity, arrival: r.Market.ArrivalDate.UTC()}
		if tx.hasMarketKey(k) {
			return ingest.StoredReading{}, fmt.Errorf("market %s/%s on %s: %w", r.VillageID, r.Market.Commodity, k.arrival.Format(time.DateOnly), ingest.ErrDuplicateKey)
		}
		tx.marketKeys[k] = struct{}{}
	default:
		return ingest.StoredReading{}, fmt.Errorf("unknown reading kind %q", r.Kind)
	}

	stored := ingest.StoredReading{
		ID:        uuid.NewString(),
		CreatedAt: tx.store.clock.Now().UTC(),
		Reading:   r,
	}
	tx.pending = append(tx.pending, stored)
	return stored, nil
}

func (tx *memoryTx) hasWeatherKey(k weatherKey) bool {
	if _, ok := tx.store.weatherKeys[k]; ok {
		return true
	}
	_, ok := tx.weatherKeys[k]
	return ok
}

func (tx *memoryTx) hasMarketKey(k marketKey) bool {
	if _, ok := tx.store.marketKeys[k]; ok {
		return true
	}
	_, ok := tx.marketKeys[k]
	return ok
}

// LatestWeather returns the most recent weather reading for a village.
func (s *MemoryStore) LatestWeather(ctx context.Context, villageID string) (ingest.StoredReading, error) {
	recent, err := s.RecentWeather(ctx, villageID, 1)
	if err != nil {
		return ingest.StoredReading{}, err
	}
	if len(recent) == 0 {
		return ingest.StoredReading{}, ingest.ErrNotFound
	}
	return recent[0], nil
}

// LatestMarket returns the market reading with the latest arrival date for a village.
func (s *MemoryStore) LatestMarket(ctx context.Context, villageID string) (ingest.StoredReading, error) {
	recent, err := s.RecentMarket(ctx, villageID, 1)
	if err != nil {
		return ingest.StoredReading{}, err
	}
	if len(recent) == 0 {
		return ingest.StoredReading{}, ingest.ErrNotFound
	}
	return recent[0], nil
}

// WeatherRange returns weather readings observed between from and to (inclusive), oldest first.
func (s *MemoryStore) WeatherRange(_ context.Context, villageID string, from, to time.Time) ([]ingest.StoredReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ingest.StoredReading
	for _, r := range s.weather[villageID] {
		if !r.ObservedAt.Before(from) && !r.ObservedAt.After(to) {
			result = append(result, r)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ObservedAt.Before(result[j].ObservedAt)
	})
	return result, nil
}

// RecentWeather returns up to limit weather readings, newest first.
func (s *MemoryStore) RecentWeather(_ context.Context, villageID string, limit int) ([]ingest.StoredReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.weather[villageID], limit), nil
}

// RecentMarket returns up to limit market readings, newest arrival date first.
func (s *MemoryStore) RecentMarket(_ context.Context, villageID string, limit int) ([]ingest.StoredReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.market[villageID], limit), nil
}

// Summary counts every stored reading and averages temperature per village.
func (s *MemoryStore) Summary(_ context.Context) (ingest.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := ingest.Summary{AverageTemperature: []ingest.VillageAverage{}}
	for villageID, rows := range s.weather {
		if len(rows) == 0 {
			continue
		}
		var total float64
		for _, r := range rows {
			total += r.Weather.Temperature
		}
		sum.WeatherReadings += int64(len(rows))
		sum.AverageTemperature = append(sum.AverageTemperature, ingest.VillageAverage{
			VillageID:    villageID,
			TemperatureC: total / float64(len(rows)),
		})
	}
	sort.Slice(sum.AverageTemperature, func(i, j int) bool {
		return sum.AverageTemperature[i].VillageID < sum.AverageTemperature[j].VillageID
	})

	for _, rows := range s.market {
		sum.MarketReadings += int64(len(rows))
		for _, r := range rows {
			p := r.Market.ModalPrice
			if p != nil && (sum.HighestModalPrice == nil || *p > *sum.HighestModalPrice) {
				v := *p
				sum.HighestModalPrice = &v
			}
		}
	}
	return sum, nil
}

// newestFirst copies rows ordered by ObservedAt then CreatedAt, descending.
func newestFirst(rows []ingest.StoredReading, limit int) []ingest.StoredReading {
	out := make([]ingest.StoredReading, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.After(out[j].ObservedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
