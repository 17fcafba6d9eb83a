package ingest

import (
	"context"
	"time"
)

// RawWeather is the subset of an upstream weather payload the validator consumes.
// Nil pointers mean the upstream omitted the field.
type RawWeather struct {
	Temperature *float64
	Humidity    *float64
	Pressure    *float64
	WindSpeed   *float64
	Rainfall    *float64
	UVI         *float64
	Description string
	Main        string
}

// RawMarketRecord is one upstream mandi record with prices left as text.
type RawMarketRecord struct {
	ArrivalDate string
	Variety     string
	Market      string
	ModalPrice  string
	MinPrice    string
	MaxPrice    string
}

// RawMarket is the decoded market API response.
type RawMarket struct {
	Records []RawMarketRecord
}

// WeatherFetcher retrieves the current weather for a coordinate.
type WeatherFetcher interface {
	FetchWeather(ctx context.Context, lat, lon float64) (RawWeather, error)
}

// MarketFetcher retrieves mandi prices for a region and commodity.
type MarketFetcher interface {
	FetchMarket(ctx context.Context, state, district, commodity string) (RawMarket, error)
}

// Registry lists the entities ingestion runs for. It is read-only.
type Registry interface {
	Villages(ctx context.Context) ([]Village, error)
}

// Tx is the transactional view used by the deduplicator and persister.
// Implementations must enforce a uniqueness constraint per dedup key and
// return ErrDuplicateKey (wrapped) when an insert violates it.
type Tx interface {
	HasWeatherSince(ctx context.Context, villageID string, since time.Time) (bool, error)
	HasMarket(ctx context.Context, villageID, commodity string, arrival time.Time) (bool, error)
	Insert(ctx context.Context, r Reading) (StoredReading, error)
}

// Store runs fn inside a single transaction: commit when fn returns nil,
// roll back otherwise. Each call acquires its own connection.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Reader is the read path used by the HTTP API and the risk score.
// Latest* return ErrNotFound when nothing is stored; Recent* return newest first.
type Reader interface {
	LatestWeather(ctx context.Context, villageID string) (StoredReading, error)
	LatestMarket(ctx context.Context, villageID string) (StoredReading, error)
	WeatherRange(ctx context.Context, villageID string, from, to time.Time) ([]StoredReading, error)
	RecentWeather(ctx context.Context, villageID string, limit int) ([]StoredReading, error)
	RecentMarket(ctx context.Context, villageID string, limit int) ([]StoredReading, error)
	Summary(ctx context.Context) (Summary, error)
}

// Invalidator keeps derived cache entries consistent with freshly written readings.
type Invalidator interface {
	Invalidate(ctx context.Context, villageID string, kind Kind, latest StoredReading) error
}

// RunPublisher emits finished runs to downstream consumers.
type RunPublisher interface {
	Publish(ctx context.Context, runs ...Run) error
}
