package ingest

import (
	"time"
)

// Kind identifies the class of observation a Reading carries.
type Kind string

const (
	KindWeather Kind = "weather"
	KindMarket  Kind = "market"
)

// Condition represents a normalized high-level weather condition.
type Condition string

const (
	ConditionUnknown Condition = "unknown"
	ConditionClear   Condition = "clear"
	ConditionCloudy  Condition = "cloudy"
	ConditionRain    Condition = "rain"
	ConditionSnow    Condition = "snow"
	ConditionStorm   Condition = "storm"
	ConditionMist    Condition = "mist"
)

// Village is a location that ingestion fetches data for.
// Lat/Lon are optional; villages without coordinates are skipped by weather ingestion.
type Village struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Lat    *float64      `json:"lat,omitempty"`
	Lon    *float64      `json:"lon,omitempty"`
	Market *MarketRegion `json:"market,omitempty"`
}

// HasCoordinates reports whether the village can be used as a weather fetch key.
func (v Village) HasCoordinates() bool {
	return v.Lat != nil && v.Lon != nil
}

// MarketRegion describes the mandi filters used to fetch prices for a village.
type MarketRegion struct {
	State       string   `json:"state"`
	District    string   `json:"district"`
	Commodities []string `json:"commodities"`
}

// MarketEntity is one (village, commodity) pair fetched by market ingestion.
type MarketEntity struct {
	VillageID string
	State     string
	District  string
	Commodity string
}

// Key returns a canonical string key for logging and event keys.
func (m MarketEntity) Key() string {
	return m.VillageID + ":" + m.Commodity
}

// WeatherFields is the sanitized numeric payload of a weather reading.
type WeatherFields struct {
	Temperature float64   `json:"temperatureC"`
	Humidity    *float64  `json:"humidityPercent,omitempty"`
	Pressure    *float64  `json:"pressureHpa,omitempty"`
	WindSpeed   *float64  `json:"windSpeed,omitempty"`
	Rainfall    float64   `json:"rainfallMm"`
	UVI         *float64  `json:"uvi,omitempty"`
	Description string    `json:"description,omitempty"`
	Condition   Condition `json:"condition"`
}

// MarketFields is the sanitized payload of a single mandi price record.
type MarketFields struct {
	Commodity   string    `json:"commodity"`
	Variety     string    `json:"variety,omitempty"`
	MarketName  string    `json:"marketName,omitempty"`
	ArrivalDate time.Time `json:"arrivalDate"` // UTC midnight
	ModalPrice  *float64  `json:"modalPrice,omitempty"`
	MinPrice    *float64  `json:"minPrice,omitempty"`
	MaxPrice    *float64  `json:"maxPrice,omitempty"`
}

// Reading is a validated observation ready to be persisted.
// Exactly one of Weather or Market is set, matching Kind.
type Reading struct {
	Kind       Kind           `json:"kind"`
	VillageID  string         `json:"villageId"`
	ObservedAt time.Time      `json:"observedAt"` // always UTC
	Weather    *WeatherFields `json:"weather,omitempty"`
	Market     *MarketFields  `json:"market,omitempty"`
}

// StoredReading is a Reading as written by the Persister.
type StoredReading struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Reading
}

// Summary aggregates everything ingestion has stored across villages.
// AverageTemperature is ordered by village id.
type Summary struct {
	WeatherReadings    int64            `json:"totalWeatherEntries"`
	MarketReadings     int64            `json:"totalMarketEntries"`
	AverageTemperature []VillageAverage `json:"averageTemperature"`
	HighestModalPrice  *float64         `json:"highestModalPrice,omitempty"`
}

// VillageAverage is the mean temperature of one village's weather readings.
type VillageAverage struct {
	VillageID    string  `json:"villageId"`
	TemperatureC float64 `json:"temperatureC"`
}

// Outcome is the result class of one ingestion run.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeSkippedInvalid   Outcome = "skipped_invalid"
	OutcomeFailed           Outcome = "failed"
)

// Run describes one execution of an ingestion job for a single entity.
type Run struct {
	ID         string               `json:"id"`
	Kind       Kind                 `json:"kind"`
	EntityID   string               `json:"entityId"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	Outcome    Outcome              `json:"outcome"`
	Fetched    int                  `json:"fetched"`
	Inserted   int                  `json:"inserted"`
	Duplicates int                  `json:"duplicates"`
	Rejected   map[RejectReason]int `json:"rejected,omitempty"`
	CacheStale bool                 `json:"cacheStale,omitempty"`
	Error      string               `json:"error,omitempty"`
	Stored     []StoredReading      `json:"-"`
}

// rejectedCount sums all per-reason rejections.
func (r Run) rejectedCount() int {
	n := 0
	for _, c := range r.Rejected {
		n += c
	}
	return n
}

// finalize derives the outcome from the counters when no error occurred.
func (r *Run) finalize() {
	switch {
	case r.Error != "":
		r.Outcome = OutcomeFailed
	case r.Inserted > 0:
		r.Outcome = OutcomeSucceeded
	case r.Duplicates > 0:
		r.Outcome = OutcomeSkippedDuplicate
	default:
		r.Outcome = OutcomeSkippedInvalid
	}
}
