package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/farm-advisory/internal/common"
)

// Acceptance boundaries shared by the validator and its callers.
const (
	MinTemperature = -60.0
	MaxTemperature = 60.0
	MinHumidity    = 0.0
	MaxHumidity    = 100.0
	MaxModalPrice  = 500000.0
)

// arrivalLayouts are the date formats the market API has been seen to emit.
var arrivalLayouts = []string{
	"02/01/2006",
	"2006-01-02",
	time.RFC3339,
	"02-01-2006",
}

// ValidateWeather turns a raw weather payload into a Reading or a *Rejected error.
// Temperature is mandatory and must lie in [MinTemperature, MaxTemperature];
// humidity is clamped to [0, 100]; negative or missing rainfall becomes 0.
func ValidateWeather(villageID string, observedAt time.Time, raw RawWeather) (Reading, error) {
	if raw.Temperature == nil {
		return Reading{}, &Rejected{Reason: ReasonMissingRequired, Field: "temperature"}
	}
	t := *raw.Temperature
	if math.IsNaN(t) {
		return Reading{}, &Rejected{Reason: ReasonUnparseable, Field: "temperature"}
	}
	if t < MinTemperature || t > MaxTemperature {
		return Reading{}, &Rejected{
			Reason: ReasonOutOfRange,
			Field:  "temperature",
			Detail: fmt.Sprintf("%g outside [%g, %g]", t, MinTemperature, MaxTemperature),
		}
	}

	fields := &WeatherFields{
		Temperature: t,
		Pressure:    finite(raw.Pressure),
		WindSpeed:   finite(raw.WindSpeed),
		UVI:         finite(raw.UVI),
		Rainfall:    ClampRainfall(raw.Rainfall),
		Description: strings.TrimSpace(raw.Description),
		Condition:   MapCondition(raw.Main),
	}
	if h := finite(raw.Humidity); h != nil {
		clamped := ClampHumidity(*h)
		fields.Humidity = &clamped
	}

	return Reading{
		Kind:       KindWeather,
		VillageID:  villageID,
		ObservedAt: observedAt.UTC(),
		Weather:    fields,
	}, nil
}

// ClampHumidity bounds h to [MinHumidity, MaxHumidity]. It is idempotent.
func ClampHumidity(h float64) float64 {
	return math.Min(MaxHumidity, math.Max(MinHumidity, h))
}

// ClampRainfall treats missing and negative rainfall as zero.
func ClampRainfall(r *float64) float64 {
	if r == nil || math.IsNaN(*r) || *r < 0 {
		return 0
	}
	return *r
}

// ValidateMarket turns one raw mandi record into a Reading or a *Rejected error.
// Prices that cannot be parsed are treated as absent; the record is rejected only
// when all three prices are absent or the modal price lies outside [0, MaxModalPrice].
func ValidateMarket(villageID, commodity string, raw RawMarketRecord) (Reading, error) {
	modal, modalBad := ParsePrice(raw.ModalPrice)
	if modal != nil && (*modal < 0 || *modal > MaxModalPrice) {
		return Reading{}, &Rejected{
			Reason: ReasonOutOfRange,
			Field:  "modal_price",
			Detail: fmt.Sprintf("%g outside [0, %g]", *modal, MaxModalPrice),
		}
	}
	minPrice, minBad := ParsePrice(raw.MinPrice)
	maxPrice, maxBad := ParsePrice(raw.MaxPrice)

	// Negative bounds are dropped rather than clamped.
	var droppedNegative bool
	if minPrice != nil && *minPrice < 0 {
		minPrice, droppedNegative = nil, true
	}
	if maxPrice != nil && *maxPrice < 0 {
		maxPrice, droppedNegative = nil, true
	}

	if modal == nil && minPrice == nil && maxPrice == nil {
		switch {
		case droppedNegative:
			return Reading{}, &Rejected{Reason: ReasonOutOfRange, Field: "price", Detail: "negative min/max price"}
		case modalBad || minBad || maxBad:
			return Reading{}, &Rejected{Reason: ReasonUnparseable, Field: "price"}
		default:
			return Reading{}, &Rejected{Reason: ReasonMissingRequired, Field: "price"}
		}
	}

	if strings.TrimSpace(raw.ArrivalDate) == "" {
		return Reading{}, &Rejected{Reason: ReasonMissingRequired, Field: "arrival_date"}
	}
	arrival, err := ParseArrivalDate(raw.ArrivalDate)
	if err != nil {
		return Reading{}, &Rejected{Reason: ReasonUnparseable, Field: "arrival_date", Detail: raw.ArrivalDate}
	}

	return Reading{
		Kind:       KindMarket,
		VillageID:  villageID,
		ObservedAt: arrival,
		Market: &MarketFields{
			Commodity:   commodity,
			Variety:     strings.TrimSpace(raw.Variety),
			MarketName:  strings.TrimSpace(raw.Market),
			ArrivalDate: arrival,
			ModalPrice:  modal,
			MinPrice:    minPrice,
			MaxPrice:    maxPrice,
		},
	}, nil
}

// ParsePrice parses a textual price. It returns (nil, false) for an absent value
// and (nil, true) for a present but unparseable one.
func ParsePrice(s string) (*float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || common.EqualFoldAny(s, "na", "n/a", "null", "-", "nr") {
		return nil, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, true
	}
	return &v, false
}

// ParseArrivalDate parses an arrival date and truncates it to UTC midnight.
func ParseArrivalDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range arrivalLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized arrival date %q", s)
}

// MapCondition normalizes an OpenWeather "main" group name.
func MapCondition(main string) Condition {
	switch strings.TrimSpace(main) {
	case "":
		return ConditionUnknown
	case "Clear":
		return ConditionClear
	case "Clouds":
		return ConditionCloudy
	case "Rain", "Drizzle":
		return ConditionRain
	case "Snow":
		return ConditionSnow
	case "Thunderstorm", "Squall", "Tornado":
		return ConditionStorm
	case "Mist", "Fog", "Haze", "Smoke", "Dust", "Sand", "Ash":
		return ConditionMist
	default:
		return ConditionUnknown
	}
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	out := *v
	return &out
}
