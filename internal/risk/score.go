// Package risk computes a deterministic village risk score from recent readings.
package risk

import (
	"math"

	"github.com/i474232898/farm-advisory/internal/ingest"
)

// Window is the number of most recent readings of each kind that feed a score.
const Window = 7

// Component weights and fixed values.
const (
	maxWeather         = 40.0
	maxMarket          = 30.0
	noWeatherDefault   = 20.0
	soilDefault        = 10.0
	historicalBaseline = 5.0
	trendThresholdPct  = 5.0
)

// Level buckets a score.
type Level string

const (
	LevelLow      Level = "Low"
	LevelModerate Level = "Moderate"
	LevelHigh     Level = "High"
	LevelCritical Level = "Critical"
)

// Breakdown carries the individual components of a score.
type Breakdown struct {
	Weather        float64 `json:"weather"`
	Market         float64 `json:"market"`
	Soil           float64 `json:"soil"`
	Historical     float64 `json:"historical"`
	HasWeatherData bool    `json:"hasWeatherData"`
	HasMarketData  bool    `json:"hasMarketData"`
}

// Result is a computed village risk.
type Result struct {
	Score     float64   `json:"score"`
	Level     Level     `json:"riskLevel"`
	Breakdown Breakdown `json:"breakdown"`
}

// LevelFor maps a score in [0, 100] to its level.
func LevelFor(score float64) Level {
	switch {
	case score <= 30:
		return LevelLow
	case score <= 60:
		return LevelModerate
	case score <= 80:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Score computes the risk for one village. Both slices are expected newest
// first; only the first Window entries of each are used and entries of the
// wrong kind are ignored.
func Score(weather, market []ingest.StoredReading) Result {
	w, hasWeather := weatherComponent(head(weather))
	m, hasMarket := marketComponent(head(market))

	total := w + m + soilDefault + historicalBaseline
	score := math.Max(0, math.Min(100, total))
	return Result{
		Score: score,
		Level: LevelFor(score),
		Breakdown: Breakdown{
			Weather:        w,
			Market:         m,
			Soil:           soilDefault,
			Historical:     historicalBaseline,
			HasWeatherData: hasWeather,
			HasMarketData:  hasMarket,
		},
	}
}

func head(rs []ingest.StoredReading) []ingest.StoredReading {
	if len(rs) > Window {
		return rs[:Window]
	}
	return rs
}

func weatherComponent(rs []ingest.StoredReading) (float64, bool) {
	var temps, hums, uvis []float64
	rain := 0.0
	for _, r := range rs {
		if r.Kind != ingest.KindWeather || r.Weather == nil {
			continue
		}
		temps = append(temps, r.Weather.Temperature)
		rain += r.Weather.Rainfall
		if r.Weather.Humidity != nil {
			hums = append(hums, *r.Weather.Humidity)
		}
		if r.Weather.UVI != nil {
			uvis = append(uvis, *r.Weather.UVI)
		}
	}
	if len(temps) == 0 {
		return noWeatherDefault, false
	}

	score := 0.0
	if t := mean(temps); t > 35 || t < 10 {
		score += 15
	}
	if mean(hums) > 85 {
		score += 10
	}
	if rain > 100 {
		score += 10
	}
	if mean(uvis) > 8 {
		score += 5
	}
	return math.Min(maxWeather, score), true
}

// marketComponent compares the mean modal price of the latest three readings
// with the three before them. A drop beyond the threshold scores its size in
// percent; a rise beyond it scores zero; small moves score their magnitude.
func marketComponent(rs []ingest.StoredReading) (float64, bool) {
	var prices []float64
	for _, r := range rs {
		if r.Kind != ingest.KindMarket || r.Market == nil || r.Market.ModalPrice == nil {
			continue
		}
		prices = append(prices, *r.Market.ModalPrice)
	}
	if len(prices) < 2 {
		return 0, len(prices) > 0
	}
	last := prices[:min(3, len(prices))]
	var prev []float64
	if len(prices) > 3 {
		prev = prices[3:min(6, len(prices))]
	}
	if len(prev) == 0 {
		return 0, true
	}
	avgPrev := mean(prev)
	if avgPrev == 0 {
		return 0, true
	}
	change := (mean(last) - avgPrev) / avgPrev * 100
	if change > trendThresholdPct {
		return 0, true
	}
	return math.Min(maxMarket, math.Abs(change)), true
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}
