package ingest

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 10, 30, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func requireRejected(t *testing.T, err error, reason RejectReason) *Rejected {
	t.Helper()
	var rej *Rejected
	require.True(t, errors.As(err, &rej), "expected *Rejected, got %v", err)
	assert.Equal(t, reason, rej.Reason)
	return rej
}

func TestValidateWeather_TemperatureBounds(t *testing.T) {
	for temp := -100.0; temp <= 100.0; temp += 0.5 {
		_, err := ValidateWeather("v1", now, RawWeather{Temperature: f(temp)})
		if temp < MinTemperature || temp > MaxTemperature {
			requireRejected(t, err, ReasonOutOfRange)
		} else {
			assert.NoError(t, err, "temperature %g", temp)
		}
	}
}

func TestValidateWeather_MissingTemperature(t *testing.T) {
	_, err := ValidateWeather("v1", now, RawWeather{Humidity: f(50)})
	rej := requireRejected(t, err, ReasonMissingRequired)
	assert.Equal(t, "temperature", rej.Field)
}

func TestValidateWeather_NaNTemperature(t *testing.T) {
	_, err := ValidateWeather("v1", now, RawWeather{Temperature: f(math.NaN())})
	requireRejected(t, err, ReasonUnparseable)
}

func TestValidateWeather_TooHot(t *testing.T) {
	_, err := ValidateWeather("v1", now, RawWeather{Temperature: f(70)})
	rej := requireRejected(t, err, ReasonOutOfRange)
	assert.Equal(t, "temperature", rej.Field)
}

func TestValidateWeather_HumidityClamped(t *testing.T) {
	r, err := ValidateWeather("v1", now, RawWeather{Temperature: f(28), Humidity: f(150)})
	require.NoError(t, err)
	require.NotNil(t, r.Weather.Humidity)
	assert.Equal(t, 100.0, *r.Weather.Humidity)
	assert.Equal(t, 28.0, r.Weather.Temperature)
}

func TestClampHumidity_RangeAndIdempotence(t *testing.T) {
	for _, h := range []float64{-1e9, -50, -0.1, 0, 0.1, 42, 99.9, 100, 100.1, 150, 1e9} {
		c := ClampHumidity(h)
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 100.0)
		assert.Equal(t, c, ClampHumidity(c))
	}
}

func TestValidateWeather_Rainfall(t *testing.T) {
	r, err := ValidateWeather("v1", now, RawWeather{Temperature: f(20), Rainfall: f(-3)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Weather.Rainfall)

	r, err = ValidateWeather("v1", now, RawWeather{Temperature: f(20)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Weather.Rainfall)

	r, err = ValidateWeather("v1", now, RawWeather{Temperature: f(20), Rainfall: f(12.5)})
	require.NoError(t, err)
	assert.Equal(t, 12.5, r.Weather.Rainfall)
}

func TestValidateWeather_Output(t *testing.T) {
	local := now.In(time.FixedZone("IST", 5*3600+1800))
	r, err := ValidateWeather("v1", local, RawWeather{
		Temperature: f(31.2),
		Pressure:    f(1008),
		UVI:         f(9.1),
		Description: " light rain ",
		Main:        "Rain",
	})
	require.NoError(t, err)
	assert.Equal(t, KindWeather, r.Kind)
	assert.Equal(t, "v1", r.VillageID)
	assert.Equal(t, time.UTC, r.ObservedAt.Location())
	assert.True(t, r.ObservedAt.Equal(now))
	assert.Equal(t, "light rain", r.Weather.Description)
	assert.Equal(t, ConditionRain, r.Weather.Condition)
	assert.Nil(t, r.Weather.Humidity)
	assert.Nil(t, r.Market)
}

func TestMapCondition(t *testing.T) {
	assert.Equal(t, ConditionClear, MapCondition("Clear"))
	assert.Equal(t, ConditionCloudy, MapCondition("Clouds"))
	assert.Equal(t, ConditionRain, MapCondition("Drizzle"))
	assert.Equal(t, ConditionStorm, MapCondition("Thunderstorm"))
	assert.Equal(t, ConditionMist, MapCondition("Haze"))
	assert.Equal(t, ConditionSnow, MapCondition("Snow"))
	assert.Equal(t, ConditionUnknown, MapCondition(""))
	assert.Equal(t, ConditionUnknown, MapCondition("Meteor"))
}

func TestValidateMarket(t *testing.T) {
	tests := []struct {
		name   string
		rec    RawMarketRecord
		reason RejectReason // empty means accepted
		field  string
	}{
		{
			name:   "negative modal",
			rec:    RawMarketRecord{ArrivalDate: "01/06/2026", ModalPrice: "-5"},
			reason: ReasonOutOfRange,
			field:  "modal_price",
		},
		{
			name:   "modal above ceiling",
			rec:    RawMarketRecord{ArrivalDate: "01/06/2026", ModalPrice: "500001", MinPrice: "100"},
			reason: ReasonOutOfRange,
			field:  "modal_price",
		},
		{
			name:   "all prices absent",
			rec:    RawMarketRecord{ArrivalDate: "01/06/2026"},
			reason: ReasonMissingRequired,
			field:  "price",
		},
		{
			name:   "all prices unparseable",
			rec:    RawMarketRecord{ArrivalDate: "01/06/2026", ModalPrice: "abc", MinPrice: "?", MaxPrice: "NA"},
			reason: ReasonUnparseable,
			field:  "price",
		},
		{
			name:   "only negative min",
			rec:    RawMarketRecord{ArrivalDate: "01/06/2026", MinPrice: "-1"},
			reason: ReasonOutOfRange,
			field:  "price",
		},
		{
			name:   "missing arrival date",
			rec:    RawMarketRecord{ModalPrice: "1500"},
			reason: ReasonMissingRequired,
			field:  "arrival_date",
		},
		{
			name:   "bad arrival date",
			rec:    RawMarketRecord{ModalPrice: "1500", ArrivalDate: "June 1st"},
			reason: ReasonUnparseable,
			field:  "arrival_date",
		},
		{
			name: "modal only",
			rec:  RawMarketRecord{ArrivalDate: "01/06/2026", ModalPrice: "1500"},
		},
		{
			name: "unparseable modal but valid min",
			rec:  RawMarketRecord{ArrivalDate: "2026-06-01", ModalPrice: "n/a?", MinPrice: "1200"},
		},
		{
			name: "boundary modal",
			rec:  RawMarketRecord{ArrivalDate: "2026-06-01", ModalPrice: "500000"},
		},
		{
			name: "zero modal",
			rec:  RawMarketRecord{ArrivalDate: "2026-06-01", ModalPrice: "0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ValidateMarket("v1", "Onion", tt.rec)
			if tt.reason == "" {
				require.NoError(t, err)
				assert.Equal(t, KindMarket, r.Kind)
				assert.Equal(t, "Onion", r.Market.Commodity)
				return
			}
			rej := requireRejected(t, err, tt.reason)
			assert.Equal(t, tt.field, rej.Field)
		})
	}
}

func TestValidateMarket_Fields(t *testing.T) {
	r, err := ValidateMarket("v1", "Tomato", RawMarketRecord{
		ArrivalDate: "05/06/2026",
		Variety:     " Hybrid ",
		Market:      "Azadpur",
		ModalPrice:  "1,850",
		MinPrice:    "-10",
		MaxPrice:    "2100.50",
	})
	require.NoError(t, err)
	day := time.Date(2026, 6, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, day, r.Market.ArrivalDate)
	assert.Equal(t, day, r.ObservedAt)
	assert.Equal(t, "Hybrid", r.Market.Variety)
	assert.Equal(t, "Azadpur", r.Market.MarketName)
	require.NotNil(t, r.Market.ModalPrice)
	assert.Equal(t, 1850.0, *r.Market.ModalPrice)
	assert.Nil(t, r.Market.MinPrice, "negative bound dropped")
	require.NotNil(t, r.Market.MaxPrice)
	assert.Equal(t, 2100.5, *r.Market.MaxPrice)
}

func TestParsePrice(t *testing.T) {
	v, bad := ParsePrice(" 42.5 ")
	require.NotNil(t, v)
	assert.False(t, bad)
	assert.Equal(t, 42.5, *v)

	v, bad = ParsePrice("")
	assert.Nil(t, v)
	assert.False(t, bad)

	v, bad = ParsePrice("NULL")
	assert.Nil(t, v)
	assert.False(t, bad)

	v, bad = ParsePrice("twelve")
	assert.Nil(t, v)
	assert.True(t, bad)

	v, bad = ParsePrice("Inf")
	assert.Nil(t, v)
	assert.True(t, bad)
}

func TestParseArrivalDate(t *testing.T) {
	want := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"01/06/2026", "2026-06-01", "2026-06-01T00:00:00Z", "01-06-2026"} {
		got, err := ParseArrivalDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	got, err := ParseArrivalDate("2026-06-01T23:30:00-02:00")
	require.NoError(t, err)
	assert.Equal(t, want.AddDate(0, 0, 1), got, "normalized to the UTC day")

	_, err = ParseArrivalDate("31/02/2026")
	require.Error(t, err)
}
