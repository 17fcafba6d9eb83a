package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/farm-advisory/internal/ingest"
	"github.com/i474232898/farm-advisory/internal/observability"
)

const oneCallBody = `{
  "current": {
    "temp": 31.4,
    "humidity": 72,
    "pressure": 1006,
    "wind_speed": 3.2,
    "uvi": 6.5,
    "weather": [{"main": "Rain", "description": "light rain"}]
  },
  "daily": [{"rain": 4.2, "uvi": 9.1}]
}`

func TestOpenWeather_FetchWeather(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(oneCallBody))
	}))
	defer srv.Close()

	metrics := observability.NewMetricsForTesting()
	p := NewOpenWeather(srv.Client(), OpenWeatherConfig{APIKey: "secret", BaseURL: srv.URL}, metrics)

	raw, err := p.FetchWeather(context.Background(), 28.61, 77.2)
	require.NoError(t, err)

	q := got.URL.Query()
	assert.Equal(t, "28.61", q.Get("lat"))
	assert.Equal(t, "77.2", q.Get("lon"))
	assert.Equal(t, "secret", q.Get("appid"))
	assert.Equal(t, "metric", q.Get("units"))

	require.NotNil(t, raw.Temperature)
	assert.Equal(t, 31.4, *raw.Temperature)
	assert.Equal(t, 72.0, *raw.Humidity)
	assert.Equal(t, 1006.0, *raw.Pressure)
	assert.Equal(t, 3.2, *raw.WindSpeed)
	assert.Equal(t, 4.2, *raw.Rainfall)
	assert.Equal(t, 9.1, *raw.UVI, "daily uvi wins")
	assert.Equal(t, "Rain", raw.Main)
	assert.Equal(t, "light rain", raw.Description)
}

func TestOpenWeather_MissingFieldsStayNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"current": {"humidity": 50}}`))
	}))
	defer srv.Close()

	p := NewOpenWeather(srv.Client(), OpenWeatherConfig{APIKey: "k", BaseURL: srv.URL}, nil)
	raw, err := p.FetchWeather(context.Background(), 10, 10)
	require.NoError(t, err)
	assert.Nil(t, raw.Temperature)
	assert.Nil(t, raw.Rainfall)
	assert.Empty(t, raw.Main)
}

func TestOpenWeather_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"cod":401,"message":"Invalid API key"}`))
	}))
	defer srv.Close()

	p := NewOpenWeather(srv.Client(), OpenWeatherConfig{APIKey: "bad", BaseURL: srv.URL}, nil)
	_, err := p.FetchWeather(context.Background(), 10, 10)

	var uerr *ingest.UpstreamError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "openweather", uerr.API)
	assert.Equal(t, http.StatusUnauthorized, uerr.StatusCode)
	assert.Contains(t, uerr.Message, "Invalid API key")
}

func TestOpenWeather_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewOpenWeather(srv.Client(), OpenWeatherConfig{APIKey: "k", BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	_, err := p.FetchWeather(context.Background(), 10, 10)

	var uerr *ingest.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, 0, uerr.StatusCode)
	assert.Equal(t, "request timed out", uerr.Message)
	assert.NotContains(t, err.Error(), "appid=k", "api key must not leak into errors")
}

func TestOpenWeather_NoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewOpenWeather(srv.Client(), OpenWeatherConfig{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := p.FetchWeather(context.Background(), 10, 10)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenWeather_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	metrics := observability.NewMetricsForTesting()
	p := NewOpenWeather(srv.Client(), OpenWeatherConfig{APIKey: "k", BaseURL: srv.URL}, metrics)
	for i := 0; i < 5; i++ {
		_, err := p.FetchWeather(context.Background(), 10, 10)
		require.Error(t, err)
	}

	_, err := p.FetchWeather(context.Background(), 10, 10)
	var uerr *ingest.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "circuit open", uerr.Message)
	assert.Equal(t, int32(5), calls.Load())
}

func TestOpenWeather_InvalidQueryBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := NewOpenWeather(srv.Client(), OpenWeatherConfig{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := p.FetchWeather(context.Background(), 91, 10)
	require.ErrorIs(t, err, ingest.ErrInvalidQuery)

	noKey := NewOpenWeather(srv.Client(), OpenWeatherConfig{BaseURL: srv.URL}, nil)
	_, err = noKey.FetchWeather(context.Background(), 10, 10)
	require.ErrorIs(t, err, ingest.ErrInvalidQuery)
	assert.Equal(t, int32(0), calls.Load())
}

func TestOpenWeather_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer srv.Close()

	p := NewOpenWeather(srv.Client(), OpenWeatherConfig{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := p.FetchWeather(context.Background(), 10, 10)
	var uerr *ingest.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "decode response", uerr.Message)
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "empty response body", excerpt(nil))
	long := strings.Repeat("x", 1000)
	assert.Len(t, excerpt([]byte(long)), maxExcerpt+3)

	// Three-byte runes: byte 256 falls inside one.
	hindi := strings.Repeat("ह", 300)
	got := excerpt([]byte(hindi))
	assert.True(t, utf8.ValidString(got), "excerpt must not split a rune")
	assert.Equal(t, strings.Repeat("ह", 85)+"...", got)
}
