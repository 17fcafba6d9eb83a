package providers

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/farm-advisory/internal/ingest"
	"github.com/i474232898/farm-advisory/internal/observability"
)

// DefaultOpenWeatherURL is the One Call 3.0 endpoint.
const DefaultOpenWeatherURL = "https://api.openweathermap.org/data/3.0/onecall"

// OpenWeatherConfig configures the OpenWeather fetcher.
type OpenWeatherConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// OpenWeather fetches current conditions from the OpenWeather One Call API.
type OpenWeather struct {
	upstream
	apiKey  string
	baseURL string
}

// NewOpenWeather creates an OpenWeather fetcher using the shared client.
func NewOpenWeather(client *http.Client, cfg OpenWeatherConfig, metrics *observability.Metrics) *OpenWeather {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenWeatherURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenWeather{
		upstream: newUpstream("openweather", client, timeout, metrics),
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
	}
}

type oneCallResponse struct {
	Current struct {
		Temp      *float64 `json:"temp"`
		Humidity  *float64 `json:"humidity"`
		Pressure  *float64 `json:"pressure"`
		WindSpeed *float64 `json:"wind_speed"`
		UVI       *float64 `json:"uvi"`
		Weather   []struct {
			Main        string `json:"main"`
			Description string `json:"description"`
		} `json:"weather"`
	} `json:"current"`
	Daily []struct {
		Rain *float64 `json:"rain"`
		UVI  *float64 `json:"uvi"`
	} `json:"daily"`
}

// FetchWeather returns the raw current weather for a coordinate.
func (p *OpenWeather) FetchWeather(ctx context.Context, lat, lon float64) (ingest.RawWeather, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return ingest.RawWeather{}, &ingest.InvalidQueryError{Field: "appid"}
	}
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return ingest.RawWeather{}, &ingest.InvalidQueryError{Field: "lat"}
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return ingest.RawWeather{}, &ingest.InvalidQueryError{Field: "lon"}
	}

	values := url.Values{}
	values.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	values.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	values.Set("appid", p.apiKey)
	values.Set("units", "metric")
	values.Set("exclude", "minutely,hourly,alerts")

	var payload oneCallResponse
	if err := p.getJSON(ctx, p.baseURL+"?"+values.Encode(), &payload); err != nil {
		return ingest.RawWeather{}, err
	}

	raw := ingest.RawWeather{
		Temperature: payload.Current.Temp,
		Humidity:    payload.Current.Humidity,
		Pressure:    payload.Current.Pressure,
		WindSpeed:   payload.Current.WindSpeed,
		UVI:         payload.Current.UVI,
	}
	if len(payload.Current.Weather) > 0 {
		raw.Main = payload.Current.Weather[0].Main
		raw.Description = payload.Current.Weather[0].Description
	}
	if len(payload.Daily) > 0 {
		today := payload.Daily[0]
		raw.Rainfall = today.Rain
		if today.UVI != nil {
			raw.UVI = today.UVI
		}
	}
	return raw, nil
}
