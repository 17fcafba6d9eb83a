package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/i474232898/farm-advisory/internal/common"
	"github.com/i474232898/farm-advisory/internal/ingest"
	"github.com/i474232898/farm-advisory/internal/observability"
)

// DefaultMarketURL is the data.gov.in daily mandi price resource.
const DefaultMarketURL = "https://api.data.gov.in/resource/35985678-0d79-46b4-9ed6-6f13308a1d24"

// MarketConfig configures the mandi price fetcher.
type MarketConfig struct {
	APIKey  string
	BaseURL string
	Limit   int
	Timeout time.Duration
	// RatePerSec throttles outgoing requests; 0 disables throttling.
	RatePerSec float64
}

// Market fetches commodity prices from the data.gov.in mandi API.
type Market struct {
	upstream
	apiKey  string
	baseURL string
	limit   int
	limiter *rate.Limiter
}

// NewMarket creates a Market fetcher using the shared client.
func NewMarket(client *http.Client, cfg MarketConfig, metrics *observability.Metrics) *Market {
	m := &Market{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		limit:   cfg.Limit,
	}
	if m.baseURL == "" {
		m.baseURL = DefaultMarketURL
	}
	if m.limit <= 0 {
		m.limit = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	m.upstream = newUpstream("data.gov.in", client, timeout, metrics)
	if cfg.RatePerSec > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return m
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	switch {
	case string(b) == "null":
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		*f = flexString(b)
	}
	return nil
}

type mandiResponse struct {
	Records []struct {
		ArrivalDate string     `json:"Arrival_Date"`
		Variety     string     `json:"Variety"`
		Market      string     `json:"Market"`
		MarketName  string     `json:"Market_Name"`
		ModalPrice  flexString `json:"Modal_Price"`
		MinPrice    flexString `json:"Min_Price"`
		MaxPrice    flexString `json:"Max_Price"`
	} `json:"records"`
}

// FetchMarket returns the raw price records for one region and commodity.
// Empty filters are rejected before anything is sent.
func (m *Market) FetchMarket(ctx context.Context, state, district, commodity string) (ingest.RawMarket, error) {
	state, district, commodity = strings.TrimSpace(state), strings.TrimSpace(district), strings.TrimSpace(commodity)
	switch {
	case state == "":
		return ingest.RawMarket{}, &ingest.InvalidQueryError{Field: "state"}
	case district == "":
		return ingest.RawMarket{}, &ingest.InvalidQueryError{Field: "district"}
	case commodity == "":
		return ingest.RawMarket{}, &ingest.InvalidQueryError{Field: "commodity"}
	case strings.TrimSpace(m.apiKey) == "":
		return ingest.RawMarket{}, &ingest.InvalidQueryError{Field: "api-key"}
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return ingest.RawMarket{}, &ingest.UpstreamError{API: m.api, Message: "rate limiter", Err: err}
		}
	}

	values := url.Values{}
	values.Set("api-key", m.apiKey)
	values.Set("format", "json")
	values.Set("limit", strconv.Itoa(m.limit))
	values.Set("filters[State]", state)
	values.Set("filters[District]", district)
	values.Set("filters[Commodity]", commodity)

	var payload mandiResponse
	if err := m.getJSON(ctx, m.baseURL+"?"+values.Encode(), &payload); err != nil {
		return ingest.RawMarket{}, err
	}

	out := ingest.RawMarket{Records: make([]ingest.RawMarketRecord, 0, len(payload.Records))}
	for _, r := range payload.Records {
		out.Records = append(out.Records, ingest.RawMarketRecord{
			ArrivalDate: r.ArrivalDate,
			Variety:     r.Variety,
			Market:      common.FirstNonEmpty(r.Market, r.MarketName),
			ModalPrice:  string(r.ModalPrice),
			MinPrice:    string(r.MinPrice),
			MaxPrice:    string(r.MaxPrice),
		})
	}
	return out, nil
}
