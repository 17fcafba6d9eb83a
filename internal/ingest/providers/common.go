package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"

	"github.com/i474232898/farm-advisory/internal/ingest"
	"github.com/i474232898/farm-advisory/internal/observability"
)

const (
	// maxBodyBytes caps how much of an upstream response is read.
	maxBodyBytes = 4 << 20
	// maxExcerpt caps the response excerpt carried by an UpstreamError.
	maxExcerpt = 256
)

// upstream performs single-attempt GET requests against one third-party API.
// Every call carries its own timeout; a circuit breaker stops hammering an
// API that keeps failing. There are no retries: the next scheduler tick is
// the retry.
type upstream struct {
	api     string
	client  *http.Client
	timeout time.Duration
	circuit *gobreaker.CircuitBreaker
	metrics *observability.Metrics
}

func newUpstream(api string, client *http.Client, timeout time.Duration, metrics *observability.Metrics) upstream {
	if client == nil {
		client = http.DefaultClient
	}
	return upstream{
		api:     api,
		client:  client,
		timeout: timeout,
		circuit: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        api,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		metrics: metrics,
	}
}

// getJSON fetches rawURL and decodes a 2xx JSON body into out. Failures are
// returned as *ingest.UpstreamError. The response body is always closed.
func (u upstream) getJSON(ctx context.Context, rawURL string, out any) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := u.circuit.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, &ingest.UpstreamError{API: u.api, Message: "build request", Err: err}
		}
		req.Header.Set("Accept", "application/json")

		resp, err := u.client.Do(req)
		if err != nil {
			return nil, u.transportError(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, u.transportError(err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &ingest.UpstreamError{API: u.api, StatusCode: resp.StatusCode, Message: excerpt(body)}
		}
		return body, nil
	})
	u.observe(start, err)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ingest.UpstreamError{API: u.api, Message: "circuit open", Err: err}
	}
	if err != nil {
		return err
	}

	body, ok := result.([]byte)
	if !ok {
		return &ingest.UpstreamError{API: u.api, Message: fmt.Sprintf("unexpected result type %T", result)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ingest.UpstreamError{API: u.api, Message: "decode response", Err: err}
	}
	return nil
}

// transportError strips the request URL, which carries the API key, from
// net/http errors.
func (u upstream) transportError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	msg := "request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return &ingest.UpstreamError{API: u.api, Message: msg, Err: err}
}

func (u upstream) observe(start time.Time, err error) {
	if u.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "circuit_open"
	case err != nil:
		outcome = "error"
	}
	u.metrics.UpstreamRequests.WithLabelValues(u.api, outcome).Inc()
	if outcome != "circuit_open" {
		u.metrics.UpstreamDuration.WithLabelValues(u.api).Observe(time.Since(start).Seconds())
	}
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxExcerpt {
		cut := maxExcerpt
		// Back off to a rune boundary.
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	if s == "" {
		return "empty response body"
	}
	return s
}
