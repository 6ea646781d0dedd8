// Package provider fetches raw weather and air-quality payloads from WeatherAPI.com.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/airwatch-kyiv/airwatch/internal/httputil"
	"github.com/airwatch-kyiv/airwatch/internal/metrics"
)

const (
	Source          = "weatherapi"
	DefaultBaseURL  = "https://api.weatherapi.com/v1"
	EndpointCurrent = "current.json"
	EndpointHistory = "history.json"

	DefaultMaxElapsed      = 45 * time.Second
	DefaultInitialInterval = 500 * time.Millisecond
)

// ErrUpstream marks a provider response that will not succeed on retry.
var ErrUpstream = errors.New("provider error")

// Payload is one raw provider response.
type Payload struct {
	Source     string
	Endpoint   string
	Location   string
	Body       []byte
	StatusCode int
	FetchedAt  time.Time
}

type Options struct {
	BaseURL string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// MaxElapsed bounds all attempts of one fetch.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

type Client struct {
	apiKey          string
	baseURL         string
	client          *http.Client
	maxElapsed      time.Duration
	initialInterval time.Duration
	now             func() time.Time
}

func New(apiKey string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = DefaultMaxElapsed
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	return &Client{
		apiKey:          apiKey,
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		client:          httputil.NewClient(opts.Timeout),
		maxElapsed:      opts.MaxElapsed,
		initialInterval: opts.InitialInterval,
		now:             time.Now,
	}
}

// FetchCurrent returns current conditions with air quality for a location.
func (c *Client) FetchCurrent(ctx context.Context, location string) (*Payload, error) {
	params := url.Values{}
	params.Set("q", location)
	params.Set("aqi", "yes")
	return c.fetch(ctx, location, EndpointCurrent, params)
}

// FetchHistory returns the hourly history of one local date for a location.
func (c *Client) FetchHistory(ctx context.Context, location string, date time.Time) (*Payload, error) {
	params := url.Values{}
	params.Set("q", location)
	params.Set("dt", date.Format(time.DateOnly))
	params.Set("aqi", "yes")
	return c.fetch(ctx, location, EndpointHistory, params)
}

func (c *Client) fetch(ctx context.Context, location, endpoint string, params url.Values) (*Payload, error) {
	params.Set("key", c.apiKey)
	reqURL := c.baseURL + "/" + endpoint + "?" + params.Encode()

	var payload *Payload
	operation := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("User-Agent", httputil.UserAgent)

		resp, err := c.client.Do(req)
		metrics.ProviderLatency.WithLabelValues(location, endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues(location, endpoint, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("fetch %s: %w", endpoint, err))
			}
			return fmt.Errorf("fetch %s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		metrics.ProviderCallsTotal.WithLabelValues(location, endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("fetch %s: status %d: %s", endpoint, resp.StatusCode, errorMessage(body))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("%w: %s: status %d: %s", ErrUpstream, endpoint, resp.StatusCode, errorMessage(body)))
		}

		payload = &Payload{
			Source:     Source,
			Endpoint:   endpoint,
			Location:   location,
			Body:       body,
			StatusCode: resp.StatusCode,
			FetchedAt:  c.now().UTC(),
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return payload, nil
}

// errorMessage extracts WeatherAPI's {"error":{"message":...}} or falls back
// to a truncated body.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
