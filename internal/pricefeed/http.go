package pricefeed

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

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"ratemytip/internal/domain"
)

// Default configuration values.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultBackoffMult = 2.0
	DefaultRPS         = 20.0
	DefaultBurst       = 10
)

// HTTPFeed reads quotes from a REST endpoint: GET {base}/quotes/{instrument}.
// Responses are {"instrument_id", "price", "ts"}; 404 means the instrument is unknown.
type HTTPFeed struct {
	baseURL     string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	apiKey      string
	log         zerolog.Logger
}

// HTTPOption configures HTTPFeed.
type HTTPOption func(*HTTPFeed)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(f *HTTPFeed) {
		f.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) HTTPOption {
	return func(f *HTTPFeed) {
		f.maxRetries = n
	}
}

// WithRetryDelay sets initial and maximum retry delay.
func WithRetryDelay(initial, max time.Duration) HTTPOption {
	return func(f *HTTPFeed) {
		f.retryDelay = initial
		f.maxDelay = max
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(f *HTTPFeed) {
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(f *HTTPFeed) {
		f.client = client
	}
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(f *HTTPFeed) {
		f.apiKey = key
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) HTTPOption {
	return func(f *HTTPFeed) {
		f.log = l
	}
}

// NewHTTPFeed creates a feed for baseURL.
func NewHTTPFeed(baseURL string, opts ...HTTPOption) *HTTPFeed {
	f := &HTTPFeed{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
		limiter:     rate.NewLimiter(rate.Limit(DefaultRPS), DefaultBurst),
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.breaker = newBreaker("pricefeed-http", f.log)
	return f
}

// newBreaker trips after 3 consecutive failures or >5% failures over 20 requests.
// Unknown instruments are answers, not failures.
func newBreaker(name string, log zerolog.Logger) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
	}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrInstrumentNotFound) || errors.Is(err, context.Canceled)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
	}
	return gobreaker.NewCircuitBreaker(st)
}

// LastPrice implements Feed.
func (f *HTTPFeed) LastPrice(ctx context.Context, instrumentID string) (float64, error) {
	res, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetch(ctx, instrumentID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("%s: %v: %w", instrumentID, err, ErrPriceUnavailable)
		}
		return 0, err
	}
	return res.(float64), nil
}

// fetch performs the request with retries and exponential backoff.
func (f *HTTPFeed) fetch(ctx context.Context, instrumentID string) (float64, error) {
	endpoint := f.baseURL + "/quotes/" + url.PathEscape(instrumentID)

	delay := f.retryDelay
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * f.backoffMult)
			if delay > f.maxDelay {
				delay = f.maxDelay
			}
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		price, retry, err := f.do(ctx, endpoint, instrumentID)
		if err == nil {
			return price, nil
		}
		if !retry {
			return 0, err
		}
		lastErr = err
		f.log.Debug().Err(err).Str("instrument_id", instrumentID).Int("attempt", attempt+1).Msg("quote request failed")
	}

	return 0, fmt.Errorf("%s: max retries exceeded: %v: %w", instrumentID, lastErr, ErrPriceUnavailable)
}

// do sends one request. retry reports whether the failure is transient.
func (f *HTTPFeed) do(ctx context.Context, endpoint, instrumentID string) (price float64, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, true, fmt.Errorf("http request: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil {
		return 0, true, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, false, fmt.Errorf("%s: %w", instrumentID, ErrInstrumentNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, true, fmt.Errorf("rate limited (429)")
	case resp.StatusCode >= 500:
		return 0, true, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		return 0, false, fmt.Errorf("%s: unexpected status %d: %w", instrumentID, resp.StatusCode, ErrPriceUnavailable)
	}

	var tick domain.PriceTick
	if err := json.Unmarshal(body, &tick); err != nil {
		return 0, true, fmt.Errorf("unmarshal quote: %w", err)
	}
	if tick.Price <= 0 {
		return 0, false, fmt.Errorf("%s: non-positive quote %v: %w", instrumentID, tick.Price, ErrPriceUnavailable)
	}
	return tick.Price, false, nil
}
