package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func quoteServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(server.Close)
	return server
}

func fastFeed(url string, opts ...HTTPOption) *HTTPFeed {
	base := []HTTPOption{
		WithRetryDelay(time.Millisecond, 5*time.Millisecond),
		WithRateLimit(1000, 100),
	}
	return NewHTTPFeed(url, append(base, opts...)...)
}

func TestHTTPFeed_LastPrice(t *testing.T) {
	server := quoteServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quotes/NSE:INFY" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"instrument_id": "NSE:INFY",
			"price":         1523.45,
			"ts":            time.Now().UTC(),
		})
	})

	feed := fastFeed(server.URL, WithAPIKey("secret"))
	price, err := feed.LastPrice(context.Background(), "NSE:INFY")
	if err != nil {
		t.Fatalf("LastPrice: %v", err)
	}
	if price != 1523.45 {
		t.Errorf("expected 1523.45, got %v", price)
	}
}

func TestHTTPFeed_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := quoteServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	})

	feed := fastFeed(server.URL)
	_, err := feed.LastPrice(context.Background(), "GONE")
	if !errors.Is(err, ErrInstrumentNotFound) {
		t.Fatalf("expected ErrInstrumentNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no retries, got %d calls", calls.Load())
	}
}

func TestHTTPFeed_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := quoteServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"instrument_id": "X", "price": 10.0})
	})

	feed := fastFeed(server.URL)
	price, err := feed.LastPrice(context.Background(), "X")
	if err != nil {
		t.Fatalf("LastPrice: %v", err)
	}
	if price != 10 || calls.Load() != 3 {
		t.Errorf("expected price 10 after 3 calls, got %v after %d", price, calls.Load())
	}
}

func TestHTTPFeed_ExhaustedRetriesAreTransient(t *testing.T) {
	server := quoteServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	feed := fastFeed(server.URL, WithMaxRetries(1))
	_, err := feed.LastPrice(context.Background(), "X")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestHTTPFeed_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := quoteServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	feed := fastFeed(server.URL, WithMaxRetries(0))
	for i := 0; i < 3; i++ {
		feed.LastPrice(context.Background(), "X")
	}
	before := calls.Load()

	_, err := feed.LastPrice(context.Background(), "X")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable from open breaker, got %v", err)
	}
	if calls.Load() != before {
		t.Errorf("open breaker should not reach the server")
	}
}

func TestHTTPFeed_NonPositiveQuote(t *testing.T) {
	server := quoteServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"instrument_id": "X", "price": 0})
	})

	_, err := fastFeed(server.URL).LastPrice(context.Background(), "X")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}
