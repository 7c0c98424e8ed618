// Package pricefeed resolves the latest traded price of an instrument.
//
// Every adapter classifies failures as either ErrPriceUnavailable (transient,
// retry on the next run) or ErrInstrumentNotFound (permanent, the tip needs
// manual resolution). Callers test with errors.Is.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ratemytip/internal/observability"
)

// Errors returned by feeds.
var (
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrInstrumentNotFound = errors.New("instrument not found")
)

// Feed returns the last traded price of an instrument.
type Feed interface {
	LastPrice(ctx context.Context, instrumentID string) (float64, error)
}

// FeedFunc adapts a function to Feed.
type FeedFunc func(ctx context.Context, instrumentID string) (float64, error)

// LastPrice calls f.
func (f FeedFunc) LastPrice(ctx context.Context, instrumentID string) (float64, error) {
	return f(ctx, instrumentID)
}

// Static is an in-memory feed used by the memory backend and tests.
type Static struct {
	mu      sync.RWMutex
	prices  map[string]float64
	missing map[string]bool
}

// NewStatic creates a feed seeded with prices.
func NewStatic(prices map[string]float64) *Static {
	s := &Static{
		prices:  make(map[string]float64, len(prices)),
		missing: make(map[string]bool),
	}
	for id, p := range prices {
		s.prices[id] = p
	}
	return s
}

// Set stores the price of an instrument.
func (s *Static) Set(instrumentID string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[instrumentID] = price
	delete(s.missing, instrumentID)
}

// Delist makes lookups of the instrument fail permanently.
func (s *Static) Delist(instrumentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, instrumentID)
	s.missing[instrumentID] = true
}

// LastPrice returns the stored price. Unknown instruments are unavailable
// unless delisted.
func (s *Static) LastPrice(_ context.Context, instrumentID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.missing[instrumentID] {
		return 0, fmt.Errorf("%s: %w", instrumentID, ErrInstrumentNotFound)
	}
	p, ok := s.prices[instrumentID]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("%s: %w", instrumentID, ErrPriceUnavailable)
	}
	return p, nil
}

// Fallback queries feeds in order and returns the first price found.
// A not-found answer from any feed wins over unavailability; other errors
// are reported as unavailable.
type Fallback struct {
	feeds []Feed
}

// NewFallback chains feeds, skipping nil entries.
func NewFallback(feeds ...Feed) *Fallback {
	f := &Fallback{}
	for _, feed := range feeds {
		if feed != nil {
			f.feeds = append(f.feeds, feed)
		}
	}
	return f
}

// LastPrice implements Feed.
func (f *Fallback) LastPrice(ctx context.Context, instrumentID string) (float64, error) {
	var (
		notFound bool
		lastErr  error
	)
	for _, feed := range f.feeds {
		p, err := feed.LastPrice(ctx, instrumentID)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(err, ErrInstrumentNotFound) {
			notFound = true
		}
		lastErr = err
	}

	if notFound {
		return 0, fmt.Errorf("%s: %w", instrumentID, ErrInstrumentNotFound)
	}
	if lastErr == nil {
		return 0, fmt.Errorf("%s: no feeds configured: %w", instrumentID, ErrPriceUnavailable)
	}
	if errors.Is(lastErr, ErrPriceUnavailable) {
		return 0, lastErr
	}
	return 0, fmt.Errorf("%s: %v: %w", instrumentID, lastErr, ErrPriceUnavailable)
}

// Instrumented records lookup latency and failures under source.
func Instrumented(source string, next Feed) Feed {
	return FeedFunc(func(ctx context.Context, instrumentID string) (float64, error) {
		start := time.Now()
		p, err := next.LastPrice(ctx, instrumentID)
		observability.RecordPriceLookup(source, time.Since(start), FailureReason(err))
		return p, err
	})
}

// FailureReason maps an error to a metric label; empty for nil.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInstrumentNotFound):
		return "not_found"
	case errors.Is(err, ErrPriceUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
