package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ratemytip/internal/storage"
)

// HistoryLookup answers "what was the last known price at time t".
type HistoryLookup struct {
	history storage.PriceHistoryStore
	live    Feed
}

// NewHistoryLookup creates a lookup over history with live as fallback.
// Either may be nil.
func NewHistoryLookup(history storage.PriceHistoryStore, live Feed) *HistoryLookup {
	return &HistoryLookup{history: history, live: live}
}

// PriceAt returns the latest recorded price at or before at.
// Without a recorded price it asks the live feed.
func (h *HistoryLookup) PriceAt(ctx context.Context, instrumentID string, at time.Time) (float64, error) {
	if h.history != nil {
		tick, err := h.history.PriceAtOrBefore(ctx, instrumentID, at)
		switch {
		case err == nil:
			return tick.Price, nil
		case errors.Is(err, storage.ErrNotFound):
		default:
			if h.live == nil {
				return 0, fmt.Errorf("%s: price history: %v: %w", instrumentID, err, ErrPriceUnavailable)
			}
		}
	}

	if h.live == nil {
		return 0, fmt.Errorf("%s: no price at or before %s: %w", instrumentID, at.Format(time.RFC3339), ErrPriceUnavailable)
	}
	return h.live.LastPrice(ctx, instrumentID)
}
