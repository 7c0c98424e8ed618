package pricefeed

import (
	"context"
	"errors"
	"testing"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	feed := NewStatic(map[string]float64{"A": 10})

	if p, err := feed.LastPrice(ctx, "A"); err != nil || p != 10 {
		t.Fatalf("LastPrice(A) = %v, %v", p, err)
	}
	if _, err := feed.LastPrice(ctx, "B"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}

	feed.Delist("A")
	if _, err := feed.LastPrice(ctx, "A"); !errors.Is(err, ErrInstrumentNotFound) {
		t.Errorf("expected ErrInstrumentNotFound, got %v", err)
	}

	feed.Set("A", 12)
	if p, _ := feed.LastPrice(ctx, "A"); p != 12 {
		t.Errorf("expected relisted price 12, got %v", p)
	}
}

func TestFallback(t *testing.T) {
	ctx := context.Background()
	unavailable := FeedFunc(func(context.Context, string) (float64, error) {
		return 0, ErrPriceUnavailable
	})
	notFound := FeedFunc(func(context.Context, string) (float64, error) {
		return 0, ErrInstrumentNotFound
	})
	broken := FeedFunc(func(context.Context, string) (float64, error) {
		return 0, errors.New("connection reset")
	})
	ok := NewStatic(map[string]float64{"A": 5})

	tests := []struct {
		name    string
		feeds   []Feed
		want    float64
		wantErr error
	}{
		{"first success wins", []Feed{unavailable, ok}, 5, nil},
		{"not found wins over unavailable", []Feed{unavailable, notFound}, 0, ErrInstrumentNotFound},
		{"unknown error is transient", []Feed{broken}, 0, ErrPriceUnavailable},
		{"empty chain is transient", nil, 0, ErrPriceUnavailable},
		{"nil feeds skipped", []Feed{nil, ok}, 5, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewFallback(tt.feeds...).LastPrice(ctx, "A")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestFailureReason(t *testing.T) {
	if FailureReason(nil) != "" {
		t.Error("nil error should have no reason")
	}
	if FailureReason(ErrInstrumentNotFound) != "not_found" {
		t.Error("expected not_found")
	}
	if FailureReason(errors.New("x")) != "error" {
		t.Error("expected error")
	}
}
