package domain

import "time"

// PriceTick is a single observed price of an instrument.
// Corresponds to price_ticks table in ClickHouse.
type PriceTick struct {
	InstrumentID string    `json:"instrument_id"`
	Price        float64   `json:"price"`
	Timestamp    time.Time `json:"ts"`
}

// TipStatusChanged is published after a tip transition is persisted.
type TipStatusChanged struct {
	EventID      string     `json:"event_id"`
	TipID        string     `json:"tip_id"`
	CreatorID    string     `json:"creator_id"`
	InstrumentID string     `json:"instrument_id"`
	From         TipStatus  `json:"from"`
	To           TipStatus  `json:"to"`
	ReturnPct    *float64   `json:"return_pct,omitempty"`
	Closed       bool       `json:"closed"`
	StopLossHit  bool       `json:"stop_loss_hit"`
	OccurredAt   time.Time  `json:"occurred_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}
