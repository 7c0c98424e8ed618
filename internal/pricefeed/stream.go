package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ratemytip/internal/domain"
)

// StreamConfig configures StreamFeed behavior.
type StreamConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// MaxAge is how old a streamed price may be before it counts as unavailable.
	MaxAge time.Duration
}

// DefaultStreamConfig returns default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxAge:            5 * time.Minute,
	}
}

// TickHandler receives every streamed tick. It runs on the read goroutine.
type TickHandler func(tick domain.PriceTick)

// StreamFeed keeps the latest price per instrument from a websocket stream.
//
// Wire format, client to server: {"action":"subscribe","instruments":[...]}.
// Server to client: {"type":"tick","instrument_id","price","ts"} and
// {"type":"delisted","instrument_id"}.
type StreamFeed struct {
	endpoint string
	config   StreamConfig
	log      zerolog.Logger
	onTick   TickHandler
	now      func() time.Time

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	latest   map[string]domain.PriceTick
	delisted map[string]bool
	subs     map[string]struct{}
	mu       sync.RWMutex

	done         chan struct{}
	wg           sync.WaitGroup
	reconnecting atomic.Bool
}

// StreamOption configures StreamFeed.
type StreamOption func(*StreamFeed)

// WithTickHandler forwards every tick to h, e.g. into price history.
func WithTickHandler(h TickHandler) StreamOption {
	return func(s *StreamFeed) {
		s.onTick = h
	}
}

// WithStreamLogger sets the logger.
func WithStreamLogger(l zerolog.Logger) StreamOption {
	return func(s *StreamFeed) {
		s.log = l
	}
}

// NewStreamFeed connects to endpoint and starts reading.
func NewStreamFeed(ctx context.Context, endpoint string, config *StreamConfig, opts ...StreamOption) (*StreamFeed, error) {
	cfg := DefaultStreamConfig()
	if config != nil {
		cfg = *config
	}

	s := &StreamFeed{
		endpoint: endpoint,
		config:   cfg,
		log:      zerolog.Nop(),
		now:      time.Now,
		latest:   make(map[string]domain.PriceTick),
		delisted: make(map[string]bool),
		subs:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()

	return s, nil
}

func (s *StreamFeed) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	s.conn = conn
	return nil
}

// Subscribe adds instruments to the stream. They are resubscribed after reconnects.
func (s *StreamFeed) Subscribe(instrumentIDs ...string) error {
	if s.closed.Load() {
		return fmt.Errorf("stream closed")
	}

	var fresh []string
	s.mu.Lock()
	for _, id := range instrumentIDs {
		if _, ok := s.subs[id]; !ok {
			s.subs[id] = struct{}{}
			fresh = append(fresh, id)
		}
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return s.send(subscribeRequest{Action: "subscribe", Instruments: fresh})
}

func (s *StreamFeed) send(req subscribeRequest) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// LastPrice returns the latest streamed price if it is fresh enough.
func (s *StreamFeed) LastPrice(_ context.Context, instrumentID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.delisted[instrumentID] {
		return 0, fmt.Errorf("%s: %w", instrumentID, ErrInstrumentNotFound)
	}
	tick, ok := s.latest[instrumentID]
	if !ok {
		return 0, fmt.Errorf("%s: no streamed price: %w", instrumentID, ErrPriceUnavailable)
	}
	if s.config.MaxAge > 0 && s.now().Sub(tick.Timestamp) > s.config.MaxAge {
		return 0, fmt.Errorf("%s: stale streamed price: %w", instrumentID, ErrPriceUnavailable)
	}
	return tick.Price, nil
}

// Close closes the connection and waits for background goroutines.
func (s *StreamFeed) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	return nil
}

// readLoop reads messages and reconnects with exponential backoff on errors.
func (s *StreamFeed) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if !s.reconnecting.Swap(true) {
				s.log.Warn().Err(err).Dur("delay", reconnectDelay).Msg("price stream read failed, reconnecting")
				go s.reconnect(reconnectDelay)
			}
			reconnectDelay *= 2
			if reconnectDelay > s.config.MaxReconnectDelay {
				reconnectDelay = s.config.MaxReconnectDelay
			}

			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = s.config.ReconnectDelay
		s.handleMessage(message)
	}
}

func (s *StreamFeed) reconnect(delay time.Duration) {
	defer s.reconnecting.Store(false)

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("price stream reconnect failed")
		return
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	if len(ids) > 0 {
		if err := s.send(subscribeRequest{Action: "subscribe", Instruments: ids}); err != nil {
			s.log.Warn().Err(err).Msg("price stream resubscribe failed")
		}
	}
}

func (s *StreamFeed) handleMessage(message []byte) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "tick":
		if msg.InstrumentID == "" || msg.Price <= 0 {
			return
		}
		tick := domain.PriceTick{InstrumentID: msg.InstrumentID, Price: msg.Price, Timestamp: msg.Timestamp}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = s.now()
		}

		s.mu.Lock()
		if prev, ok := s.latest[tick.InstrumentID]; !ok || !tick.Timestamp.Before(prev.Timestamp) {
			s.latest[tick.InstrumentID] = tick
		}
		delete(s.delisted, tick.InstrumentID)
		s.mu.Unlock()

		if s.onTick != nil {
			s.onTick(tick)
		}
	case "delisted":
		s.mu.Lock()
		s.delisted[msg.InstrumentID] = true
		delete(s.latest, msg.InstrumentID)
		s.mu.Unlock()
	case "error":
		s.log.Warn().Str("message", msg.Message).Msg("price stream error frame")
	}
}

func (s *StreamFeed) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				_ = s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.connMu.Unlock()
		}
	}
}

type subscribeRequest struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

type streamMessage struct {
	Type         string    `json:"type"`
	InstrumentID string    `json:"instrument_id"`
	Price        float64   `json:"price"`
	Timestamp    time.Time `json:"ts"`
	Message      string    `json:"message"`
}
