package execution

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// SettlementEvent is pushed by the execution service when an order settles
// out of band (stop-out, broker-side liquidation, manual desk close).
type SettlementEvent struct {
	OrderID    string  `json:"order_id"`
	OwnerID    string  `json:"owner_id"`
	OwnerType  string  `json:"owner_type"`
	Kind       string  `json:"kind"` // "closed" or "cancelled"
	ClosePrice float64 `json:"close_price"`
	Profit     float64 `json:"profit"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
	Flow       string  `json:"flow"`
}

// SettlementHandler consumes one event. Errors are logged, not retried; the
// reconciliation it triggers is idempotent and a later event or tick repairs
// any missed update.
type SettlementHandler func(ctx context.Context, ev SettlementEvent)

// Stream maintains a websocket subscription to the execution service's
// settlement feed and dispatches events to the handler.
type Stream struct {
	url     string
	handler SettlementHandler
	log     *slog.Logger
}

// NewStream creates a settlement stream client.
func NewStream(url string, handler SettlementHandler, logger *slog.Logger) *Stream {
	return &Stream{url: url, handler: handler, log: logger}
}

// Run connects and reads until ctx is cancelled, reconnecting with a fixed
// backoff on any failure.
func (s *Stream) Run(ctx context.Context) {
	const backoff = 3 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.readLoop(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("settlement stream disconnected", "err", err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) readLoop(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.log.Info("settlement stream connected", "url", s.url)

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev SettlementEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.log.Warn("settlement stream: bad payload", "err", err)
			continue
		}
		if ev.OrderID == "" {
			continue
		}
		s.handler(ctx, ev)
	}
}
