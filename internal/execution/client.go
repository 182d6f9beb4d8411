// Package execution defines the narrow client interface for the external
// execution service, with typed request/response variants per operation.
// Mutation paths depend only on Client so tests can inject a Fake.
package execution

import "context"

// Owner types accepted by the execution service.
const (
	OwnerInvestor = "investor"
	OwnerFollower = "follower"
)

// PlaceRequest asks the execution service to open one child order.
// CorrelationID is minted and persisted by the caller before dispatch so the
// service can deduplicate retried requests.
type PlaceRequest struct {
	OrderID       string  `json:"order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Price         float64 `json:"price,omitempty"`
	Quantity      float64 `json:"quantity"`
	OwnerID       string  `json:"owner_id"`
	OwnerType     string  `json:"owner_type"`
	CorrelationID string  `json:"correlation_id"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
}

// PlaceResult is the service's acknowledgment of a placement.
type PlaceResult struct {
	Status     string  `json:"status"` // OPEN for filled, PENDING for resting
	Price      float64 `json:"price"`
	Margin     float64 `json:"margin"`
	Commission float64 `json:"commission"`
	// Flow indicates how the order was settled upstream (local book vs
	// routed onward). The engine persists and forwards it untouched.
	Flow string `json:"flow"`
}

// CloseRequest asks the service to close an open order.
type CloseRequest struct {
	OrderID       string  `json:"order_id"`
	OwnerID       string  `json:"owner_id"`
	OwnerType     string  `json:"owner_type"`
	CorrelationID string  `json:"correlation_id"`
	ClosePrice    float64 `json:"close_price,omitempty"`
}

// CloseResult carries the realized settlement of a close.
type CloseResult struct {
	ClosePrice float64 `json:"close_price"`
	Profit     float64 `json:"profit"` // net of commission and swap
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
	Flow       string  `json:"flow"`
}

// CancelRequest asks the service to cancel a pending order.
type CancelRequest struct {
	OrderID       string `json:"order_id"`
	OwnerID       string `json:"owner_id"`
	OwnerType     string `json:"owner_type"`
	CorrelationID string `json:"correlation_id"`
}

// ProtectionRequest adds or cancels a stop-loss/take-profit level.
type ProtectionRequest struct {
	OrderID       string  `json:"order_id"`
	CorrelationID string  `json:"correlation_id"`
	Price         float64 `json:"price,omitempty"`
}

// Client abstracts the execution service. Every call is a bounded-timeout
// network operation; a timeout is treated by callers exactly like an explicit
// failure response.
type Client interface {
	Place(ctx context.Context, req PlaceRequest) (PlaceResult, error)
	Close(ctx context.Context, req CloseRequest) (CloseResult, error)
	CancelPending(ctx context.Context, req CancelRequest) error
	AddStopLoss(ctx context.Context, req ProtectionRequest) error
	AddTakeProfit(ctx context.Context, req ProtectionRequest) error
	CancelStopLoss(ctx context.Context, req ProtectionRequest) error
	CancelTakeProfit(ctx context.Context, req ProtectionRequest) error
}
