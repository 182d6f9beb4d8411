package execution

import (
	"context"
	"errors"
	"sync"
)

// Fake is an in-memory Client for tests. Failures can be injected per owner
// or per order id; every dispatched request is recorded.
type Fake struct {
	mu sync.Mutex

	// FillPrice is returned as execution price when no override exists.
	FillPrice float64
	// MarginPerLot scales the returned margin by the requested quantity.
	MarginPerLot float64
	// Commission returned for every placement.
	Commission float64
	// Flow is echoed back in results.
	Flow string

	// FailOwners maps owner ids to errors returned for any of their calls.
	FailOwners map[string]error
	// FailOrders maps order ids to errors returned for close/cancel calls.
	FailOrders map[string]error

	// CloseResults overrides the settlement returned for specific order ids.
	CloseResults map[string]CloseResult

	PlaceCalls  []PlaceRequest
	CloseCalls  []CloseRequest
	CancelCalls []CancelRequest
	SLCalls     []ProtectionRequest
	TPCalls     []ProtectionRequest
}

// ErrFakeRejected is the default injected failure.
var ErrFakeRejected = errors.New("execution: rejected by fake")

// NewFake creates a fake that fills everything at the given price.
func NewFake(fillPrice float64) *Fake {
	return &Fake{
		FillPrice:    fillPrice,
		MarginPerLot: 100,
		Commission:   0,
		Flow:         "local",
		FailOwners:   make(map[string]error),
		FailOrders:   make(map[string]error),
		CloseResults: make(map[string]CloseResult),
	}
}

func (f *Fake) ownerErr(ownerID string) error {
	return f.FailOwners[ownerID]
}

// Place records the call and fills unless a failure is injected.
func (f *Fake) Place(_ context.Context, req PlaceRequest) (PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PlaceCalls = append(f.PlaceCalls, req)

	if err := f.ownerErr(req.OwnerID); err != nil {
		return PlaceResult{}, err
	}
	price := f.FillPrice
	if req.Price > 0 {
		price = req.Price
	}
	return PlaceResult{
		Status:     "OPEN",
		Price:      price,
		Margin:     f.MarginPerLot * req.Quantity,
		Commission: f.Commission,
		Flow:       f.Flow,
	}, nil
}

// Close records the call and settles at the requested or fill price.
func (f *Fake) Close(_ context.Context, req CloseRequest) (CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls = append(f.CloseCalls, req)

	if err := f.ownerErr(req.OwnerID); err != nil {
		return CloseResult{}, err
	}
	if err := f.FailOrders[req.OrderID]; err != nil {
		return CloseResult{}, err
	}
	if res, ok := f.CloseResults[req.OrderID]; ok {
		return res, nil
	}
	price := f.FillPrice
	if req.ClosePrice > 0 {
		price = req.ClosePrice
	}
	return CloseResult{ClosePrice: price, Flow: f.Flow}, nil
}

// CancelPending records the call.
func (f *Fake) CancelPending(_ context.Context, req CancelRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls = append(f.CancelCalls, req)

	if err := f.ownerErr(req.OwnerID); err != nil {
		return err
	}
	return f.FailOrders[req.OrderID]
}

// AddStopLoss records the call.
func (f *Fake) AddStopLoss(_ context.Context, req ProtectionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SLCalls = append(f.SLCalls, req)
	return f.FailOrders[req.OrderID]
}

// AddTakeProfit records the call.
func (f *Fake) AddTakeProfit(_ context.Context, req ProtectionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TPCalls = append(f.TPCalls, req)
	return f.FailOrders[req.OrderID]
}

// CancelStopLoss records the call.
func (f *Fake) CancelStopLoss(_ context.Context, req ProtectionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SLCalls = append(f.SLCalls, req)
	return f.FailOrders[req.OrderID]
}

// CancelTakeProfit records the call.
func (f *Fake) CancelTakeProfit(_ context.Context, req ProtectionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TPCalls = append(f.TPCalls, req)
	return f.FailOrders[req.OrderID]
}

// PlaceCount returns the number of recorded placements.
func (f *Fake) PlaceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.PlaceCalls)
}

// CloseCount returns the number of recorded closes.
func (f *Fake) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.CloseCalls)
}
