// Package resolver produces one consistent view of an order's authoritative
// fields, reading the fast-path cache first and healing it from the system of
// record when the projection is missing or incomplete. Correctness never
// depends on the cache being populated, only performance does.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"pamm-core/internal/events"
	"pamm-core/pkg/cache"
	"pamm-core/pkg/db"
)

// Resolution errors.
var (
	ErrOrderNotFound = errors.New("resolver: order not found")
	ErrOrderNotOwned = errors.New("resolver: order not owned by caller")
)

// NotOpenError reports an order in a state other than the expected one. The
// observed status lets the caller distinguish "already closed" (skip) from
// "foreign state" (fail).
type NotOpenError struct {
	Status string
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("resolver: order not open (status %s)", e.Status)
}

// Sources of a resolution.
const (
	SourceCache = "cache"
	SourceSQL   = "sql"
)

// Expectation carries optional cross-checks and the status the caller
// requires. Status defaults to OPEN.
type Expectation struct {
	Symbol string
	Side   string
	Status string
}

// Resolved is the canonical view handed to mutation paths. When Source is
// SourceSQL the fields come from the row itself, so callers must prefer them
// over any partial cache data they hold for this call.
type Resolved struct {
	OrderID    string
	Symbol     string
	Side       string
	EntryPrice float64
	Quantity   float64
	Status     string
	Source     string
	Healed     bool
}

// RecordSource is the slice of the system of record the resolver needs.
type RecordSource interface {
	GetChildOrder(ctx context.Context, id string) (*db.ChildOrder, error)
}

// Resolver heals cache/SQL disagreement transparently.
type Resolver struct {
	store   cache.Store
	records RecordSource
	bus     *events.Bus
	log     *slog.Logger
}

func New(store cache.Store, records RecordSource, bus *events.Bus, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, records: records, bus: bus, log: logger}
}

// Resolve returns the canonical fields of orderID, verifying ownership and
// openness. A cache miss falls back to the system of record and writes the
// row's fields back into the projection so subsequent reads are fast-path.
func (r *Resolver) Resolve(ctx context.Context, orderID, ownerID string, want Expectation) (Resolved, error) {
	if want.Status == "" {
		want.Status = db.StatusOpen
	}

	if res, ok := r.fromCache(ctx, orderID, ownerID, want); ok {
		return res, nil
	}

	row, err := r.records.GetChildOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Resolved{}, ErrOrderNotFound
		}
		return Resolved{}, err
	}
	if row.ParticipantID != ownerID {
		return Resolved{}, ErrOrderNotOwned
	}
	if row.Status != want.Status {
		return Resolved{}, &NotOpenError{Status: row.Status}
	}
	r.crossCheck(orderID, row.Symbol, row.Side, want)

	r.heal(ctx, *row)

	return Resolved{
		OrderID:    row.ID,
		Symbol:     row.Symbol,
		Side:       row.Side,
		EntryPrice: row.EntryPrice,
		Quantity:   row.Quantity,
		Status:     row.Status,
		Source:     SourceSQL,
		Healed:     true,
	}, nil
}

// fromCache attempts a fast-path resolution. It returns ok=false when the
// projection is absent or missing any required field, in which case the
// caller must consult the system of record.
func (r *Resolver) fromCache(ctx context.Context, orderID, ownerID string, want Expectation) (Resolved, bool) {
	fields, err := r.store.HGetAll(ctx, cache.OrderKey(orderID))
	if err != nil {
		r.log.Warn("cache read failed, falling back to system of record", "order", orderID, "err", err)
		return Resolved{}, false
	}

	symbol := fields["symbol"]
	side := fields["side"]
	priceRaw := fields["entry_price"]
	qtyRaw := fields["quantity"]
	if symbol == "" || side == "" || priceRaw == "" || qtyRaw == "" {
		return Resolved{}, false
	}

	price, err1 := strconv.ParseFloat(priceRaw, 64)
	qty, err2 := strconv.ParseFloat(qtyRaw, 64)
	if err1 != nil || err2 != nil {
		r.log.Warn("cache projection corrupt, falling back", "order", orderID)
		return Resolved{}, false
	}

	// Ownership and openness checks still apply on the fast path; a failed
	// check is authoritative enough to skip the SQL read only when the
	// projection carries the fields.
	if owner := fields["owner_id"]; owner != "" && owner != ownerID {
		return Resolved{}, false
	}
	if status := fields["status"]; status != "" && status != want.Status {
		return Resolved{}, false
	}
	r.crossCheck(orderID, symbol, side, want)

	return Resolved{
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: price,
		Quantity:   qty,
		Status:     want.Status,
		Source:     SourceCache,
	}, true
}

func (r *Resolver) crossCheck(orderID, symbol, side string, want Expectation) {
	if want.Symbol != "" && want.Symbol != symbol {
		r.log.Warn("resolved symbol disagrees with caller expectation",
			"order", orderID, "resolved", symbol, "expected", want.Symbol)
	}
	if want.Side != "" && want.Side != side {
		r.log.Warn("resolved side disagrees with caller expectation",
			"order", orderID, "resolved", side, "expected", want.Side)
	}
}

// heal writes the row's fields back into the canonical projection and
// notifies listeners. Healing failures are logged, never surfaced: the
// resolution already succeeded from the system of record.
func (r *Resolver) heal(ctx context.Context, row db.ChildOrder) {
	err := r.store.HSet(ctx, cache.OrderKey(row.ID), ProjectionFields(row))
	if err != nil {
		r.log.Warn("cache heal failed", "order", row.ID, "err", err)
		return
	}
	r.log.Info("healed canonical projection from system of record", "order", row.ID)

	if err := r.store.Publish(ctx, cache.ChannelOrderUpdated, row.ID); err != nil {
		r.log.Warn("cache change notify failed", "order", row.ID, "err", err)
	}
	if r.bus != nil {
		r.bus.Publish(events.EventCacheHealed, row.ID)
	}
}

// ProjectionFields renders a child order into its canonical cache projection.
// Writers populate the projection with the same layout the resolver heals.
func ProjectionFields(row db.ChildOrder) map[string]string {
	return map[string]string{
		"symbol":      row.Symbol,
		"side":        row.Side,
		"entry_price": strconv.FormatFloat(row.EntryPrice, 'f', -1, 64),
		"quantity":    strconv.FormatFloat(row.Quantity, 'f', -1, 64),
		"status":      row.Status,
		"owner_id":    row.ParticipantID,
	}
}
