// Package reconcile rebuilds parent aggregate state from the observed set of
// child outcomes. Recomputation never reads the aggregate's previous totals:
// everything is derived from the current child set, which makes it idempotent
// and safe to re-run after a crash or a duplicated trigger.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"pamm-core/internal/events"
	"pamm-core/pkg/db"
)

// Service recomputes aggregate orders and aggregate-account totals.
type Service struct {
	database *db.Database
	bus      *events.Bus
	log      *slog.Logger
}

func NewService(database *db.Database, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{database: database, bus: bus, log: logger}
}

// RecomputeOrder rebuilds one parent instruction's status and totals from its
// children, then refreshes the owning account's totals.
func (s *Service) RecomputeOrder(ctx context.Context, aggregateOrderID string) error {
	parent, err := s.database.GetAggregateOrder(ctx, aggregateOrderID)
	if err != nil {
		return fmt.Errorf("reconcile order %s: %w", aggregateOrderID, err)
	}
	children, err := s.database.ListChildOrders(ctx, aggregateOrderID)
	if err != nil {
		return fmt.Errorf("reconcile order %s: %w", aggregateOrderID, err)
	}

	status := deriveStatus(children)

	var executedQty, rejectedQty, margin float64
	rejectedCount := 0
	for _, c := range children {
		switch c.Status {
		case db.StatusOpen, db.StatusClosed:
			executedQty += c.Quantity
		case db.StatusRejected:
			rejectedQty += c.Quantity
			rejectedCount++
		}
		if c.Status == db.StatusOpen {
			margin += c.Margin
		}
	}

	err = s.database.UpdateAggregateOrderTotals(ctx, aggregateOrderID, status,
		executedQty, rejectedQty, rejectedCount, margin)
	if err != nil {
		return fmt.Errorf("store reconciled order %s: %w", aggregateOrderID, err)
	}

	if status != parent.Status {
		s.log.Info("aggregate order reconciled",
			"order", aggregateOrderID, "status", status,
			"executed_qty", executedQty, "rejected", rejectedCount)
		if status == db.StatusClosed {
			s.bus.Publish(events.EventAggregateClosed, aggregateOrderID)
		}
	}

	return s.RecomputeAccount(ctx, parent.AccountID)
}

// RecomputeAccount rebuilds an aggregate account's totals as the sum of its
// live participants' balances and the margin across their open children.
// Totals are always fully recomputed, never incrementally patched.
func (s *Service) RecomputeAccount(ctx context.Context, accountID string) error {
	participants, err := s.database.ListActiveParticipants(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reconcile account %s: %w", accountID, err)
	}

	var totalBalance, totalFreeMargin, totalMargin float64
	for _, p := range participants {
		totalBalance += p.Balance.InexactFloat64()
		totalFreeMargin += p.FreeMargin

		open, err := s.database.ListOpenChildOrdersByParticipant(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("reconcile account %s: %w", accountID, err)
		}
		for _, c := range open {
			if c.Status == db.StatusOpen {
				totalMargin += c.Margin
			}
		}
	}

	if err := s.database.UpdateAccountTotals(ctx, accountID, totalBalance, totalFreeMargin, totalMargin); err != nil {
		return fmt.Errorf("store account totals %s: %w", accountID, err)
	}
	return nil
}

// deriveStatus maps a child set onto the parent status. Any live child keeps
// the parent open; otherwise the terminal mix decides.
func deriveStatus(children []db.ChildOrder) string {
	if len(children) == 0 {
		return db.StatusRejected
	}

	anyOpen, anyPending := false, false
	closed, cancelled := 0, 0
	for _, c := range children {
		switch c.Status {
		case db.StatusOpen:
			anyOpen = true
		case db.StatusPending, db.StatusQueued:
			anyPending = true
		case db.StatusClosed:
			closed++
		case db.StatusCancelled:
			cancelled++
		}
	}

	switch {
	case anyOpen:
		return db.StatusOpen
	case anyPending:
		return db.StatusPending
	case closed > 0:
		return db.StatusClosed
	case cancelled > 0:
		return db.StatusCancelled
	default:
		return db.StatusRejected
	}
}
