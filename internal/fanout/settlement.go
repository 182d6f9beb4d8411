package fanout

import (
	"context"

	"pamm-core/internal/events"
	"pamm-core/internal/execution"
	"pamm-core/internal/lock"
	"pamm-core/pkg/db"

	"github.com/shopspring/decimal"
)

// ApplySettlement ingests an out-of-band settlement pushed by the execution
// service (stop-out, liquidation, desk close). Duplicates are no-ops: a child
// already terminal is left alone. A busy participant drops the event; the
// feed re-delivers and reconciliation is idempotent, so nothing is lost for
// good.
func (e *Executor) ApplySettlement(ctx context.Context, ev execution.SettlementEvent) {
	child, err := e.database.GetChildOrder(ctx, ev.OrderID)
	if err != nil {
		e.log.Warn("settlement for unknown order", "order", ev.OrderID, "err", err)
		return
	}
	if child.Terminal() {
		return
	}

	if !e.applyLocked(ctx, *child, ev) {
		return
	}

	e.recomputeGuarded(ctx, child.AggregateOrderID)
}

// applyLocked records the settlement under the participant lock. The ledger
// posting happens inside the same hold: once the child is terminal a
// redelivered event is a no-op, so a posting deferred past the lock would be
// lost for good if anything slipped in between.
func (e *Executor) applyLocked(ctx context.Context, child db.ChildOrder, ev execution.SettlementEvent) bool {
	handle, err := e.locks.Acquire(ctx, lock.ResourceParticipant, child.ParticipantID, e.cfg.LockTTL)
	if err != nil {
		e.log.Warn("settlement deferred: participant busy",
			"order", child.ID, "participant", child.ParticipantID)
		return false
	}
	defer e.locks.Release(ctx, handle)

	switch ev.Kind {
	case "cancelled":
		if err := e.database.MarkChildOrderCancelled(ctx, child.ID); err != nil {
			e.log.Error("record cancellation failed", "order", child.ID, "err", err)
			return false
		}
		child.Status = db.StatusCancelled
		e.projectChild(ctx, child)
		e.bus.Publish(events.EventChildCancelled, child.ID)
		return true
	default:
		if err := e.database.MarkChildOrderClosed(ctx, child.ID, ev.ClosePrice, ev.Profit, ev.Commission, ev.Swap); err != nil {
			e.log.Error("record close failed", "order", child.ID, "err", err)
			return false
		}
		child.Status = db.StatusClosed
		e.projectChild(ctx, child)
		e.bus.Publish(events.EventChildClosed, child.ID)

		_, err := e.ledger.PostSettlementHeld(ctx, child.ParticipantID, child.ID,
			decimal.NewFromFloat(ev.Profit),
			decimal.NewFromFloat(ev.Commission),
			decimal.NewFromFloat(ev.Swap))
		if err != nil {
			e.log.Error("settlement posting failed", "order", child.ID, "err", err)
			return true
		}
		e.recordSettlement()
		e.releaseMargin(ctx, child)
		return true
	}
}
