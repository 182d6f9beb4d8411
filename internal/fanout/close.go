package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pamm-core/internal/events"
	"pamm-core/internal/execution"
	"pamm-core/internal/lock"
	"pamm-core/internal/resolver"
	"pamm-core/pkg/db"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CloseInstruction closes every live child of one parent instruction. Open
// children are closed at market (or Price when given), pending ones are
// cancelled.
type CloseInstruction struct {
	OrderID string
	Price   float64
}

// Close fans a close instruction out over the parent's live children. Each
// child is handled independently: one failure is recorded and the rest
// proceed. The instruction fails only when no child could be settled.
func (e *Executor) Close(ctx context.Context, req CloseInstruction) (Summary, error) {
	parent, err := e.database.GetAggregateOrder(ctx, req.OrderID)
	if err != nil {
		return Summary{}, fmt.Errorf("load aggregate order: %w", err)
	}

	accountLock, err := e.locks.Acquire(ctx, lock.ResourceAggregate, parent.AccountID, e.cfg.LockTTL)
	if err != nil {
		if err == lock.ErrBusy {
			return Summary{}, ErrAccountBusy
		}
		return Summary{}, err
	}
	defer e.locks.Release(ctx, accountLock)

	children, err := e.database.ListOpenChildOrders(ctx, req.OrderID)
	if err != nil {
		return Summary{}, fmt.Errorf("list open children: %w", err)
	}

	timer := e.waveTimer()
	var summary Summary
	for _, child := range children {
		summary.add(e.closeOne(ctx, child, req.Price))
	}
	e.recordWave(timer, summary)

	if err := e.recon.RecomputeOrder(ctx, parent.ID); err != nil {
		e.log.Error("post-close reconciliation failed", "order", parent.ID, "err", err)
	}

	if len(children) > 0 && summary.Successful() == 0 {
		return summary, ErrAllFailed
	}
	return summary, nil
}

// Cancel withdraws the parent's unfilled children. Filled children are
// skipped, not closed; use Close to flatten the whole instruction.
func (e *Executor) Cancel(ctx context.Context, orderID string) (Summary, error) {
	parent, err := e.database.GetAggregateOrder(ctx, orderID)
	if err != nil {
		return Summary{}, fmt.Errorf("load aggregate order: %w", err)
	}

	accountLock, err := e.locks.Acquire(ctx, lock.ResourceAggregate, parent.AccountID, e.cfg.LockTTL)
	if err != nil {
		if err == lock.ErrBusy {
			return Summary{}, ErrAccountBusy
		}
		return Summary{}, err
	}
	defer e.locks.Release(ctx, accountLock)

	children, err := e.database.ListOpenChildOrders(ctx, orderID)
	if err != nil {
		return Summary{}, fmt.Errorf("list open children: %w", err)
	}

	timer := e.waveTimer()
	var summary Summary
	cancellable := 0
	for _, child := range children {
		if child.Status != db.StatusPending && child.Status != db.StatusQueued {
			summary.add(Outcome{
				ParticipantID: child.ParticipantID, OrderID: child.ID,
				Status: OutcomeSkipped, Reason: "filled, not cancellable",
			})
			continue
		}
		cancellable++
		summary.add(e.closeOne(ctx, child, 0))
	}
	e.recordWave(timer, summary)

	if err := e.recon.RecomputeOrder(ctx, parent.ID); err != nil {
		e.log.Error("post-cancel reconciliation failed", "order", parent.ID, "err", err)
	}

	if cancellable > 0 && summary.Successful() == 0 {
		return summary, ErrAllFailed
	}
	return summary, nil
}

// CloseParticipant closes every live child a participant holds, across all
// parents. This is the equity monitor's trigger path; each affected parent is
// reconciled afterwards.
func (e *Executor) CloseParticipant(ctx context.Context, participantID string) (Summary, error) {
	children, err := e.database.ListOpenChildOrdersByParticipant(ctx, participantID)
	if err != nil {
		return Summary{}, fmt.Errorf("list participant children: %w", err)
	}

	timer := e.waveTimer()
	var summary Summary
	parents := make(map[string]struct{})
	for _, child := range children {
		parents[child.AggregateOrderID] = struct{}{}
		summary.add(e.closeOne(ctx, child, 0))
	}
	e.recordWave(timer, summary)

	// No aggregate lock is held here; the guarded recompute takes it per
	// parent so the rebuild cannot interleave with a wave in flight.
	for parentID := range parents {
		e.recomputeGuarded(ctx, parentID)
	}

	if len(children) > 0 && summary.Successful() == 0 {
		return summary, ErrAllFailed
	}
	return summary, nil
}

// closeOne settles one child: close for OPEN, cancel for PENDING/QUEUED. The
// remote call, the row update and the ledger posting all happen under the
// participant lock, so no competing wave can slip in between the close and
// the settlement credit. A posting failure flips the leg to failed; a closed
// child without its credit must never count as a success.
func (e *Executor) closeOne(ctx context.Context, child db.ChildOrder, price float64) Outcome {
	if child.Terminal() {
		return Outcome{
			ParticipantID: child.ParticipantID, OrderID: child.ID,
			Status: OutcomeSkipped, Reason: "already " + strings.ToLower(child.Status),
		}
	}

	fail := func(reason string) Outcome {
		return Outcome{
			ParticipantID: child.ParticipantID, OrderID: child.ID,
			Status: OutcomeFailed, Reason: reason, Quantity: child.Quantity,
		}
	}

	handle, err := e.locks.Acquire(ctx, lock.ResourceParticipant, child.ParticipantID, e.cfg.LockTTL)
	if err != nil {
		if err == lock.ErrBusy {
			return fail(ReasonParticipantBusy)
		}
		return fail(err.Error())
	}
	defer e.locks.Release(ctx, handle)

	if child.Status == db.StatusPending || child.Status == db.StatusQueued {
		return e.cancelPending(ctx, child)
	}

	resolved, err := e.resolve.Resolve(ctx, child.ID, child.ParticipantID,
		resolver.Expectation{Symbol: child.Symbol, Side: child.Side})
	if err != nil {
		var notOpen *resolver.NotOpenError
		if errors.As(err, &notOpen) {
			// Settled between listing and locking; nothing left to do.
			return Outcome{
				ParticipantID: child.ParticipantID, OrderID: child.ID,
				Status: OutcomeSkipped, Reason: "already " + strings.ToLower(notOpen.Status),
			}
		}
		return fail(err.Error())
	}

	cid := uuid.NewString()
	if err := e.database.SetChildOrderCorrelation(ctx, child.ID, db.CIDClose, cid); err != nil {
		return fail(err.Error())
	}

	res, err := e.exec.Close(ctx, execution.CloseRequest{
		OrderID:       child.ID,
		OwnerID:       child.ParticipantID,
		CorrelationID: cid,
		ClosePrice:    price,
	})
	if err != nil {
		return fail(err.Error())
	}

	if err := e.database.MarkChildOrderClosed(ctx, child.ID, res.ClosePrice, res.Profit, res.Commission, res.Swap); err != nil {
		return fail(err.Error())
	}

	child.Status = db.StatusClosed
	child.EntryPrice = resolved.EntryPrice
	e.projectChild(ctx, child)
	e.bus.Publish(events.EventChildClosed, child.ID)

	// Profit arrives net of commission and swap, which is exactly what the
	// ledger chain reconciles against.
	_, err = e.ledger.PostSettlementHeld(ctx, child.ParticipantID, child.ID,
		decimal.NewFromFloat(res.Profit),
		decimal.NewFromFloat(res.Commission),
		decimal.NewFromFloat(res.Swap))
	if err != nil {
		e.log.Error("settlement posting failed", "order", child.ID, "err", err)
		return fail("settlement: " + err.Error())
	}
	e.recordSettlement()
	e.releaseMargin(ctx, child)

	return Outcome{
		ParticipantID: child.ParticipantID, OrderID: child.ID,
		Status: OutcomeSuccess, Quantity: child.Quantity,
	}
}

// cancelPending withdraws an unfilled child. No ledger entry results: nothing
// was realized. Caller holds the participant lock.
func (e *Executor) cancelPending(ctx context.Context, child db.ChildOrder) Outcome {
	fail := func(reason string) Outcome {
		return Outcome{
			ParticipantID: child.ParticipantID, OrderID: child.ID,
			Status: OutcomeFailed, Reason: reason, Quantity: child.Quantity,
		}
	}

	cid := uuid.NewString()
	if err := e.database.SetChildOrderCorrelation(ctx, child.ID, db.CIDCancel, cid); err != nil {
		return fail(err.Error())
	}

	err := e.exec.CancelPending(ctx, execution.CancelRequest{
		OrderID:       child.ID,
		OwnerID:       child.ParticipantID,
		CorrelationID: cid,
	})
	if err != nil {
		return fail(err.Error())
	}
	if err := e.database.MarkChildOrderCancelled(ctx, child.ID); err != nil {
		return fail(err.Error())
	}

	child.Status = db.StatusCancelled
	e.projectChild(ctx, child)
	e.bus.Publish(events.EventChildCancelled, child.ID)

	return Outcome{
		ParticipantID: child.ParticipantID, OrderID: child.ID,
		Status: OutcomeSuccess, Quantity: child.Quantity,
	}
}
