package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pamm-core/internal/execution"
	"pamm-core/internal/lock"
	"pamm-core/internal/resolver"
	"pamm-core/pkg/db"

	"github.com/google/uuid"
)

// protection names one SL/TP action: which correlation column it records,
// which remote call it makes, and how the stored levels change.
type protection struct {
	name   string
	column string
	call   func(execution.Client, context.Context, execution.ProtectionRequest) error
	levels func(child db.ChildOrder, price float64) (stopLoss, takeProfit float64)
}

// SetStopLoss attaches a stop-loss level to every live child of the parent.
func (e *Executor) SetStopLoss(ctx context.Context, orderID string, price float64) (Summary, error) {
	if price <= 0 {
		return Summary{}, fmt.Errorf("fanout: invalid stop-loss price %v", price)
	}
	return e.protect(ctx, orderID, price, protection{
		name:   "set stop-loss",
		column: db.CIDStopLoss,
		call:   execution.Client.AddStopLoss,
		levels: func(c db.ChildOrder, p float64) (float64, float64) { return p, c.TakeProfit },
	})
}

// SetTakeProfit attaches a take-profit level to every live child of the parent.
func (e *Executor) SetTakeProfit(ctx context.Context, orderID string, price float64) (Summary, error) {
	if price <= 0 {
		return Summary{}, fmt.Errorf("fanout: invalid take-profit price %v", price)
	}
	return e.protect(ctx, orderID, price, protection{
		name:   "set take-profit",
		column: db.CIDTakeProfit,
		call:   execution.Client.AddTakeProfit,
		levels: func(c db.ChildOrder, p float64) (float64, float64) { return c.StopLoss, p },
	})
}

// CancelStopLoss removes the stop-loss level from every live child.
func (e *Executor) CancelStopLoss(ctx context.Context, orderID string) (Summary, error) {
	return e.protect(ctx, orderID, 0, protection{
		name:   "cancel stop-loss",
		column: db.CIDStopLoss,
		call:   execution.Client.CancelStopLoss,
		levels: func(c db.ChildOrder, _ float64) (float64, float64) { return 0, c.TakeProfit },
	})
}

// CancelTakeProfit removes the take-profit level from every live child.
func (e *Executor) CancelTakeProfit(ctx context.Context, orderID string) (Summary, error) {
	return e.protect(ctx, orderID, 0, protection{
		name:   "cancel take-profit",
		column: db.CIDTakeProfit,
		call:   execution.Client.CancelTakeProfit,
		levels: func(c db.ChildOrder, _ float64) (float64, float64) { return c.StopLoss, 0 },
	})
}

// protect fans one protection action over the parent's live children with the
// same independence rules as placement: per-child failures are recorded and
// the rest proceed.
func (e *Executor) protect(ctx context.Context, orderID string, price float64, action protection) (Summary, error) {
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
	for _, child := range children {
		summary.add(e.protectOne(ctx, child, price, action))
	}
	e.recordWave(timer, summary)

	if len(children) > 0 && summary.Successful() == 0 {
		return summary, ErrAllFailed
	}
	return summary, nil
}

func (e *Executor) protectOne(ctx context.Context, child db.ChildOrder, price float64, action protection) Outcome {
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

	// Protection only applies to live orders; the resolver re-checks under
	// the lock.
	want := resolver.Expectation{Symbol: child.Symbol, Side: child.Side, Status: child.Status}
	if _, err := e.resolve.Resolve(ctx, child.ID, child.ParticipantID, want); err != nil {
		var notOpen *resolver.NotOpenError
		if errors.As(err, &notOpen) {
			return Outcome{
				ParticipantID: child.ParticipantID, OrderID: child.ID,
				Status: OutcomeSkipped, Reason: "already " + strings.ToLower(notOpen.Status),
			}
		}
		return fail(err.Error())
	}

	cid := uuid.NewString()
	if err := e.database.SetChildOrderCorrelation(ctx, child.ID, action.column, cid); err != nil {
		return fail(err.Error())
	}

	err = action.call(e.exec, ctx, execution.ProtectionRequest{
		OrderID:       child.ID,
		CorrelationID: cid,
		Price:         price,
	})
	if err != nil {
		return fail(err.Error())
	}

	stopLoss, takeProfit := action.levels(child, price)
	if err := e.database.UpdateChildOrderProtection(ctx, child.ID, stopLoss, takeProfit); err != nil {
		return fail(err.Error())
	}
	e.log.Info(action.name+" applied", "order", child.ID, "participant", child.ParticipantID)

	return Outcome{
		ParticipantID: child.ParticipantID, OrderID: child.ID,
		Status: OutcomeSuccess, Quantity: child.Quantity,
	}
}
