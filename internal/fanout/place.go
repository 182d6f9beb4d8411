package fanout

import (
	"context"
	"fmt"

	"pamm-core/internal/allocation"
	"pamm-core/internal/events"
	"pamm-core/internal/execution"
	"pamm-core/internal/lock"
	"pamm-core/pkg/config"
	"pamm-core/pkg/db"

	"github.com/google/uuid"
)

// PlaceInstruction is one parent placement request.
type PlaceInstruction struct {
	AccountID  string
	Symbol     string
	Side       string
	Quantity   float64
	Price      float64 // 0 means market; margin is estimated from the cached price
	StopLoss   float64
	TakeProfit float64
}

// Place allocates the instruction across the account's participants and
// dispatches one child order per allocated participant. Participants are
// processed in plan order; each one's failure is recorded and the wave
// continues.
func (e *Executor) Place(ctx context.Context, req PlaceInstruction) (*db.AggregateOrder, Summary, error) {
	if req.Side != db.SideBuy && req.Side != db.SideSell {
		return nil, Summary{}, fmt.Errorf("fanout: invalid side %q", req.Side)
	}
	instrument, ok := e.catalog.Get(req.Symbol)
	if !ok {
		return nil, Summary{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol)
	}
	if req.Quantity <= 0 {
		return nil, Summary{}, fmt.Errorf("fanout: invalid quantity %v", req.Quantity)
	}

	account, err := e.database.GetAggregateAccount(ctx, req.AccountID)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("load aggregate account: %w", err)
	}

	price, err := e.referencePrice(ctx, req.Symbol, req.Price)
	if err != nil {
		return nil, Summary{}, err
	}

	participants, err := e.database.ListActiveParticipants(ctx, req.AccountID)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("load participants: %w", err)
	}
	if len(participants) == 0 {
		return nil, Summary{}, ErrNoParticipants
	}

	plan, err := e.buildPlan(account, instrument, req.Quantity, participants)
	if err != nil {
		return nil, Summary{}, err
	}

	// Serialize fan-out waves per aggregate account. A busy account rejects
	// the whole instruction; callers retry at their discretion.
	accountLock, err := e.locks.Acquire(ctx, lock.ResourceAggregate, req.AccountID, e.cfg.LockTTL)
	if err != nil {
		if err == lock.ErrBusy {
			return nil, Summary{}, ErrAccountBusy
		}
		return nil, Summary{}, err
	}
	defer e.locks.Release(ctx, accountLock)

	parent := db.AggregateOrder{
		ID:               uuid.NewString(),
		AccountID:        req.AccountID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Quantity:         req.Quantity,
		Status:           db.StatusQueued,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		AllocationMethod: account.AllocationMethod,
	}
	for _, p := range participants {
		parent.TotalBalance += p.Balance.InexactFloat64()
		parent.TotalFreeMargin += p.FreeMargin
	}
	if err := e.database.CreateAggregateOrder(ctx, parent); err != nil {
		return nil, Summary{}, fmt.Errorf("persist aggregate order: %w", err)
	}

	byID := make(map[string]db.Participant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
	}

	timer := e.waveTimer()
	var summary Summary
	for _, entry := range plan.Entries {
		summary.add(e.placeOne(ctx, parent, account, instrument, price, req, byID[entry.ParticipantID], entry))
	}
	e.recordWave(timer, summary)

	if err := e.recon.RecomputeOrder(ctx, parent.ID); err != nil {
		e.log.Error("post-wave reconciliation failed", "order", parent.ID, "err", err)
	}
	e.bus.Publish(events.EventAggregatePlaced, parent.ID)

	updated, err := e.database.GetAggregateOrder(ctx, parent.ID)
	if err != nil {
		updated = &parent
	}

	if summary.Successful() == 0 && (summary.Failed() > 0 || e.cfg.ZeroAllocationFails) {
		return updated, summary, ErrAllFailed
	}
	return updated, summary, nil
}

// buildPlan selects the account's sizing strategy.
func (e *Executor) buildPlan(account *db.AggregateAccount, instrument config.Instrument, quantity float64, participants []db.Participant) (allocation.Plan, error) {
	spec := allocation.LotSpec{Min: instrument.LotMin, Max: instrument.LotMax, Step: instrument.LotStep}

	if account.AllocationMethod == db.AllocRatio {
		followers := make([]allocation.Follower, len(participants))
		for i, p := range participants {
			followers[i] = allocation.Follower{
				ParticipantID: p.ID,
				EquityRatio:   p.EquityRatio,
				MaxLot:        p.MaxLot,
			}
		}
		return allocation.Ratio(quantity, spec, followers), nil
	}

	snaps := make([]allocation.Snapshot, len(participants))
	for i, p := range participants {
		snaps[i] = allocation.Snapshot{ParticipantID: p.ID, FreeMargin: p.FreeMargin}
	}
	rule := allocation.RoundRule{Mode: account.Rounding, Precision: account.LotPrecision, Step: instrument.LotStep}
	plan, err := allocation.Proportional(quantity, rule, snaps)
	if err != nil {
		return allocation.Plan{}, fmt.Errorf("allocate %s: %w", account.ID, err)
	}
	return plan, nil
}

// placeOne runs the per-participant leg of a placement wave: local
// validations first, then lock, persist, dispatch, record. The participant
// lock is released unconditionally before the next participant runs.
func (e *Executor) placeOne(
	ctx context.Context,
	parent db.AggregateOrder,
	account *db.AggregateAccount,
	instrument config.Instrument,
	price float64,
	req PlaceInstruction,
	participant db.Participant,
	entry allocation.Entry,
) Outcome {
	if entry.Rejected {
		// Sizing already rejected this participant; keep the audit row.
		e.recordRejectedChild(ctx, parent, entry.ParticipantID, entry.Quantity, entry.Reason)
		status := OutcomeSkipped
		if e.cfg.ZeroAllocationFails || entry.Reason != allocation.ReasonZeroAllocation {
			status = OutcomeFailed
		}
		return Outcome{ParticipantID: entry.ParticipantID, Status: status, Reason: entry.Reason, Quantity: entry.Quantity}
	}

	if participant.ID == "" {
		return Outcome{ParticipantID: entry.ParticipantID, Status: OutcomeFailed, Reason: "participant not loaded"}
	}

	// Group membership must match before anything is placed on the
	// participant's behalf.
	if participant.GroupName != account.GroupName {
		e.recordRejectedChild(ctx, parent, participant.ID, entry.Quantity, ReasonGroupMismatch)
		return Outcome{ParticipantID: participant.ID, Status: OutcomeFailed, Reason: ReasonGroupMismatch, Quantity: entry.Quantity}
	}

	// Margin check runs before the execution service is touched.
	required := e.requiredMargin(instrument, entry.Quantity, price)
	if required > participant.Balance.InexactFloat64() {
		e.recordRejectedChild(ctx, parent, participant.ID, entry.Quantity, ReasonInsufficientMargin)
		return Outcome{ParticipantID: participant.ID, Status: OutcomeFailed, Reason: ReasonInsufficientMargin, Quantity: entry.Quantity}
	}

	handle, err := e.locks.Acquire(ctx, lock.ResourceParticipant, participant.ID, e.cfg.LockTTL)
	if err != nil {
		reason := ReasonParticipantBusy
		if err != lock.ErrBusy {
			reason = err.Error()
		}
		e.recordRejectedChild(ctx, parent, participant.ID, entry.Quantity, reason)
		return Outcome{ParticipantID: participant.ID, Status: OutcomeFailed, Reason: reason, Quantity: entry.Quantity}
	}
	defer e.locks.Release(ctx, handle)

	child := db.ChildOrder{
		ID:               uuid.NewString(),
		ParticipantID:    participant.ID,
		AggregateOrderID: parent.ID,
		Symbol:           parent.Symbol,
		Side:             parent.Side,
		Status:           db.StatusQueued,
		Quantity:         entry.Quantity,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		PlaceCID:         uuid.NewString(), // recorded before the remote call
	}
	if err := e.database.CreateChildOrder(ctx, child); err != nil {
		e.log.Error("persist child order failed", "participant", participant.ID, "err", err)
		return Outcome{ParticipantID: participant.ID, Status: OutcomeFailed, Reason: err.Error(), Quantity: entry.Quantity}
	}

	res, err := e.exec.Place(ctx, execution.PlaceRequest{
		OrderID:       child.ID,
		Symbol:        child.Symbol,
		Side:          child.Side,
		Price:         req.Price,
		Quantity:      child.Quantity,
		OwnerID:       participant.ID,
		OwnerType:     ownerType(account),
		CorrelationID: child.PlaceCID,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
	})
	if err != nil {
		// Timeout and explicit failure are treated identically: this
		// participant failed, the wave continues.
		if dbErr := e.database.MarkChildOrderRejected(ctx, child.ID, err.Error()); dbErr != nil {
			e.log.Error("mark child rejected failed", "order", child.ID, "err", dbErr)
		}
		e.bus.Publish(events.EventChildRejected, child.ID)
		return Outcome{ParticipantID: participant.ID, OrderID: child.ID, Status: OutcomeFailed, Reason: err.Error(), Quantity: entry.Quantity}
	}

	status := db.StatusOpen
	if res.Status == db.StatusPending {
		status = db.StatusPending
	}
	if err := e.database.MarkChildOrderExecuted(ctx, child.ID, status, res.Price, res.Margin, res.Commission, res.Flow); err != nil {
		e.log.Error("mark child executed failed", "order", child.ID, "err", err)
		return Outcome{ParticipantID: participant.ID, OrderID: child.ID, Status: OutcomeFailed, Reason: err.Error(), Quantity: entry.Quantity}
	}

	child.Status = status
	child.EntryPrice = res.Price
	child.Margin = res.Margin
	e.projectChild(ctx, child)
	e.mirrorMargin(ctx, participant, participant.UsedMargin+res.Margin)
	e.bus.Publish(events.EventChildPlaced, child.ID)

	return Outcome{
		ParticipantID: participant.ID,
		OrderID:       child.ID,
		Status:        OutcomeSuccess,
		Quantity:      entry.Quantity,
		Margin:        res.Margin,
	}
}

// recordRejectedChild keeps an audit row for a participant rejected before
// dispatch.
func (e *Executor) recordRejectedChild(ctx context.Context, parent db.AggregateOrder, participantID string, quantity float64, reason string) {
	child := db.ChildOrder{
		ID:               uuid.NewString(),
		ParticipantID:    participantID,
		AggregateOrderID: parent.ID,
		Symbol:           parent.Symbol,
		Side:             parent.Side,
		Status:           db.StatusRejected,
		Quantity:         quantity,
		RejectReason:     reason,
	}
	if err := e.database.CreateChildOrder(ctx, child); err != nil {
		e.log.Error("persist rejected child failed", "participant", participantID, "err", err)
	}
}

func ownerType(account *db.AggregateAccount) string {
	if account.AllocationMethod == db.AllocRatio {
		return execution.OwnerFollower
	}
	return execution.OwnerInvestor
}
