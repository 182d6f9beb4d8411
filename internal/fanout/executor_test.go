package fanout

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pamm-core/internal/events"
	"pamm-core/internal/execution"
	"pamm-core/internal/ledger"
	"pamm-core/internal/lock"
	"pamm-core/internal/reconcile"
	"pamm-core/internal/resolver"
	"pamm-core/internal/telemetry"
	"pamm-core/pkg/cache"
	"pamm-core/pkg/config"
	"pamm-core/pkg/db"

	"github.com/shopspring/decimal"
)

type harness struct {
	exec     *Executor
	database *db.Database
	fake     *execution.Fake
	store    *cache.Memory
	locks    *lock.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessCfg(t, Config{LockTTL: 5 * time.Second, DefaultLeverage: 100})
}

func newHarnessCfg(t *testing.T, cfg Config) *harness {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "fanout_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := cache.NewMemory()
	logger := slog.Default()
	bus := events.NewBus()
	locks := lock.NewManager(store, logger)
	fake := execution.NewFake(1.10)
	catalog := config.NewCatalog([]config.Instrument{
		{Symbol: "EURUSD", ContractSize: 100000, LotMin: 0.01, LotMax: 100, LotStep: 0.01, Leverage: 100},
	})

	executor := NewExecutor(
		database, store, locks, fake,
		resolver.New(store, database, bus, logger),
		reconcile.NewService(database, bus, logger),
		ledger.NewPoster(database, locks, bus, 5*time.Second, logger),
		catalog, bus,
		cfg,
		logger,
	)
	return &harness{exec: executor, database: database, fake: fake, store: store, locks: locks}
}

// seedAccount creates one proportional account plus participants with the
// given free margins. Balances default to 10000 unless overridden.
func (h *harness) seedAccount(t *testing.T, freeMargins map[string]float64, balances map[string]float64) {
	t.Helper()
	ctx := context.Background()

	err := h.database.CreateAggregateAccount(ctx, db.AggregateAccount{
		ID: "acc-1", UserID: "u-1", Name: "fund", AccountType: "manager",
		GroupName: "gold", AllocationMethod: db.AllocProportional,
		LotPrecision: 2, Rounding: "floor", Status: "active",
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	for id, fm := range freeMargins {
		balance := 10000.0
		if b, ok := balances[id]; ok {
			balance = b
		}
		err := h.database.CreateParticipant(ctx, db.Participant{
			ID: id, AggregateAccountID: "acc-1", UserID: "u-" + id, GroupName: "gold",
			Balance: decimal.NewFromFloat(balance), FreeMargin: fm,
			StopLossType: db.ThresholdNone, TakeProfitType: db.ThresholdNone,
			Status: "active",
		})
		if err != nil {
			t.Fatalf("seed participant %s: %v", id, err)
		}
	}
}

func equalMargins(ids ...string) map[string]float64 {
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		out[id] = 5000
	}
	return out
}

func TestPlacePartialFailureLeavesSiblingsIntact(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1", "p-2", "p-3", "p-4", "p-5"), nil)
	h.fake.FailOwners["p-3"] = execution.ErrFakeRejected
	ctx := context.Background()

	parent, summary, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 5, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	if summary.Successful() != 4 {
		t.Fatalf("successful = %d, want 4", summary.Successful())
	}
	if summary.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", summary.Failed())
	}
	if parent.Status != db.StatusOpen {
		t.Fatalf("parent status = %s, want OPEN", parent.Status)
	}
	if parent.ExecutedQty != 4 || parent.RejectedQty != 1 || parent.RejectedCount != 1 {
		t.Fatalf("parent totals = %+v", parent)
	}

	children, err := h.database.ListChildOrders(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 5 {
		t.Fatalf("children = %d, want 5", len(children))
	}
	for _, c := range children {
		if c.ParticipantID == "p-3" {
			if c.Status != db.StatusRejected || c.RejectReason == "" {
				t.Fatalf("failed child not recorded: %+v", c)
			}
			continue
		}
		if c.Status != db.StatusOpen {
			t.Fatalf("sibling %s status = %s, want OPEN", c.ParticipantID, c.Status)
		}
		if c.PlaceCID == "" {
			t.Fatalf("sibling %s has no placement correlation id", c.ParticipantID)
		}
	}
}

func TestPlaceInsufficientMarginSkipsRemoteCall(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-poor", "p-rich"), map[string]float64{"p-poor": 1})
	ctx := context.Background()

	// One lot at 1.10 with contract size 100000 and 1:100 leverage needs
	// 1100 of margin, far beyond p-poor's balance.
	_, summary, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 2, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	if summary.Successful() != 1 || summary.Failed() != 1 {
		t.Fatalf("summary = %d ok / %d failed, want 1/1", summary.Successful(), summary.Failed())
	}
	if h.fake.PlaceCount() != 1 {
		t.Fatalf("remote placements = %d, want 1 (margin check must precede dispatch)", h.fake.PlaceCount())
	}
	if h.fake.PlaceCalls[0].OwnerID != "p-rich" {
		t.Fatalf("remote placement went to %s, want p-rich", h.fake.PlaceCalls[0].OwnerID)
	}

	var failed *Outcome
	for i := range summary.Outcomes {
		if summary.Outcomes[i].Status == OutcomeFailed {
			failed = &summary.Outcomes[i]
		}
	}
	if failed == nil || failed.Reason != ReasonInsufficientMargin {
		t.Fatalf("failed outcome = %+v, want reason %s", failed, ReasonInsufficientMargin)
	}
}

func TestPlaceZeroAllocationIsSkippedNotFailed(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, map[string]float64{"p-whale": 9990, "p-dust": 10}, nil)
	ctx := context.Background()

	parent, summary, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 1, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	if summary.Successful() != 1 || summary.Failed() != 0 || summary.Skipped() != 1 {
		t.Fatalf("summary = %d/%d/%d ok/failed/skipped, want 1/0/1",
			summary.Successful(), summary.Failed(), summary.Skipped())
	}

	// The audit row still exists even though the outcome is only a skip.
	children, err := h.database.ListChildOrders(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	found := false
	for _, c := range children {
		if c.ParticipantID == "p-dust" {
			found = true
			if c.Status != db.StatusRejected || c.RejectReason != "zero_allocation_after_rounding" {
				t.Fatalf("dust child = %+v", c)
			}
		}
	}
	if !found {
		t.Fatal("no audit row for the zero-allocation participant")
	}
}

func TestPlaceBusyAccountRejectsWholeInstruction(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1"), nil)
	ctx := context.Background()

	held, err := h.locks.Acquire(ctx, lock.ResourceAggregate, "acc-1", 5*time.Second)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer h.locks.Release(ctx, held)

	_, _, err = h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 1, Price: 1.10,
	})
	if !errors.Is(err, ErrAccountBusy) {
		t.Fatalf("err = %v, want ErrAccountBusy", err)
	}
	if h.fake.PlaceCount() != 0 {
		t.Fatal("busy instruction must not reach the execution service")
	}
}

func TestPlaceAllFailedSurfacesError(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1", "p-2"), nil)
	h.fake.FailOwners["p-1"] = execution.ErrFakeRejected
	h.fake.FailOwners["p-2"] = execution.ErrFakeRejected
	ctx := context.Background()

	parent, summary, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 2, Price: 1.10,
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if summary.Failed() != 2 {
		t.Fatalf("failed = %d, want 2", summary.Failed())
	}
	if parent.Status != db.StatusRejected {
		t.Fatalf("parent status = %s, want REJECTED", parent.Status)
	}
}

func TestPlaceReleasesLocksAfterWave(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1"), nil)
	ctx := context.Background()

	if _, _, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 1, Price: 1.10,
	}); err != nil {
		t.Fatalf("Place: %v", err)
	}

	for _, res := range [][2]string{
		{lock.ResourceAggregate, "acc-1"},
		{lock.ResourceParticipant, "p-1"},
	} {
		handle, err := h.locks.Acquire(ctx, res[0], res[1], time.Second)
		if err != nil {
			t.Fatalf("%s %s still locked after wave: %v", res[0], res[1], err)
		}
		h.locks.Release(ctx, handle)
	}
}

func TestCloseSettlesChildrenAndPostsLedger(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1", "p-2"), nil)
	ctx := context.Background()

	parent, _, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 2, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	children, err := h.database.ListChildOrders(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	for _, c := range children {
		h.fake.CloseResults[c.ID] = execution.CloseResult{
			ClosePrice: 1.20, Profit: 50, Commission: 2, Flow: "local",
		}
	}

	summary, err := h.exec.Close(ctx, CloseInstruction{OrderID: parent.ID})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if summary.Successful() != 2 {
		t.Fatalf("successful = %d, want 2", summary.Successful())
	}

	reloaded, err := h.database.GetAggregateOrder(ctx, parent.ID)
	if err != nil {
		t.Fatalf("reload parent: %v", err)
	}
	if reloaded.Status != db.StatusClosed {
		t.Fatalf("parent status = %s, want CLOSED", reloaded.Status)
	}

	for _, pid := range []string{"p-1", "p-2"} {
		participant, err := h.database.GetParticipant(ctx, pid)
		if err != nil {
			t.Fatalf("reload %s: %v", pid, err)
		}
		if !participant.Balance.Equal(decimal.NewFromInt(10050)) {
			t.Fatalf("%s balance = %s, want 10050", pid, participant.Balance)
		}
		entries, err := h.database.ListLedgerEntries(ctx, pid, 10)
		if err != nil {
			t.Fatalf("ledger %s: %v", pid, err)
		}
		// Commission entry plus the profit remainder.
		if len(entries) != 2 {
			t.Fatalf("%s ledger entries = %d, want 2", pid, len(entries))
		}
	}
}

func TestCloseSkipsAlreadySettledChild(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1", "p-2"), nil)
	ctx := context.Background()

	parent, _, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 2, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	children, err := h.database.ListChildOrders(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}

	// The child settles out-of-band after the wave listed it: the system of
	// record and the projection both move on, but the wave still holds the
	// stale OPEN row.
	stale := children[0]
	if err := h.database.MarkChildOrderClosed(ctx, stale.ID, 1.15, 10, 0, 0); err != nil {
		t.Fatalf("pre-close child: %v", err)
	}
	if err := h.store.Delete(ctx, cache.OrderKey(stale.ID)); err != nil {
		t.Fatalf("drop projection: %v", err)
	}

	outcome := h.exec.closeOne(ctx, stale, 0)
	if outcome.Status != OutcomeSkipped {
		t.Fatalf("outcome = %+v, want skipped", outcome)
	}
	if h.fake.CloseCount() != 0 {
		t.Fatalf("remote closes = %d, want 0", h.fake.CloseCount())
	}
}

func TestCancelWithdrawsPendingAndSkipsFilled(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1", "p-2"), nil)
	ctx := context.Background()

	parent, _, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 2, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	children, err := h.database.ListChildOrders(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	// Turn p-2's leg into a resting order, as if it had not filled.
	var resting string
	for _, c := range children {
		if c.ParticipantID == "p-2" {
			resting = c.ID
		}
	}
	if _, err := h.database.DB.ExecContext(ctx,
		`UPDATE child_orders SET status = 'PENDING' WHERE id = ?`, resting); err != nil {
		t.Fatalf("flip child to pending: %v", err)
	}

	summary, err := h.exec.Cancel(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if summary.Successful() != 1 || summary.Skipped() != 1 {
		t.Fatalf("summary = %d/%d ok/skipped, want 1/1",
			summary.Successful(), summary.Skipped())
	}
	if len(h.fake.CancelCalls) != 1 {
		t.Fatalf("remote cancels = %d, want 1", len(h.fake.CancelCalls))
	}
	if h.fake.CloseCount() != 0 {
		t.Fatal("cancel must not close filled children")
	}

	cancelled, err := h.database.GetChildOrder(ctx, resting)
	if err != nil {
		t.Fatalf("reload cancelled child: %v", err)
	}
	if cancelled.Status != db.StatusCancelled || cancelled.CancelCID == "" {
		t.Fatalf("cancelled child = %+v", cancelled)
	}

	// The filled leg keeps the parent open.
	reloaded, err := h.database.GetAggregateOrder(ctx, parent.ID)
	if err != nil {
		t.Fatalf("reload parent: %v", err)
	}
	if reloaded.Status != db.StatusOpen {
		t.Fatalf("parent status = %s, want OPEN", reloaded.Status)
	}
}

func TestCloseParticipantClosesAcrossParents(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1", "p-2"), nil)
	ctx := context.Background()

	var parents []string
	for i := 0; i < 2; i++ {
		parent, _, err := h.exec.Place(ctx, PlaceInstruction{
			AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 2, Price: 1.10,
		})
		if err != nil {
			t.Fatalf("Place #%d: %v", i+1, err)
		}
		parents = append(parents, parent.ID)
	}

	summary, err := h.exec.CloseParticipant(ctx, "p-1")
	if err != nil {
		t.Fatalf("CloseParticipant: %v", err)
	}
	if summary.Successful() != 2 {
		t.Fatalf("successful = %d, want 2", summary.Successful())
	}

	open, err := h.database.ListOpenChildOrdersByParticipant(ctx, "p-1")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("p-1 still has %d open children", len(open))
	}

	// p-2's legs are untouched, so both parents stay open.
	for _, id := range parents {
		parent, err := h.database.GetAggregateOrder(ctx, id)
		if err != nil {
			t.Fatalf("reload parent: %v", err)
		}
		if parent.Status != db.StatusOpen {
			t.Fatalf("parent %s status = %s, want OPEN", id, parent.Status)
		}
	}
}

func TestSetStopLossFansOutWithCorrelation(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1", "p-2"), nil)
	ctx := context.Background()

	parent, _, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 2, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	summary, err := h.exec.SetStopLoss(ctx, parent.ID, 1.05)
	if err != nil {
		t.Fatalf("SetStopLoss: %v", err)
	}
	if summary.Successful() != 2 {
		t.Fatalf("successful = %d, want 2", summary.Successful())
	}
	if len(h.fake.SLCalls) != 2 {
		t.Fatalf("remote SL calls = %d, want 2", len(h.fake.SLCalls))
	}

	children, err := h.database.ListChildOrders(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	for _, c := range children {
		if c.StopLoss != 1.05 {
			t.Fatalf("child %s stop-loss = %v, want 1.05", c.ID, c.StopLoss)
		}
		if c.StopLossCID == "" {
			t.Fatalf("child %s has no stop-loss correlation id", c.ID)
		}
	}
}

func TestCancelTakeProfitClearsLevel(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1"), nil)
	ctx := context.Background()

	parent, _, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 1,
		Price: 1.10, TakeProfit: 1.30,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	if _, err := h.exec.CancelTakeProfit(ctx, parent.ID); err != nil {
		t.Fatalf("CancelTakeProfit: %v", err)
	}

	children, err := h.database.ListChildOrders(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if children[0].TakeProfit != 0 {
		t.Fatalf("take-profit = %v, want 0", children[0].TakeProfit)
	}
}

func TestApplySettlementOutOfBand(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1"), nil)
	ctx := context.Background()

	parent, _, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 1, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	children, err := h.database.ListChildOrders(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}

	ev := execution.SettlementEvent{
		OrderID: children[0].ID, OwnerID: "p-1", Kind: "closed",
		ClosePrice: 1.20, Profit: 80, Commission: 3,
	}
	h.exec.ApplySettlement(ctx, ev)
	// A redelivered event must be a no-op.
	h.exec.ApplySettlement(ctx, ev)

	child, err := h.database.GetChildOrder(ctx, children[0].ID)
	if err != nil {
		t.Fatalf("reload child: %v", err)
	}
	if child.Status != db.StatusClosed || child.Profit != 80 {
		t.Fatalf("child after settlement = %+v", child)
	}

	reloaded, err := h.database.GetAggregateOrder(ctx, parent.ID)
	if err != nil {
		t.Fatalf("reload parent: %v", err)
	}
	if reloaded.Status != db.StatusClosed {
		t.Fatalf("parent status = %s, want CLOSED", reloaded.Status)
	}

	participant, err := h.database.GetParticipant(ctx, "p-1")
	if err != nil {
		t.Fatalf("reload participant: %v", err)
	}
	if !participant.Balance.Equal(decimal.NewFromInt(10080)) {
		t.Fatalf("balance = %s, want 10080 (posted exactly once)", participant.Balance)
	}
}

func TestCloseSettlementPostingFailureCountsAsFailed(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1"), nil)
	ctx := context.Background()

	parent, _, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 1, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	// Pull the participant row out from under the close so the ledger has no
	// owner to credit. The close itself still succeeds remotely.
	if _, err := h.database.DB.ExecContext(ctx,
		`DELETE FROM participants WHERE id = 'p-1'`); err != nil {
		t.Fatalf("drop participant: %v", err)
	}

	summary, err := h.exec.Close(ctx, CloseInstruction{OrderID: parent.ID})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if summary.Successful() != 0 || summary.Failed() != 1 {
		t.Fatalf("summary = %d ok / %d failed, want 0/1",
			summary.Successful(), summary.Failed())
	}
	var failed *Outcome
	for i := range summary.Outcomes {
		if summary.Outcomes[i].Status == OutcomeFailed {
			failed = &summary.Outcomes[i]
		}
	}
	if failed == nil || !strings.HasPrefix(failed.Reason, "settlement:") {
		t.Fatalf("failed outcome = %+v, want a settlement reason", failed)
	}

	// No partial credit: a settlement that cannot post leaves no entries.
	entries, err := h.database.ListLedgerEntries(ctx, "p-1", 10)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ledger entries = %d, want 0", len(entries))
	}
}

func TestPlaceGroupMismatchRejectsParticipant(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1"), nil)
	ctx := context.Background()

	// A participant from another broker group must never receive a child.
	err := h.database.CreateParticipant(ctx, db.Participant{
		ID: "p-odd", AggregateAccountID: "acc-1", UserID: "u-p-odd", GroupName: "silver",
		Balance: decimal.NewFromInt(10000), FreeMargin: 5000,
		StopLossType: db.ThresholdNone, TakeProfitType: db.ThresholdNone,
		Status: "active",
	})
	if err != nil {
		t.Fatalf("seed mismatched participant: %v", err)
	}

	parent, summary, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 2, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if summary.Successful() != 1 || summary.Failed() != 1 {
		t.Fatalf("summary = %d ok / %d failed, want 1/1",
			summary.Successful(), summary.Failed())
	}
	if h.fake.PlaceCount() != 1 {
		t.Fatalf("remote placements = %d, want 1 (mismatch must precede dispatch)", h.fake.PlaceCount())
	}
	if h.fake.PlaceCalls[0].OwnerID != "p-1" {
		t.Fatalf("remote placement went to %s, want p-1", h.fake.PlaceCalls[0].OwnerID)
	}

	children, err := h.database.ListChildOrders(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	found := false
	for _, c := range children {
		if c.ParticipantID == "p-odd" {
			found = true
			if c.Status != db.StatusRejected || c.RejectReason != ReasonGroupMismatch {
				t.Fatalf("mismatched child = %+v", c)
			}
		}
	}
	if !found {
		t.Fatal("no audit row for the mismatched participant")
	}
}

func TestPlaceRatioAccountSizesFollowers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.database.CreateAggregateAccount(ctx, db.AggregateAccount{
		ID: "acc-r", UserID: "u-1", Name: "copy", AccountType: "master",
		GroupName: "gold", AllocationMethod: db.AllocRatio,
		LotPrecision: 2, Rounding: "floor", Status: "active",
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	for _, p := range []db.Participant{
		{ID: "p-half", EquityRatio: 0.5},
		{ID: "p-capped", EquityRatio: 0.4, MaxLot: 0.3},
	} {
		p.AggregateAccountID = "acc-r"
		p.UserID = "u-" + p.ID
		p.GroupName = "gold"
		p.Balance = decimal.NewFromInt(10000)
		p.FreeMargin = 5000
		p.StopLossType = db.ThresholdNone
		p.TakeProfitType = db.ThresholdNone
		p.Status = "active"
		if err := h.database.CreateParticipant(ctx, p); err != nil {
			t.Fatalf("seed participant %s: %v", p.ID, err)
		}
	}

	_, summary, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-r", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 2, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if summary.Successful() != 2 {
		t.Fatalf("successful = %d, want 2", summary.Successful())
	}

	// Each follower is sized master * ratio, capped by its own max lot.
	want := map[string]float64{"p-half": 1.0, "p-capped": 0.3}
	if h.fake.PlaceCount() != 2 {
		t.Fatalf("remote placements = %d, want 2", h.fake.PlaceCount())
	}
	for _, call := range h.fake.PlaceCalls {
		if call.Quantity != want[call.OwnerID] {
			t.Fatalf("%s sized %v, want %v", call.OwnerID, call.Quantity, want[call.OwnerID])
		}
		if call.OwnerType != execution.OwnerFollower {
			t.Fatalf("%s owner type = %s, want %s", call.OwnerID, call.OwnerType, execution.OwnerFollower)
		}
	}
}

func TestPlaceZeroAllocationFailsWhenPolicyOn(t *testing.T) {
	h := newHarnessCfg(t, Config{
		LockTTL: 5 * time.Second, DefaultLeverage: 100, ZeroAllocationFails: true,
	})
	h.seedAccount(t, equalMargins("p-1", "p-2"), nil)
	ctx := context.Background()

	// 0.01 lots split two ways rounds both shares to zero.
	parent, summary, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 0.01, Price: 1.10,
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if summary.Failed() != 2 || summary.Skipped() != 0 {
		t.Fatalf("summary = %d/%d failed/skipped, want 2/0",
			summary.Failed(), summary.Skipped())
	}
	if h.fake.PlaceCount() != 0 {
		t.Fatal("zero-allocation participants must not reach the execution service")
	}
	if parent.Status != db.StatusRejected {
		t.Fatalf("parent status = %s, want REJECTED", parent.Status)
	}
}

func TestCloseParticipantReconcilesWhileAccountBusy(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1"), nil)
	ctx := context.Background()

	parent, _, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 1, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	// Another wave owns the account lock for the whole flatten. The
	// participant flatten must still settle and reconcile the parent.
	held, err := h.locks.Acquire(ctx, lock.ResourceAggregate, "acc-1", time.Minute)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer h.locks.Release(ctx, held)

	summary, err := h.exec.CloseParticipant(ctx, "p-1")
	if err != nil {
		t.Fatalf("CloseParticipant: %v", err)
	}
	if summary.Successful() != 1 {
		t.Fatalf("successful = %d, want 1", summary.Successful())
	}

	reloaded, err := h.database.GetAggregateOrder(ctx, parent.ID)
	if err != nil {
		t.Fatalf("reload parent: %v", err)
	}
	if reloaded.Status != db.StatusClosed {
		t.Fatalf("parent status = %s, want CLOSED", reloaded.Status)
	}
}

func TestWaveMetricsRecorded(t *testing.T) {
	metrics := telemetry.NewMetrics()
	h := newHarnessCfg(t, Config{
		LockTTL: 5 * time.Second, DefaultLeverage: 100, Metrics: metrics,
	})
	h.seedAccount(t, equalMargins("p-1", "p-2"), nil)
	ctx := context.Background()
	h.fake.FailOwners["p-2"] = execution.ErrFakeRejected

	parent, _, err := h.exec.Place(ctx, PlaceInstruction{
		AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy, Quantity: 2, Price: 1.10,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	snap := metrics.GetSnapshot()
	if snap.WavesProcessed != 1 {
		t.Fatalf("waves = %d, want 1", snap.WavesProcessed)
	}
	if snap.ChildrenPlaced != 1 || snap.ChildrenFailed != 1 {
		t.Fatalf("children = %d placed / %d failed, want 1/1",
			snap.ChildrenPlaced, snap.ChildrenFailed)
	}
	if snap.WaveLatency.Count != 1 {
		t.Fatalf("wave latency samples = %d, want 1", snap.WaveLatency.Count)
	}

	if _, err := h.exec.Close(ctx, CloseInstruction{OrderID: parent.ID}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	snap = metrics.GetSnapshot()
	if snap.WavesProcessed != 2 {
		t.Fatalf("waves after close = %d, want 2", snap.WavesProcessed)
	}
	if snap.SettlementsPosted != 1 {
		t.Fatalf("settlements = %d, want 1", snap.SettlementsPosted)
	}
}

func TestPlaceUnknownSymbol(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, equalMargins("p-1"), nil)

	_, _, err := h.exec.Place(context.Background(), PlaceInstruction{
		AccountID: "acc-1", Symbol: "XAUUSD", Side: db.SideBuy, Quantity: 1, Price: 2000,
	})
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("err = %v, want ErrUnknownSymbol", err)
	}
}
