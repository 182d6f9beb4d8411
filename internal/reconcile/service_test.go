package reconcile

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"pamm-core/internal/events"
	"pamm-core/pkg/db"

	"github.com/shopspring/decimal"
)

func newTestService(t *testing.T) (*Service, *db.Database) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "reconcile_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(database, events.NewBus(), slog.Default()), database
}

func seed(t *testing.T, database *db.Database, children ...db.ChildOrder) {
	t.Helper()
	ctx := context.Background()

	err := database.CreateAggregateAccount(ctx, db.AggregateAccount{
		ID: "acc-1", UserID: "u-1", Name: "fund", AccountType: "manager",
		AllocationMethod: db.AllocProportional, Rounding: "floor", Status: "active",
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	err = database.CreateAggregateOrder(ctx, db.AggregateOrder{
		ID: "agg-1", AccountID: "acc-1", Symbol: "EURUSD", Side: db.SideBuy,
		Quantity: 10, Status: db.StatusQueued, AllocationMethod: db.AllocProportional,
	})
	if err != nil {
		t.Fatalf("seed aggregate order: %v", err)
	}

	for i, c := range children {
		c.AggregateOrderID = "agg-1"
		c.Symbol = "EURUSD"
		c.Side = db.SideBuy
		if c.ParticipantID == "" {
			c.ParticipantID = "p-" + string(rune('a'+i))
		}
		err := database.CreateParticipant(ctx, db.Participant{
			ID: c.ParticipantID, AggregateAccountID: "acc-1", UserID: "u-" + c.ParticipantID,
			Balance: decimal.NewFromInt(1000), FreeMargin: 500, Status: "active",
		})
		if err != nil {
			t.Fatalf("seed participant: %v", err)
		}
		if err := database.CreateChildOrder(ctx, c); err != nil {
			t.Fatalf("seed child order: %v", err)
		}
	}
}

func TestRecomputeOrderStatusAndTotals(t *testing.T) {
	tests := []struct {
		name         string
		children     []db.ChildOrder
		wantStatus   string
		wantExecuted float64
		wantRejected float64
		wantCount    int
		wantMargin   float64
	}{
		{
			name: "open while any child is open",
			children: []db.ChildOrder{
				{ID: "c1", Status: db.StatusOpen, Quantity: 3, Margin: 30},
				{ID: "c2", Status: db.StatusClosed, Quantity: 2, Margin: 20},
				{ID: "c3", Status: db.StatusRejected, Quantity: 5},
			},
			wantStatus:   db.StatusOpen,
			wantExecuted: 5, wantRejected: 5, wantCount: 1, wantMargin: 30,
		},
		{
			name: "closed when all children settled",
			children: []db.ChildOrder{
				{ID: "c1", Status: db.StatusClosed, Quantity: 3},
				{ID: "c2", Status: db.StatusClosed, Quantity: 2},
			},
			wantStatus:   db.StatusClosed,
			wantExecuted: 5,
		},
		{
			name: "rejected when nothing executed",
			children: []db.ChildOrder{
				{ID: "c1", Status: db.StatusRejected, Quantity: 3},
				{ID: "c2", Status: db.StatusRejected, Quantity: 2},
			},
			wantStatus:   db.StatusRejected,
			wantRejected: 5, wantCount: 2,
		},
		{
			name: "cancelled wins over rejected mix",
			children: []db.ChildOrder{
				{ID: "c1", Status: db.StatusCancelled, Quantity: 3},
				{ID: "c2", Status: db.StatusRejected, Quantity: 2},
			},
			wantStatus:   db.StatusCancelled,
			wantRejected: 2, wantCount: 1,
		},
		{
			name: "pending children keep parent pending",
			children: []db.ChildOrder{
				{ID: "c1", Status: db.StatusPending, Quantity: 3},
				{ID: "c2", Status: db.StatusClosed, Quantity: 2},
			},
			wantStatus:   db.StatusPending,
			wantExecuted: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, database := newTestService(t)
			seed(t, database, tt.children...)
			ctx := context.Background()

			if err := svc.RecomputeOrder(ctx, "agg-1"); err != nil {
				t.Fatalf("RecomputeOrder: %v", err)
			}

			parent, err := database.GetAggregateOrder(ctx, "agg-1")
			if err != nil {
				t.Fatalf("reload parent: %v", err)
			}
			if parent.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", parent.Status, tt.wantStatus)
			}
			if parent.ExecutedQty != tt.wantExecuted {
				t.Fatalf("executed = %v, want %v", parent.ExecutedQty, tt.wantExecuted)
			}
			if parent.RejectedQty != tt.wantRejected {
				t.Fatalf("rejected qty = %v, want %v", parent.RejectedQty, tt.wantRejected)
			}
			if parent.RejectedCount != tt.wantCount {
				t.Fatalf("rejected count = %v, want %v", parent.RejectedCount, tt.wantCount)
			}
			if parent.Margin != tt.wantMargin {
				t.Fatalf("margin = %v, want %v", parent.Margin, tt.wantMargin)
			}
		})
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	svc, database := newTestService(t)
	seed(t, database,
		db.ChildOrder{ID: "c1", Status: db.StatusOpen, Quantity: 3, Margin: 30},
		db.ChildOrder{ID: "c2", Status: db.StatusRejected, Quantity: 2},
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.RecomputeOrder(ctx, "agg-1"); err != nil {
			t.Fatalf("recompute #%d: %v", i+1, err)
		}
	}

	parent, err := database.GetAggregateOrder(ctx, "agg-1")
	if err != nil {
		t.Fatalf("reload parent: %v", err)
	}
	if parent.ExecutedQty != 3 || parent.RejectedQty != 2 || parent.RejectedCount != 1 {
		t.Fatalf("totals drifted under repeated recompute: %+v", parent)
	}
}

func TestRecomputeAccountTotals(t *testing.T) {
	svc, database := newTestService(t)
	seed(t, database,
		db.ChildOrder{ID: "c1", ParticipantID: "p-1", Status: db.StatusOpen, Quantity: 3, Margin: 42},
		db.ChildOrder{ID: "c2", ParticipantID: "p-2", Status: db.StatusClosed, Quantity: 2, Margin: 10},
	)
	ctx := context.Background()

	if err := svc.RecomputeAccount(ctx, "acc-1"); err != nil {
		t.Fatalf("RecomputeAccount: %v", err)
	}

	acc, err := database.GetAggregateAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if acc.Balance != 2000 {
		t.Fatalf("balance = %v, want 2000", acc.Balance)
	}
	if acc.FreeMargin != 1000 {
		t.Fatalf("free margin = %v, want 1000", acc.FreeMargin)
	}
	// Only the open child's margin counts; the closed one is settled.
	if acc.Margin != 42 {
		t.Fatalf("margin = %v, want 42", acc.Margin)
	}
}
