package allocation

import (
	"math"
	"testing"
)

func TestProportionalConservation(t *testing.T) {
	tests := []struct {
		name     string
		quantity float64
		margins  []float64
	}{
		{"uneven margins", 10, []float64{5000, 2500, 1500, 1000}},
		{"two participants", 1.5, []float64{100, 300}},
		{"many small", 3, []float64{10, 20, 30, 40, 50, 60}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snaps := make([]Snapshot, len(tt.margins))
			for i, m := range tt.margins {
				snaps[i] = Snapshot{ParticipantID: string(rune('a' + i)), FreeMargin: m}
			}

			plan, err := Proportional(tt.quantity, RoundRule{Mode: RoundFloor, Precision: 2}, snaps)
			if err != nil {
				t.Fatalf("Proportional returned error: %v", err)
			}

			// Floor rounding may only shrink the total, never exceed it.
			if total := plan.TotalQuantity(); total > tt.quantity+1e-9 {
				t.Fatalf("allocated %v exceeds requested %v", total, tt.quantity)
			}
		})
	}
}

func TestProportionalEqualMarginsEqualShares(t *testing.T) {
	snaps := []Snapshot{
		{ParticipantID: "a", FreeMargin: 1000},
		{ParticipantID: "b", FreeMargin: 1000},
		{ParticipantID: "c", FreeMargin: 1000},
		{ParticipantID: "d", FreeMargin: 1000},
	}

	plan, err := Proportional(10, RoundRule{Mode: RoundFloor, Precision: 2}, snaps)
	if err != nil {
		t.Fatalf("Proportional returned error: %v", err)
	}

	first := plan.Entries[0].Quantity
	for _, e := range plan.Entries {
		if e.Rejected {
			t.Fatalf("participant %s unexpectedly rejected: %s", e.ParticipantID, e.Reason)
		}
		if math.Abs(e.Quantity-first) > 0.01 {
			t.Fatalf("unequal shares for equal margins: %v vs %v", e.Quantity, first)
		}
	}
}

func TestProportionalNoFreeMargin(t *testing.T) {
	snaps := []Snapshot{
		{ParticipantID: "a", FreeMargin: 0},
		{ParticipantID: "b", FreeMargin: 0},
	}
	if _, err := Proportional(5, RoundRule{Mode: RoundFloor, Precision: 2}, snaps); err != ErrNoFreeMargin {
		t.Fatalf("expected ErrNoFreeMargin, got %v", err)
	}
}

func TestProportionalZeroShareRejectsOnlyThatParticipant(t *testing.T) {
	snaps := []Snapshot{
		{ParticipantID: "whale", FreeMargin: 1_000_000},
		{ParticipantID: "dust", FreeMargin: 1},
	}

	plan, err := Proportional(1, RoundRule{Mode: RoundFloor, Precision: 2}, snaps)
	if err != nil {
		t.Fatalf("Proportional returned error: %v", err)
	}

	var whale, dust Entry
	for _, e := range plan.Entries {
		switch e.ParticipantID {
		case "whale":
			whale = e
		case "dust":
			dust = e
		}
	}
	if whale.Rejected {
		t.Fatalf("whale should not be rejected")
	}
	if !dust.Rejected || dust.Reason != ReasonZeroAllocation {
		t.Fatalf("dust should be rejected with %s, got %+v", ReasonZeroAllocation, dust)
	}
}

func TestRatioClamping(t *testing.T) {
	spec := LotSpec{Min: 0.01, Max: 50, Step: 0.01}

	tests := []struct {
		name       string
		masterLots float64
		follower   Follower
		wantLots   float64
		wantReject bool
	}{
		{"plain ratio", 10, Follower{ParticipantID: "f1", EquityRatio: 0.25}, 2.5, false},
		{"max lot cap", 10, Follower{ParticipantID: "f2", EquityRatio: 1, MaxLot: 3}, 3, false},
		{"symbol max", 10, Follower{ParticipantID: "f3", EquityRatio: 10}, 50, false},
		{"below min", 10, Follower{ParticipantID: "f4", EquityRatio: 0.0001}, 0, true},
		{"step snap", 1, Follower{ParticipantID: "f5", EquityRatio: 0.3333}, 0.33, false},
		{"zero ratio", 1, Follower{ParticipantID: "f6", EquityRatio: 0}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Ratio(tt.masterLots, spec, []Follower{tt.follower})
			e := plan.Entries[0]
			if tt.wantReject {
				if !e.Rejected || e.Reason != ReasonLotValidation {
					t.Fatalf("expected %s rejection, got %+v", ReasonLotValidation, e)
				}
				return
			}
			if e.Rejected {
				t.Fatalf("unexpected rejection: %s", e.Reason)
			}
			if math.Abs(e.Quantity-tt.wantLots) > 1e-9 {
				t.Fatalf("lots = %v, want %v", e.Quantity, tt.wantLots)
			}
		})
	}
}

func TestRatioOneViolationDoesNotAbortOthers(t *testing.T) {
	spec := LotSpec{Min: 0.01, Max: 100, Step: 0.01}
	plan := Ratio(1, spec, []Follower{
		{ParticipantID: "ok-1", EquityRatio: 0.5},
		{ParticipantID: "bad", EquityRatio: 0.0001},
		{ParticipantID: "ok-2", EquityRatio: 0.2},
	})

	if len(plan.Allocated()) != 2 {
		t.Fatalf("expected 2 allocated followers, got %d", len(plan.Allocated()))
	}
	if plan.AllRejected() {
		t.Fatal("plan should not be fully rejected")
	}
}
