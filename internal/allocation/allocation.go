// Package allocation computes per-participant sizing plans from a parent
// instruction. Both strategies are pure functions of their inputs so they can
// be unit-tested without any storage or transport.
package allocation

import (
	"errors"
	"math"
)

// ErrNoFreeMargin fails a proportional instruction whose participants have no
// free margin to allocate against.
var ErrNoFreeMargin = errors.New("allocation: no free margin across participants")

// Per-participant rejection reasons.
const (
	ReasonZeroAllocation = "zero_allocation_after_rounding"
	ReasonLotValidation  = "lot_validation_failed"
)

// Rounding modes for proportional shares.
const (
	RoundFloor = "floor"
	RoundCeil  = "ceil"
	RoundStep  = "step"
)

// Snapshot is a participant's free-margin observation at instruction time.
type Snapshot struct {
	ParticipantID string
	FreeMargin    float64
}

// Follower is a copy-trading participant with its subscription ratio.
type Follower struct {
	ParticipantID string
	EquityRatio   float64
	MaxLot        float64 // 0 means no cap
}

// LotSpec captures broker-side lot rules for a symbol.
type LotSpec struct {
	Min  float64
	Max  float64
	Step float64
}

// RoundRule describes how a raw proportional share becomes a tradable size.
type RoundRule struct {
	Mode      string
	Precision int     // decimal places for floor/ceil
	Step      float64 // lot step for RoundStep
}

// Entry is one participant's slot in a plan. A rejected entry is excluded
// from fan-out but never aborts its siblings.
type Entry struct {
	ParticipantID string
	Quantity      float64
	Rejected      bool
	Reason        string
}

// Plan is the ordered output of a sizing strategy. Fan-out processes entries
// in plan order.
type Plan struct {
	Entries []Entry
}

// Allocated returns the entries that survived sizing.
func (p Plan) Allocated() []Entry {
	var out []Entry
	for _, e := range p.Entries {
		if !e.Rejected {
			out = append(out, e)
		}
	}
	return out
}

// TotalQuantity sums the allocated quantities.
func (p Plan) TotalQuantity() float64 {
	var total float64
	for _, e := range p.Entries {
		if !e.Rejected {
			total += e.Quantity
		}
	}
	return total
}

// AllRejected reports whether no entry survived sizing.
func (p Plan) AllRejected() bool {
	for _, e := range p.Entries {
		if !e.Rejected {
			return false
		}
	}
	return len(p.Entries) > 0
}

// Proportional sizes each participant as quantity * freeMargin_i / totalFreeMargin,
// rounded by rule. A share that rounds to zero rejects that participant only.
func Proportional(quantity float64, rule RoundRule, snaps []Snapshot) (Plan, error) {
	var total float64
	for _, s := range snaps {
		if s.FreeMargin > 0 {
			total += s.FreeMargin
		}
	}
	if total <= 0 {
		return Plan{}, ErrNoFreeMargin
	}

	plan := Plan{Entries: make([]Entry, 0, len(snaps))}
	for _, s := range snaps {
		raw := 0.0
		if s.FreeMargin > 0 {
			raw = quantity * s.FreeMargin / total
		}
		share := round(raw, rule)
		if share <= 0 {
			plan.Entries = append(plan.Entries, Entry{
				ParticipantID: s.ParticipantID,
				Rejected:      true,
				Reason:        ReasonZeroAllocation,
			})
			continue
		}
		plan.Entries = append(plan.Entries, Entry{ParticipantID: s.ParticipantID, Quantity: share})
	}
	return plan, nil
}

// Ratio sizes each follower as masterLots * equityRatio, clamped to the
// follower's max-lot cap and the symbol's lot rules. A size that cannot be
// made valid rejects that follower only.
func Ratio(masterLots float64, spec LotSpec, followers []Follower) Plan {
	plan := Plan{Entries: make([]Entry, 0, len(followers))}
	for _, f := range followers {
		lots := masterLots * f.EquityRatio
		if f.MaxLot > 0 && lots > f.MaxLot {
			lots = f.MaxLot
		}
		clamped, ok := Clamp(lots, spec)
		if !ok {
			plan.Entries = append(plan.Entries, Entry{
				ParticipantID: f.ParticipantID,
				Rejected:      true,
				Reason:        ReasonLotValidation,
			})
			continue
		}
		plan.Entries = append(plan.Entries, Entry{ParticipantID: f.ParticipantID, Quantity: clamped})
	}
	return plan
}

// Clamp snaps lots down to the spec's step and bounds it by min/max. It
// returns false when no valid size remains.
func Clamp(lots float64, spec LotSpec) (float64, bool) {
	if lots <= 0 {
		return 0, false
	}
	if spec.Max > 0 && lots > spec.Max {
		lots = spec.Max
	}
	if spec.Step > 0 {
		lots = math.Floor(lots/spec.Step+1e-9) * spec.Step
	}
	if spec.Min > 0 && lots < spec.Min-1e-9 {
		return 0, false
	}
	if lots <= 0 {
		return 0, false
	}
	return lots, true
}

func round(x float64, rule RoundRule) float64 {
	switch rule.Mode {
	case RoundStep:
		if rule.Step > 0 {
			return math.Floor(x/rule.Step+1e-9) * rule.Step
		}
		return x
	case RoundCeil:
		p := math.Pow10(rule.Precision)
		return math.Ceil(x*p-1e-9) / p
	default: // RoundFloor
		p := math.Pow10(rule.Precision)
		return math.Floor(x*p+1e-9) / p
	}
}
