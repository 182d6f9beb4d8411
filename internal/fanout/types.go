package fanout

import "errors"

// Instruction-level errors. Per-participant failures never surface as
// errors; they live in the Summary.
var (
	// ErrAccountBusy means the aggregate-account lock is held by another
	// instruction. Retryable; the instruction is never queued silently.
	ErrAccountBusy = errors.New("fanout: aggregate account busy")

	// ErrNoParticipants means the account has no active participants.
	ErrNoParticipants = errors.New("fanout: no active participants")

	// ErrAllFailed means not a single participant succeeded, which is the
	// only condition that fails an instruction as a whole.
	ErrAllFailed = errors.New("fanout: no participant succeeded")

	// ErrUnknownSymbol means the symbol is not in the instrument catalog.
	ErrUnknownSymbol = errors.New("fanout: unknown symbol")

	// ErrPriceUnavailable means no reference price exists to estimate margin.
	ErrPriceUnavailable = errors.New("fanout: no reference price for symbol")
)

// OutcomeStatus tags one participant's result in a wave.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "successful"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Per-participant failure reasons produced before any remote call.
const (
	ReasonGroupMismatch      = "group_mismatch"
	ReasonInsufficientMargin = "insufficient_margin"
	ReasonParticipantBusy    = "participant_busy"
)

// Outcome is one participant's tagged result. Skipped means there was
// nothing to do for this participant; Failed means something broke.
type Outcome struct {
	ParticipantID string
	OrderID       string
	Status        OutcomeStatus
	Reason        string
	Quantity      float64
	Margin        float64
}

// Summary aggregates one fan-out wave. All three buckets retain their
// per-participant reasons so callers can tell "nothing to do" apart from
// "something broke".
type Summary struct {
	ExecutedQty   float64
	RejectedQty   float64
	RejectedCount int
	TotalMargin   float64
	Outcomes      []Outcome
}

func (s *Summary) add(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	switch o.Status {
	case OutcomeSuccess:
		s.ExecutedQty += o.Quantity
		s.TotalMargin += o.Margin
	case OutcomeFailed:
		s.RejectedQty += o.Quantity
		s.RejectedCount++
	}
}

// Successful counts the participants whose dispatch committed.
func (s Summary) Successful() int { return s.count(OutcomeSuccess) }

// Failed counts the participants whose dispatch broke.
func (s Summary) Failed() int { return s.count(OutcomeFailed) }

// Skipped counts the participants with nothing to do.
func (s Summary) Skipped() int { return s.count(OutcomeSkipped) }

func (s Summary) count(status OutcomeStatus) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
