package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order lifecycle statuses shared by aggregate and child orders.
const (
	StatusQueued    = "QUEUED"
	StatusOpen      = "OPEN"
	StatusPending   = "PENDING"
	StatusRejected  = "REJECTED"
	StatusCancelled = "CANCELLED"
	StatusClosed    = "CLOSED"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Allocation methods configured per aggregate account.
const (
	AllocProportional = "proportional"
	AllocRatio        = "ratio"
)

// Ledger entry types.
const (
	EntryCommission = "commission"
	EntryProfit     = "profit"
	EntryLoss       = "loss"
	EntryDeposit    = "deposit"
	EntryWithdraw   = "withdraw"
	EntrySwap       = "swap"
	EntryAdjustment = "adjustment"
)

// Equity threshold kinds for participant stop-out configuration.
const (
	ThresholdNone    = "none"
	ThresholdPercent = "percent"
	ThresholdAmount  = "amount"
)

// AggregateAccount is a manager or strategy-provider account whose
// instructions fan out to participants.
type AggregateAccount struct {
	ID               string
	UserID           string
	Name             string
	AccountType      string // "manager" or "strategy"
	GroupName        string
	AllocationMethod string
	LotPrecision     int
	Rounding         string // "floor", "ceil" or "step"
	Balance          float64
	FreeMargin       float64
	Margin           float64
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Participant is an investor or follower receiving a share of an aggregate
// instruction. Balance is kept as an exact decimal because the ledger chain
// must reconcile to it without drift.
type Participant struct {
	ID                 string
	AggregateAccountID string
	UserID             string
	GroupName          string
	Balance            decimal.Decimal
	FreeMargin         float64
	UsedMargin         float64
	EquityRatio        float64
	MaxLot             float64 // 0 means no cap
	InitialInvestment  float64
	StopLossType       string
	StopLossValue      float64
	TakeProfitType     string
	TakeProfitValue    float64
	Status             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AggregateOrder is one parent instruction.
type AggregateOrder struct {
	ID               string
	AccountID        string
	Symbol           string
	Side             string
	Quantity         float64
	Status           string
	StopLoss         float64
	TakeProfit       float64
	AllocationMethod string
	TotalBalance     float64 // snapshot at placement
	TotalFreeMargin  float64 // snapshot at placement
	ExecutedQty      float64
	RejectedQty      float64
	RejectedCount    int
	Margin           float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ChildOrder is one participant's order derived from an AggregateOrder.
// Correlation ids are minted per state-changing action before the remote
// dispatch so retried acknowledgments can be deduplicated downstream.
type ChildOrder struct {
	ID               string
	ParticipantID    string
	AggregateOrderID string
	Symbol           string
	Side             string
	Status           string
	Quantity         float64
	EntryPrice       float64
	Margin           float64
	Commission       float64
	Swap             float64
	ClosePrice       float64
	Profit           float64
	StopLoss         float64
	TakeProfit       float64
	RejectReason     string
	Flow             string // opaque routing indicator from the execution service
	PlaceCID         string
	CloseCID         string
	CancelCID        string
	StopLossCID      string
	TakeProfitCID    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Open reports whether the order still counts toward the parent's open set.
func (c ChildOrder) Open() bool {
	return c.Status == StatusOpen || c.Status == StatusPending || c.Status == StatusQueued
}

// Terminal reports whether the order can no longer transition.
func (c ChildOrder) Terminal() bool {
	return c.Status == StatusRejected || c.Status == StatusCancelled || c.Status == StatusClosed
}

// LedgerEntry is one balance-preserving transaction record. Amounts are exact
// decimals stored as text.
type LedgerEntry struct {
	ID            string
	OwnerID       string
	OrderID       string
	EntryType     string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Status        string
	CreatedAt     time.Time
}
