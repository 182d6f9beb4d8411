// Package ledger converts realized settlements into balance-preserving
// transaction records. Every chain of entries posted for one settlement keeps
// balance_after == balance_before + amount per record, and the chain's final
// balance_after is the owner's new persisted balance. Amounts are exact
// decimals; any failure aborts the whole transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pamm-core/internal/events"
	"pamm-core/internal/lock"
	"pamm-core/pkg/db"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrOwnerNotFound means the settlement's owner row does not exist.
var ErrOwnerNotFound = errors.New("ledger: owner not found")

// Posted summarizes one committed settlement chain.
type Posted struct {
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Entries       []db.LedgerEntry
}

// Poster writes settlement chains under one account-level lock.
type Poster struct {
	database *db.Database
	locks    *lock.Manager
	bus      *events.Bus
	log      *slog.Logger
	lockTTL  time.Duration
}

func NewPoster(database *db.Database, locks *lock.Manager, bus *events.Bus, lockTTL time.Duration, logger *slog.Logger) *Poster {
	return &Poster{database: database, locks: locks, bus: bus, lockTTL: lockTTL, log: logger}
}

// PostSettlement acquires the owner's participant lock and records a realized
// profit/loss plus commission and swap. The signed entry amounts sum exactly
// to netProfit: the commission entry carries -commission, the swap entry
// carries swap, and the profit (or loss) entry carries the remainder.
func (p *Poster) PostSettlement(ctx context.Context, ownerID, orderRef string, netProfit, commission, swap decimal.Decimal) (Posted, error) {
	handle, err := p.locks.Acquire(ctx, lock.ResourceParticipant, ownerID, p.lockTTL)
	if err != nil {
		return Posted{}, fmt.Errorf("settlement for %s: %w", ownerID, err)
	}
	defer p.locks.Release(ctx, handle)

	return p.PostSettlementHeld(ctx, ownerID, orderRef, netProfit, commission, swap)
}

// PostSettlementHeld posts the chain for a caller that already holds the
// owner's participant lock. Close paths use it so the settlement cannot be
// lost to a competing holder in the gap between the close and the posting.
func (p *Poster) PostSettlementHeld(ctx context.Context, ownerID, orderRef string, netProfit, commission, swap decimal.Decimal) (Posted, error) {
	posted, err := p.postLocked(ctx, ownerID, orderRef, netProfit, commission, swap)
	if err != nil {
		return Posted{}, err
	}

	p.bus.Publish(events.EventLedgerPosted, posted)
	p.log.Info("settlement posted",
		"owner", ownerID, "order", orderRef,
		"net", netProfit.String(),
		"balance_after", posted.BalanceAfter.String())
	return posted, nil
}

func (p *Poster) postLocked(ctx context.Context, ownerID, orderRef string, netProfit, commission, swap decimal.Decimal) (Posted, error) {
	tx, err := p.database.DB.BeginTx(ctx, nil)
	if err != nil {
		return Posted{}, fmt.Errorf("begin settlement tx: %w", err)
	}
	defer tx.Rollback()

	var balanceRaw string
	err = tx.QueryRowContext(ctx, `SELECT balance FROM participants WHERE id = ?`, ownerID).Scan(&balanceRaw)
	if err == sql.ErrNoRows {
		return Posted{}, ErrOwnerNotFound
	}
	if err != nil {
		return Posted{}, fmt.Errorf("read owner balance: %w", err)
	}
	opening, err := decimal.NewFromString(balanceRaw)
	if err != nil {
		return Posted{}, fmt.Errorf("parse owner balance %q: %w", balanceRaw, err)
	}

	entries := buildChain(ownerID, orderRef, opening, netProfit, commission, swap)

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, owner_id, order_id, entry_type, amount, balance_before, balance_after, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'posted')
		`, e.ID, e.OwnerID, e.OrderID, e.EntryType,
			e.Amount.String(), e.BalanceBefore.String(), e.BalanceAfter.String())
		if err != nil {
			return Posted{}, fmt.Errorf("insert ledger entry: %w", err)
		}
	}

	closing := entries[len(entries)-1].BalanceAfter
	if !closing.Equal(opening.Add(netProfit)) {
		// Unreachable by construction; kept as the transaction's hard stop
		// so a future regression aborts instead of posting a broken chain.
		return Posted{}, fmt.Errorf("ledger chain does not reconcile: %s + %s != %s",
			opening.String(), netProfit.String(), closing.String())
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE participants SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, closing.String(), ownerID)
	if err != nil {
		return Posted{}, fmt.Errorf("update owner balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Posted{}, ErrOwnerNotFound
	}

	if err := tx.Commit(); err != nil {
		return Posted{}, fmt.Errorf("commit settlement: %w", err)
	}

	return Posted{BalanceBefore: opening, BalanceAfter: closing, Entries: entries}, nil
}

// buildChain lays out the entries for one settlement. Ordering is fixed:
// commission, swap, then profit/loss, each chained on the previous balance.
func buildChain(ownerID, orderRef string, opening, netProfit, commission, swap decimal.Decimal) []db.LedgerEntry {
	var entries []db.LedgerEntry
	balance := opening

	add := func(entryType string, amount decimal.Decimal) {
		before := balance
		balance = balance.Add(amount)
		entries = append(entries, db.LedgerEntry{
			ID:            uuid.NewString(),
			OwnerID:       ownerID,
			OrderID:       orderRef,
			EntryType:     entryType,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  balance,
		})
	}

	remainder := netProfit
	if commission.IsPositive() {
		add(db.EntryCommission, commission.Neg())
		remainder = remainder.Add(commission)
	}
	if !swap.IsZero() {
		add(db.EntrySwap, swap)
		remainder = remainder.Sub(swap)
	}

	entryType := db.EntryProfit
	if remainder.IsNegative() {
		entryType = db.EntryLoss
	}
	add(entryType, remainder)

	return entries
}
