package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// ----------------------------------------
// Aggregate account queries
// ----------------------------------------

// CreateAggregateAccount inserts a new aggregate account row.
func (d *Database) CreateAggregateAccount(ctx context.Context, a AggregateAccount) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO aggregate_accounts (
			id, user_id, name, account_type, group_name, allocation_method,
			lot_precision, rounding, balance, free_margin, margin, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.Name, a.AccountType, a.GroupName, a.AllocationMethod,
		a.LotPrecision, a.Rounding, a.Balance, a.FreeMargin, a.Margin, a.Status)
	return err
}

// GetAggregateAccount returns one aggregate account by id.
func (d *Database) GetAggregateAccount(ctx context.Context, id string) (*AggregateAccount, error) {
	var a AggregateAccount
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, account_type, group_name, allocation_method,
		       lot_precision, rounding, balance, free_margin, margin, status,
		       created_at, updated_at
		FROM aggregate_accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.UserID, &a.Name, &a.AccountType, &a.GroupName, &a.AllocationMethod,
		&a.LotPrecision, &a.Rounding, &a.Balance, &a.FreeMargin, &a.Margin, &a.Status,
		&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query aggregate account: %w", err)
	}
	return &a, nil
}

// UpdateAccountTotals overwrites the recomputed aggregate totals. Totals are
// always fully rebuilt by reconciliation, never patched incrementally.
func (d *Database) UpdateAccountTotals(ctx context.Context, id string, balance, freeMargin, margin float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE aggregate_accounts
		SET balance = ?, free_margin = ?, margin = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, balance, freeMargin, margin, id)
	return err
}

// ----------------------------------------
// Participant queries
// ----------------------------------------

const participantColumns = `
	id, aggregate_account_id, user_id, group_name, balance, free_margin,
	used_margin, equity_ratio, max_lot, initial_investment,
	stop_loss_type, stop_loss_value, take_profit_type, take_profit_value,
	status, created_at, updated_at`

func scanParticipant(row interface{ Scan(...any) error }) (Participant, error) {
	var p Participant
	var balance string
	err := row.Scan(&p.ID, &p.AggregateAccountID, &p.UserID, &p.GroupName, &balance,
		&p.FreeMargin, &p.UsedMargin, &p.EquityRatio, &p.MaxLot, &p.InitialInvestment,
		&p.StopLossType, &p.StopLossValue, &p.TakeProfitType, &p.TakeProfitValue,
		&p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return p, fmt.Errorf("parse participant balance %q: %w", balance, err)
	}
	return p, nil
}

// CreateParticipant inserts a new participant row.
func (d *Database) CreateParticipant(ctx context.Context, p Participant) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO participants (
			id, aggregate_account_id, user_id, group_name, balance, free_margin,
			used_margin, equity_ratio, max_lot, initial_investment,
			stop_loss_type, stop_loss_value, take_profit_type, take_profit_value, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.AggregateAccountID, p.UserID, p.GroupName, p.Balance.String(), p.FreeMargin,
		p.UsedMargin, p.EquityRatio, p.MaxLot, p.InitialInvestment,
		p.StopLossType, p.StopLossValue, p.TakeProfitType, p.TakeProfitValue, p.Status)
	return err
}

// GetParticipant returns one participant by id.
func (d *Database) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT`+participantColumns+` FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query participant: %w", err)
	}
	return &p, nil
}

// ListActiveParticipants returns all active participants of an aggregate
// account, oldest first so allocation order is stable.
func (d *Database) ListActiveParticipants(ctx context.Context, accountID string) ([]Participant, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT`+participantColumns+`
		FROM participants
		WHERE aggregate_account_id = ? AND status = 'active'
		ORDER BY created_at ASC, id ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListEquityMonitored returns active participants with a configured stop-loss
// or take-profit equity threshold.
func (d *Database) ListEquityMonitored(ctx context.Context) ([]Participant, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT`+participantColumns+`
		FROM participants
		WHERE status = 'active'
		  AND (stop_loss_type != 'none' OR take_profit_type != 'none')
	`)
	if err != nil {
		return nil, fmt.Errorf("query monitored participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateParticipantMargin mirrors a participant's used/free margin snapshot.
func (d *Database) UpdateParticipantMargin(ctx context.Context, id string, usedMargin, freeMargin float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE participants
		SET used_margin = ?, free_margin = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, usedMargin, freeMargin, id)
	return err
}

// ----------------------------------------
// Aggregate order queries
// ----------------------------------------

// CreateAggregateOrder inserts a new parent instruction row.
func (d *Database) CreateAggregateOrder(ctx context.Context, o AggregateOrder) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO aggregate_orders (
			id, account_id, symbol, side, quantity, status, stop_loss, take_profit,
			allocation_method, total_balance, total_free_margin,
			executed_qty, rejected_qty, rejected_count, margin
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.AccountID, o.Symbol, o.Side, o.Quantity, o.Status, o.StopLoss, o.TakeProfit,
		o.AllocationMethod, o.TotalBalance, o.TotalFreeMargin,
		o.ExecutedQty, o.RejectedQty, o.RejectedCount, o.Margin)
	return err
}

// GetAggregateOrder returns one parent instruction by id.
func (d *Database) GetAggregateOrder(ctx context.Context, id string) (*AggregateOrder, error) {
	var o AggregateOrder
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, account_id, symbol, side, quantity, status, stop_loss, take_profit,
		       allocation_method, total_balance, total_free_margin,
		       executed_qty, rejected_qty, rejected_count, margin, created_at, updated_at
		FROM aggregate_orders WHERE id = ?
	`, id).Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Quantity, &o.Status,
		&o.StopLoss, &o.TakeProfit, &o.AllocationMethod, &o.TotalBalance, &o.TotalFreeMargin,
		&o.ExecutedQty, &o.RejectedQty, &o.RejectedCount, &o.Margin, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query aggregate order: %w", err)
	}
	return &o, nil
}

// UpdateAggregateOrderTotals overwrites the reconciled parent state.
func (d *Database) UpdateAggregateOrderTotals(ctx context.Context, id, status string, executedQty, rejectedQty float64, rejectedCount int, margin float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE aggregate_orders
		SET status = ?, executed_qty = ?, rejected_qty = ?, rejected_count = ?,
		    margin = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, executedQty, rejectedQty, rejectedCount, margin, id)
	return err
}

// ----------------------------------------
// Child order queries
// ----------------------------------------

const childOrderColumns = `
	id, participant_id, aggregate_order_id, symbol, side, status, quantity,
	entry_price, margin, commission, swap, close_price, profit,
	stop_loss, take_profit, reject_reason, flow,
	place_cid, close_cid, cancel_cid, stop_loss_cid, take_profit_cid,
	created_at, updated_at`

func scanChildOrder(row interface{ Scan(...any) error }) (ChildOrder, error) {
	var c ChildOrder
	err := row.Scan(&c.ID, &c.ParticipantID, &c.AggregateOrderID, &c.Symbol, &c.Side,
		&c.Status, &c.Quantity, &c.EntryPrice, &c.Margin, &c.Commission, &c.Swap,
		&c.ClosePrice, &c.Profit, &c.StopLoss, &c.TakeProfit, &c.RejectReason, &c.Flow,
		&c.PlaceCID, &c.CloseCID, &c.CancelCID, &c.StopLossCID, &c.TakeProfitCID,
		&c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// CreateChildOrder inserts a new child order row, including the placement
// correlation id minted before the remote dispatch.
func (d *Database) CreateChildOrder(ctx context.Context, c ChildOrder) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO child_orders (
			id, participant_id, aggregate_order_id, symbol, side, status, quantity,
			entry_price, margin, commission, swap, close_price, profit,
			stop_loss, take_profit, reject_reason, flow, place_cid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ParticipantID, c.AggregateOrderID, c.Symbol, c.Side, c.Status, c.Quantity,
		c.EntryPrice, c.Margin, c.Commission, c.Swap, c.ClosePrice, c.Profit,
		c.StopLoss, c.TakeProfit, c.RejectReason, c.Flow, c.PlaceCID)
	return err
}

// GetChildOrder returns one child order by id.
func (d *Database) GetChildOrder(ctx context.Context, id string) (*ChildOrder, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT`+childOrderColumns+` FROM child_orders WHERE id = ?`, id)
	c, err := scanChildOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query child order: %w", err)
	}
	return &c, nil
}

// ListChildOrders returns every child of a parent instruction.
func (d *Database) ListChildOrders(ctx context.Context, aggregateOrderID string) ([]ChildOrder, error) {
	return d.listChildOrders(ctx, `
		SELECT`+childOrderColumns+`
		FROM child_orders WHERE aggregate_order_id = ?
		ORDER BY created_at ASC, id ASC
	`, aggregateOrderID)
}

// ListOpenChildOrders returns the open/pending/queued children of a parent.
func (d *Database) ListOpenChildOrders(ctx context.Context, aggregateOrderID string) ([]ChildOrder, error) {
	return d.listChildOrders(ctx, `
		SELECT`+childOrderColumns+`
		FROM child_orders
		WHERE aggregate_order_id = ? AND status IN ('QUEUED', 'OPEN', 'PENDING')
		ORDER BY created_at ASC, id ASC
	`, aggregateOrderID)
}

// ListOpenChildOrdersByParticipant returns a participant's live children.
func (d *Database) ListOpenChildOrdersByParticipant(ctx context.Context, participantID string) ([]ChildOrder, error) {
	return d.listChildOrders(ctx, `
		SELECT`+childOrderColumns+`
		FROM child_orders
		WHERE participant_id = ? AND status IN ('QUEUED', 'OPEN', 'PENDING')
		ORDER BY created_at ASC, id ASC
	`, participantID)
}

func (d *Database) listChildOrders(ctx context.Context, query string, arg any) ([]ChildOrder, error) {
	rows, err := d.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query child orders: %w", err)
	}
	defer rows.Close()

	var out []ChildOrder
	for rows.Next() {
		c, err := scanChildOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child order: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkChildOrderExecuted records a successful placement acknowledgment.
func (d *Database) MarkChildOrderExecuted(ctx context.Context, id, status string, entryPrice, margin, commission float64, flow string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE child_orders
		SET status = ?, entry_price = ?, margin = ?, commission = ?, flow = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, entryPrice, margin, commission, flow, id)
	return err
}

// MarkChildOrderRejected records a per-participant rejection with its reason.
func (d *Database) MarkChildOrderRejected(ctx context.Context, id, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE child_orders
		SET status = 'REJECTED', reject_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, reason, id)
	return err
}

// MarkChildOrderClosed records the settlement of a filled child order.
func (d *Database) MarkChildOrderClosed(ctx context.Context, id string, closePrice, profit, commission, swap float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE child_orders
		SET status = 'CLOSED', close_price = ?, profit = ?, commission = ?, swap = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, closePrice, profit, commission, swap, id)
	return err
}

// MarkChildOrderCancelled marks a pending child order as cancelled.
func (d *Database) MarkChildOrderCancelled(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE child_orders
		SET status = 'CANCELLED', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	return err
}

// UpdateChildOrderProtection stores new stop-loss/take-profit levels.
func (d *Database) UpdateChildOrderProtection(ctx context.Context, id string, stopLoss, takeProfit float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE child_orders
		SET stop_loss = ?, take_profit = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, stopLoss, takeProfit, id)
	return err
}

// Correlation id columns addressable by SetChildOrderCorrelation.
const (
	CIDClose      = "close_cid"
	CIDCancel     = "cancel_cid"
	CIDStopLoss   = "stop_loss_cid"
	CIDTakeProfit = "take_profit_cid"
)

// SetChildOrderCorrelation records the correlation id for a state-changing
// action before its remote dispatch. The column name is restricted to the
// known set to keep the statement safe.
func (d *Database) SetChildOrderCorrelation(ctx context.Context, id, column, cid string) error {
	switch column {
	case CIDClose, CIDCancel, CIDStopLoss, CIDTakeProfit:
	default:
		return fmt.Errorf("unknown correlation column %q", column)
	}
	_, err := d.DB.ExecContext(ctx,
		`UPDATE child_orders SET `+column+` = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		cid, id)
	return err
}

// ----------------------------------------
// Ledger queries
// ----------------------------------------

// ListLedgerEntries returns an owner's most recent entries, newest first.
func (d *Database) ListLedgerEntries(ctx context.Context, ownerID string, limit int) ([]LedgerEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, owner_id, order_id, entry_type, amount, balance_before, balance_after,
		       status, created_at
		FROM ledger_entries
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var amount, before, after string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.OrderID, &e.EntryType,
			&amount, &before, &after, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse ledger amount: %w", err)
		}
		if e.BalanceBefore, err = decimal.NewFromString(before); err != nil {
			return nil, fmt.Errorf("parse balance_before: %w", err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, fmt.Errorf("parse balance_after: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
