package database

import (
	"context"
	"fmt"
	"time"

	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/orders"
)

// TradeRepository is the PostgreSQL trade journal
type TradeRepository struct {
	db *DB
}

func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// RecordTrade appends one closed trade
func (r *TradeRepository) RecordTrade(ctx context.Context, t orders.Trade) error {
	var entry *time.Time
	if !t.EntryTime.IsZero() {
		entry = &t.EntryTime
	}
	query := `
		INSERT INTO trades (
			strategy_id, instrument, direction, entry_price, exit_price, quantity,
			entry_time, exit_time, reason, gross_pnl, net_pnl, fees, order_id, orphan, synthetic
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		t.StrategyID, t.Instrument, string(t.Direction), t.EntryPrice, t.ExitPrice, t.Quantity,
		entry, t.ExitTime, t.Reason, t.GrossPnL, t.NetPnL, t.Fees, t.OrderID, t.Orphan, t.Synthetic,
	)
	if err != nil {
		return fmt.Errorf("failed to record trade of %s: %w", t.Instrument, err)
	}
	return nil
}

// RecentTrades returns the latest trades of a strategy, newest first
func (r *TradeRepository) RecentTrades(ctx context.Context, strategyID int64, limit int) ([]orders.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT strategy_id, instrument, direction, entry_price, exit_price, quantity,
			entry_time, exit_time, reason, gross_pnl, net_pnl, fees, COALESCE(order_id, ''), orphan, synthetic
		FROM trades WHERE strategy_id = $1
		ORDER BY exit_time DESC
		LIMIT $2`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []orders.Trade
	for rows.Next() {
		var (
			t     orders.Trade
			dir   string
			entry *time.Time
		)
		if err := rows.Scan(
			&t.StrategyID, &t.Instrument, &dir, &t.EntryPrice, &t.ExitPrice, &t.Quantity,
			&entry, &t.ExitTime, &t.Reason, &t.GrossPnL, &t.NetPnL, &t.Fees, &t.OrderID, &t.Orphan, &t.Synthetic,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Direction = instance.Direction(dir)
		if entry != nil {
			t.EntryTime = *entry
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
