package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/orders"
)

// OrderRepository is the PostgreSQL orders.Store
type OrderRepository struct {
	db  *DB
	now func() time.Time
}

func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db, now: time.Now}
}

const orderColumns = `client_order_id, COALESCE(broker_order_id, ''), strategy_id, instrument, side,
	order_type, quantity, price, trailing_percent, status, filled_quantity, avg_fill_price,
	fees, fill_processed, allocation_amount, purpose, COALESCE(reason, ''), created_at, updated_at`

// Save upserts an order. A finalized row only accepts a fee update and the
// settlement gate is never cleared.
func (r *OrderRepository) Save(ctx context.Context, o *orders.Order) error {
	now := r.now()
	created := o.CreatedAt
	if created.IsZero() {
		created = now
	}
	query := `
		INSERT INTO orders (
			client_order_id, broker_order_id, strategy_id, instrument, side, order_type,
			quantity, price, trailing_percent, status, filled_quantity, avg_fill_price,
			fees, fill_processed, allocation_amount, purpose, reason, created_at, updated_at
		) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (client_order_id) DO UPDATE SET
			broker_order_id = CASE WHEN orders.fill_processed THEN orders.broker_order_id ELSE EXCLUDED.broker_order_id END,
			status = CASE WHEN orders.fill_processed THEN orders.status ELSE EXCLUDED.status END,
			quantity = CASE WHEN orders.fill_processed THEN orders.quantity ELSE EXCLUDED.quantity END,
			price = CASE WHEN orders.fill_processed THEN orders.price ELSE EXCLUDED.price END,
			trailing_percent = CASE WHEN orders.fill_processed THEN orders.trailing_percent ELSE EXCLUDED.trailing_percent END,
			filled_quantity = CASE WHEN orders.fill_processed THEN orders.filled_quantity ELSE EXCLUDED.filled_quantity END,
			avg_fill_price = CASE WHEN orders.fill_processed THEN orders.avg_fill_price ELSE EXCLUDED.avg_fill_price END,
			allocation_amount = CASE WHEN orders.fill_processed THEN orders.allocation_amount ELSE EXCLUDED.allocation_amount END,
			reason = CASE WHEN orders.fill_processed THEN orders.reason ELSE EXCLUDED.reason END,
			fees = CASE WHEN orders.fill_processed AND EXCLUDED.fees <= 0 THEN orders.fees ELSE EXCLUDED.fees END,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query,
		o.ClientOrderID, o.ID, o.StrategyID, o.Instrument, string(o.Side), string(o.Type),
		o.Quantity, o.Price, o.TrailingPercent, string(o.Status), o.FilledQuantity, o.AvgFillPrice,
		o.Fees, o.FillProcessed, o.AllocationAmount, string(o.Purpose), o.Reason, created, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*orders.Order, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE broker_order_id = $1 LIMIT 1`, id)
	return scanOrder(row)
}

func (r *OrderRepository) GetByClientID(ctx context.Context, clientOrderID string) (*orders.Order, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = $1`, clientOrderID)
	return scanOrder(row)
}

func (r *OrderRepository) ListOpen(ctx context.Context, strategyID int64) ([]*orders.Order, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE strategy_id = $1 AND fill_processed = FALSE ORDER BY created_at`,
		strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	defer rows.Close()

	var out []*orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkFillProcessed flips the settlement gate with a compare-and-set so only
// one caller wins.
func (r *OrderRepository) MarkFillProcessed(ctx context.Context, clientOrderID string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE orders SET fill_processed = TRUE, updated_at = $2 WHERE client_order_id = $1 AND fill_processed = FALSE`,
		clientOrderID, r.now())
	if err != nil {
		return false, fmt.Errorf("failed to mark %s processed: %w", clientOrderID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE client_order_id = $1)`, clientOrderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", clientOrderID, err)
	}
	if !exists {
		return false, orders.ErrNotFound
	}
	return false, nil
}

func (r *OrderRepository) UpdateFees(ctx context.Context, clientOrderID string, fees float64) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE orders SET fees = $2, updated_at = $3 WHERE client_order_id = $1`,
		clientOrderID, fees, r.now())
	if err != nil {
		return fmt.Errorf("failed to update fees of %s: %w", clientOrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (*orders.Order, error) {
	var o orders.Order
	var side, typ, status, purpose string
	err := row.Scan(
		&o.ClientOrderID, &o.ID, &o.StrategyID, &o.Instrument, &side,
		&typ, &o.Quantity, &o.Price, &o.TrailingPercent, &status, &o.FilledQuantity, &o.AvgFillPrice,
		&o.Fees, &o.FillProcessed, &o.AllocationAmount, &purpose, &o.Reason, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	o.Side = gateway.Side(side)
	o.Type = gateway.OrderType(typ)
	o.Status = gateway.OrderStatus(status)
	o.Purpose = orders.Purpose(purpose)
	return &o, nil
}
