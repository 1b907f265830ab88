package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"quant-trading-engine/internal/capital"
)

// CapitalRepository persists ledger snapshots
type CapitalRepository struct {
	db *DB
}

func NewCapitalRepository(db *DB) *CapitalRepository {
	return &CapitalRepository{db: db}
}

// SaveAllocation upserts the snapshot of one strategy
func (r *CapitalRepository) SaveAllocation(ctx context.Context, snap capital.Snapshot) error {
	reservations, err := json.Marshal(snap.Reservations)
	if err != nil {
		return fmt.Errorf("failed to encode reservations: %w", err)
	}
	query := `
		INSERT INTO capital_allocations (strategy_id, total_capital, used_amount, per_instrument_cap, reservations, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (strategy_id) DO UPDATE SET
			total_capital = EXCLUDED.total_capital,
			used_amount = EXCLUDED.used_amount,
			per_instrument_cap = EXCLUDED.per_instrument_cap,
			reservations = EXCLUDED.reservations,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.Pool.Exec(ctx, query,
		snap.StrategyID, snap.TotalCapital, snap.UsedAmount, snap.PerInstrument, reservations, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save allocation of strategy %d: %w", snap.StrategyID, err)
	}
	return nil
}

// LoadAllocation returns nil when nothing was saved for the strategy
func (r *CapitalRepository) LoadAllocation(ctx context.Context, strategyID int64) (*capital.Snapshot, error) {
	var (
		snap capital.Snapshot
		raw  []byte
	)
	err := r.db.Pool.QueryRow(ctx, `
		SELECT strategy_id, total_capital, used_amount, per_instrument_cap, reservations, updated_at
		FROM capital_allocations WHERE strategy_id = $1`, strategyID,
	).Scan(&snap.StrategyID, &snap.TotalCapital, &snap.UsedAmount, &snap.PerInstrument, &raw, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load allocation of strategy %d: %w", strategyID, err)
	}
	snap.Reservations = make(map[string]float64)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &snap.Reservations); err != nil {
			return nil, fmt.Errorf("failed to decode reservations: %w", err)
		}
	}
	snap.Available = snap.TotalCapital - snap.UsedAmount
	return &snap, nil
}
