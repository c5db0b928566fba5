package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openarb/tribot/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
// Only opportunities whose execution was requested reach this store; the
// cycle snapshot is kept as JSONB so a stored opportunity can be replayed.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunitySelectCols = `id, exchange, cycle, initial_amount, final_amount,
	gross_yield, estimated_fees, estimated_slippage, net_profit, net_profit_pct,
	zero_fee_legs, liquidity, liquidity_ok, status, detected_at`

func scanOpportunityFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.ArbitrageOpportunity, error) {
	var o domain.ArbitrageOpportunity
	var status string
	var cycleJSON []byte

	err := scanner.Scan(
		&o.ID, &o.Exchange, &cycleJSON, &o.InitialAmount, &o.FinalAmount,
		&o.GrossYield, &o.EstimatedFees, &o.EstimatedSlippage, &o.NetProfit, &o.NetProfitPct,
		&o.ZeroFeeLegs, &o.Liquidity, &o.LiquidityOK, &status, &o.DetectedAt,
	)
	if err != nil {
		return domain.ArbitrageOpportunity{}, err
	}

	o.Status = domain.OpportunityStatus(status)
	if err := json.Unmarshal(cycleJSON, &o.Cycle); err != nil {
		return domain.ArbitrageOpportunity{}, fmt.Errorf("postgres: unmarshal cycle: %w", err)
	}
	return o, nil
}

// Insert writes one opportunity.
func (s *OpportunityStore) Insert(ctx context.Context, o domain.ArbitrageOpportunity) error {
	cycleJSON, err := json.Marshal(o.Cycle)
	if err != nil {
		return fmt.Errorf("postgres: marshal cycle: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (id, exchange, cycle, initial_amount, final_amount,
			gross_yield, estimated_fees, estimated_slippage, net_profit, net_profit_pct,
			zero_fee_legs, liquidity, liquidity_ok, status, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.Exchange, cycleJSON, o.InitialAmount, o.FinalAmount,
		o.GrossYield, o.EstimatedFees, o.EstimatedSlippage, o.NetProfit, o.NetProfitPct,
		o.ZeroFeeLegs, o.Liquidity, o.LiquidityOK, string(o.Status), o.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity: %w", err)
	}
	return nil
}

// UpdateStatus moves a stored opportunity to a new lifecycle status.
func (s *OpportunityStore) UpdateStatus(ctx context.Context, id string, status domain.OpportunityStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update opportunity %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one stored opportunity.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (domain.ArbitrageOpportunity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+opportunitySelectCols+` FROM opportunities WHERE id = $1`, id)

	o, err := scanOpportunityFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ArbitrageOpportunity{}, domain.ErrNotFound
		}
		return domain.ArbitrageOpportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}
	return o, nil
}

// ListRecent returns stored opportunities ordered newest first.
func (s *OpportunityStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ArbitrageOpportunity, error) {
	query := `SELECT ` + opportunitySelectCols + ` FROM opportunities WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND detected_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND detected_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY detected_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var list []domain.ArbitrageOpportunity
	for rows.Next() {
		o, err := scanOpportunityFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		list = append(list, o)
	}
	return list, rows.Err()
}
