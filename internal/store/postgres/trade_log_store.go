package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openarb/tribot/internal/domain"
)

// TradeLogStore implements domain.TradeLogStore using PostgreSQL. A trade
// log row owns its step rows; deleting a log cascades to its steps.
type TradeLogStore struct {
	pool *pgxpool.Pool
}

// NewTradeLogStore creates a new TradeLogStore.
func NewTradeLogStore(pool *pgxpool.Pool) *TradeLogStore {
	return &TradeLogStore{pool: pool}
}

const tradeLogSelectCols = `trade_id, opportunity_id, executed_at, exchange, path, status, paper,
	base_asset, initial_amount, final_amount,
	expected_profit, expected_profit_pct, actual_profit, actual_profit_pct,
	total_fees, total_slippage_pct, net_pnl, duration_ms, error_message, failed_at_step`

func scanTradeLogFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.DetailedTradeLog, error) {
	var l domain.DetailedTradeLog
	var status string
	var durationMs int64

	err := scanner.Scan(
		&l.TradeID, &l.OpportunityID, &l.Timestamp, &l.Exchange, &l.Path, &status, &l.Paper,
		&l.BaseAsset, &l.InitialAmount, &l.FinalAmount,
		&l.ExpectedProfit, &l.ExpectedProfitPct, &l.ActualProfit, &l.ActualProfitPct,
		&l.TotalFees, &l.TotalSlippagePct, &l.NetPnL, &durationMs, &l.ErrorMessage, &l.FailedAtStep,
	)
	if err != nil {
		return domain.DetailedTradeLog{}, err
	}

	l.Status = domain.TradeStatus(status)
	l.Duration = time.Duration(durationMs) * time.Millisecond
	return l, nil
}

func scanTradeLogRows(rows pgx.Rows) ([]domain.DetailedTradeLog, error) {
	var logs []domain.DetailedTradeLog
	for rows.Next() {
		l, err := scanTradeLogFromRow(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Insert writes a trade log and its steps in one transaction.
func (s *TradeLogStore) Insert(ctx context.Context, l domain.DetailedTradeLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO trade_logs (trade_id, opportunity_id, executed_at, exchange, path, status, paper,
			base_asset, initial_amount, final_amount,
			expected_profit, expected_profit_pct, actual_profit, actual_profit_pct,
			total_fees, total_slippage_pct, net_pnl, duration_ms, error_message, failed_at_step)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		l.TradeID, l.OpportunityID, l.Timestamp, l.Exchange, l.Path, string(l.Status), l.Paper,
		l.BaseAsset, l.InitialAmount, l.FinalAmount,
		l.ExpectedProfit, l.ExpectedProfitPct, l.ActualProfit, l.ActualProfitPct,
		l.TotalFees, l.TotalSlippagePct, l.NetPnL, l.Duration.Milliseconds(), l.ErrorMessage, l.FailedAtStep,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade_log: %w", err)
	}

	for _, step := range l.Steps {
		_, err = tx.Exec(ctx, `
			INSERT INTO trade_steps (trade_id, step, symbol, side,
				expected_price, actual_price, expected_qty, actual_qty, expected_out, actual_out,
				fee, latency_ms, slippage_pct)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			l.TradeID, step.Step, step.Symbol, string(step.Side),
			step.ExpectedPrice, step.ActualPrice, step.ExpectedQty, step.ActualQty, step.ExpectedOut, step.ActualOut,
			step.Fee, step.Latency.Milliseconds(), step.SlippagePct,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert trade_step %d: %w", step.Step, err)
		}
	}

	return tx.Commit(ctx)
}

// loadSteps fetches step rows for the given trade IDs, keyed by trade ID.
func (s *TradeLogStore) loadSteps(ctx context.Context, tradeIDs []string) (map[string][]domain.TradeStepRecord, error) {
	if len(tradeIDs) == 0 {
		return map[string][]domain.TradeStepRecord{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, step, symbol, side,
			expected_price, actual_price, expected_qty, actual_qty, expected_out, actual_out,
			fee, latency_ms, slippage_pct
		FROM trade_steps WHERE trade_id = ANY($1) ORDER BY trade_id, step`,
		tradeIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: load trade_steps: %w", err)
	}
	defer rows.Close()

	steps := make(map[string][]domain.TradeStepRecord, len(tradeIDs))
	for rows.Next() {
		var tradeID, side string
		var latencyMs int64
		var rec domain.TradeStepRecord
		if err := rows.Scan(
			&tradeID, &rec.Step, &rec.Symbol, &side,
			&rec.ExpectedPrice, &rec.ActualPrice, &rec.ExpectedQty, &rec.ActualQty, &rec.ExpectedOut, &rec.ActualOut,
			&rec.Fee, &latencyMs, &rec.SlippagePct,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade_step: %w", err)
		}
		rec.Side = domain.OrderSide(side)
		rec.Latency = time.Duration(latencyMs) * time.Millisecond
		steps[tradeID] = append(steps[tradeID], rec)
	}
	return steps, rows.Err()
}

func (s *TradeLogStore) attachSteps(ctx context.Context, logs []domain.DetailedTradeLog) error {
	ids := make([]string, len(logs))
	for i, l := range logs {
		ids[i] = l.TradeID
	}
	steps, err := s.loadSteps(ctx, ids)
	if err != nil {
		return err
	}
	for i := range logs {
		logs[i].Steps = steps[logs[i].TradeID]
	}
	return nil
}

// GetByID returns a trade log with its steps.
func (s *TradeLogStore) GetByID(ctx context.Context, tradeID string) (domain.DetailedTradeLog, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeLogSelectCols+` FROM trade_logs WHERE trade_id = $1`, tradeID)

	l, err := scanTradeLogFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DetailedTradeLog{}, domain.ErrNotFound
		}
		return domain.DetailedTradeLog{}, fmt.Errorf("postgres: get trade_log %s: %w", tradeID, err)
	}

	steps, err := s.loadSteps(ctx, []string{tradeID})
	if err != nil {
		return domain.DetailedTradeLog{}, err
	}
	l.Steps = steps[tradeID]
	return l, nil
}

// ListRecent returns trade logs ordered newest first, steps included.
func (s *TradeLogStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.DetailedTradeLog, error) {
	query := `SELECT ` + tradeLogSelectCols + ` FROM trade_logs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY executed_at DESC"

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
		return nil, fmt.Errorf("postgres: list trade_logs: %w", err)
	}
	defer rows.Close()

	logs, err := scanTradeLogRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade_logs: %w", err)
	}
	if err := s.attachSteps(ctx, logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// Stats computes the ledger aggregates in one scan plus best/worst lookups.
func (s *TradeLogStore) Stats(ctx context.Context) (domain.TradeStats, error) {
	var stats domain.TradeStats
	var avgDurationMs float64

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'partial'),
			COALESCE(SUM(net_pnl), 0),
			COALESCE(SUM(total_fees), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM trade_logs`,
	).Scan(
		&stats.TotalTrades, &stats.SuccessfulTrades, &stats.FailedTrades, &stats.PartialTrades,
		&stats.TotalNetPnL, &stats.TotalFees, &avgDurationMs,
	)
	if err != nil {
		return domain.TradeStats{}, fmt.Errorf("postgres: trade stats: %w", err)
	}

	stats.AvgDuration = time.Duration(avgDurationMs) * time.Millisecond
	if stats.TotalTrades > 0 {
		stats.SuccessRate = float64(stats.SuccessfulTrades) / float64(stats.TotalTrades) * 100
	}
	if stats.TotalTrades == 0 {
		return stats, nil
	}

	best, err := s.getByPnL(ctx, "DESC")
	if err != nil {
		return domain.TradeStats{}, err
	}
	stats.BestTrade = best
	worst, err := s.getByPnL(ctx, "ASC")
	if err != nil {
		return domain.TradeStats{}, err
	}
	stats.WorstTrade = worst
	return stats, nil
}

// getByPnL returns the trade log at one extreme of net PnL. dir is the SQL
// sort direction, "ASC" or "DESC".
func (s *TradeLogStore) getByPnL(ctx context.Context, dir string) (*domain.DetailedTradeLog, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT trade_id FROM trade_logs ORDER BY net_pnl `+dir+`, executed_at DESC LIMIT 1`,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: trade stats extreme: %w", err)
	}
	l, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListBefore returns trade logs older than cutoff, oldest first, steps
// included. The archiver exports these before DeleteBefore removes them.
func (s *TradeLogStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.DetailedTradeLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeLogSelectCols+` FROM trade_logs WHERE executed_at < $1 ORDER BY executed_at ASC LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade_logs before: %w", err)
	}
	defer rows.Close()

	logs, err := scanTradeLogRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade_logs before: %w", err)
	}
	if err := s.attachSteps(ctx, logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// DeleteBefore removes trade logs older than cutoff and returns how many
// were deleted. Step rows go with their logs.
func (s *TradeLogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_logs WHERE executed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trade_logs before: %w", err)
	}
	return tag.RowsAffected(), nil
}
