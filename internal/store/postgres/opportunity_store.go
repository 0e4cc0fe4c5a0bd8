package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

var _ domain.OpportunityStore = (*OpportunityStore)(nil)

// OpportunityStore journals opportunities in the opportunities table.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates an OpportunityStore on pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

// Insert stores opp. Re-inserting an ID is a no-op.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	const query = `
		INSERT INTO opportunities (
			id, pair, edge_bps_at_signal,
			regime, regime_source, confidence,
			size_usd, ev_usd, net_profit_usd, would_trade,
			evaluated_at, payload
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9, $10,
			$11, $12
		)
		ON CONFLICT (id) DO NOTHING`

	payload, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("postgres: marshal opportunity %s: %w", opp.ID, err)
	}

	_, err = s.pool.Exec(ctx, query,
		opp.ID, opp.Pair, opp.Inputs.EdgeBpsAtSignal,
		string(opp.Context.Regime), string(opp.Context.Source), opp.Context.Confidence,
		opp.Optimization.SizeUSD, opp.Optimization.EVUSD, opp.Optimization.NetProfitUSD, opp.WouldTrade,
		opp.EvaluatedAt, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// ListRecent returns the newest opportunities first. A non-positive limit
// returns all of them.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	query := `SELECT payload FROM opportunities ORDER BY evaluated_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	return scanPayloads(rows)
}

// ListBefore returns every opportunity evaluated strictly before the cutoff,
// oldest first.
func (s *OpportunityStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM opportunities WHERE evaluated_at < $1 ORDER BY evaluated_at ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities before %s: %w", before.Format(time.RFC3339), err)
	}
	return scanPayloads(rows)
}

// DeleteBefore removes every opportunity evaluated strictly before the
// cutoff and returns the number removed.
func (s *OpportunityStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM opportunities WHERE evaluated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// SummarizeSince aggregates opportunities evaluated at or after since.
func (s *OpportunityStore) SummarizeSince(ctx context.Context, since time.Time) (domain.OpportunitySummary, error) {
	const query = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE would_trade),
			COALESCE(SUM(ev_usd), 0),
			COALESCE(SUM(size_usd), 0),
			COALESCE(AVG(confidence), 0)
		FROM opportunities
		WHERE evaluated_at >= $1`

	sum := domain.OpportunitySummary{Since: since}
	err := s.pool.QueryRow(ctx, query, since).Scan(
		&sum.Count, &sum.WouldTrade, &sum.TotalEVUSD, &sum.TotalSizeUSD, &sum.AvgConfidence,
	)
	if err != nil {
		return domain.OpportunitySummary{}, fmt.Errorf("postgres: summarize opportunities: %w", err)
	}
	return sum, nil
}

func scanPayloads(rows pgx.Rows) ([]domain.Opportunity, error) {
	defer rows.Close()

	opps := []domain.Opportunity{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		var opp domain.Opportunity
		if err := json.Unmarshal(payload, &opp); err != nil {
			return nil, fmt.Errorf("postgres: decode opportunity: %w", err)
		}
		opps = append(opps, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate opportunities: %w", err)
	}
	return opps, nil
}
