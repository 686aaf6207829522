package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

// maxListLimit caps a single List page.
const maxListLimit = 1000

// DecisionStore implements domain.DecisionStore. The full decision is kept
// as JSONB; kind, market, reason and edge are broken out for querying.
type DecisionStore struct {
	pool *pgxpool.Pool
}

// NewDecisionStore creates a DecisionStore backed by the client's pool.
func NewDecisionStore(c *Client) *DecisionStore {
	return &DecisionStore{pool: c.pool}
}

// decisionRow is the column projection of a decision.
type decisionRow struct {
	id        uuid.UUID
	kind      string
	marketID  string
	question  string
	reason    string
	edge      *decimal.Decimal
	decidedAt time.Time
}

func toRow(d domain.Decision) decisionRow {
	row := decisionRow{kind: d.Kind(), marketID: d.MarketID()}
	switch {
	case d.Signal != nil:
		row.id = uuid.Nil
		if id, err := uuid.Parse(d.Signal.ID); err == nil {
			row.id = id
		}
		row.question = d.Signal.Question
		edge := d.Signal.Edge
		row.edge = &edge
		row.decidedAt = d.Signal.Timestamp
	case d.Rejection != nil:
		row.question = d.Rejection.Question
		row.reason = string(d.Rejection.Reason)
		row.decidedAt = d.Rejection.Timestamp
	}
	if row.id == uuid.Nil {
		row.id = uuid.New()
	}
	if row.decidedAt.IsZero() {
		row.decidedAt = time.Now().UTC()
	}
	return row
}

// Append inserts a decision. Re-appending a signal with the same id is a
// no-op.
func (s *DecisionStore) Append(ctx context.Context, d domain.Decision) error {
	if d.Signal == nil && d.Rejection == nil {
		return fmt.Errorf("postgres: append decision: %w", domain.ErrInvalidInput)
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("postgres: marshal decision: %w", err)
	}
	row := toRow(d)

	const query = `
		INSERT INTO decisions (id, kind, market_id, question, reason, edge, payload, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		row.id, row.kind, row.marketID, row.question, row.reason, row.edge, payload, row.decidedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append decision for %s: %w", row.marketID, err)
	}
	return nil
}

// buildListQuery renders the List query for opts, newest first.
func buildListQuery(opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT payload FROM decisions WHERE 1=1`)
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Kind != "" {
		b.WriteString(" AND kind = " + next(opts.Kind))
	}
	if opts.Since != nil {
		b.WriteString(" AND decided_at >= " + next(*opts.Since))
	}
	b.WriteString(" ORDER BY decided_at DESC")

	limit := opts.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	b.WriteString(" LIMIT " + next(limit))
	if opts.Offset > 0 {
		b.WriteString(" OFFSET " + next(opts.Offset))
	}
	return b.String(), args
}

// List returns decisions matching opts, newest first.
func (s *DecisionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Decision, error) {
	query, args := buildListQuery(opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.Decision
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan decision: %w", err)
		}
		var d domain.Decision
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list decisions rows: %w", err)
	}
	return out, nil
}

var _ domain.DecisionStore = (*DecisionStore)(nil)
