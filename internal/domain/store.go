package domain

import (
	"context"
	"time"
)

// ListOpts controls pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Kind   string // "signal", "rejection" or empty for both
	Since  *time.Time
}

// DecisionStore persists terminal decisions for audit and later review.
type DecisionStore interface {
	Append(ctx context.Context, d Decision) error
	List(ctx context.Context, opts ListOpts) ([]Decision, error)
}
