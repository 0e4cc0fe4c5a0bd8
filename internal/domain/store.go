package domain

import (
	"context"
	"time"
)

// OpportunityStore journals evaluated opportunities.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
	ListBefore(ctx context.Context, before time.Time) ([]Opportunity, error)
	SummarizeSince(ctx context.Context, since time.Time) (OpportunitySummary, error)
}
