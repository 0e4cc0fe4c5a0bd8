package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/arb?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "arb", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://u:p@db:6543/arb?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "arb", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "  postgres://x ", Host: "ignored"}))
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_opportunities.sql", names[0])
}

// newTestStore connects to the database named by ARBEVAL_TEST_POSTGRES_DSN
// and skips the test when it is unset.
func newTestStore(t *testing.T) *OpportunityStore {
	t.Helper()
	dsn := os.Getenv("ARBEVAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ARBEVAL_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 2})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	return NewOpportunityStore(c.Pool())
}

func TestOpportunityStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pair := "T" + uuid.NewString()[:6] + "/USDC"
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	for i, trade := range []bool{true, false} {
		require.NoError(t, s.Insert(ctx, domain.Opportunity{
			ID:          uuid.NewString(),
			Pair:        pair,
			Context:     domain.RegimeContext{Regime: domain.RegimeCalm, Source: domain.RegimeSourceFallback, Confidence: 0.3, RiskFlags: []string{}},
			WouldTrade:  trade,
			EvaluatedAt: base.Add(time.Duration(i) * time.Minute),
			Optimization: domain.Optimization{
				SizeUSD: 1000,
				EVUSD:   2,
			},
		}))
	}

	recent, err := s.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	sum, err := s.SummarizeSince(ctx, base)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sum.Count, int64(2))
	assert.GreaterOrEqual(t, sum.WouldTrade, int64(1))

	before, err := s.ListBefore(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	found := false
	for _, o := range before {
		if o.Pair == pair {
			found = true
			assert.True(t, o.WouldTrade)
		}
	}
	assert.True(t, found)
}
