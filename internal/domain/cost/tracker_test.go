package cost

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]Aggregate
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]Aggregate)} }

func (m *memStore) key(sessionID, provider, model string) string { return sessionID + "|" + provider + "|" + model }

func (m *memStore) Load(ctx context.Context, sessionID, provider, model string) (Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agg, ok := m.rows[m.key(sessionID, provider, model)]; ok {
		return agg, nil
	}
	return Aggregate{SessionID: sessionID, Provider: provider, Model: model}, nil
}

func (m *memStore) Save(ctx context.Context, agg Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[m.key(agg.SessionID, agg.Provider, agg.Model)] = agg
	return nil
}

func TestTrackerRecordComputesCostAndAggregates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := NewTracker(DefaultPricingTable(), Limits{}, store)

	cost, level, err := tr.Record(ctx, "sess-1", "anthropic", "claude-sonnet-4", Usage{PromptTokens: 1000, CompletionTokens: 500})
	require.NoError(t, err)
	assert.Equal(t, LevelOK, level)
	assert.InDelta(t, 1000*3e-6+500*15e-6, cost, 1e-9)

	sessAgg, err := store.Load(ctx, "sess-1", "anthropic", "claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sessAgg.PromptTokens)

	globalAgg, err := store.Load(ctx, GlobalSessionID, "anthropic", "claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), globalAgg.PromptTokens)
}

func TestTrackerUnknownModelErrors(t *testing.T) {
	tr := NewTracker(DefaultPricingTable(), Limits{}, nil)
	_, _, err := tr.Record(context.Background(), "s", "anthropic", "does-not-exist", Usage{PromptTokens: 1})
	require.Error(t, err)
}

func TestTrackerWarningAndLimitExceeded(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := NewTracker(DefaultPricingTable(), Limits{CostLimitUSD: 0.01, WarningThreshold: 0.5}, store)

	_, level, err := tr.Record(ctx, "s", "anthropic", "claude-haiku-4", Usage{PromptTokens: 7000})
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, level)

	_, level, err = tr.Record(ctx, "s", "anthropic", "claude-haiku-4", Usage{PromptTokens: 10000})
	require.NoError(t, err)
	assert.Equal(t, LevelLimitExceeded, level)
}

func TestTrackerWithoutStoreStillComputesCost(t *testing.T) {
	tr := NewTracker(DefaultPricingTable(), Limits{}, nil)
	cost, level, err := tr.Record(context.Background(), "s", "openai", "gpt-4o-mini", Usage{PromptTokens: 100, CompletionTokens: 50})
	require.NoError(t, err)
	assert.Equal(t, LevelOK, level)
	assert.Greater(t, cost, 0.0)
}
