// Package cost implements per-call pricing lookup, cache-aware cost
// computation, and per-session/global usage aggregation, grounded on the
// spec's 4.M description and the teacher's llm_caller.go usage-recording
// hook (extended here to feed a persistent aggregate rather than a log line).
package cost

import (
	"context"
	"fmt"
	"sync"
)

// Usage is one call's raw token counts.
type Usage struct {
	PromptTokens        int64
	CompletionTokens    int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// Total is the sum of every token kind in Usage.
func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// Rate is a (provider, model) pricing entry, in USD per token.
type Rate struct {
	InputPerToken         float64
	OutputPerToken        float64
	CacheCreationPerToken float64 // premium over InputPerToken
	CacheReadPerToken     float64 // deep discount off InputPerToken
}

// PricingTable looks up a Rate by (provider, model).
type PricingTable map[string]map[string]Rate

// Lookup returns the rate for (provider, model), or ok=false if unknown.
func (p PricingTable) Lookup(provider, model string) (Rate, bool) {
	models, ok := p[provider]
	if !ok {
		return Rate{}, false
	}
	rate, ok := models[model]
	return rate, ok
}

// DefaultPricingTable is a small built-in table covering the provider/model
// families the teacher's router already knows how to dial.
func DefaultPricingTable() PricingTable {
	return PricingTable{
		"anthropic": {
			"claude-opus-4":   {InputPerToken: 15e-6, OutputPerToken: 75e-6, CacheCreationPerToken: 18.75e-6, CacheReadPerToken: 1.5e-6},
			"claude-sonnet-4": {InputPerToken: 3e-6, OutputPerToken: 15e-6, CacheCreationPerToken: 3.75e-6, CacheReadPerToken: 0.3e-6},
			"claude-haiku-4":  {InputPerToken: 0.8e-6, OutputPerToken: 4e-6, CacheCreationPerToken: 1e-6, CacheReadPerToken: 0.08e-6},
		},
		"openai": {
			"gpt-4o":      {InputPerToken: 2.5e-6, OutputPerToken: 10e-6, CacheCreationPerToken: 2.5e-6, CacheReadPerToken: 1.25e-6},
			"gpt-4o-mini": {InputPerToken: 0.15e-6, OutputPerToken: 0.6e-6, CacheCreationPerToken: 0.15e-6, CacheReadPerToken: 0.075e-6},
		},
	}
}

// Cost computes the USD cost of usage under rate.
func Cost(usage Usage, rate Rate) float64 {
	return float64(usage.PromptTokens)*rate.InputPerToken +
		float64(usage.CompletionTokens)*rate.OutputPerToken +
		float64(usage.CacheCreationTokens)*rate.CacheCreationPerToken +
		float64(usage.CacheReadTokens)*rate.CacheReadPerToken
}

// Aggregate accumulates usage and cost for one (session, provider, model)
// triple, or the reserved global key.
type Aggregate struct {
	SessionID           string
	Provider            string
	Model               string
	PromptTokens        int64
	CompletionTokens    int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	CostUSD             float64
}

// Store is the persistence port for aggregates.
type Store interface {
	Load(ctx context.Context, sessionID, provider, model string) (Aggregate, error)
	Save(ctx context.Context, agg Aggregate) error
}

// GlobalSessionID is the reserved session key for the cross-session total.
const GlobalSessionID = "*"

// Limits configures when the tracker should warn or report limit exceeded.
type Limits struct {
	CostLimitUSD     float64 // 0 = unlimited
	WarningThreshold float64 // fraction of CostLimitUSD, e.g. 0.8
}

// Level classifies where cumulative cost sits relative to Limits.
type Level string

const (
	LevelOK             Level = "ok"
	LevelWarning        Level = "warning"
	LevelLimitExceeded  Level = "limit_exceeded"
)

// Tracker records per-call usage, maintains per-session and global
// aggregates, and classifies cumulative spend against configured limits.
type Tracker struct {
	mu      sync.Mutex
	pricing PricingTable
	limits  Limits
	store   Store
}

// NewTracker wires a cost tracker against a pricing table, limits, and an
// optional durable Store. With a nil Store no aggregates are kept at all:
// each Record classifies only that call's own cost against the limits.
func NewTracker(pricing PricingTable, limits Limits, store Store) *Tracker {
	return &Tracker{pricing: pricing, limits: limits, store: store}
}

// Record books one call's usage against sessionID and the global aggregate,
// returning the call's cost and the resulting limit classification.
func (t *Tracker) Record(ctx context.Context, sessionID, provider, model string, usage Usage) (callCost float64, level Level, err error) {
	rate, ok := t.pricing.Lookup(provider, model)
	if !ok {
		return 0, LevelOK, fmt.Errorf("cost: no pricing entry for %s/%s", provider, model)
	}
	callCost = Cost(usage, rate)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.accumulate(ctx, sessionID, provider, model, usage, callCost); err != nil {
		return callCost, LevelOK, err
	}
	global, err := t.accumulateGlobal(ctx, provider, model, usage, callCost)
	if err != nil {
		return callCost, LevelOK, err
	}

	return callCost, t.classify(global.CostUSD), nil
}

func (t *Tracker) accumulate(ctx context.Context, sessionID, provider, model string, usage Usage, cost float64) error {
	if t.store == nil {
		return nil
	}
	agg, err := t.store.Load(ctx, sessionID, provider, model)
	if err != nil {
		return err
	}
	agg.SessionID, agg.Provider, agg.Model = sessionID, provider, model
	addUsage(&agg, usage, cost)
	return t.store.Save(ctx, agg)
}

func (t *Tracker) accumulateGlobal(ctx context.Context, provider, model string, usage Usage, cost float64) (Aggregate, error) {
	if t.store == nil {
		return Aggregate{CostUSD: cost}, nil
	}
	agg, err := t.store.Load(ctx, GlobalSessionID, provider, model)
	if err != nil {
		return Aggregate{}, err
	}
	agg.SessionID, agg.Provider, agg.Model = GlobalSessionID, provider, model
	addUsage(&agg, usage, cost)
	if err := t.store.Save(ctx, agg); err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

func addUsage(agg *Aggregate, usage Usage, cost float64) {
	agg.PromptTokens += usage.PromptTokens
	agg.CompletionTokens += usage.CompletionTokens
	agg.CacheCreationTokens += usage.CacheCreationTokens
	agg.CacheReadTokens += usage.CacheReadTokens
	agg.CostUSD += cost
}

func (t *Tracker) classify(cumulative float64) Level {
	if t.limits.CostLimitUSD <= 0 {
		return LevelOK
	}
	if cumulative >= t.limits.CostLimitUSD {
		return LevelLimitExceeded
	}
	if cumulative >= t.limits.WarningThreshold*t.limits.CostLimitUSD {
		return LevelWarning
	}
	return LevelOK
}
