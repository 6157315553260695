package pionex

import (
	"context"
	"math"
	"sync"
)

// SymbolRule is the exchange's trading constraints for one pair.
type SymbolRule struct {
	Symbol         string
	BasePrecision  int
	QuotePrecision int
	MinTradeSize   float64
	MaxTradeSize   float64
	MinAmount      float64
}

// NormalizeQuantity floors the base quantity to the symbol's precision
// and clamps it into the tradable range. Quantities that floor below
// the minimum tradable size are a constraint violation, not a silent
// adjustment.
func (r SymbolRule) NormalizeQuantity(qty float64) (float64, error) {
	step := math.Pow(10, float64(r.BasePrecision))
	normalized := math.Floor(qty*step) / step
	if r.MaxTradeSize > 0 && normalized > r.MaxTradeSize {
		normalized = math.Floor(r.MaxTradeSize*step) / step
	}
	if normalized <= 0 || (r.MinTradeSize > 0 && normalized < r.MinTradeSize) {
		return 0, &ConstraintError{Symbol: r.Symbol, Reason: "quantity below minimum tradable size", Value: normalized}
	}
	return normalized, nil
}

// NormalizePrice rounds a price to the symbol's quote precision.
func (r SymbolRule) NormalizePrice(price float64) float64 {
	step := math.Pow(10, float64(r.QuotePrecision))
	return math.Round(price*step) / step
}

// CheckNotional verifies the order's quote value clears the symbol's
// minimum amount.
func (r SymbolRule) CheckNotional(qty, price float64) error {
	if r.MinAmount > 0 && qty*price < r.MinAmount {
		return &ConstraintError{Symbol: r.Symbol, Reason: "notional below minimum amount", Value: qty * price}
	}
	return nil
}

// RuleSource fetches trading rules from the exchange.
type RuleSource interface {
	GetMarketRules(ctx context.Context, symbols []string) ([]SymbolRule, error)
}

// RuleCache fetches symbol rules lazily and keeps them for the process
// lifetime. Exchange rules change rarely enough that a restart is an
// acceptable refresh.
type RuleCache struct {
	src RuleSource

	mu    sync.Mutex
	rules map[string]SymbolRule
}

func NewRuleCache(src RuleSource) *RuleCache {
	return &RuleCache{src: src, rules: make(map[string]SymbolRule)}
}

// Get returns the rule for a symbol, fetching it on first use.
func (rc *RuleCache) Get(ctx context.Context, symbol string) (SymbolRule, error) {
	key := NormalizeSymbol(symbol)
	rc.mu.Lock()
	if rule, ok := rc.rules[key]; ok {
		rc.mu.Unlock()
		return rule, nil
	}
	rc.mu.Unlock()

	fetched, err := rc.src.GetMarketRules(ctx, []string{key})
	if err != nil {
		return SymbolRule{}, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, rule := range fetched {
		rc.rules[NormalizeSymbol(rule.Symbol)] = rule
	}
	rule, ok := rc.rules[key]
	if !ok {
		return SymbolRule{}, &ParseError{Endpoint: "common/symbols", Field: key}
	}
	return rule, nil
}
