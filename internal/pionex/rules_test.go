package pionex

import (
	"context"
	"testing"
)

func TestNormalizeQuantity(t *testing.T) {
	rule := SymbolRule{
		Symbol:        "BTC_USDT",
		BasePrecision: 4,
		MinTradeSize:  0.0001,
		MaxTradeSize:  10,
	}

	tests := []struct {
		name    string
		qty     float64
		want    float64
		wantErr bool
	}{
		{"floors to precision", 0.123456, 0.1234, false},
		{"exact step unchanged", 0.5, 0.5, false},
		{"clamped to max", 12.34567, 10, false},
		{"below minimum", 0.00005, 0, true},
		{"zero", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rule.NormalizeQuantity(tt.qty)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("want constraint error, got qty %v", got)
				}
				if !IsConstraint(err) {
					t.Fatalf("err = %v, want ConstraintError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeQuantity(%v): %v", tt.qty, err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeQuantity(%v) = %v, want %v", tt.qty, got, tt.want)
			}
		})
	}
}

func TestNormalizePrice(t *testing.T) {
	rule := SymbolRule{Symbol: "ETH_USDT", QuotePrecision: 2}
	if got := rule.NormalizePrice(1234.5678); got != 1234.57 {
		t.Fatalf("NormalizePrice = %v, want 1234.57", got)
	}
}

func TestCheckNotional(t *testing.T) {
	rule := SymbolRule{Symbol: "BTC_USDT", MinAmount: 10}
	if err := rule.CheckNotional(0.003, 5000); err != nil {
		t.Fatalf("notional 15 over minimum should pass: %v", err)
	}
	if err := rule.CheckNotional(0.001, 5000); !IsConstraint(err) {
		t.Fatalf("err = %v, want ConstraintError for notional 5", err)
	}
}

type fakeRuleSource struct {
	calls int
	rules []SymbolRule
	err   error
}

func (f *fakeRuleSource) GetMarketRules(ctx context.Context, symbols []string) ([]SymbolRule, error) {
	f.calls++
	return f.rules, f.err
}

func TestRuleCacheFetchesOnce(t *testing.T) {
	src := &fakeRuleSource{rules: []SymbolRule{{Symbol: "BTC_USDT", BasePrecision: 6}}}
	cache := NewRuleCache(src)

	for i := 0; i < 3; i++ {
		rule, err := cache.Get(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rule.BasePrecision != 6 {
			t.Fatalf("rule = %+v", rule)
		}
	}
	if src.calls != 1 {
		t.Fatalf("source called %d times, want 1", src.calls)
	}
}

func TestRuleCacheUnknownSymbol(t *testing.T) {
	src := &fakeRuleSource{rules: []SymbolRule{{Symbol: "ETH_USDT"}}}
	cache := NewRuleCache(src)
	if _, err := cache.Get(context.Background(), "BTC_USDT"); err == nil {
		t.Fatal("expected error when exchange omits the requested symbol")
	}
}
