package exec

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pionex-spot-bot/internal/pionex"

	"go.uber.org/zap"
)

type mockClient struct {
	book    pionex.BookTicker
	bookErr error

	limits  []pionex.LimitOrder
	markets []pionex.MarketOrder

	// limit orders fill after this many polls; zero means never
	limitFillsAfter int
	limitPolls      int

	cancelErr    error
	fillOnCancel bool
	cancelled    []string

	// market fills report no amount, leaving settle nothing to price from
	blankFills bool

	placeErr      error
	placeAttempts int

	seq int
}

func (m *mockClient) GetBookTicker(ctx context.Context, symbol string) (pionex.BookTicker, error) {
	return m.book, m.bookErr
}

func (m *mockClient) PlaceMarketOrder(ctx context.Context, order pionex.MarketOrder) (pionex.OrderAck, error) {
	m.placeAttempts++
	if m.placeErr != nil {
		return pionex.OrderAck{}, m.placeErr
	}
	m.markets = append(m.markets, order)
	m.seq++
	return pionex.OrderAck{OrderID: fmt.Sprintf("mkt-%d", m.seq), ClientOrderID: order.ClientOrderID}, nil
}

func (m *mockClient) PlaceLimitOrder(ctx context.Context, order pionex.LimitOrder) (pionex.OrderAck, error) {
	m.placeAttempts++
	if m.placeErr != nil {
		return pionex.OrderAck{}, m.placeErr
	}
	m.limits = append(m.limits, order)
	m.seq++
	return pionex.OrderAck{OrderID: fmt.Sprintf("lim-%d", m.seq), ClientOrderID: order.ClientOrderID}, nil
}

func (m *mockClient) GetOrder(ctx context.Context, symbol, orderID string) (pionex.Order, error) {
	if len(orderID) >= 4 && orderID[:4] == "mkt-" {
		last := m.markets[len(m.markets)-1]
		size := last.Size
		amount := last.Amount
		if size == 0 && amount > 0 {
			size = amount / 100 // synthetic fill at 100
		}
		order := pionex.Order{
			OrderID: orderID, Symbol: symbol, Side: last.Side, Status: "CLOSED",
			Size: size, FilledSize: size, FilledAmount: size * 100,
		}
		if m.blankFills {
			order.FilledAmount = 0
		}
		return order, nil
	}
	last := m.limits[len(m.limits)-1]
	order := pionex.Order{
		OrderID: orderID, Symbol: symbol, Side: last.Side, Status: "OPEN",
		Size: last.Size, Price: last.Price,
	}
	m.limitPolls++
	if m.limitFillsAfter > 0 && m.limitPolls >= m.limitFillsAfter {
		order.Status = "CLOSED"
		order.FilledSize = last.Size
		order.FilledAmount = last.Size * last.Price
	}
	for _, id := range m.cancelled {
		if id == orderID && m.fillOnCancel {
			order.Status = "CLOSED"
			order.FilledSize = last.Size
			order.FilledAmount = last.Size * last.Price
		}
	}
	return order, nil
}

func (m *mockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.cancelled = append(m.cancelled, orderID)
	return m.cancelErr
}

func (m *mockClient) GetFillsByOrderID(ctx context.Context, symbol, orderID string) ([]pionex.Fill, error) {
	return nil, nil
}

type staticRules struct {
	rule pionex.SymbolRule
}

func (s staticRules) Get(ctx context.Context, symbol string) (pionex.SymbolRule, error) {
	return s.rule, nil
}

type memJournal struct {
	data map[string][]byte
}

func newMemJournal() *memJournal { return &memJournal{data: make(map[string][]byte)} }

func (j *memJournal) Get(key string) ([]byte, error) {
	v, ok := j.data[key]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return v, nil
}
func (j *memJournal) Set(key string, value []byte) error { j.data[key] = value; return nil }
func (j *memJournal) Delete(key string) error            { delete(j.data, key); return nil }
func (j *memJournal) List(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for k, v := range j.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func testRule() pionex.SymbolRule {
	return pionex.SymbolRule{
		Symbol:         "BTC_USDT",
		BasePrecision:  4,
		QuotePrecision: 2,
		MinTradeSize:   0.001,
		MinAmount:      10,
	}
}

func testExecutor(client Client, journal Journal, cfg Config) *Executor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.EntryTimeout == 0 {
		cfg.EntryTimeout = 20 * time.Millisecond
	}
	if cfg.ExitTimeout == 0 {
		cfg.ExitTimeout = 20 * time.Millisecond
	}
	return New(client, staticRules{testRule()}, journal, cfg, nil, zap.NewNop())
}

func TestMakerEntryFills(t *testing.T) {
	mock := &mockClient{book: pionex.BookTicker{Bid: 100, Ask: 100.05}, limitFillsAfter: 2}
	e := testExecutor(mock, newMemJournal(), Config{PreferMaker: true, MakerOffsetBps: 10})

	res, err := e.Entry(context.Background(), "BTC_USDT", 100)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if !res.Maker {
		t.Fatal("expected a maker fill")
	}
	if len(mock.markets) != 0 {
		t.Fatalf("no market order expected, got %d", len(mock.markets))
	}
	if len(mock.limits) != 1 {
		t.Fatalf("limits placed = %d, want 1", len(mock.limits))
	}
	wantPrice := 99.9 // bid 100 minus 10bps, quote precision 2
	if mock.limits[0].Price != wantPrice {
		t.Fatalf("limit price = %v, want %v", mock.limits[0].Price, wantPrice)
	}
	if res.Quantity <= 0 || res.AvgPrice != wantPrice {
		t.Fatalf("result = %+v", res)
	}
}

func TestMakerEntryFallsBackToMarket(t *testing.T) {
	mock := &mockClient{book: pionex.BookTicker{Bid: 100, Ask: 100.05}}
	journal := newMemJournal()
	e := testExecutor(mock, journal, Config{PreferMaker: true, MakerOffsetBps: 10})

	res, err := e.Entry(context.Background(), "BTC_USDT", 100)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if res.Maker {
		t.Fatal("fallback fill must not report maker")
	}
	if len(mock.cancelled) != 1 {
		t.Fatalf("cancels = %d, want 1", len(mock.cancelled))
	}
	if len(mock.markets) != 1 || mock.markets[0].Amount != 100 {
		t.Fatalf("market orders = %+v", mock.markets)
	}
	if len(journal.data) != 0 {
		t.Fatalf("journal should be empty after settle, has %v", journal.data)
	}
}

func TestCancelRaceAdoptsFill(t *testing.T) {
	mock := &mockClient{
		book:         pionex.BookTicker{Bid: 100, Ask: 100.05},
		fillOnCancel: true,
		cancelErr:    &pionex.APIError{Code: "TRADE_ORDER_FILLED", Message: "filled"},
	}
	e := testExecutor(mock, newMemJournal(), Config{PreferMaker: true, MakerOffsetBps: 10})

	res, err := e.Entry(context.Background(), "BTC_USDT", 100)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if !res.Maker {
		t.Fatal("a fill that raced the cancel is still a maker fill")
	}
	if len(mock.markets) != 0 {
		t.Fatal("no market fallback after an adopted fill")
	}
}

func TestMarketEntryWhenMakerDisabled(t *testing.T) {
	mock := &mockClient{}
	e := testExecutor(mock, newMemJournal(), Config{PreferMaker: false})

	res, err := e.Entry(context.Background(), "BTC_USDT", 100)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if res.Maker || len(mock.limits) != 0 {
		t.Fatalf("maker path used despite PreferMaker=false: %+v", res)
	}
}

func TestExitMarketTooSmall(t *testing.T) {
	mock := &mockClient{}
	e := testExecutor(mock, newMemJournal(), Config{})

	_, err := e.ExitMarket(context.Background(), "BTC_USDT", 0.0001)
	if !pionex.IsConstraint(err) {
		t.Fatalf("err = %v, want ConstraintError", err)
	}
	if mock.placeAttempts != 0 {
		t.Fatal("no order may be placed for an untradable quantity")
	}
}

func TestExitMakerHoldsMinPrice(t *testing.T) {
	mock := &mockClient{book: pionex.BookTicker{Bid: 98.9, Ask: 99}, limitFillsAfter: 1}
	e := testExecutor(mock, newMemJournal(), Config{})

	res, err := e.ExitMaker(context.Background(), "BTC_USDT", 0.5, 101)
	if err != nil {
		t.Fatalf("ExitMaker: %v", err)
	}
	if len(mock.limits) != 1 || mock.limits[0].Price != 101 {
		t.Fatalf("limit = %+v, want price floored at 101", mock.limits)
	}
	if !res.Maker {
		t.Fatal("expected maker exit")
	}
}

func TestExitMakerFallsBackToMarket(t *testing.T) {
	mock := &mockClient{book: pionex.BookTicker{Bid: 99.9, Ask: 100}}
	e := testExecutor(mock, newMemJournal(), Config{})

	res, err := e.ExitMaker(context.Background(), "BTC_USDT", 0.5, 0)
	if err != nil {
		t.Fatalf("ExitMaker: %v", err)
	}
	if res.Maker {
		t.Fatal("fallback exit must not report maker")
	}
	if len(mock.markets) != 1 || mock.markets[0].Size != 0.5 {
		t.Fatalf("market orders = %+v", mock.markets)
	}
}

func TestBusinessRejectionNotRetried(t *testing.T) {
	mock := &mockClient{placeErr: &pionex.APIError{Code: "TRADE_NOT_ENOUGH_MONEY"}}
	e := testExecutor(mock, newMemJournal(), Config{PreferMaker: false})

	_, err := e.Entry(context.Background(), "BTC_USDT", 100)
	if _, ok := pionex.IsRejection(err); !ok {
		t.Fatalf("err = %v, want APIError", err)
	}
	if mock.placeAttempts != 1 {
		t.Fatalf("attempts = %d, rejection must not be retried", mock.placeAttempts)
	}
}

func TestRecoverCancelsRestingOrder(t *testing.T) {
	mock := &mockClient{book: pionex.BookTicker{Bid: 100, Ask: 100.05}}
	journal := newMemJournal()
	e := testExecutor(mock, journal, Config{PreferMaker: true, MakerOffsetBps: 10})

	// leave a pending record behind by placing without letting it fill
	mock.limits = append(mock.limits, pionex.LimitOrder{Symbol: "BTC_USDT", Side: "BUY", Size: 1, Price: 99.9})
	e.recordPending(PendingOrder{
		Symbol: "BTC_USDT", OrderID: "lim-99", Side: "BUY", Kind: KindEntry, Size: 1, Price: 99.9,
	})

	resolutions, err := e.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(resolutions) != 1 || resolutions[0].Filled {
		t.Fatalf("resolutions = %+v, want one unfilled", resolutions)
	}
	if len(mock.cancelled) != 1 {
		t.Fatalf("cancels = %d, want 1", len(mock.cancelled))
	}
	if len(journal.data) != 0 {
		t.Fatalf("journal should be empty after recovery, has %v", journal.data)
	}
}

func TestSettleFailureKeepsJournalRecord(t *testing.T) {
	mock := &mockClient{blankFills: true}
	journal := newMemJournal()
	e := testExecutor(mock, journal, Config{})

	_, err := e.ExitMarket(context.Background(), "BTC_USDT", 0.5)
	if err == nil {
		t.Fatal("an order with no usable fill data must not settle")
	}
	if _, ok := journal.data["pending/BTC_USDT"]; !ok {
		t.Fatal("pending record must survive the failed settle for startup recovery")
	}
}
