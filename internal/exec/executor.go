// Package exec places and settles orders: maker-preferred entries with
// a market fallback, market or maker exits, and a crash journal for
// in-flight orders.
package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pionex-spot-bot/internal/metrics"
	"pionex-spot-bot/internal/pionex"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Client is the slice of the exchange client the executor needs.
type Client interface {
	GetBookTicker(ctx context.Context, symbol string) (pionex.BookTicker, error)
	PlaceMarketOrder(ctx context.Context, order pionex.MarketOrder) (pionex.OrderAck, error)
	PlaceLimitOrder(ctx context.Context, order pionex.LimitOrder) (pionex.OrderAck, error)
	GetOrder(ctx context.Context, symbol, orderID string) (pionex.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetFillsByOrderID(ctx context.Context, symbol, orderID string) ([]pionex.Fill, error)
}

// Rules resolves per-symbol trading constraints.
type Rules interface {
	Get(ctx context.Context, symbol string) (pionex.SymbolRule, error)
}

// Journal persists in-flight order records across a crash.
type Journal interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	List(prefix string) (map[string][]byte, error)
}

type Config struct {
	PreferMaker    bool
	MakerOffsetBps float64
	EntryTimeout   time.Duration
	ExitTimeout    time.Duration
	PollInterval   time.Duration
}

// Result is the settled outcome of an entry or exit flow.
type Result struct {
	OrderID  string
	Quantity float64
	AvgPrice float64
	Fee      float64
	Maker    bool
}

// PendingOrder is the journal record for an order that was placed but
// not yet settled.
type PendingOrder struct {
	Symbol        string  `msgpack:"symbol"`
	OrderID       string  `msgpack:"order_id"`
	ClientOrderID string  `msgpack:"client_order_id"`
	Side          string  `msgpack:"side"`
	Kind          string  `msgpack:"kind"`
	Size          float64 `msgpack:"size"`
	Price         float64 `msgpack:"price"`
	CreatedAtMS   int64   `msgpack:"created_at_ms"`
}

const (
	KindEntry = "entry"
	KindExit  = "exit"
)

type Executor struct {
	client  Client
	rules   Rules
	journal Journal
	cfg     Config
	met     *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	cloid map[string]string
}

func New(client Client, rules Rules, journal Journal, cfg Config, met *metrics.Metrics, log *zap.Logger) *Executor {
	if met == nil {
		met = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Executor{
		client:  client,
		rules:   rules,
		journal: journal,
		cfg:     cfg,
		met:     met,
		log:     log,
		now:     time.Now,
		cloid:   make(map[string]string),
	}
}

// Entry opens a long position worth quoteAmount USDT. With maker
// preference it first rests a limit buy below the bid; if that does not
// fill within the entry timeout it is cancelled and replaced with a
// market buy so a confirmed signal is never silently dropped.
func (e *Executor) Entry(ctx context.Context, symbol string, quoteAmount float64) (Result, error) {
	rule, err := e.rules.Get(ctx, symbol)
	if err != nil {
		return Result{}, fmt.Errorf("rules for %s: %w", symbol, err)
	}

	if e.cfg.PreferMaker {
		res, done, err := e.tryMakerEntry(ctx, symbol, rule, quoteAmount)
		if err != nil {
			return Result{}, err
		}
		if done {
			e.met.MakerFills.Inc()
			return res, nil
		}
		e.met.MarketFallbacks.Inc()
	}

	if err := rule.CheckNotional(1, quoteAmount); err != nil {
		return Result{}, err
	}
	return e.marketEntry(ctx, symbol, quoteAmount)
}

// tryMakerEntry rests a limit buy at bid minus the configured offset.
// done=false means the order did not fill and the caller should fall
// back to a market order.
func (e *Executor) tryMakerEntry(ctx context.Context, symbol string, rule pionex.SymbolRule, quoteAmount float64) (Result, bool, error) {
	book, err := e.client.GetBookTicker(ctx, symbol)
	if err != nil {
		e.log.Warn("book unavailable for maker entry, falling back to market",
			zap.String("symbol", symbol), zap.Error(err))
		return Result{}, false, nil
	}

	price := rule.NormalizePrice(book.Bid * (1 - e.cfg.MakerOffsetBps/10000))
	if price <= 0 {
		return Result{}, false, nil
	}
	qty, err := rule.NormalizeQuantity(quoteAmount / price)
	if err != nil {
		return Result{}, false, err
	}
	if err := rule.CheckNotional(qty, price); err != nil {
		return Result{}, false, err
	}

	cloid := uuid.NewString()
	ack, err := e.place(ctx, cloid, func(ctx context.Context) (pionex.OrderAck, error) {
		return e.client.PlaceLimitOrder(ctx, pionex.LimitOrder{
			Symbol: symbol, Side: "BUY", Size: qty, Price: price, ClientOrderID: cloid,
		})
	})
	if err != nil {
		return Result{}, false, err
	}
	e.recordPending(PendingOrder{
		Symbol: symbol, OrderID: ack.OrderID, ClientOrderID: cloid,
		Side: "BUY", Kind: KindEntry, Size: qty, Price: price,
		CreatedAtMS: e.now().UnixMilli(),
	})

	order, err := e.waitFilled(ctx, symbol, ack.OrderID, e.cfg.EntryTimeout)
	if err != nil {
		return Result{}, false, err
	}
	if order.Filled() {
		res, err := e.settle(ctx, symbol, order, true)
		return res, err == nil, err
	}

	filled, err := e.cancelOrAdopt(ctx, symbol, ack.OrderID)
	if err != nil {
		return Result{}, false, err
	}
	if filled != nil {
		res, err := e.settle(ctx, symbol, *filled, true)
		return res, err == nil, err
	}
	e.clearPending(symbol)
	e.log.Info("maker entry timed out, falling back to market",
		zap.String("symbol", symbol), zap.String("order_id", ack.OrderID))
	return Result{}, false, nil
}

func (e *Executor) marketEntry(ctx context.Context, symbol string, quoteAmount float64) (Result, error) {
	cloid := uuid.NewString()
	ack, err := e.place(ctx, cloid, func(ctx context.Context) (pionex.OrderAck, error) {
		return e.client.PlaceMarketOrder(ctx, pionex.MarketOrder{
			Symbol: symbol, Side: "BUY", Amount: quoteAmount, ClientOrderID: cloid,
		})
	})
	if err != nil {
		return Result{}, err
	}
	e.recordPending(PendingOrder{
		Symbol: symbol, OrderID: ack.OrderID, ClientOrderID: cloid,
		Side: "BUY", Kind: KindEntry, CreatedAtMS: e.now().UnixMilli(),
	})

	order, err := e.waitFilled(ctx, symbol, ack.OrderID, e.cfg.EntryTimeout)
	if err != nil {
		return Result{}, err
	}
	if !order.Filled() {
		return Result{}, fmt.Errorf("market buy %s on %s did not settle in time", ack.OrderID, symbol)
	}
	return e.settle(ctx, symbol, order, false)
}

// ExitMarket closes a long with a market sell. Quantities below the
// symbol's minimum tradable size surface as a constraint error.
func (e *Executor) ExitMarket(ctx context.Context, symbol string, qty float64) (Result, error) {
	rule, err := e.rules.Get(ctx, symbol)
	if err != nil {
		return Result{}, fmt.Errorf("rules for %s: %w", symbol, err)
	}
	size, err := rule.NormalizeQuantity(qty)
	if err != nil {
		return Result{}, err
	}

	cloid := uuid.NewString()
	ack, err := e.place(ctx, cloid, func(ctx context.Context) (pionex.OrderAck, error) {
		return e.client.PlaceMarketOrder(ctx, pionex.MarketOrder{
			Symbol: symbol, Side: "SELL", Size: size, ClientOrderID: cloid,
		})
	})
	if err != nil {
		return Result{}, err
	}
	e.recordPending(PendingOrder{
		Symbol: symbol, OrderID: ack.OrderID, ClientOrderID: cloid,
		Side: "SELL", Kind: KindExit, Size: size, CreatedAtMS: e.now().UnixMilli(),
	})

	order, err := e.waitFilled(ctx, symbol, ack.OrderID, e.cfg.ExitTimeout)
	if err != nil {
		return Result{}, err
	}
	if !order.Filled() {
		return Result{}, fmt.Errorf("market sell %s on %s did not settle in time", ack.OrderID, symbol)
	}
	return e.settle(ctx, symbol, order, false)
}

// ExitMaker closes a long with a limit sell at the better of minPrice
// and the current ask, falling back to a market sell if the order does
// not fill within the exit timeout. minPrice keeps a take-profit exit
// from selling below its target while the book moves.
func (e *Executor) ExitMaker(ctx context.Context, symbol string, qty, minPrice float64) (Result, error) {
	rule, err := e.rules.Get(ctx, symbol)
	if err != nil {
		return Result{}, fmt.Errorf("rules for %s: %w", symbol, err)
	}
	size, err := rule.NormalizeQuantity(qty)
	if err != nil {
		return Result{}, err
	}

	book, err := e.client.GetBookTicker(ctx, symbol)
	if err != nil {
		e.log.Warn("book unavailable for maker exit, using market",
			zap.String("symbol", symbol), zap.Error(err))
		return e.ExitMarket(ctx, symbol, qty)
	}
	price := book.Ask
	if minPrice > price {
		price = minPrice
	}
	price = rule.NormalizePrice(price)
	if err := rule.CheckNotional(size, price); err != nil {
		return Result{}, err
	}

	cloid := uuid.NewString()
	ack, err := e.place(ctx, cloid, func(ctx context.Context) (pionex.OrderAck, error) {
		return e.client.PlaceLimitOrder(ctx, pionex.LimitOrder{
			Symbol: symbol, Side: "SELL", Size: size, Price: price, ClientOrderID: cloid,
		})
	})
	if err != nil {
		return Result{}, err
	}
	e.recordPending(PendingOrder{
		Symbol: symbol, OrderID: ack.OrderID, ClientOrderID: cloid,
		Side: "SELL", Kind: KindExit, Size: size, Price: price,
		CreatedAtMS: e.now().UnixMilli(),
	})

	order, err := e.waitFilled(ctx, symbol, ack.OrderID, e.cfg.ExitTimeout)
	if err != nil {
		return Result{}, err
	}
	if order.Filled() {
		res, err := e.settle(ctx, symbol, order, true)
		if err == nil {
			e.met.MakerFills.Inc()
		}
		return res, err
	}

	filled, err := e.cancelOrAdopt(ctx, symbol, ack.OrderID)
	if err != nil {
		return Result{}, err
	}
	if filled != nil {
		res, err := e.settle(ctx, symbol, *filled, true)
		if err == nil {
			e.met.MakerFills.Inc()
		}
		return res, err
	}
	e.clearPending(symbol)
	e.met.MarketFallbacks.Inc()
	e.log.Info("maker exit timed out, falling back to market",
		zap.String("symbol", symbol), zap.String("order_id", ack.OrderID))
	return e.ExitMarket(ctx, symbol, qty)
}

// place submits an order once per client order id. A retried call with
// the same id returns the original ack instead of double-submitting.
func (e *Executor) place(ctx context.Context, cloid string, fn func(context.Context) (pionex.OrderAck, error)) (pionex.OrderAck, error) {
	e.mu.Lock()
	if oid, ok := e.cloid[cloid]; ok {
		e.mu.Unlock()
		return pionex.OrderAck{OrderID: oid, ClientOrderID: cloid}, nil
	}
	e.mu.Unlock()

	var ack pionex.OrderAck
	err := e.retry(ctx, func() error {
		var err error
		ack, err = fn(ctx)
		return err
	})
	if err != nil {
		return pionex.OrderAck{}, err
	}
	if ack.OrderID == "" {
		return pionex.OrderAck{}, errors.New("empty order id in ack")
	}
	e.mu.Lock()
	e.cloid[cloid] = ack.OrderID
	e.mu.Unlock()
	return ack, nil
}

// retry runs fn up to five times with exponential backoff. Business
// rejections and constraint violations are final and never retried.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if _, rejected := pionex.IsRejection(err); rejected || pionex.IsConstraint(err) {
			return err
		}
		if attempt == 4 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

// waitFilled polls the order until it fills or the timeout lapses. A
// non-filled order is returned as-is, not as an error.
func (e *Executor) waitFilled(ctx context.Context, symbol, orderID string, timeout time.Duration) (pionex.Order, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	last := pionex.Order{OrderID: orderID}
	for {
		order, err := e.client.GetOrder(ctx, symbol, orderID)
		if err != nil {
			e.log.Warn("order poll failed",
				zap.String("symbol", symbol), zap.String("order_id", orderID), zap.Error(err))
		} else {
			last = order
			if order.Filled() {
				return order, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, nil
		case <-ticker.C:
		}
	}
}

// cancelOrAdopt cancels a resting order, then re-reads it to catch the
// race where the order filled while the cancel was in flight. It
// returns the filled order in that case, nil when the cancel won.
func (e *Executor) cancelOrAdopt(ctx context.Context, symbol, orderID string) (*pionex.Order, error) {
	cancelErr := e.client.CancelOrder(ctx, symbol, orderID)
	order, err := e.client.GetOrder(ctx, symbol, orderID)
	if err != nil {
		if cancelErr != nil {
			return nil, fmt.Errorf("cancel %s: %v; recheck: %w", orderID, cancelErr, err)
		}
		// cancel succeeded, the order cannot fill anymore
		return nil, nil
	}
	if order.Filled() {
		return &order, nil
	}
	if order.FilledSize > 0 {
		// partial fill survived the cancel; adopt what we got
		e.log.Warn("cancelled order was partially filled",
			zap.String("symbol", symbol), zap.String("order_id", orderID),
			zap.Float64("filled", order.FilledSize))
		return &order, nil
	}
	if cancelErr != nil {
		if _, rejected := pionex.IsRejection(cancelErr); !rejected {
			return nil, fmt.Errorf("cancel %s on %s: %w", orderID, symbol, cancelErr)
		}
	}
	return nil, nil
}

// settle turns a filled order into a Result using its fills, falling
// back to the order's own filled size and amount when the fills
// endpoint has nothing yet. The pending journal record survives a
// failed settle so the next startup can still reconcile the fill.
func (e *Executor) settle(ctx context.Context, symbol string, order pionex.Order, maker bool) (Result, error) {
	res := Result{OrderID: order.OrderID, Maker: maker}
	fills, err := e.client.GetFillsByOrderID(ctx, symbol, order.OrderID)
	if err != nil {
		e.log.Warn("fills lookup failed, settling from order totals",
			zap.String("symbol", symbol), zap.String("order_id", order.OrderID), zap.Error(err))
	}
	var qty, notional, fee float64
	for _, f := range fills {
		qty += f.Size
		notional += f.Size * f.Price
		fee += f.Fee
	}
	if qty > 0 {
		res.Quantity = qty
		res.AvgPrice = notional / qty
		res.Fee = fee
		e.clearPending(symbol)
		return res, nil
	}

	res.Quantity = order.FilledSize
	if order.FilledSize > 0 && order.FilledAmount > 0 {
		res.AvgPrice = order.FilledAmount / order.FilledSize
	} else if order.Price > 0 {
		res.AvgPrice = order.Price
	}
	if res.Quantity <= 0 || res.AvgPrice <= 0 {
		return Result{}, fmt.Errorf("order %s on %s settled without usable fill data", order.OrderID, symbol)
	}
	e.clearPending(symbol)
	return res, nil
}

func pendingKey(symbol string) string {
	return "pending/" + strings.ToUpper(symbol)
}

func (e *Executor) recordPending(p PendingOrder) {
	if e.journal == nil {
		return
	}
	raw, err := msgpack.Marshal(p)
	if err != nil {
		e.log.Warn("encode pending order", zap.Error(err))
		return
	}
	if err := e.journal.Set(pendingKey(p.Symbol), raw); err != nil {
		e.log.Warn("journal pending order", zap.String("symbol", p.Symbol), zap.Error(err))
	}
}

func (e *Executor) clearPending(symbol string) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Delete(pendingKey(symbol)); err != nil {
		e.log.Warn("clear pending order", zap.String("symbol", symbol), zap.Error(err))
	}
}

// Resolution is the startup outcome of one journaled in-flight order.
type Resolution struct {
	Pending PendingOrder
	Filled  bool
	Result  Result
}

// Recover settles every journaled in-flight order left by a previous
// run: filled orders are reported for reconciliation, resting ones are
// cancelled. Journal entries are removed either way.
func (e *Executor) Recover(ctx context.Context) ([]Resolution, error) {
	if e.journal == nil {
		return nil, nil
	}
	entries, err := e.journal.List("pending/")
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}

	var out []Resolution
	for key, raw := range entries {
		var p PendingOrder
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			e.log.Warn("corrupt pending order record dropped",
				zap.String("key", key), zap.Error(err))
			e.journal.Delete(key)
			continue
		}
		res := Resolution{Pending: p}
		order, err := e.client.GetOrder(ctx, p.Symbol, p.OrderID)
		if err != nil {
			return out, fmt.Errorf("recover order %s on %s: %w", p.OrderID, p.Symbol, err)
		}
		if order.Filled() || order.FilledSize > 0 {
			settled, err := e.settle(ctx, p.Symbol, order, false)
			if err != nil {
				return out, err
			}
			res.Filled = true
			res.Result = settled
		} else {
			if filled, err := e.cancelOrAdopt(ctx, p.Symbol, p.OrderID); err != nil {
				return out, err
			} else if filled != nil {
				settled, err := e.settle(ctx, p.Symbol, *filled, false)
				if err != nil {
					return out, err
				}
				res.Filled = true
				res.Result = settled
			}
		}
		e.journal.Delete(key)
		out = append(out, res)
	}
	return out, nil
}
