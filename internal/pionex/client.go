// Package pionex is the typed REST client for the exchange: signed
// private calls, rate-limited public calls, and retry on throttling and
// server errors.
package pionex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"pionex-spot-bot/internal/ratelimit"

	"go.uber.org/zap"
)

const (
	apiKeyHeader    = "PIONEX-KEY"
	signatureHeader = "PIONEX-SIGNATURE"

	maxRateLimitBackoff = 60 * time.Second
	maxServerBackoff    = 10 * time.Second
)

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	APIKey    string
	APISecret string
	DryRun    bool
	Limiter   *ratelimit.Limiter
	Log       *zap.Logger
}

type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	limiter   *ratelimit.Limiter
	log       *zap.Logger
	dryRun    bool
	dry       *dryBook
	retryBase time.Duration
	now       func() time.Time
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.pionex.com"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New(10)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		http:      &http.Client{Timeout: timeout},
		limiter:   limiter,
		log:       log,
		dryRun:    opts.DryRun,
		dry:       newDryBook(),
		retryBase: time.Second,
		now:       time.Now,
	}
}

func (c *Client) DryRun() bool { return c.dryRun }

// signPayload builds the canonical string the signature covers:
// METHOD + PATH ?sortedQuery + body.
func signPayload(method, path string, query url.Values, body []byte) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range query[k] {
			parts = append(parts, k+"="+v)
		}
	}
	payload := strings.ToUpper(method) + path
	if len(parts) > 0 {
		payload += "?" + strings.Join(parts, "&")
	}
	return payload + string(body)
}

func (c *Client) sign(method, path string, query url.Values, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(signPayload(method, path, query, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// do performs one exchange call with rate limiting, signing, and the
// retry policy: 429 backs off up to 60s, 5xx up to 10s, anything else
// fails immediately.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, private bool, weight int) (json.RawMessage, error) {
	if query == nil {
		query = url.Values{}
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	attempt := 0
	for {
		// every attempt re-enters the limiter and carries a fresh
		// timestamp, otherwise a retry after a long backoff would be
		// signed over a stale one and rejected as a replay
		if private {
			if err := c.limiter.WaitPrivate(ctx, weight); err != nil {
				return nil, err
			}
			query.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		} else {
			if err := c.limiter.Wait(ctx, ratelimit.ScopeIP, weight); err != nil {
				return nil, err
			}
		}
		endpoint := c.baseURL + path
		if encoded := query.Encode(); encoded != "" {
			endpoint += "?" + encoded
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if private {
			req.Header.Set(apiKeyHeader, c.apiKey)
			req.Header.Set(signatureHeader, c.sign(method, path, query, payload))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			attempt++
			delay := retryBackoff(c.retryBase, attempt, maxRateLimitBackoff)
			c.log.Warn("exchange throttled request, backing off",
				zap.String("path", path), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrRateLimited, ctx.Err())
			case <-time.After(delay):
			}
			continue
		case resp.StatusCode >= 500:
			attempt++
			delay := retryBackoff(c.retryBase, attempt, maxServerBackoff)
			c.log.Warn("exchange server error, retrying",
				zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, &StatusError{Status: resp.StatusCode, Body: truncate(respBody, 512)}
		}
		if readErr != nil {
			return nil, fmt.Errorf("read %s: %w", path, readErr)
		}

		var env envelope
		if err := json.Unmarshal(respBody, &env); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if env.Result != nil && !*env.Result {
			return nil, &APIError{Code: env.Code, Message: env.Message}
		}
		return env.Data, nil
	}
}

func retryBackoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// --- Market data -----------------------------------------------------

// GetPrice resolves the current price through a fixed preference order:
// 24h ticker close, then book mid, then last trade. The returned error
// carries the last failure observed when all three are unusable.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	sym := NormalizeSymbol(symbol)
	var lastErr error

	if px, err := c.tickerClose(ctx, sym); err == nil {
		return px, nil
	} else {
		lastErr = err
	}
	if book, err := c.GetBookTicker(ctx, sym); err == nil && book.Bid > 0 && book.Ask > 0 {
		return (book.Bid + book.Ask) / 2, nil
	} else if err != nil {
		lastErr = err
	}
	if px, err := c.lastTradePrice(ctx, sym); err == nil {
		return px, nil
	} else {
		lastErr = err
	}
	return 0, fmt.Errorf("price discovery failed for %s: %w", symbol, lastErr)
}

func (c *Client) tickerClose(ctx context.Context, sym string) (float64, error) {
	query := url.Values{"symbol": {sym}}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/market/tickers", query, nil, false, 1)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Tickers []struct {
			Close     apiFloat `json:"close"`
			LastPrice apiFloat `json:"lastPrice"`
		} `json:"tickers"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return 0, fmt.Errorf("decode tickers: %w", err)
	}
	if len(parsed.Tickers) == 0 {
		return 0, &ParseError{Endpoint: "market/tickers", Field: "tickers"}
	}
	first := parsed.Tickers[0]
	if first.Close > 0 {
		return float64(first.Close), nil
	}
	if first.LastPrice > 0 {
		return float64(first.LastPrice), nil
	}
	return 0, &ParseError{Endpoint: "market/tickers", Field: "close"}
}

func (c *Client) GetBookTicker(ctx context.Context, symbol string) (BookTicker, error) {
	query := url.Values{"symbol": {NormalizeSymbol(symbol)}}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/market/bookTickers", query, nil, false, 1)
	if err != nil {
		return BookTicker{}, err
	}
	var parsed struct {
		Tickers []struct {
			BidPrice apiFloat `json:"bidPrice"`
			AskPrice apiFloat `json:"askPrice"`
		} `json:"tickers"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return BookTicker{}, fmt.Errorf("decode bookTickers: %w", err)
	}
	if len(parsed.Tickers) == 0 {
		return BookTicker{}, &ParseError{Endpoint: "market/bookTickers", Field: "tickers"}
	}
	first := parsed.Tickers[0]
	if first.BidPrice <= 0 || first.AskPrice <= 0 {
		return BookTicker{}, &ParseError{Endpoint: "market/bookTickers", Field: "bidPrice/askPrice"}
	}
	return BookTicker{Bid: float64(first.BidPrice), Ask: float64(first.AskPrice)}, nil
}

func (c *Client) lastTradePrice(ctx context.Context, sym string) (float64, error) {
	query := url.Values{"symbol": {sym}, "limit": {"1"}}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/market/trades", query, nil, false, 1)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Trades []struct {
			Price apiFloat `json:"price"`
		} `json:"trades"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return 0, fmt.Errorf("decode trades: %w", err)
	}
	if len(parsed.Trades) == 0 || parsed.Trades[0].Price <= 0 {
		return 0, &ParseError{Endpoint: "market/trades", Field: "price"}
	}
	return float64(parsed.Trades[0].Price), nil
}

// GetMarketRules fetches trading rules for the given spot symbols.
func (c *Client) GetMarketRules(ctx context.Context, symbols []string) ([]SymbolRule, error) {
	query := url.Values{"type": {"SPOT"}}
	if len(symbols) > 0 {
		normalized := make([]string, len(symbols))
		for i, s := range symbols {
			normalized[i] = NormalizeSymbol(s)
		}
		query.Set("symbols", strings.Join(normalized, ","))
	}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/common/symbols", query, nil, false, 5)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Symbols []struct {
			Symbol         string   `json:"symbol"`
			BasePrecision  int      `json:"basePrecision"`
			QuotePrecision int      `json:"quotePrecision"`
			MinTradeSize   apiFloat `json:"minTradeSize"`
			MaxTradeSize   apiFloat `json:"maxTradeSize"`
			MinAmount      apiFloat `json:"minAmount"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode symbols: %w", err)
	}
	if len(parsed.Symbols) == 0 {
		return nil, &ParseError{Endpoint: "common/symbols", Field: "symbols"}
	}
	rules := make([]SymbolRule, 0, len(parsed.Symbols))
	for _, s := range parsed.Symbols {
		rules = append(rules, SymbolRule{
			Symbol:         s.Symbol,
			BasePrecision:  s.BasePrecision,
			QuotePrecision: s.QuotePrecision,
			MinTradeSize:   float64(s.MinTradeSize),
			MaxTradeSize:   float64(s.MaxTradeSize),
			MinAmount:      float64(s.MinAmount),
		})
	}
	return rules, nil
}

// --- Trading ---------------------------------------------------------

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Amount        string `json:"amount,omitempty"`
	Size          string `json:"size,omitempty"`
	Price         string `json:"price,omitempty"`
	IOC           bool   `json:"IOC,omitempty"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// PlaceMarketOrder submits a guaranteed-fill order. Market buys are
// sized by quote notional, market sells by base quantity.
func (c *Client) PlaceMarketOrder(ctx context.Context, order MarketOrder) (OrderAck, error) {
	side := strings.ToUpper(order.Side)
	req := orderRequest{
		Symbol:        NormalizeSymbol(order.Symbol),
		Side:          side,
		Type:          "MARKET",
		ClientOrderID: order.ClientOrderID,
	}
	switch side {
	case "BUY":
		if order.Amount <= 0 {
			return OrderAck{}, fmt.Errorf("market buy for %s: amount is required", order.Symbol)
		}
		req.Amount = formatFloat(order.Amount)
	case "SELL":
		if order.Size <= 0 {
			return OrderAck{}, fmt.Errorf("market sell for %s: size is required", order.Symbol)
		}
		req.Size = formatFloat(order.Size)
	default:
		return OrderAck{}, fmt.Errorf("invalid order side %q", order.Side)
	}
	if c.dryRun {
		// simulated market orders fill at the live price so downstream
		// settlement sees a usable average
		px, err := c.GetPrice(ctx, order.Symbol)
		if err != nil {
			return OrderAck{}, fmt.Errorf("dry-run reference price for %s: %w", order.Symbol, err)
		}
		return c.dry.placeMarket(order, px, c.now()), nil
	}
	return c.placeOrder(ctx, req)
}

// PlaceLimitOrder submits a resting limit order sized by base quantity.
func (c *Client) PlaceLimitOrder(ctx context.Context, order LimitOrder) (OrderAck, error) {
	side := strings.ToUpper(order.Side)
	if side != "BUY" && side != "SELL" {
		return OrderAck{}, fmt.Errorf("invalid order side %q", order.Side)
	}
	if order.Size <= 0 || order.Price <= 0 {
		return OrderAck{}, fmt.Errorf("limit %s for %s: size and price are required", side, order.Symbol)
	}
	if c.dryRun {
		return c.dry.placeLimit(order, c.now()), nil
	}
	req := orderRequest{
		Symbol:        NormalizeSymbol(order.Symbol),
		Side:          side,
		Type:          "LIMIT",
		Size:          formatFloat(order.Size),
		Price:         formatFloat(order.Price),
		IOC:           order.IOC,
		ClientOrderID: order.ClientOrderID,
	}
	return c.placeOrder(ctx, req)
}

func (c *Client) placeOrder(ctx context.Context, req orderRequest) (OrderAck, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/v1/trade/order", nil, req, true, 1)
	if err != nil {
		return OrderAck{}, err
	}
	var parsed struct {
		OrderID       idString `json:"orderId"`
		ClientOrderID string   `json:"clientOrderId"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return OrderAck{}, fmt.Errorf("decode order ack: %w", err)
	}
	if parsed.OrderID == "" {
		return OrderAck{}, &ParseError{Endpoint: "trade/order", Field: "orderId"}
	}
	return OrderAck{OrderID: string(parsed.OrderID), ClientOrderID: parsed.ClientOrderID}, nil
}

// GetOrder fetches the current status of one order.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (Order, error) {
	if c.dryRun {
		return c.dry.get(orderID)
	}
	query := url.Values{"symbol": {NormalizeSymbol(symbol)}, "orderId": {orderID}}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/trade/order", query, nil, true, 1)
	if err != nil {
		return Order{}, err
	}
	order, err := parseOrder(data)
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

type orderPayload struct {
	OrderID      idString `json:"orderId"`
	Symbol       string   `json:"symbol"`
	Side         string   `json:"side"`
	Status       string   `json:"status"`
	Size         apiFloat `json:"size"`
	FilledSize   apiFloat `json:"filledSize"`
	FilledAmount apiFloat `json:"filledAmount"`
	Price        apiFloat `json:"price"`
}

func (p orderPayload) toOrder() Order {
	return Order{
		OrderID:      string(p.OrderID),
		Symbol:       p.Symbol,
		Side:         p.Side,
		Status:       p.Status,
		Size:         float64(p.Size),
		FilledSize:   float64(p.FilledSize),
		FilledAmount: float64(p.FilledAmount),
		Price:        float64(p.Price),
	}
}

func parseOrder(data json.RawMessage) (Order, error) {
	var parsed orderPayload
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Order{}, fmt.Errorf("decode order: %w", err)
	}
	if parsed.OrderID == "" {
		return Order{}, &ParseError{Endpoint: "trade/order", Field: "orderId"}
	}
	return parsed.toOrder(), nil
}

// CancelOrder cancels a resting order. Cancelling an already-closed
// order surfaces the exchange's rejection as an APIError.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if c.dryRun {
		return c.dry.cancel(orderID)
	}
	body := map[string]string{
		"symbol":  NormalizeSymbol(symbol),
		"orderId": orderID,
	}
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/trade/order", nil, body, true, 1)
	return err
}

// GetOpenOrders lists resting orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	if c.dryRun {
		return nil, nil
	}
	query := url.Values{"symbol": {NormalizeSymbol(symbol)}}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/trade/openOrders", query, nil, true, 1)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Orders []orderPayload `json:"orders"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode openOrders: %w", err)
	}
	orders := make([]Order, 0, len(parsed.Orders))
	for _, p := range parsed.Orders {
		orders = append(orders, p.toOrder())
	}
	return orders, nil
}

type fillPayload struct {
	OrderID idString `json:"orderId"`
	Side    string   `json:"side"`
	Size    apiFloat `json:"size"`
	Price   apiFloat `json:"price"`
	Fee     apiFloat `json:"fee"`
}

func parseFills(data json.RawMessage) ([]Fill, error) {
	var parsed struct {
		Fills []fillPayload `json:"fills"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}
	fills := make([]Fill, 0, len(parsed.Fills))
	for _, f := range parsed.Fills {
		fills = append(fills, Fill{
			OrderID: string(f.OrderID),
			Side:    f.Side,
			Size:    float64(f.Size),
			Price:   float64(f.Price),
			Fee:     float64(f.Fee),
		})
	}
	return fills, nil
}

// GetFills lists recent fills for a symbol, optionally bounded by
// millisecond timestamps.
func (c *Client) GetFills(ctx context.Context, symbol string, startMS, endMS int64) ([]Fill, error) {
	if c.dryRun {
		return nil, nil
	}
	query := url.Values{"symbol": {NormalizeSymbol(symbol)}}
	if startMS > 0 {
		query.Set("startTime", strconv.FormatInt(startMS, 10))
	}
	if endMS > 0 {
		query.Set("endTime", strconv.FormatInt(endMS, 10))
	}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/trade/fills", query, nil, true, 1)
	if err != nil {
		return nil, err
	}
	return parseFills(data)
}

// GetFillsByOrderID lists the fills of one order.
func (c *Client) GetFillsByOrderID(ctx context.Context, symbol, orderID string) ([]Fill, error) {
	if c.dryRun {
		return c.dry.fills(orderID), nil
	}
	query := url.Values{"symbol": {NormalizeSymbol(symbol)}, "orderId": {orderID}}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/trade/fillsByOrderId", query, nil, true, 1)
	if err != nil {
		return nil, err
	}
	return parseFills(data)
}

// GetBalances returns the trading-account balances.
func (c *Client) GetBalances(ctx context.Context) ([]Balance, error) {
	if c.dryRun {
		return nil, nil
	}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/account/balances", nil, nil, true, 1)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Balances []struct {
			Coin   string   `json:"coin"`
			Free   apiFloat `json:"free"`
			Frozen apiFloat `json:"frozen"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}
	balances := make([]Balance, 0, len(parsed.Balances))
	for _, b := range parsed.Balances {
		balances = append(balances, Balance{Coin: b.Coin, Free: float64(b.Free), Frozen: float64(b.Frozen)})
	}
	return balances, nil
}

// FreeBalance returns the free balance of one coin, zero if absent.
func (c *Client) FreeBalance(ctx context.Context, coin string) (float64, error) {
	balances, err := c.GetBalances(ctx)
	if err != nil {
		return 0, err
	}
	coin = strings.ToUpper(coin)
	for _, b := range balances {
		if strings.ToUpper(b.Coin) == coin {
			return b.Free, nil
		}
	}
	return 0, nil
}
