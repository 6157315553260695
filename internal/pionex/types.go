package pionex

import (
	"encoding/json"
	"strconv"
	"strings"
)

// apiFloat decodes the exchange's numeric fields, which arrive either as
// JSON numbers or as quoted strings depending on the endpoint.
type apiFloat float64

func (f *apiFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = apiFloat(v)
	return nil
}

// idString decodes an identifier that arrives either as a JSON number
// or as a string.
type idString string

func (s *idString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = idString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = idString(num.String())
	return nil
}

type BookTicker struct {
	Bid float64
	Ask float64
}

// SpreadBps is the bid/ask spread in basis points of the mid price.
func (b BookTicker) SpreadBps() float64 {
	mid := (b.Ask + b.Bid) / 2
	if mid <= 0 {
		return 0
	}
	return (b.Ask - b.Bid) / mid * 10000
}

type OrderAck struct {
	OrderID       string
	ClientOrderID string
}

type Order struct {
	OrderID      string
	Symbol       string
	Side         string
	Status       string
	Size         float64
	FilledSize   float64
	FilledAmount float64
	Price        float64
}

// Filled reports whether the order is done: closed, or filled through
// its full size.
func (o Order) Filled() bool {
	if strings.EqualFold(o.Status, "CLOSED") {
		return true
	}
	return o.Size > 0 && o.FilledSize >= o.Size
}

type Fill struct {
	OrderID string
	Side    string
	Size    float64
	Price   float64
	Fee     float64
}

type Balance struct {
	Coin   string
	Free   float64
	Frozen float64
}

type MarketOrder struct {
	Symbol        string
	Side          string
	Amount        float64 // quote notional, BUY only
	Size          float64 // base quantity, SELL only
	ClientOrderID string
}

type LimitOrder struct {
	Symbol        string
	Side          string
	Size          float64
	Price         float64
	ClientOrderID string
	IOC           bool
}

// envelope is the exchange's uniform response wrapper.
type envelope struct {
	Result  *bool           `json:"result"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NormalizeSymbol maps compact pair names to the documented underscore
// form (BTCUSDT -> BTC_USDT). Already-normalized names pass through.
func NormalizeSymbol(symbol string) string {
	if strings.Contains(symbol, "_") {
		return symbol
	}
	if strings.HasSuffix(symbol, "USDT") {
		return symbol[:len(symbol)-4] + "_USDT"
	}
	return symbol
}

// BaseAsset extracts the base coin from a pair name.
func BaseAsset(symbol string) string {
	if i := strings.Index(symbol, "_"); i >= 0 {
		return symbol[:i]
	}
	if strings.HasSuffix(symbol, "USDT") {
		return symbol[:len(symbol)-4]
	}
	return symbol
}
