package pionex

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// dryBook simulates order placement when the client runs in dry-run
// mode. Market reads still go to the real public endpoints; only
// mutating calls are intercepted. Simulated orders fill instantly -
// limit orders at their submitted price, market orders at the live
// reference price - so the execution path above stays deterministic.
type dryBook struct {
	mu     sync.Mutex
	seq    int64
	orders map[string]Order
}

func newDryBook() *dryBook {
	return &dryBook{orders: make(map[string]Order)}
}

func (d *dryBook) nextID() string {
	d.seq++
	return fmt.Sprintf("dry-%d", d.seq)
}

func (d *dryBook) placeMarket(order MarketOrder, refPrice float64, now time.Time) OrderAck {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID()
	size, amount := order.Size, order.Amount
	if size <= 0 && refPrice > 0 {
		size = amount / refPrice
	}
	if amount <= 0 {
		amount = size * refPrice
	}
	d.orders[id] = Order{
		OrderID:      id,
		Symbol:       NormalizeSymbol(order.Symbol),
		Side:         strings.ToUpper(order.Side),
		Status:       "CLOSED",
		Size:         size,
		FilledSize:   size,
		FilledAmount: amount,
		Price:        refPrice,
	}
	return OrderAck{OrderID: id, ClientOrderID: order.ClientOrderID}
}

func (d *dryBook) placeLimit(order LimitOrder, now time.Time) OrderAck {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID()
	d.orders[id] = Order{
		OrderID:      id,
		Symbol:       NormalizeSymbol(order.Symbol),
		Side:         strings.ToUpper(order.Side),
		Status:       "CLOSED",
		Size:         order.Size,
		FilledSize:   order.Size,
		FilledAmount: order.Size * order.Price,
		Price:        order.Price,
	}
	return OrderAck{OrderID: id, ClientOrderID: order.ClientOrderID}
}

func (d *dryBook) get(orderID string) (Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	order, ok := d.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("simulated order %s not found", orderID)
	}
	return order, nil
}

func (d *dryBook) cancel(orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	order, ok := d.orders[orderID]
	if !ok {
		return fmt.Errorf("simulated order %s not found", orderID)
	}
	if order.Filled() {
		return &APIError{Code: "TRADE_ORDER_FILLED", Message: "order already filled"}
	}
	order.Status = "CANCELED"
	d.orders[orderID] = order
	return nil
}

func (d *dryBook) fills(orderID string) []Fill {
	d.mu.Lock()
	defer d.mu.Unlock()
	order, ok := d.orders[orderID]
	if !ok || order.FilledSize <= 0 {
		return nil
	}
	price := order.Price
	if price <= 0 && order.FilledSize > 0 && order.FilledAmount > 0 {
		price = order.FilledAmount / order.FilledSize
	}
	return []Fill{{OrderID: orderID, Side: order.Side, Size: order.FilledSize, Price: price}}
}
