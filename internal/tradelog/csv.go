// Package tradelog records every trade event and closed-trade summary,
// to CSV files for offline analysis and optionally to Postgres.
package tradelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Event is one row of the trade event log.
type Event struct {
	Time       time.Time
	Event      string
	Symbol     string
	Side       string
	Quantity   float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	OrderID    string
	PnL        float64
	HasPnL     bool
	Reason     string
}

// Summary is one row of the closed-trade summary log.
type Summary struct {
	EntryTime   time.Time
	ExitTime    time.Time
	Symbol      string
	Side        string
	Quantity    float64
	ExecutedQty float64
	ResidualQty float64
	EntryPrice  float64
	ExitPrice   float64
	PnLUSDT     float64
	PnLPercent  float64
	ExitReason  string
	Mode        string
	ZThreshold  float64
	EntryZ      float64
}

var eventHeader = []string{
	"timestamp", "event", "symbol", "side", "quantity", "price",
	"stop_loss", "take_profit", "order_id", "pnl", "reason",
}

var summaryHeader = []string{
	"entry_ts", "exit_ts", "hold_sec", "symbol", "side",
	"quantity", "executed_qty", "residual_qty", "entry_price", "exit_price",
	"pnl_usdt", "pnl_percent", "exit_reason", "mode", "z_threshold", "entry_z",
}

// csvFile is an append-only CSV target. The header is written once when
// the file is created; rows are flushed per write so a crash loses at
// most the row in flight.
type csvFile struct {
	mu     sync.Mutex
	path   string
	header []string
}

func newCSVFile(path string, header []string) (*csvFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f := &csvFile{path: path, header: header}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := f.append(header); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (c *csvFile) append(row []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}
	w.Flush()
	return w.Error()
}

type TradeLogger struct {
	file *csvFile
}

func NewTradeLogger(path string) (*TradeLogger, error) {
	file, err := newCSVFile(path, eventHeader)
	if err != nil {
		return nil, err
	}
	return &TradeLogger{file: file}, nil
}

func (l *TradeLogger) Log(e Event) error {
	if l == nil {
		return nil
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	pnl := ""
	if e.HasPnL {
		pnl = num(e.PnL)
	}
	return l.file.append([]string{
		e.Time.UTC().Format(time.RFC3339),
		e.Event, e.Symbol, e.Side,
		num(e.Quantity), num(e.Price), num(e.StopLoss), num(e.TakeProfit),
		e.OrderID, pnl, e.Reason,
	})
}

type SummaryLogger struct {
	file *csvFile
}

func NewSummaryLogger(path string) (*SummaryLogger, error) {
	file, err := newCSVFile(path, summaryHeader)
	if err != nil {
		return nil, err
	}
	return &SummaryLogger{file: file}, nil
}

func (l *SummaryLogger) Log(s Summary) error {
	if l == nil {
		return nil
	}
	hold := s.ExitTime.Sub(s.EntryTime).Seconds()
	if hold < 0 {
		hold = 0
	}
	return l.file.append([]string{
		s.EntryTime.UTC().Format(time.RFC3339),
		s.ExitTime.UTC().Format(time.RFC3339),
		strconv.FormatFloat(hold, 'f', 1, 64),
		s.Symbol, s.Side,
		num(s.Quantity), num(s.ExecutedQty), num(s.ResidualQty),
		num(s.EntryPrice), num(s.ExitPrice),
		num(s.PnLUSDT), num(s.PnLPercent),
		s.ExitReason, s.Mode, num(s.ZThreshold), num(s.EntryZ),
	})
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
