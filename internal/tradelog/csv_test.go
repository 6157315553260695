package tradelog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func TestTradeLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trades.csv")
	l, err := NewTradeLogger(path)
	if err != nil {
		t.Fatalf("NewTradeLogger: %v", err)
	}

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	err = l.Log(Event{
		Time: now, Event: "ENTRY", Symbol: "BTC_USDT", Side: "BUY",
		Quantity: 0.0005, Price: 50000, StopLoss: 49000, TakeProfit: 51500,
		OrderID: "8274563",
	})
	if err != nil {
		t.Fatalf("Log entry: %v", err)
	}
	err = l.Log(Event{
		Time: now.Add(time.Minute), Event: "EXIT", Symbol: "BTC_USDT", Side: "SELL",
		Quantity: 0.0005, Price: 51500, PnL: 0.75, HasPnL: true, Reason: "take_profit",
	})
	if err != nil {
		t.Fatalf("Log exit: %v", err)
	}

	rows := readRows(t, path)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header plus 2", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][1] != "event" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][1] != "ENTRY" || rows[1][8] != "8274563" || rows[1][9] != "" {
		t.Fatalf("entry row = %v", rows[1])
	}
	if rows[2][9] != "0.75" || rows[2][10] != "take_profit" {
		t.Fatalf("exit row = %v", rows[2])
	}
}

func TestTradeLoggerKeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	l, err := NewTradeLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Log(Event{Event: "ENTRY", Symbol: "BTC_USDT"}); err != nil {
		t.Fatal(err)
	}

	// a second logger over the same file must not rewrite the header
	l2, err := NewTradeLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l2.Log(Event{Event: "EXIT", Symbol: "BTC_USDT"}); err != nil {
		t.Fatal(err)
	}
	rows := readRows(t, path)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header plus 2 across reopens", len(rows))
	}
}

func TestSummaryLoggerHoldSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.csv")
	l, err := NewSummaryLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	entry := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	err = l.Log(Summary{
		EntryTime: entry, ExitTime: entry.Add(90 * time.Second),
		Symbol: "ETH_USDT", Side: "BUY",
		Quantity: 0.01, ExecutedQty: 0.01,
		EntryPrice: 2500, ExitPrice: 2550,
		PnLUSDT: 0.5, PnLPercent: 2.0,
		ExitReason: "take_profit", Mode: "zscore", ZThreshold: 2.6, EntryZ: -3.1,
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	rows := readRows(t, path)
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[1][2] != "90.0" {
		t.Fatalf("hold_sec = %q, want 90.0", rows[1][2])
	}
	if rows[1][12] != "take_profit" || rows[1][13] != "zscore" {
		t.Fatalf("row = %v", rows[1])
	}
}

func TestNilLoggersAreNoops(t *testing.T) {
	var tl *TradeLogger
	var sl *SummaryLogger
	if err := tl.Log(Event{}); err != nil {
		t.Fatalf("nil TradeLogger: %v", err)
	}
	if err := sl.Log(Summary{}); err != nil {
		t.Fatalf("nil SummaryLogger: %v", err)
	}
}
