package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func tempStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s, path
}

func TestRoundTrip(t *testing.T) {
	s, path := tempStore(t)

	entry := time.Now()
	err := s.Update("BTC_USDT", func(p *Position) {
		p.InPosition = true
		p.Side = "BUY"
		p.Quantity = 0.0005
		p.EntryPrice = 50000
		p.StopLoss = 49000
		p.TakeProfit = 51500
		p.OrderID = "8274563"
		p.EntryTime = Epoch(entry)
		p.MaxPriceSinceOpen = 50000
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	reopened, err := NewFileStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pos := reopened.Get("BTC_USDT")
	if !pos.InPosition || pos.Quantity != 0.0005 || pos.OrderID != "8274563" {
		t.Fatalf("restored position = %+v", pos)
	}
	if got := pos.EntryAt(); got.Sub(entry).Abs() > time.Millisecond {
		t.Fatalf("entry time drifted: %v vs %v", got, entry)
	}
}

func TestClearKeepsLastExit(t *testing.T) {
	s, _ := tempStore(t)

	if err := s.Update("ETH_USDT", func(p *Position) { p.InPosition = true }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	exitAt := time.Now()
	if err := s.Clear("ETH_USDT", exitAt); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	pos := s.Get("ETH_USDT")
	if pos.InPosition {
		t.Fatal("position should be flat after Clear")
	}
	if pos.LastExitAt().Sub(exitAt).Abs() > time.Millisecond {
		t.Fatalf("last exit = %v, want %v", pos.LastExitAt(), exitAt)
	}

	// clearing again without a new exit keeps the old timestamp
	if err := s.Clear("ETH_USDT", time.Time{}); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	if s.Get("ETH_USDT").LastExitAt().Sub(exitAt).Abs() > time.Millisecond {
		t.Fatal("second Clear lost the exit timestamp")
	}
}

func TestClearUnknownSymbol(t *testing.T) {
	s, _ := tempStore(t)
	if err := s.Clear("DOGE_USDT", time.Time{}); err != nil {
		t.Fatalf("Clear on unknown symbol: %v", err)
	}
	if pos := s.Get("DOGE_USDT"); pos.InPosition {
		t.Fatalf("position = %+v, want flat", pos)
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewFileStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore on corrupt file: %v", err)
	}
	if pos := s.Get("BTC_USDT"); pos.InPosition {
		t.Fatalf("position = %+v, want empty store", pos)
	}
	// recoverable: the next write replaces the corrupt file
	if err := s.Update("BTC_USDT", func(p *Position) { p.InPosition = true }); err != nil {
		t.Fatalf("Update after corruption: %v", err)
	}
	if _, err := NewFileStore(path, zap.NewNop()); err != nil {
		t.Fatalf("reopen after rewrite: %v", err)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s, _ := tempStore(t)
	if err := s.Update("BTC_USDT", func(p *Position) { p.InPosition = true }); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	snap["BTC_USDT"] = Position{}
	if !s.Get("BTC_USDT").InPosition {
		t.Fatal("mutating a snapshot must not touch the store")
	}
}

func TestReloadObservesExternalEdit(t *testing.T) {
	s, path := tempStore(t)
	err := s.Update("BTC_USDT", func(p *Position) {
		p.InPosition = true
		p.Quantity = 0.5
		p.EntryPrice = 100
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	// an operator flips force_close in the file behind the store's back
	edited := []byte(`{"BTC_USDT":{"in_position":true,"quantity":0.5,"entry_price":100,"force_close":true}}`)
	if err := os.WriteFile(path, edited, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := s.Get("BTC_USDT"); got.ForceClose {
		t.Fatal("edit must stay invisible until Reload")
	}

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	got := s.Get("BTC_USDT")
	if !got.ForceClose || !got.InPosition || got.Quantity != 0.5 {
		t.Fatalf("after reload position = %+v, want force_close with fields intact", got)
	}
}

func TestReloadCorruptFileKeepsMemory(t *testing.T) {
	s, path := tempStore(t)
	if err := s.Update("BTC_USDT", func(p *Position) { p.InPosition = true }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Reload(); err == nil {
		t.Fatal("corrupt file should surface a reload error")
	}
	if !s.Get("BTC_USDT").InPosition {
		t.Fatal("a bad edit must not wipe the in-memory position")
	}
}
