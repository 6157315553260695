package engine

import (
	"sync"
	"testing"
)

func TestSchedulerGlobalCap(t *testing.T) {
	s := NewScheduler(2, 0)
	if !s.TryReserve("BTC_USDT") || !s.TryReserve("ETH_USDT") {
		t.Fatal("first two reservations should pass")
	}
	if s.TryReserve("SOL_USDT") {
		t.Fatal("global cap of 2 should reject the third reservation")
	}
	s.Release("BTC_USDT")
	if !s.TryReserve("SOL_USDT") {
		t.Fatal("a released slot should be reusable")
	}
}

func TestSchedulerPerSymbolCap(t *testing.T) {
	s := NewScheduler(10, 1)
	if !s.TryReserve("BTC_USDT") {
		t.Fatal("first reservation should pass")
	}
	if s.TryReserve("BTC_USDT") {
		t.Fatal("per-symbol cap of 1 should reject a second slot")
	}
	if !s.TryReserve("ETH_USDT") {
		t.Fatal("another symbol is unaffected by BTC's cap")
	}
}

func TestSchedulerRejectionMovesNothing(t *testing.T) {
	s := NewScheduler(5, 1)
	if !s.TryReserve("BTC_USDT") {
		t.Fatal("setup reservation failed")
	}
	// per-symbol rejection must not consume a global slot
	if s.TryReserve("BTC_USDT") {
		t.Fatal("expected per-symbol rejection")
	}
	if got := s.InFlight(); got != 1 {
		t.Fatalf("in flight = %d, want 1 after a rejected reservation", got)
	}
}

func TestSchedulerReleaseSaturates(t *testing.T) {
	s := NewScheduler(1, 1)
	s.Release("BTC_USDT")
	s.Release("BTC_USDT")
	if got := s.InFlight(); got != 0 {
		t.Fatalf("in flight = %d, want 0", got)
	}
	if !s.TryReserve("BTC_USDT") {
		t.Fatal("reservation should pass after spurious releases")
	}
}

func TestSchedulerSeedExceedsCaps(t *testing.T) {
	s := NewScheduler(1, 1)
	s.Seed("BTC_USDT")
	s.Seed("BTC_USDT")
	if got := s.InFlight(); got != 2 {
		t.Fatalf("in flight = %d, want 2 seeded over cap", got)
	}
	if s.TryReserve("ETH_USDT") {
		t.Fatal("seeded slots still count against the global cap")
	}
}

func TestSchedulerAtCapacity(t *testing.T) {
	s := NewScheduler(2, 1)
	if s.AtCapacity("BTC_USDT") {
		t.Fatal("empty scheduler should not be at capacity")
	}
	s.Seed("BTC_USDT")
	if !s.AtCapacity("BTC_USDT") {
		t.Fatal("per-symbol cap of 1 should report capacity for BTC")
	}
	if s.AtCapacity("ETH_USDT") {
		t.Fatal("ETH still has a global slot")
	}
	s.Seed("ETH_USDT")
	if !s.AtCapacity("SOL_USDT") {
		t.Fatal("global cap of 2 should report capacity for every symbol")
	}
}

func TestSchedulerUnlimited(t *testing.T) {
	s := NewScheduler(0, 0)
	for i := 0; i < 100; i++ {
		if !s.TryReserve("BTC_USDT") {
			t.Fatal("unlimited scheduler rejected a reservation")
		}
	}
}

func TestSchedulerConcurrent(t *testing.T) {
	s := NewScheduler(50, 0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryReserve("BTC_USDT") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 50 {
		t.Fatalf("granted = %d, want exactly the cap of 50", granted)
	}
}
