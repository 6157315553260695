package engine

import "sync"

// Scheduler enforces the global and per-symbol open trade caps. A
// reservation is all-or-nothing: both counters move together or not at
// all, so a worker can never hold half a slot.
type Scheduler struct {
	mu        sync.Mutex
	maxGlobal int
	maxPerSym int
	global    int
	perSym    map[string]int
}

// NewScheduler builds a scheduler. A cap of zero or less means
// unlimited for that dimension.
func NewScheduler(maxGlobal, maxPerSymbol int) *Scheduler {
	return &Scheduler{
		maxGlobal: maxGlobal,
		maxPerSym: maxPerSymbol,
		perSym:    make(map[string]int),
	}
}

// TryReserve claims one slot for symbol if both caps allow it.
func (s *Scheduler) TryReserve(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxGlobal > 0 && s.global >= s.maxGlobal {
		return false
	}
	if s.maxPerSym > 0 && s.perSym[symbol] >= s.maxPerSym {
		return false
	}
	s.global++
	s.perSym[symbol]++
	return true
}

// Seed claims a slot unconditionally. Used when resuming positions
// from disk, which must be counted even if they exceed today's caps.
func (s *Scheduler) Seed(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global++
	s.perSym[symbol]++
}

// Release frees one slot for symbol, saturating at zero.
func (s *Scheduler) Release(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global > 0 {
		s.global--
	}
	if s.perSym[symbol] > 0 {
		s.perSym[symbol]--
	}
}

// AtCapacity reports whether a reservation for symbol would currently
// be refused.
func (s *Scheduler) AtCapacity(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxGlobal > 0 && s.global >= s.maxGlobal {
		return true
	}
	return s.maxPerSym > 0 && s.perSym[symbol] >= s.maxPerSym
}

// InFlight reports the current global reservation count.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}
