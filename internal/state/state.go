// Package state persists per-symbol position state so the process can
// resume open trades after a restart.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Position is the durable per-symbol trade record. Timestamps are
// epoch seconds so the file stays portable across restarts and tooling.
type Position struct {
	InPosition        bool    `json:"in_position"`
	Side              string  `json:"side,omitempty"`
	Quantity          float64 `json:"quantity,omitempty"`
	EntryPrice        float64 `json:"entry_price,omitempty"`
	StopLoss          float64 `json:"stop_loss,omitempty"`
	TakeProfit        float64 `json:"take_profit,omitempty"`
	OrderID           string  `json:"order_id,omitempty"`
	EntryTime         float64 `json:"entry_time,omitempty"`
	LastExitTime      float64 `json:"last_exit_time,omitempty"`
	MaxPriceSinceOpen float64 `json:"max_price_since_entry,omitempty"`
	ForceClose        bool    `json:"force_close,omitempty"`
}

// EntryAt returns the entry time as a time.Time.
func (p Position) EntryAt() time.Time {
	return time.Unix(0, int64(p.EntryTime*float64(time.Second)))
}

// LastExitAt returns the last exit time, zero if the symbol never
// traded.
func (p Position) LastExitAt() time.Time {
	if p.LastExitTime == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(p.LastExitTime*float64(time.Second)))
}

// Epoch converts a time to the file's epoch-seconds representation.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FileStore keeps all symbol positions in one JSON file. Every mutation
// rewrites the file through a temp-file rename so a crash mid-write
// leaves the previous snapshot intact.
type FileStore struct {
	path string
	log  *zap.Logger

	mu        sync.Mutex
	positions map[string]Position
}

// NewFileStore loads the snapshot at path, tolerating a missing or
// corrupt file by starting empty. Corruption is logged, not fatal; an
// unreadable state file must not keep the bot from trading.
func NewFileStore(path string, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &FileStore{path: path, log: log, positions: make(map[string]Position)}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.positions); err != nil {
		log.Warn("state file is corrupt, starting from empty state",
			zap.String("path", path), zap.Error(err))
		s.positions = make(map[string]Position)
	}
	return s, nil
}

// Get returns the stored position for a symbol, zero value if absent.
func (s *FileStore) Get(symbol string) Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[symbol]
}

// Reload re-reads the snapshot from disk so edits made outside the
// process, such as the monitor setting force_close on an open
// position, are observed. A missing or unreadable file leaves the
// in-memory state untouched.
func (s *FileStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reload state file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	next := make(map[string]Position, len(s.positions))
	if err := json.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("reload state file: %w", err)
	}
	s.positions = next
	return nil
}

// Snapshot returns a copy of every stored position.
func (s *FileStore) Snapshot() map[string]Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// Update applies fn to the symbol's position and persists the result.
func (s *FileStore) Update(symbol string, fn func(*Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.positions[symbol]
	fn(&pos)
	s.positions[symbol] = pos
	return s.persistLocked()
}

// Clear resets a symbol to flat while preserving its last exit time
// for cooldown tracking. Clearing an already-flat symbol is a no-op
// write.
func (s *FileStore) Clear(symbol string, exitAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.positions[symbol]
	next := Position{LastExitTime: prev.LastExitTime}
	if !exitAt.IsZero() {
		next.LastExitTime = Epoch(exitAt)
	}
	s.positions[symbol] = next
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	raw, err := json.MarshalIndent(s.positions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
