package remoteprogress

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockCorrupted signals that a Cell was left inconsistent by a panic raised
// while its lock was held. The cell cannot be used afterwards.
var ErrLockCorrupted = errors.New("progress cell lock corrupted")

// Snapshot is the value held by a Cell.
type Snapshot struct {
	Progress
	// Seq counts writes to the cell, starting at 1 for the first value.
	Seq uint64 `json:"seq"`
	// UpdatedAt is when the value was stored.
	UpdatedAt time.Time `json:"updated_at"`
}

// Cell is a concurrency-safe single slot holding the latest Snapshot. Each
// Store replaces the previous value; readers only ever observe the most
// recent one.
type Cell struct {
	mu      sync.RWMutex
	value   Snapshot
	present bool
	broken  bool
	now     func() time.Time
}

// CellOption customizes a Cell.
type CellOption func(*Cell)

// WithClock overrides the time source used for Snapshot.UpdatedAt.
func WithClock(now func() time.Time) CellOption {
	return func(c *Cell) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCell returns an empty Cell.
func NewCell(opts ...CellOption) *Cell {
	c := &Cell{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store replaces the current value with p.
func (c *Cell) Store(p Progress) error {
	return c.update(func(prev Snapshot, _ bool) Snapshot {
		return Snapshot{Progress: p, Seq: prev.Seq + 1, UpdatedAt: c.now()}
	})
}

// Load returns a copy of the current Snapshot. The boolean is false until the
// first Store.
func (c *Cell) Load() (Snapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.broken {
		return Snapshot{}, false, ErrLockCorrupted
	}
	return c.value, c.present, nil
}

// Progress returns the latest Progress, if any.
func (c *Cell) Progress() (Progress, bool, error) {
	snap, ok, err := c.Load()
	if err != nil {
		return Progress{}, false, err
	}
	return snap.Progress, ok, nil
}

// update applies fn under the write lock. A panic inside fn marks the cell
// corrupted before the lock is released and is then re-raised.
func (c *Cell) update(fn func(prev Snapshot, present bool) Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return ErrLockCorrupted
	}
	defer func() {
		if r := recover(); r != nil {
			c.broken = true
			panic(fmt.Sprintf("progress cell update: %v", r))
		}
	}()
	c.value = fn(c.value, c.present)
	c.present = true
	return nil
}
