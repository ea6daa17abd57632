// Package clock provides the slot counter lotteries are scheduled against.
package clock

import (
	"math"
	"math/bits"
	"sync"
	"time"
)

// Source reports the current slot. Implementations never go backwards.
type Source interface {
	CurrentSlot() uint64
}

// Manual is a clock advanced explicitly, used by tests and dev servers.
type Manual struct {
	mu   sync.RWMutex
	slot uint64
}

// NewManual creates a manual clock at slot.
func NewManual(slot uint64) *Manual {
	return &Manual{slot: slot}
}

func (m *Manual) CurrentSlot() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slot
}

// Set moves the clock to slot. Earlier slots are ignored.
func (m *Manual) Set(slot uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot > m.slot {
		m.slot = slot
	}
}

// Advance moves the clock forward by n slots and returns the new slot. The
// clock stops at the largest slot instead of wrapping.
func (m *Manual) Advance(n uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, carry := bits.Add64(m.slot, n, 0)
	if carry != 0 {
		slot = math.MaxUint64
	}
	m.slot = slot
	return m.slot
}

// Wall derives slots from elapsed wall time since genesis.
type Wall struct {
	genesis      time.Time
	slotDuration time.Duration
	now          func() time.Time

	mu   sync.Mutex
	last uint64
}

// NewWall creates a wall clock. A non-positive slot duration defaults to 400ms.
func NewWall(genesis time.Time, slotDuration time.Duration) *Wall {
	if slotDuration <= 0 {
		slotDuration = 400 * time.Millisecond
	}
	return &Wall{
		genesis:      genesis,
		slotDuration: slotDuration,
		now:          time.Now,
	}
}

func (w *Wall) CurrentSlot() uint64 {
	elapsed := w.now().Sub(w.genesis)
	var slot uint64
	if elapsed > 0 {
		slot = uint64(elapsed / w.slotDuration)
	}
	// wall time can step backwards; the slot must not
	w.mu.Lock()
	defer w.mu.Unlock()
	if slot < w.last {
		return w.last
	}
	w.last = slot
	return slot
}

// SlotDuration returns the length of one slot.
func (w *Wall) SlotDuration() time.Duration {
	return w.slotDuration
}
