package foundation

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
)

// Guard entry layout (4 x u32)
const (
	guardLock = iota
	guardLastEpoch
	guardViolations
	guardLastOwner
	guardWords
)

var (
	ErrGuardHeld        = errors.New("guard held by another owner")
	ErrNotOwner         = errors.New("guard not held by this owner")
	ErrInvalidOwner     = errors.New("owner id must be non-zero")
	ErrEpochNotAdvanced = errors.New("epoch did not advance while guard was held")
)

// Guard is a single-writer lock in one of the region's guard entries,
// shared with peers in other processes. The lock word holds the owner id
// of the writer, 0 when free. Failed acquisitions and releases by the
// wrong owner count as violations in the entry itself.
type Guard struct {
	index uint8
	words [guardWords]proxy.Counter[uint32]
	epoch *Epoch
	start uint32
}

// NewGuard binds guard entry index of r.
func NewGuard(r *sab.Region, index uint8) (*Guard, error) {
	if index >= sab.GUARD_COUNT {
		return nil, fmt.Errorf("guard index %d >= %d: %w", index, sab.GUARD_COUNT, sab.ErrOutOfBounds)
	}
	g := &Guard{index: index}
	base := sab.GuardOffset(index)
	for i := range g.words {
		w, err := proxy.CounterAt[uint32](r, base+uintptr(i)*4)
		if err != nil {
			return nil, fmt.Errorf("guard %d: %w", index, err)
		}
		g.words[i] = w
	}
	return g, nil
}

// WithEpoch ties the guard to e: Release requires e to have advanced
// since the matching acquire and records its value.
func (g *Guard) WithEpoch(e *Epoch) *Guard {
	g.epoch = e
	return g
}

func (g *Guard) Index() uint8 {
	return g.index
}

// Holder returns the current owner, 0 if free.
func (g *Guard) Holder() uint32 {
	return g.words[guardLock].LoadAcquire()
}

func (g *Guard) LastOwner() uint32 {
	return g.words[guardLastOwner].LoadAcquire()
}

// LastEpoch is the epoch recorded by the last successful release.
func (g *Guard) LastEpoch() uint32 {
	return g.words[guardLastEpoch].LoadAcquire()
}

func (g *Guard) Violations() uint32 {
	return g.words[guardViolations].LoadAcquire()
}

// TryAcquire takes the guard for owner without waiting.
func (g *Guard) TryAcquire(owner uint32) error {
	if owner == 0 {
		return ErrInvalidOwner
	}
	if held := g.words[guardLock].CompareExchange(owner, 0); held != 0 {
		g.words[guardViolations].Increment()
		return fmt.Errorf("guard %d held by %d: %w", g.index, held, ErrGuardHeld)
	}
	g.acquired(owner)
	return nil
}

// Acquire waits until owner holds the guard or ctx ends. Waiting is not
// a violation.
func (g *Guard) Acquire(ctx context.Context, owner uint32) error {
	if owner == 0 {
		return ErrInvalidOwner
	}
	poll := pollMin
	start := time.Now()
	for g.words[guardLock].CompareExchange(owner, 0) != 0 {
		if time.Since(start) < spinDuration {
			runtime.Gosched()
			continue
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if poll < pollMax {
			poll *= 2
		}
	}
	g.acquired(owner)
	return nil
}

func (g *Guard) acquired(owner uint32) {
	g.words[guardLastOwner].StoreRelease(owner)
	if g.epoch != nil {
		g.start = g.epoch.Value()
	}
}

// Release frees the guard held by owner. With an epoch attached, the
// guard stays held and ErrEpochNotAdvanced is returned until the writer
// has published by incrementing it.
func (g *Guard) Release(owner uint32) error {
	if held := g.Holder(); held != owner || owner == 0 {
		g.words[guardViolations].Increment()
		return fmt.Errorf("guard %d held by %d, not %d: %w", g.index, held, owner, ErrNotOwner)
	}
	if g.epoch != nil {
		current := g.epoch.Value()
		if current == g.start {
			g.words[guardViolations].Increment()
			return fmt.Errorf("guard %d: epoch %d: %w", g.index, current, ErrEpochNotAdvanced)
		}
		g.words[guardLastEpoch].StoreRelease(current)
	}
	if g.words[guardLock].CompareExchange(0, owner) != owner {
		g.words[guardViolations].Increment()
		return fmt.Errorf("guard %d: release raced: %w", g.index, ErrNotOwner)
	}
	return nil
}

// Reset frees the guard whoever holds it and clears its counters. It is
// for recovering entries left by a crashed writer.
func (g *Guard) Reset() {
	for i := range g.words {
		g.words[i].StoreRelease(0)
	}
}
