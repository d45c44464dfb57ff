package foundation

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
)

const (
	spinDuration = time.Microsecond
	pollMin      = 20 * time.Microsecond
	pollMax      = time.Millisecond
)

// Epoch is a change counter in one of the region's epoch words. Writers
// increment it, readers wait for it to move past the last value they saw.
// Peers in other processes increment the same word, so waiting polls the
// cell as well as listening for local increments.
type Epoch struct {
	index     uint8
	cell      proxy.Counter[uint32]
	lastValue uint32

	// Notification channels for waiters in this process
	waiters   *[]chan struct{}
	waitersMu *sync.RWMutex

	stats *EpochStats
}

// EpochStats tracks epoch activity in this process.
type EpochStats struct {
	Increments atomic.Uint64
	Wakes      atomic.Uint64
	Timeouts   atomic.Uint64
	MaxWaiters atomic.Uint32
}

// NewEpoch binds epoch word index of r.
func NewEpoch(r *sab.Region, index uint8) (*Epoch, error) {
	if index >= sab.EPOCH_COUNT {
		return nil, fmt.Errorf("epoch index %d >= %d: %w", index, sab.EPOCH_COUNT, sab.ErrOutOfBounds)
	}
	cell, err := proxy.CounterAt[uint32](r, sab.EpochOffset(index))
	if err != nil {
		return nil, fmt.Errorf("epoch %d: %w", index, err)
	}

	waiters := make([]chan struct{}, 0, 8)
	return &Epoch{
		index:     index,
		cell:      cell,
		lastValue: cell.LoadAcquire(),
		waiters:   &waiters,
		waitersMu: &sync.RWMutex{},
		stats:     &EpochStats{},
	}, nil
}

// Reader returns a new cursor on the same word, sharing local
// notification and stats. Its last value is the current value.
func (e *Epoch) Reader() *Epoch {
	return &Epoch{
		index:     e.index,
		cell:      e.cell,
		lastValue: e.cell.LoadAcquire(),
		waiters:   e.waiters,
		waitersMu: e.waitersMu,
		stats:     e.stats,
	}
}

func (e *Epoch) Index() uint8 {
	return e.index
}

// Cell returns the bound epoch counter.
func (e *Epoch) Cell() proxy.Counter[uint32] {
	return e.cell
}

// Value loads the current epoch.
func (e *Epoch) Value() uint32 {
	return e.cell.LoadAcquire()
}

// Last returns the value this cursor last observed.
func (e *Epoch) Last() uint32 {
	return e.lastValue
}

func (e *Epoch) Stats() *EpochStats {
	return e.stats
}

// Increment bumps the epoch, wakes local waiters and returns the new value.
func (e *Epoch) Increment() uint32 {
	v := e.cell.FetchAdd(1)
	e.stats.Increments.Add(1)
	e.notifyWaiters()
	return v
}

// Changed reports, without blocking, whether the epoch moved since the
// last observation, and records the new value if so.
func (e *Epoch) Changed() bool {
	current := e.cell.LoadAcquire()
	if current == e.lastValue {
		return false
	}
	e.lastValue = current
	e.stats.Wakes.Add(1)
	return true
}

// WaitForChange blocks until the epoch differs from the last observed
// value, timeout elapses or ctx ends. A timeout <= 0 waits on ctx alone.
// It returns false with a nil error on timeout.
func (e *Epoch) WaitForChange(ctx context.Context, timeout time.Duration) (bool, error) {
	if e.Changed() {
		return true, nil
	}

	start := time.Now()
	for time.Since(start) < spinDuration {
		runtime.Gosched()
		if e.Changed() {
			return true, nil
		}
	}

	ch := make(chan struct{}, 1)
	e.addWaiter(ch)
	defer e.removeWaiter(ch)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout - time.Since(start))
		defer timer.Stop()
		deadline = timer.C
	}

	poll := pollMin
	ticker := time.NewTimer(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ch:
		case <-ticker.C:
			if poll < pollMax {
				poll *= 2
			}
			ticker.Reset(poll)
		case <-deadline:
			if e.Changed() {
				return true, nil
			}
			e.stats.Timeouts.Add(1)
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
		if e.Changed() {
			return true, nil
		}
	}
}

func (e *Epoch) addWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	*e.waiters = append(*e.waiters, ch)

	n := uint32(len(*e.waiters))
	for {
		peak := e.stats.MaxWaiters.Load()
		if n <= peak || e.stats.MaxWaiters.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (e *Epoch) removeWaiter(ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	for i, waiter := range *e.waiters {
		if waiter == ch {
			*e.waiters = append((*e.waiters)[:i], (*e.waiters)[i+1:]...)
			break
		}
	}
}

func (e *Epoch) notifyWaiters() {
	e.waitersMu.RLock()
	defer e.waitersMu.RUnlock()

	for _, ch := range *e.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
