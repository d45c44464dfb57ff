package proxy

import (
	"sync/atomic"
	"unsafe"

	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
)

// Integer lists the cell types that support atomic arithmetic.
type Integer interface {
	int32 | uint32 | int64 | uint64
}

// Counter is a Cell with atomic add and subtract. Arithmetic wraps.
type Counter[T Integer] struct {
	Cell[T]
}

// CounterAt returns a Counter bound to offset within r.
func CounterAt[T Integer](r *sab.Region, offset uintptr) (Counter[T], error) {
	var c Counter[T]
	err := c.BindRegion(r, offset)
	return c, err
}

// MustCounterAt is CounterAt for offsets fixed at compile time.
func MustCounterAt[T Integer](r *sab.Region, offset uintptr) Counter[T] {
	c, err := CounterAt[T](r, offset)
	if err != nil {
		panic(err)
	}
	return c
}

// FetchAdd adds delta and returns the value after the addition, the same
// convention as sync/atomic's Add functions.
func (c Counter[T]) FetchAdd(delta T) T {
	var v T
	switch unsafe.Sizeof(delta) {
	case 4:
		*(*uint32)(unsafe.Pointer(&v)) = atomic.AddUint32((*uint32)(c.addr), *(*uint32)(unsafe.Pointer(&delta)))
	case 8:
		*(*uint64)(unsafe.Pointer(&v)) = atomic.AddUint64((*uint64)(c.addr), *(*uint64)(unsafe.Pointer(&delta)))
	}
	return v
}

// FetchSub subtracts delta and returns the value after the subtraction.
func (c Counter[T]) FetchSub(delta T) T {
	return c.FetchAdd(-delta)
}

// Increment adds one and returns the same handle for chaining.
func (c Counter[T]) Increment() Counter[T] {
	c.FetchAdd(1)
	return c
}

// AsCell returns the underlying Cell handle.
func (c Counter[T]) AsCell() Cell[T] {
	return c.Cell
}

// SameCounter reports whether both counters are bound to the same cell.
func (c Counter[T]) SameCounter(other Counter[T]) bool {
	return c.Cell.Same(other.Cell)
}
