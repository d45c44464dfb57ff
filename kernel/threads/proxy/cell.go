package proxy

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
)

// Scalar lists the cell types with native atomic support. bool is stored
// as a 32-bit word: zero is false, anything else is true.
type Scalar interface {
	bool | int32 | uint32 | int64 | uint64
}

// Cell is a rebindable handle to one atomic T in foreign memory.
type Cell[T Scalar] struct {
	_    [0]T
	addr unsafe.Pointer
}

// Width returns the number of bytes a T cell occupies in shared memory.
func Width[T Scalar]() uintptr {
	var v T
	if unsafe.Sizeof(v) == 1 {
		return 4
	}
	return unsafe.Sizeof(v)
}

// Bind points the handle at addr. No validation is done.
func (c *Cell[T]) Bind(addr unsafe.Pointer) {
	c.addr = addr
}

// BindRegion points the handle at offset within r, checking bounds and
// alignment first. On error the binding is left unchanged.
func (c *Cell[T]) BindRegion(r *sab.Region, offset uintptr) error {
	p, err := r.Pointer(offset, Width[T]())
	if err != nil {
		return err
	}
	c.addr = p
	return nil
}

// At returns a Cell bound to offset within r.
func At[T Scalar](r *sab.Region, offset uintptr) (Cell[T], error) {
	var c Cell[T]
	err := c.BindRegion(r, offset)
	return c, err
}

// MustAt is At for offsets fixed at compile time.
func MustAt[T Scalar](r *sab.Region, offset uintptr) Cell[T] {
	c, err := At[T](r, offset)
	if err != nil {
		panic(err)
	}
	return c
}

// Bound reports whether the handle has an address.
func (c Cell[T]) Bound() bool {
	return c.addr != nil
}

// Addr returns the bound address, 0 when unbound.
func (c Cell[T]) Addr() uintptr {
	return uintptr(c.addr)
}

// Pointer returns the bound address.
func (c Cell[T]) Pointer() unsafe.Pointer {
	return c.addr
}

// LoadAcquire reads the cell. Writes the peer made before its matching
// release store are visible once this returns.
func (c Cell[T]) LoadAcquire() T {
	var v T
	switch unsafe.Sizeof(v) {
	case 1:
		*(*bool)(unsafe.Pointer(&v)) = atomic.LoadUint32((*uint32)(c.addr)) != 0
	case 4:
		*(*uint32)(unsafe.Pointer(&v)) = atomic.LoadUint32((*uint32)(c.addr))
	case 8:
		*(*uint64)(unsafe.Pointer(&v)) = atomic.LoadUint64((*uint64)(c.addr))
	}
	return v
}

// LoadRelaxed reads the cell without ordering guarantees. The read itself
// is never torn.
func (c Cell[T]) LoadRelaxed() T {
	var v T
	switch unsafe.Sizeof(v) {
	case 1:
		*(*bool)(unsafe.Pointer(&v)) = loadRelaxed32((*uint32)(c.addr)) != 0
	case 4:
		*(*uint32)(unsafe.Pointer(&v)) = loadRelaxed32((*uint32)(c.addr))
	case 8:
		*(*uint64)(unsafe.Pointer(&v)) = loadRelaxed64((*uint64)(c.addr))
	}
	return v
}

// StoreRelease writes v. Everything this goroutine wrote before the call is
// visible to a peer whose acquire load observes v.
func (c Cell[T]) StoreRelease(v T) {
	switch unsafe.Sizeof(v) {
	case 1:
		atomic.StoreUint32((*uint32)(c.addr), boolWord(*(*bool)(unsafe.Pointer(&v))))
	case 4:
		atomic.StoreUint32((*uint32)(c.addr), *(*uint32)(unsafe.Pointer(&v)))
	case 8:
		atomic.StoreUint64((*uint64)(c.addr), *(*uint64)(unsafe.Pointer(&v)))
	}
}

// StoreRelaxed writes v with no ordering promise beyond atomicity.
func (c Cell[T]) StoreRelaxed(v T) {
	c.StoreRelease(v)
}

// Swap writes v and returns the previous value.
func (c Cell[T]) Swap(v T) T {
	var old T
	switch unsafe.Sizeof(v) {
	case 1:
		w := atomic.SwapUint32((*uint32)(c.addr), boolWord(*(*bool)(unsafe.Pointer(&v))))
		*(*bool)(unsafe.Pointer(&old)) = w != 0
	case 4:
		*(*uint32)(unsafe.Pointer(&old)) = atomic.SwapUint32((*uint32)(c.addr), *(*uint32)(unsafe.Pointer(&v)))
	case 8:
		*(*uint64)(unsafe.Pointer(&old)) = atomic.SwapUint64((*uint64)(c.addr), *(*uint64)(unsafe.Pointer(&v)))
	}
	return old
}

// CompareExchange replaces the cell with desired if it holds expected. It
// returns the value observed before the attempt; the exchange happened iff
// that value equals expected.
func (c Cell[T]) CompareExchange(desired, expected T) T {
	for {
		raw := c.loadWord()
		cur := fromWord[T](raw)
		if cur != expected {
			return cur
		}
		// CAS against the raw word so a bool cell holding any non-zero
		// pattern still matches expected == true.
		if c.casWord(raw, toWord(desired)) {
			return cur
		}
	}
}

// CompareAndSwap is CompareExchange reporting only success.
func (c Cell[T]) CompareAndSwap(expected, desired T) bool {
	return c.CompareExchange(desired, expected) == expected
}

// Same reports whether both handles are bound to the same cell.
func (c Cell[T]) Same(other Cell[T]) bool {
	return c.addr == other.addr
}

// Holds reports whether the cell currently holds v. Always loads.
func (c Cell[T]) Holds(v T) bool {
	return c.LoadAcquire() == v
}

// String describes the binding. It does not read the cell.
func (c Cell[T]) String() string {
	var v T
	if c.addr == nil {
		return fmt.Sprintf("Cell[%T](unbound)", v)
	}
	return fmt.Sprintf("Cell[%T]@%#x", v, uintptr(c.addr))
}

func (c Cell[T]) loadWord() uint64 {
	var v T
	if unsafe.Sizeof(v) == 8 {
		return atomic.LoadUint64((*uint64)(c.addr))
	}
	return uint64(atomic.LoadUint32((*uint32)(c.addr)))
}

func (c Cell[T]) casWord(old, next uint64) bool {
	var v T
	if unsafe.Sizeof(v) == 8 {
		return atomic.CompareAndSwapUint64((*uint64)(c.addr), old, next)
	}
	return atomic.CompareAndSwapUint32((*uint32)(c.addr), uint32(old), uint32(next))
}

func toWord[T Scalar](v T) uint64 {
	switch unsafe.Sizeof(v) {
	case 1:
		return uint64(boolWord(*(*bool)(unsafe.Pointer(&v))))
	case 4:
		return uint64(*(*uint32)(unsafe.Pointer(&v)))
	default:
		return *(*uint64)(unsafe.Pointer(&v))
	}
}

func fromWord[T Scalar](w uint64) T {
	var v T
	switch unsafe.Sizeof(v) {
	case 1:
		*(*bool)(unsafe.Pointer(&v)) = w != 0
	case 4:
		*(*uint32)(unsafe.Pointer(&v)) = uint32(w)
	default:
		*(*uint64)(unsafe.Pointer(&v)) = w
	}
	return v
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
