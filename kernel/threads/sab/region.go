package sab

import (
	"fmt"
	"unsafe"
)

// Region is a span of foreign memory. Its bounds are fixed when it is
// constructed; every typed view handed out by Pointer is checked against
// them and against the natural alignment of the view's width. This is the
// only place that turns offsets into addresses.
type Region struct {
	name  string
	base  unsafe.Pointer
	size  uintptr
	owner MemoryProvider
}

// NewRegion wraps the whole of a provider's memory.
func NewRegion(name string, p MemoryProvider) (*Region, error) {
	if p.Size() == 0 || p.Base() == nil {
		return nil, fmt.Errorf("region %s: %w", name, ErrEmpty)
	}
	return &Region{name: name, base: p.Base(), size: p.Size(), owner: p}, nil
}

// RegionFromBytes wraps a caller-owned byte slice. The slice must outlive
// the region and every proxy derived from it.
func RegionFromBytes(name string, b []byte) (*Region, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("region %s: %w", name, ErrEmpty)
	}
	return &Region{name: name, base: unsafe.Pointer(&b[0]), size: uintptr(len(b))}, nil
}

func (r *Region) Name() string {
	return r.name
}

func (r *Region) Size() uintptr {
	return r.size
}

// Base returns the first address of the region.
func (r *Region) Base() uintptr {
	return uintptr(r.base)
}

// Provider returns the provider the region was built from, if any.
func (r *Region) Provider() MemoryProvider {
	return r.owner
}

// Sub returns the span [offset, offset+size) as its own region.
func (r *Region) Sub(name string, offset, size uintptr) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("region %s: %w", name, ErrEmpty)
	}
	if !inBounds(offset, size, r.size) {
		return nil, fmt.Errorf("sub-region %s [%#x, +%#x) of %s (%#x bytes): %w",
			name, offset, size, r.name, r.size, ErrOutOfBounds)
	}
	return &Region{
		name:  name,
		base:  unsafe.Add(r.base, offset),
		size:  size,
		owner: r.owner,
	}, nil
}

// Pointer returns the address of a width-byte cell at offset. The cell must
// lie inside the region and its address must be a multiple of width.
func (r *Region) Pointer(offset, width uintptr) (unsafe.Pointer, error) {
	if !inBounds(offset, width, r.size) {
		return nil, fmt.Errorf("%s: cell at %#x width %d exceeds %#x bytes: %w",
			r.name, offset, width, r.size, ErrOutOfBounds)
	}
	p := unsafe.Add(r.base, offset)
	if width > 1 && uintptr(p)%width != 0 {
		return nil, fmt.Errorf("%s: cell at %#x width %d: %w", r.name, offset, width, ErrMisaligned)
	}
	return p, nil
}

// Contains reports whether addr lies inside the region.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= uintptr(r.base) && addr-uintptr(r.base) < r.size
}

// Bytes returns the region as a byte slice aliasing the foreign memory.
func (r *Region) Bytes() []byte {
	return unsafe.Slice((*byte)(r.base), r.size)
}

func (r *Region) String() string {
	return fmt.Sprintf("%s@%#x+%#x", r.name, uintptr(r.base), r.size)
}
