package sab

import (
	"errors"
	"unsafe"
)

// MemoryProvider abstracts the memory backing a shared region.
// Implementations may be backed by mmap or by a process-local buffer.
// The base address must stay fixed until Close.
type MemoryProvider interface {
	Size() uintptr
	Base() unsafe.Pointer
	ReadAt(offset uintptr, dest []byte) error
	WriteAt(offset uintptr, src []byte) error
	Close() error
}

var (
	ErrOutOfBounds = errors.New("offset out of bounds")
	ErrMisaligned  = errors.New("offset is not naturally aligned")
	ErrClosed      = errors.New("memory provider closed")
	ErrEmpty       = errors.New("region has zero size")
)

// inBounds reports whether [offset, offset+n) fits in size without overflow.
func inBounds(offset, n, size uintptr) bool {
	return offset <= size && n <= size-offset
}
