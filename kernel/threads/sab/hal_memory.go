package sab

import (
	"unsafe"
)

// InMemoryProvider stores region data in a local, 8-byte aligned buffer.
type InMemoryProvider struct {
	words []uint64
	data  []byte
}

// NewInMemoryProvider creates an in-memory provider with the requested size.
func NewInMemoryProvider(size uintptr) *InMemoryProvider {
	words := make([]uint64, (size+7)/8)
	var data []byte
	if size > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return &InMemoryProvider{
		words: words,
		data:  data,
	}
}

func (m *InMemoryProvider) Size() uintptr {
	return uintptr(len(m.data))
}

func (m *InMemoryProvider) Base() unsafe.Pointer {
	if len(m.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&m.data[0])
}

// Bytes exposes the backing buffer.
func (m *InMemoryProvider) Bytes() []byte {
	return m.data
}

func (m *InMemoryProvider) ReadAt(offset uintptr, dest []byte) error {
	if m.data == nil {
		return ErrClosed
	}
	if !inBounds(offset, uintptr(len(dest)), m.Size()) {
		return ErrOutOfBounds
	}
	copy(dest, m.data[offset:])
	return nil
}

func (m *InMemoryProvider) WriteAt(offset uintptr, src []byte) error {
	if m.data == nil {
		return ErrClosed
	}
	if !inBounds(offset, uintptr(len(src)), m.Size()) {
		return ErrOutOfBounds
	}
	copy(m.data[offset:], src)
	return nil
}

func (m *InMemoryProvider) Close() error {
	m.data = nil
	m.words = nil
	return nil
}
