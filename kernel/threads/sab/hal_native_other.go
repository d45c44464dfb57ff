//go:build !unix

package sab

import (
	"errors"
	"os"
	"path/filepath"
	"unsafe"
)

var errSharedMemoryUnsupported = errors.New("shared memory mapping is not supported on this platform")

// SharedMemoryProvider is unavailable on this platform.
type SharedMemoryProvider struct{}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   uintptr
	Create bool
	Unlink bool
}

// DefaultSharedMemoryPath returns the default shared memory path.
func DefaultSharedMemoryPath() string {
	return filepath.Join(os.TempDir(), "sabproxy")
}

// OpenSharedMemory always fails on this platform.
func OpenSharedMemory(SharedMemoryOptions) (*SharedMemoryProvider, error) {
	return nil, errSharedMemoryUnsupported
}

func (s *SharedMemoryProvider) Path() string                  { return "" }
func (s *SharedMemoryProvider) Size() uintptr                 { return 0 }
func (s *SharedMemoryProvider) Base() unsafe.Pointer          { return nil }
func (s *SharedMemoryProvider) ReadAt(uintptr, []byte) error  { return errSharedMemoryUnsupported }
func (s *SharedMemoryProvider) WriteAt(uintptr, []byte) error { return errSharedMemoryUnsupported }
func (s *SharedMemoryProvider) Sync() error                   { return errSharedMemoryUnsupported }
func (s *SharedMemoryProvider) Close() error                  { return nil }
