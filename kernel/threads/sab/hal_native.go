//go:build unix

package sab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SharedMemoryProvider uses a memory-mapped file for shared access.
// Other processes mapping the same file observe the same cells.
type SharedMemoryProvider struct {
	path   string
	file   *os.File
	data   []byte
	unlink bool
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   uintptr
	Create bool
	// Unlink removes the backing file on Close.
	Unlink bool
}

// DefaultSharedMemoryPath returns the default shared memory path.
func DefaultSharedMemoryPath() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm/sabproxy"
	}
	return filepath.Join(os.TempDir(), "sabproxy")
}

// OpenSharedMemory opens or creates a shared memory mapping.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	if opts.Path == "" {
		return nil, errors.New("shared memory path required")
	}

	path := filepath.Clean(opts.Path)
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat shared memory file: %w", err)
	}

	// Only grow; an existing peer may already have sized the segment.
	if opts.Create && info.Size() < int64(opts.Size) {
		if err := file.Truncate(int64(opts.Size)); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("truncate shared memory file: %w", err)
		}
		info, err = file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("stat shared memory file: %w", err)
		}
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, ErrEmpty
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap shared memory file: %w", err)
	}

	return &SharedMemoryProvider{
		path:   path,
		file:   file,
		data:   data,
		unlink: opts.Unlink,
	}, nil
}

// Path returns the backing file path.
func (s *SharedMemoryProvider) Path() string {
	return s.path
}

func (s *SharedMemoryProvider) Size() uintptr {
	return uintptr(len(s.data))
}

func (s *SharedMemoryProvider) Base() unsafe.Pointer {
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&s.data[0])
}

func (s *SharedMemoryProvider) ReadAt(offset uintptr, dest []byte) error {
	if s.data == nil {
		return ErrClosed
	}
	if !inBounds(offset, uintptr(len(dest)), s.Size()) {
		return ErrOutOfBounds
	}
	copy(dest, s.data[offset:])
	return nil
}

func (s *SharedMemoryProvider) WriteAt(offset uintptr, src []byte) error {
	if s.data == nil {
		return ErrClosed
	}
	if !inBounds(offset, uintptr(len(src)), s.Size()) {
		return ErrOutOfBounds
	}
	copy(s.data[offset:], src)
	return nil
}

// Sync flushes dirty pages of the mapping to the backing file.
func (s *SharedMemoryProvider) Sync() error {
	if s.data == nil {
		return ErrClosed
	}
	return unix.Msync(s.data, unix.MS_SYNC)
}

func (s *SharedMemoryProvider) Close() error {
	var err error
	if s.data != nil {
		if unmapErr := unix.Munmap(s.data); unmapErr != nil {
			err = unmapErr
		}
		s.data = nil
	}
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.file = nil
		if s.unlink {
			if rmErr := os.Remove(s.path); rmErr != nil && err == nil {
				err = rmErr
			}
		}
	}
	return err
}
