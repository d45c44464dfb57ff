package testutil

import (
	"encoding/binary"
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/cpu"

	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/nmxmxh/sabproxy/kernel/threads/schema"
)

// CacheLine is the cache line size of the running CPU.
const CacheLine = unsafe.Sizeof(cpu.CacheLinePad{})

// RegionBuilder lays out and seeds in-memory regions for tests.
// Objects are placed in the data area in the order they are added.
type RegionBuilder struct {
	size        uintptr
	allocOffset uintptr
	header      bool
	offsets     map[string]uintptr
	writes      []func(r *sab.Region) error
}

// NewRegionBuilder creates a builder for a region of at least size bytes.
func NewRegionBuilder(size uintptr) *RegionBuilder {
	if size < sab.REGION_SIZE_MIN {
		size = sab.REGION_SIZE_MIN
	}
	return &RegionBuilder{
		size:        size,
		allocOffset: sab.OFFSET_DATA,
		offsets:     make(map[string]uintptr),
	}
}

// WithHeader stamps the region header on Build.
func (b *RegionBuilder) WithHeader() *RegionBuilder {
	b.header = true
	return b
}

// SetEpoch seeds epoch word idx.
func (b *RegionBuilder) SetEpoch(idx uint8, v uint32) *RegionBuilder {
	return b.PutUint32(sab.EpochOffset(idx), v)
}

func (b *RegionBuilder) PutUint32(offset uintptr, v uint32) *RegionBuilder {
	b.writes = append(b.writes, func(r *sab.Region) error {
		binary.LittleEndian.PutUint32(r.Bytes()[offset:], v)
		return nil
	})
	return b
}

func (b *RegionBuilder) PutUint64(offset uintptr, v uint64) *RegionBuilder {
	b.writes = append(b.writes, func(r *sab.Region) error {
		binary.LittleEndian.PutUint64(r.Bytes()[offset:], v)
		return nil
	})
	return b
}

// AddChannelSync places a ChannelSync holding v under name.
func (b *RegionBuilder) AddChannelSync(name string, v schema.ChannelSyncValue) *RegionBuilder {
	offset := b.allocate(name, schema.ChannelSyncType().Size, schema.ChannelSyncType().Align)
	b.writes = append(b.writes, func(r *sab.Region) error {
		s, err := schema.BindChannelSync(r, offset)
		if err != nil {
			return err
		}
		s.Store(v)
		return nil
	})
	return b
}

// AddChannelConfig places a ChannelConfig holding v under name.
func (b *RegionBuilder) AddChannelConfig(name string, v schema.ChannelConfigValue) *RegionBuilder {
	offset := b.allocate(name, schema.ChannelConfigType().Size, schema.ChannelConfigType().Align)
	b.writes = append(b.writes, func(r *sab.Region) error {
		c, err := schema.BindChannelConfig(r, offset)
		if err != nil {
			return err
		}
		c.Store(v)
		return nil
	})
	return b
}

// AddCells reserves n 8-byte cells under name, one per cache line so
// concurrent writers do not share lines. Cell i is at Offset(name)+i*CacheLine.
func (b *RegionBuilder) AddCells(name string, n int) *RegionBuilder {
	b.allocate(name, uintptr(n)*CacheLine, CacheLine)
	return b
}

// Offset returns where the named object was placed.
func (b *RegionBuilder) Offset(name string) uintptr {
	off, ok := b.offsets[name]
	if !ok {
		panic(fmt.Sprintf("testutil: no object named %q", name))
	}
	return off
}

// Build allocates the region, applies every write and releases the
// memory when t finishes.
func (b *RegionBuilder) Build(t testing.TB) *sab.Region {
	t.Helper()
	provider := sab.NewInMemoryProvider(b.size)
	t.Cleanup(func() { provider.Close() })

	r, err := sab.NewRegion("test-region", provider)
	require.NoError(t, err)

	if b.header {
		_, err := schema.InitHeader(r)
		require.NoError(t, err)
	}
	for _, w := range b.writes {
		require.NoError(t, w(r))
	}
	return r
}

func (b *RegionBuilder) allocate(name string, size, align uintptr) uintptr {
	if _, dup := b.offsets[name]; dup {
		panic(fmt.Sprintf("testutil: object %q added twice", name))
	}
	offset := sab.AlignOffset(b.allocOffset, align)
	b.allocOffset = offset + size
	if b.allocOffset > b.size {
		b.size = sab.AlignOffset(b.allocOffset, sab.REGION_SIZE_MIN)
	}
	b.offsets[name] = offset
	return offset
}
