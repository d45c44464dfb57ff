package schema

import (
	"fmt"

	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/registry"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/nmxmxh/sabproxy/kernel/threads/structeq"
)

var channelSyncSpec = registry.TypeSpec{
	Name: "ChannelSync",
	Fields: []registry.FieldSpec{
		{Name: "WriterPosition", Kind: registry.KindUint32, Atomic: true},
		{Name: "ReaderPosition", Kind: registry.KindUint32, Atomic: true},
		{Name: "Terminate", Kind: registry.KindBool, Atomic: true},
		{Name: "ActiveReaders", Kind: registry.KindUint32, Atomic: true},
		{Name: "Generation", Kind: registry.KindUint64},
	},
}

// ChannelSync is the control block of a shared single-producer ring.
// Positions count slots ever written/read and wrap at 2^32. Generation is
// a plain field captured when the proxy is bound.
type ChannelSync struct {
	WriterPosition proxy.Counter[uint32]
	ReaderPosition proxy.Counter[uint32]
	Terminate      proxy.Cell[bool]
	ActiveReaders  proxy.Counter[uint32]
	Generation     uint64

	gen *uint64
}

// ChannelSyncValue is a materialized ChannelSync.
type ChannelSyncValue struct {
	WriterPosition uint32
	ReaderPosition uint32
	Terminate      bool
	ActiveReaders  uint32
	Generation     uint64
}

var channelSyncEq = structeq.New("ChannelSync",
	structeq.Atomic("WriterPosition",
		func(p ChannelSync) proxy.Cell[uint32] { return p.WriterPosition.Cell },
		func(v ChannelSyncValue) uint32 { return v.WriterPosition }),
	structeq.Atomic("ReaderPosition",
		func(p ChannelSync) proxy.Cell[uint32] { return p.ReaderPosition.Cell },
		func(v ChannelSyncValue) uint32 { return v.ReaderPosition }),
	structeq.Atomic("Terminate",
		func(p ChannelSync) proxy.Cell[bool] { return p.Terminate },
		func(v ChannelSyncValue) bool { return v.Terminate }),
	structeq.Atomic("ActiveReaders",
		func(p ChannelSync) proxy.Cell[uint32] { return p.ActiveReaders.Cell },
		func(v ChannelSyncValue) uint32 { return v.ActiveReaders }),
	structeq.Scalar("Generation",
		func(p ChannelSync) uint64 { return p.Generation },
		func(v ChannelSyncValue) uint64 { return v.Generation }),
)

// ChannelSyncType returns the registered layout.
func ChannelSyncType() *registry.TypeInfo { return channelSyncInfo }

func (ChannelSync) TypeIndex() uint32 { return channelSyncInfo.Index }
func (ChannelSync) TypeHash() uint64  { return channelSyncInfo.Hash }

// BindChannelSync returns a ChannelSync bound at offset within r.
func BindChannelSync(r *sab.Region, offset uintptr) (ChannelSync, error) {
	var s ChannelSync
	err := s.Bind(r, offset)
	return s, err
}

// Bind points every atomic field at its cell and reads Generation.
// On error s is left unchanged.
func (s *ChannelSync) Bind(r *sab.Region, offset uintptr) error {
	sub, err := span(r, channelSyncInfo, offset)
	if err != nil {
		return err
	}
	var next ChannelSync
	if next.WriterPosition, err = proxy.CounterAt[uint32](sub, channelSyncInfo.MustOffset("WriterPosition")); err != nil {
		return err
	}
	if next.ReaderPosition, err = proxy.CounterAt[uint32](sub, channelSyncInfo.MustOffset("ReaderPosition")); err != nil {
		return err
	}
	if next.Terminate, err = proxy.At[bool](sub, channelSyncInfo.MustOffset("Terminate")); err != nil {
		return err
	}
	if next.ActiveReaders, err = proxy.CounterAt[uint32](sub, channelSyncInfo.MustOffset("ActiveReaders")); err != nil {
		return err
	}
	if next.gen, err = scalar64(sub, channelSyncInfo.MustOffset("Generation")); err != nil {
		return err
	}
	next.Generation = *next.gen
	*s = next
	return nil
}

// Store writes v field by field in declaration order, Generation first.
// The whole is not atomic.
func (s *ChannelSync) Store(v ChannelSyncValue) {
	*s.gen = v.Generation
	s.Generation = v.Generation
	s.WriterPosition.StoreRelease(v.WriterPosition)
	s.ReaderPosition.StoreRelease(v.ReaderPosition)
	s.Terminate.StoreRelease(v.Terminate)
	s.ActiveReaders.StoreRelease(v.ActiveReaders)
}

// Refresh rereads Generation from the region.
func (s *ChannelSync) Refresh() {
	s.Generation = *s.gen
}

// Load materializes the current contents in declaration order.
func (s ChannelSync) Load() ChannelSyncValue {
	return ChannelSyncValue{
		WriterPosition: s.WriterPosition.LoadAcquire(),
		ReaderPosition: s.ReaderPosition.LoadAcquire(),
		Terminate:      s.Terminate.LoadAcquire(),
		ActiveReaders:  s.ActiveReaders.LoadAcquire(),
		Generation:     s.Generation,
	}
}

// Pending returns how many slots are written but not yet read.
func (s ChannelSync) Pending() uint32 {
	return s.WriterPosition.LoadAcquire() - s.ReaderPosition.LoadAcquire()
}

// Same reports proxy identity: the atomic fields share cells and
// Generation is equal.
func (s ChannelSync) Same(other ChannelSync) bool { return channelSyncEq.Same(s, other) }

// Equal compares current contents wherever the two are bound.
func (s ChannelSync) Equal(other ChannelSync) bool { return channelSyncEq.Equal(s, other) }

// Matches reports whether s currently holds v.
func (s ChannelSync) Matches(v ChannelSyncValue) bool { return channelSyncEq.Matches(s, v) }

func (s ChannelSync) Mismatch(v ChannelSyncValue) (string, bool) { return channelSyncEq.Mismatch(s, v) }

func (s ChannelSync) Hash() uint64 { return channelSyncEq.Hash(s) }

func (s ChannelSync) String() string {
	return fmt.Sprintf("ChannelSync{writer=%v reader=%v terminate=%v readers=%v gen=%d}",
		s.WriterPosition, s.ReaderPosition, s.Terminate, s.ActiveReaders, s.Generation)
}
