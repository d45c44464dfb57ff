package schema

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/registry"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/nmxmxh/sabproxy/kernel/threads/structeq"
)

var (
	ErrBadMagic   = errors.New("region magic mismatch")
	ErrBadVersion = errors.New("region version mismatch")
	ErrBadSize    = errors.New("region size mismatch")
)

// Header flag bits.
const (
	FlagInitialized uint32 = 1 << iota
	FlagClosing
)

var regionHeaderSpec = registry.TypeSpec{
	Name: "RegionHeader",
	Fields: []registry.FieldSpec{
		{Name: "Magic", Kind: registry.KindUint64, Atomic: true},
		{Name: "Version", Kind: registry.KindUint32, Atomic: true},
		{Name: "Flags", Kind: registry.KindUint32, Atomic: true},
		{Name: "Size", Kind: registry.KindUint64, Atomic: true},
	},
}

// RegionHeader is the header at the start of every region. Magic is
// written last so a peer that sees it sees the rest.
type RegionHeader struct {
	Magic   proxy.Cell[uint64]
	Version proxy.Cell[uint32]
	Flags   proxy.Cell[uint32]
	Size    proxy.Cell[uint64]
}

// RegionHeaderValue is a materialized RegionHeader.
type RegionHeaderValue struct {
	Magic   uint64
	Version uint32
	Flags   uint32
	Size    uint64
}

var regionHeaderEq = structeq.New("RegionHeader",
	structeq.Atomic("Magic",
		func(p RegionHeader) proxy.Cell[uint64] { return p.Magic },
		func(v RegionHeaderValue) uint64 { return v.Magic }),
	structeq.Atomic("Version",
		func(p RegionHeader) proxy.Cell[uint32] { return p.Version },
		func(v RegionHeaderValue) uint32 { return v.Version }),
	structeq.Atomic("Flags",
		func(p RegionHeader) proxy.Cell[uint32] { return p.Flags },
		func(v RegionHeaderValue) uint32 { return v.Flags }),
	structeq.Atomic("Size",
		func(p RegionHeader) proxy.Cell[uint64] { return p.Size },
		func(v RegionHeaderValue) uint64 { return v.Size }),
)

// RegionHeaderType returns the registered layout.
func RegionHeaderType() *registry.TypeInfo { return regionHeaderInfo }

func (RegionHeader) TypeIndex() uint32 { return regionHeaderInfo.Index }
func (RegionHeader) TypeHash() uint64  { return regionHeaderInfo.Hash }

// BindHeader binds the header at the start of r.
func BindHeader(r *sab.Region) (RegionHeader, error) {
	var h RegionHeader
	err := h.Bind(r)
	return h, err
}

// Bind points every field at its cell in the header of r. On error h is
// left unchanged.
func (h *RegionHeader) Bind(r *sab.Region) error {
	sub, err := span(r, regionHeaderInfo, sab.OFFSET_HEADER)
	if err != nil {
		return err
	}
	var next RegionHeader
	if next.Magic, err = proxy.At[uint64](sub, regionHeaderInfo.MustOffset("Magic")); err != nil {
		return err
	}
	if next.Version, err = proxy.At[uint32](sub, regionHeaderInfo.MustOffset("Version")); err != nil {
		return err
	}
	if next.Flags, err = proxy.At[uint32](sub, regionHeaderInfo.MustOffset("Flags")); err != nil {
		return err
	}
	if next.Size, err = proxy.At[uint64](sub, regionHeaderInfo.MustOffset("Size")); err != nil {
		return err
	}
	*h = next
	return nil
}

// Store writes v with Magic last.
func (h RegionHeader) Store(v RegionHeaderValue) {
	h.Version.StoreRelease(v.Version)
	h.Flags.StoreRelease(v.Flags)
	h.Size.StoreRelease(v.Size)
	h.Magic.StoreRelease(v.Magic)
}

// Load materializes the header, Magic first.
func (h RegionHeader) Load() RegionHeaderValue {
	return RegionHeaderValue{
		Magic:   h.Magic.LoadAcquire(),
		Version: h.Version.LoadAcquire(),
		Flags:   h.Flags.LoadAcquire(),
		Size:    h.Size.LoadAcquire(),
	}
}

// Same reports whether both headers are bound to the same cells.
func (h RegionHeader) Same(other RegionHeader) bool { return regionHeaderEq.Same(h, other) }

// Equal compares current contents wherever the two are bound.
func (h RegionHeader) Equal(other RegionHeader) bool { return regionHeaderEq.Equal(h, other) }

func (h RegionHeader) Matches(v RegionHeaderValue) bool { return regionHeaderEq.Matches(h, v) }

func (h RegionHeader) Mismatch(v RegionHeaderValue) (string, bool) {
	return regionHeaderEq.Mismatch(h, v)
}

func (h RegionHeader) Hash() uint64 { return regionHeaderEq.Hash(h) }

func (h RegionHeader) String() string {
	return fmt.Sprintf("RegionHeader{magic=%v version=%v flags=%v size=%v}", h.Magic, h.Version, h.Flags, h.Size)
}

// InitHeader stamps r as a fresh region. Calling it on an initialized
// region only re-stamps the same values.
func InitHeader(r *sab.Region) (RegionHeader, error) {
	h, err := BindHeader(r)
	if err != nil {
		return h, err
	}
	h.Version.StoreRelease(sab.REGION_VERSION)
	h.Size.StoreRelease(uint64(r.Size()))
	h.SetFlag(FlagInitialized)
	h.Magic.StoreRelease(sab.REGION_MAGIC)
	return h, nil
}

// OpenHeader binds the header and checks it describes r.
func OpenHeader(r *sab.Region) (RegionHeader, error) {
	h, err := BindHeader(r)
	if err != nil {
		return h, err
	}
	return h, h.Check(r)
}

// Check verifies magic, version and recorded size against r.
func (h RegionHeader) Check(r *sab.Region) error {
	if m := h.Magic.LoadAcquire(); m != sab.REGION_MAGIC {
		return fmt.Errorf("%s: magic %#x: %w", r.Name(), m, ErrBadMagic)
	}
	if v := h.Version.LoadAcquire(); v != sab.REGION_VERSION {
		return fmt.Errorf("%s: version %d, want %d: %w", r.Name(), v, sab.REGION_VERSION, ErrBadVersion)
	}
	if s := h.Size.LoadAcquire(); s != uint64(r.Size()) {
		return fmt.Errorf("%s: header records %d bytes, mapped %d: %w", r.Name(), s, r.Size(), ErrBadSize)
	}
	return nil
}

// SetFlag sets bits with a CAS loop and returns the flags after the update.
func (h RegionHeader) SetFlag(bits uint32) uint32 {
	for {
		old := h.Flags.LoadAcquire()
		next := old | bits
		if h.Flags.CompareExchange(next, old) == old {
			return next
		}
	}
}

// ClearFlag clears bits and returns the flags after the update.
func (h RegionHeader) ClearFlag(bits uint32) uint32 {
	for {
		old := h.Flags.LoadAcquire()
		next := old &^ bits
		if h.Flags.CompareExchange(next, old) == old {
			return next
		}
	}
}

func (h RegionHeader) HasFlag(bits uint32) bool {
	return h.Flags.LoadAcquire()&bits == bits
}
