package sab

// Region layout shared with non-Go peers. All offsets are relative to the
// region base and little-endian.
//
//	0x0000 header    magic, version, size
//	0x0040 epochs    16 x u32 signal words
//	0x0080 guards    8 x 16-byte writer guards
//	0x0100 data      schema-typed objects, placed by the registry
const (
	REGION_SIZE_DEFAULT = 1 * 1024 * 1024
	REGION_SIZE_MIN     = 4 * 1024
	REGION_SIZE_MAX     = 1 << 30

	REGION_MAGIC   = 0x59584F5250424153 // "SABPROXY"
	REGION_VERSION = 1

	OFFSET_HEADER = 0x0000
	SIZE_HEADER   = 0x0040

	// Header fields
	OFFSET_HEADER_MAGIC   = 0x00
	OFFSET_HEADER_VERSION = 0x08
	OFFSET_HEADER_FLAGS   = 0x0C
	OFFSET_HEADER_SIZE    = 0x10

	OFFSET_EPOCHS = 0x0040
	SIZE_EPOCHS   = 0x0040
	EPOCH_COUNT   = SIZE_EPOCHS / 4

	OFFSET_GUARDS    = 0x0080
	SIZE_GUARDS      = 0x0080
	GUARD_ENTRY_SIZE = 16
	GUARD_COUNT      = SIZE_GUARDS / GUARD_ENTRY_SIZE

	OFFSET_DATA = 0x0100

	IDX_REGION_READY = 0
	IDX_DATA_EPOCH   = 1
	IDX_SCHEMA_EPOCH = 2
)

// MemoryRegion describes a named span of the shared region
type MemoryRegion struct {
	Name    string
	Offset  uintptr
	Size    uintptr
	Purpose string
}

// End returns the first offset past the span.
func (m MemoryRegion) End() uintptr {
	return m.Offset + m.Size
}

// DefaultRegions returns the fixed spans of a region of the given size.
func DefaultRegions(size uintptr) []MemoryRegion {
	regions := []MemoryRegion{
		{Name: "header", Offset: OFFSET_HEADER, Size: SIZE_HEADER, Purpose: "magic, version, size"},
		{Name: "epochs", Offset: OFFSET_EPOCHS, Size: SIZE_EPOCHS, Purpose: "u32 signal words"},
		{Name: "guards", Offset: OFFSET_GUARDS, Size: SIZE_GUARDS, Purpose: "writer guards"},
	}
	if size > OFFSET_DATA {
		regions = append(regions, MemoryRegion{
			Name: "data", Offset: OFFSET_DATA, Size: size - OFFSET_DATA, Purpose: "schema-typed objects",
		})
	}
	return regions
}

// EpochOffset returns the offset of epoch word idx.
func EpochOffset(idx uint8) uintptr {
	return OFFSET_EPOCHS + uintptr(idx)*4
}

// GuardOffset returns the offset of guard entry idx.
func GuardOffset(idx uint8) uintptr {
	return OFFSET_GUARDS + uintptr(idx)*GUARD_ENTRY_SIZE
}

// AlignOffset rounds offset up to a multiple of alignment (a power of two).
func AlignOffset(offset, alignment uintptr) uintptr {
	if alignment == 0 {
		return offset
	}
	return (offset + alignment - 1) &^ (alignment - 1)
}
