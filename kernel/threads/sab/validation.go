package sab

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// Validator tracks the named spans of a region and rejects overlaps.
type Validator struct {
	mu      sync.RWMutex
	regions []MemoryRegion
	size    uintptr
}

// NewValidator creates a validator seeded with the default spans.
func NewValidator(size uintptr) *Validator {
	return &Validator{
		regions: DefaultRegions(size),
		size:    size,
	}
}

// NewEmptyValidator creates a validator with no spans registered.
func NewEmptyValidator(size uintptr) *Validator {
	return &Validator{size: size}
}

// RegisterRegion adds a span. Spans carved out of "data" are expected to be
// registered on a validator for the data sub-region.
func (v *Validator) RegisterRegion(name string, offset, size uintptr, purpose string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !inBounds(offset, size, v.size) {
		return fmt.Errorf("region %s exceeds bounds: %w", name, ErrOutOfBounds)
	}

	for _, r := range v.regions {
		if r.Name == name {
			return fmt.Errorf("region %s already registered", name)
		}
		if overlaps(offset, size, r.Offset, r.Size) {
			return fmt.Errorf("region %s overlaps with %s", name, r.Name)
		}
	}

	v.regions = append(v.regions, MemoryRegion{
		Name:    name,
		Offset:  offset,
		Size:    size,
		Purpose: purpose,
	})
	return nil
}

// ValidateAccess checks that [offset, offset+size) lies inside one span,
// and inside the named span when name is not empty.
func (v *Validator) ValidateAccess(offset, size uintptr, name string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !inBounds(offset, size, v.size) {
		return fmt.Errorf("access at %#x size %d: %w", offset, size, ErrOutOfBounds)
	}

	region := v.findRegion(offset)
	if region == nil {
		return fmt.Errorf("access at %#x does not belong to any region", offset)
	}
	if offset+size > region.End() {
		return fmt.Errorf("access at %#x size %d overflows region %s", offset, size, region.Name)
	}
	if name != "" && region.Name != name {
		return fmt.Errorf("access to %s but offset %#x is in %s", name, offset, region.Name)
	}
	return nil
}

// ValidateLayout reports every overlapping pair and every out-of-bounds span.
func (v *Validator) ValidateLayout() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var err error
	for i := 0; i < len(v.regions); i++ {
		r1 := v.regions[i]
		if !inBounds(r1.Offset, r1.Size, v.size) {
			err = multierr.Append(err, fmt.Errorf("region %s exceeds bounds: %w", r1.Name, ErrOutOfBounds))
		}
		for j := i + 1; j < len(v.regions); j++ {
			r2 := v.regions[j]
			if overlaps(r1.Offset, r1.Size, r2.Offset, r2.Size) {
				err = multierr.Append(err, fmt.Errorf("regions %s and %s overlap", r1.Name, r2.Name))
			}
		}
	}
	return err
}

// RegionByName returns a span by name
func (v *Validator) RegionByName(name string) (MemoryRegion, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, r := range v.regions {
		if r.Name == name {
			return r, true
		}
	}
	return MemoryRegion{}, false
}

// RegionByOffset returns the span containing offset
func (v *Validator) RegionByOffset(offset uintptr) (MemoryRegion, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if r := v.findRegion(offset); r != nil {
		return *r, true
	}
	return MemoryRegion{}, false
}

// Regions returns the spans sorted by offset.
func (v *Validator) Regions() []MemoryRegion {
	v.mu.RLock()
	out := make([]MemoryRegion, len(v.regions))
	copy(out, v.regions)
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// MemoryMap returns a human-readable memory map
func (v *Validator) MemoryMap() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Region Memory Map (Size: %d bytes)\n", v.size)
	for _, r := range v.Regions() {
		fmt.Fprintf(&b, "%-20s | 0x%08X - 0x%08X | %8d bytes | %s\n",
			r.Name, r.Offset, r.End(), r.Size, r.Purpose)
	}
	return b.String()
}

// must hold lock
func (v *Validator) findRegion(offset uintptr) *MemoryRegion {
	for i := range v.regions {
		r := &v.regions[i]
		if offset >= r.Offset && offset < r.End() {
			return r
		}
	}
	return nil
}

func overlaps(offset1, size1, offset2, size2 uintptr) bool {
	return offset1 < offset2+size2 && offset2 < offset1+size1
}
