// Package schema holds the composite proxy types bound over shared regions.
// Each type is registered with the package registry, which supplies its
// type index, content hash and field offsets; binding derives every field
// address from those offsets.
package schema

import (
	"fmt"

	"github.com/nmxmxh/sabproxy/kernel/threads/registry"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
)

var (
	types = registry.New()

	builtin = mustRegisterAll(types, Specs())

	regionHeaderInfo  = builtin[0]
	channelSyncInfo   = builtin[1]
	channelConfigInfo = builtin[2]
)

func mustRegisterAll(r *registry.Registry, specs []registry.TypeSpec) []*registry.TypeInfo {
	infos := make([]*registry.TypeInfo, len(specs))
	for i, spec := range specs {
		infos[i] = r.MustRegister(spec)
	}
	return infos
}

// Registry returns the registry holding the built-in types.
func Registry() *registry.Registry {
	return types
}

// Specs returns the built-in type specs in dependency order.
func Specs() []registry.TypeSpec {
	return []registry.TypeSpec{regionHeaderSpec, channelSyncSpec, channelConfigSpec}
}

// Register adds the built-in types to r. Types r already holds are an error.
func Register(r *registry.Registry) error {
	_, err := r.RegisterAll(Specs())
	return err
}

// span checks that a value of info's size fits at offset and returns the
// sub-region covering it.
func span(r *sab.Region, info *registry.TypeInfo, offset uintptr) (*sab.Region, error) {
	if offset%info.Align != 0 {
		return nil, fmt.Errorf("%s at %#x: %w", info.Name, offset, sab.ErrMisaligned)
	}
	return r.Sub(info.Name, offset, info.Size)
}

// scalar64 returns the address of a non-atomic 64-bit field.
func scalar64(r *sab.Region, offset uintptr) (*uint64, error) {
	p, err := r.Pointer(offset, 8)
	if err != nil {
		return nil, err
	}
	return (*uint64)(p), nil
}

func scalar32(r *sab.Region, offset uintptr) (*uint32, error) {
	p, err := r.Pointer(offset, 4)
	if err != nil {
		return nil, err
	}
	return (*uint32)(p), nil
}
