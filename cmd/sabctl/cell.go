package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/registry"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
)

var errNotInteger = errors.New("arithmetic needs an integer cell")

// cellRef is a cell resolved from the command line, with values as text.
type cellRef interface {
	Kind() registry.Kind
	Offset() uintptr
	Load() string
	Store(v string) error
	// CompareExchange returns the value seen before the attempt and
	// whether it matched expected.
	CompareExchange(desired, expected string) (string, bool, error)
	// Add returns the value after the addition.
	Add(delta string) (string, error)
}

type typedCell[T proxy.Scalar] struct {
	kind   registry.Kind
	offset uintptr
	cell   proxy.Cell[T]
	parse  func(string) (T, error)
	add    func(c proxy.Cell[T], d T) T
}

func (c typedCell[T]) Kind() registry.Kind { return c.kind }
func (c typedCell[T]) Offset() uintptr     { return c.offset }

func (c typedCell[T]) Load() string {
	return fmt.Sprint(c.cell.LoadAcquire())
}

func (c typedCell[T]) Store(s string) error {
	v, err := c.parse(s)
	if err != nil {
		return err
	}
	c.cell.StoreRelease(v)
	return nil
}

func (c typedCell[T]) CompareExchange(desired, expected string) (string, bool, error) {
	d, err := c.parse(desired)
	if err != nil {
		return "", false, err
	}
	e, err := c.parse(expected)
	if err != nil {
		return "", false, err
	}
	prev := c.cell.CompareExchange(d, e)
	return fmt.Sprint(prev), prev == e, nil
}

func (c typedCell[T]) Add(delta string) (string, error) {
	if c.add == nil {
		return "", fmt.Errorf("%s: %w", c.kind, errNotInteger)
	}
	d, err := c.parse(delta)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(c.add(c.cell, d)), nil
}

func fetchAdd[T proxy.Integer](c proxy.Cell[T], d T) T {
	return proxy.Counter[T]{Cell: c}.FetchAdd(d)
}

// bindCell binds a cell of kind at offset.
func bindCell(r *sab.Region, kind registry.Kind, offset uintptr) (cellRef, error) {
	switch kind {
	case registry.KindBool:
		return newTypedCell(r, kind, offset, strconv.ParseBool, nil)
	case registry.KindInt32:
		return newTypedCell(r, kind, offset, func(s string) (int32, error) {
			v, err := strconv.ParseInt(s, 0, 32)
			return int32(v), err
		}, fetchAdd[int32])
	case registry.KindUint32:
		return newTypedCell(r, kind, offset, func(s string) (uint32, error) {
			v, err := strconv.ParseUint(s, 0, 32)
			return uint32(v), err
		}, fetchAdd[uint32])
	case registry.KindInt64:
		return newTypedCell(r, kind, offset, func(s string) (int64, error) {
			return strconv.ParseInt(s, 0, 64)
		}, fetchAdd[int64])
	case registry.KindUint64:
		return newTypedCell(r, kind, offset, func(s string) (uint64, error) {
			return strconv.ParseUint(s, 0, 64)
		}, fetchAdd[uint64])
	}
	return nil, fmt.Errorf("kind %q is not a cell", kind)
}

func newTypedCell[T proxy.Scalar](r *sab.Region, kind registry.Kind, offset uintptr,
	parse func(string) (T, error), add func(proxy.Cell[T], T) T) (cellRef, error) {
	c, err := proxy.At[T](r, offset)
	if err != nil {
		return nil, err
	}
	return typedCell[T]{kind: kind, offset: offset, cell: c, parse: parse, add: add}, nil
}

// Address forms:
//
//	object.Field.Sub   a field of a configured object
//	@0x140:uint32      a raw offset with a kind
//	epoch:1            an epoch word
func resolve(cfg Config, reg *registry.Registry, r *sab.Region, addr string) (cellRef, error) {
	switch {
	case strings.HasPrefix(addr, "@"):
		off, kind, ok := strings.Cut(addr[1:], ":")
		if !ok {
			return nil, fmt.Errorf("raw address %q needs a kind, e.g. @0x100:uint32", addr)
		}
		offset, err := strconv.ParseUint(off, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("raw address %q: %w", addr, err)
		}
		return bindCell(r, registry.Kind(kind), uintptr(offset))

	case strings.HasPrefix(addr, "epoch:"):
		idx, err := strconv.ParseUint(strings.TrimPrefix(addr, "epoch:"), 10, 8)
		if err != nil || idx >= sab.EPOCH_COUNT {
			return nil, fmt.Errorf("epoch address %q: index must be below %d", addr, sab.EPOCH_COUNT)
		}
		return bindCell(r, registry.KindUint32, sab.EpochOffset(uint8(idx)))
	}

	name, path, ok := strings.Cut(addr, ".")
	if !ok {
		return nil, fmt.Errorf("address %q: want object.field, @offset:kind or epoch:N", addr)
	}
	obj, info, err := lookupObject(cfg, reg, name)
	if err != nil {
		return nil, err
	}
	field, off, err := info.Resolve(path)
	if err != nil {
		return nil, err
	}
	return bindCell(r, field.Kind, uintptr(obj.Offset)+off)
}

func lookupObject(cfg Config, reg *registry.Registry, name string) (ObjectConfig, *registry.TypeInfo, error) {
	obj, ok := cfg.Object(name)
	if !ok {
		return obj, nil, fmt.Errorf("no object named %q in config", name)
	}
	info, ok := reg.Lookup(obj.Type)
	if !ok {
		return obj, nil, fmt.Errorf("object %q: type %q: %w", name, obj.Type, registry.ErrUnknownType)
	}
	return obj, info, nil
}
