package registry

import (
	"fmt"
	"strings"
)

// Kind is the storage kind of a field. Names match the schema file.
type Kind string

const (
	KindBool   Kind = "bool"
	KindInt32  Kind = "int32"
	KindUint32 Kind = "uint32"
	KindInt64  Kind = "int64"
	KindUint64 Kind = "uint64"
	KindBytes  Kind = "bytes"
	KindStruct Kind = "struct"
)

// Scalar reports whether the kind maps onto an atomic cell type.
func (k Kind) Scalar() bool {
	switch k {
	case KindBool, KindInt32, KindUint32, KindInt64, KindUint64:
		return true
	}
	return false
}

// Width returns the in-memory size of a scalar kind. bool occupies a
// 32-bit word.
func (k Kind) Width() uintptr {
	switch k {
	case KindBool, KindInt32, KindUint32:
		return 4
	case KindInt64, KindUint64:
		return 8
	}
	return 0
}

// TypeSpec declares a composite type as the schema file spells it.
type TypeSpec struct {
	Name   string      `yaml:"name"`
	Fields []FieldSpec `yaml:"fields"`
}

// FieldSpec declares one field.
type FieldSpec struct {
	Name   string `yaml:"name"`
	Kind   Kind   `yaml:"kind"`
	Atomic bool   `yaml:"atomic,omitempty"`
	// Type names the nested composite for KindStruct.
	Type string `yaml:"type,omitempty"`
	// Len is the byte count for KindBytes.
	Len int `yaml:"len,omitempty"`
}

// FieldInfo is a laid-out field.
type FieldInfo struct {
	FieldSpec
	Offset uintptr
	Size   uintptr
	Align  uintptr
	// Nested is set for KindStruct fields.
	Nested *TypeInfo
}

// TypeInfo is a registered, laid-out composite type. It is immutable once
// returned by the registry.
type TypeInfo struct {
	Name   string
	Index  uint32
	Hash   uint64
	Size   uintptr
	Align  uintptr
	Fields []FieldInfo
}

// Field returns the named top-level field.
func (t *TypeInfo) Field(name string) (FieldInfo, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldInfo{}, false
}

// Offset returns the offset of a dotted field path such as "Sync.ReaderPosition".
func (t *TypeInfo) Offset(path string) (uintptr, error) {
	_, off, err := t.Resolve(path)
	return off, err
}

// MustOffset is Offset for paths known to exist.
func (t *TypeInfo) MustOffset(path string) uintptr {
	off, err := t.Offset(path)
	if err != nil {
		panic(err)
	}
	return off
}

// Resolve walks a dotted field path and returns the leaf field with its
// offset from the start of t.
func (t *TypeInfo) Resolve(path string) (FieldInfo, uintptr, error) {
	cur := t
	var base uintptr
	parts := strings.Split(path, ".")
	for i, part := range parts {
		f, ok := cur.Field(part)
		if !ok {
			return FieldInfo{}, 0, fmt.Errorf("%s: field %q: %w", t.Name, strings.Join(parts[:i+1], "."), ErrNotFound)
		}
		base += f.Offset
		if i == len(parts)-1 {
			return f, base, nil
		}
		if f.Nested == nil {
			return FieldInfo{}, 0, fmt.Errorf("%s: field %q is not a struct", t.Name, strings.Join(parts[:i+1], "."))
		}
		cur = f.Nested
	}
	return FieldInfo{}, 0, fmt.Errorf("%s: empty field path", t.Name)
}

// Leaves lists every scalar leaf with its dotted path and absolute offset.
func (t *TypeInfo) Leaves() []Leaf {
	var out []Leaf
	t.collect("", 0, &out)
	return out
}

// Leaf is a scalar field reached through zero or more nested structs.
type Leaf struct {
	Path   string
	Offset uintptr
	Field  FieldInfo
}

func (t *TypeInfo) collect(prefix string, base uintptr, out *[]Leaf) {
	for _, f := range t.Fields {
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		if f.Nested != nil {
			f.Nested.collect(path, base+f.Offset, out)
			continue
		}
		*out = append(*out, Leaf{Path: path, Offset: base + f.Offset, Field: f})
	}
}
