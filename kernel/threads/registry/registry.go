package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"

	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/nmxmxh/sabproxy/kernel/utils"
)

var (
	ErrDuplicateType = errors.New("type already registered")
	ErrUnknownType   = errors.New("unknown type")
	ErrInvalidSpec   = errors.New("invalid type spec")
	ErrNotFound      = errors.New("not found")
)

// Registry assigns each composite type a stable index, a byte layout and a
// content hash. Indexes start at 1 and follow registration order.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*TypeInfo
	byIndex []*TypeInfo
	byHash  map[uint64]*TypeInfo
	filter  *bloom.BloomFilter
	logger  *utils.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *utils.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byName: make(map[string]*TypeInfo),
		byHash: make(map[uint64]*TypeInfo),
		filter: bloom.NewWithEstimates(4096, 0.001),
		logger: utils.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates spec, lays it out and records it. Nested types must
// already be registered.
func (r *Registry) Register(spec TypeSpec) (*TypeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.register(spec)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Registered type",
		utils.String("type", info.Name),
		utils.Uint32("index", info.Index),
		utils.Uint64("hash", info.Hash),
		utils.Int("size", int(info.Size)),
	)
	return info, nil
}

// MustRegister is Register for specs compiled into the binary.
func (r *Registry) MustRegister(spec TypeSpec) *TypeInfo {
	info, err := r.Register(spec)
	if err != nil {
		panic(err)
	}
	return info
}

// RegisterAll registers specs in any order, resolving nested references
// between them. It is all or nothing: on failure every problem is
// reported and none of specs stays registered.
func (r *Registry) RegisterAll(specs []TypeSpec) ([]*TypeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mark := len(r.byIndex)
	pending := append([]TypeSpec(nil), specs...)
	var out []*TypeInfo
	var failed error
	for len(pending) > 0 {
		var next []TypeSpec
		var unresolved error
		for _, spec := range pending {
			info, err := r.register(spec)
			switch {
			case err == nil:
				out = append(out, info)
			case errors.Is(err, ErrUnknownType):
				// May resolve once a later spec is in.
				next = append(next, spec)
				unresolved = multierr.Append(unresolved, err)
			default:
				failed = multierr.Append(failed, err)
			}
		}
		if len(next) == len(pending) {
			failed = multierr.Append(failed, unresolved)
			break
		}
		pending = next
	}
	if failed != nil {
		r.truncate(mark)
		r.logger.Warn("Schema rejected",
			utils.Int("types", len(specs)),
			utils.Int("errors", len(multierr.Errors(failed))),
		)
		return nil, failed
	}
	r.logger.Info("Registered schema", utils.Int("types", len(out)))
	return out, nil
}

// Lookup returns a type by name.
func (r *Registry) Lookup(name string) (*TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.byName[name]
	return info, ok
}

// ByIndex returns a type by its registration index.
func (r *Registry) ByIndex(index uint32) (*TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if index == 0 || int(index) > len(r.byIndex) {
		return nil, false
	}
	return r.byIndex[index-1], true
}

// ByHash returns a type by content hash. Unknown hashes are usually
// rejected by the bloom filter without touching the map.
func (r *Registry) ByHash(hash uint64) (*TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.filter.Test(hashKey(hash)) {
		return nil, false
	}
	info, ok := r.byHash[hash]
	return info, ok
}

// Types returns all registered types by index.
func (r *Registry) Types() []*TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*TypeInfo, len(r.byIndex))
	copy(out, r.byIndex)
	return out
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIndex)
}

// Names returns registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// must hold lock
func (r *Registry) register(spec TypeSpec) (*TypeInfo, error) {
	if _, exists := r.byName[spec.Name]; exists {
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrDuplicateType)
	}

	info, err := r.layout(spec)
	if err != nil {
		return nil, err
	}
	if other, clash := r.byHash[info.Hash]; clash {
		return nil, fmt.Errorf("%s: content hash %#x collides with %s: %w", spec.Name, info.Hash, other.Name, ErrDuplicateType)
	}

	info.Index = uint32(len(r.byIndex) + 1)
	r.byIndex = append(r.byIndex, info)
	r.byName[info.Name] = info
	r.byHash[info.Hash] = info
	r.filter.Add(hashKey(info.Hash))
	return info, nil
}

// truncate drops every type registered after the first n.
// must hold lock
func (r *Registry) truncate(n int) {
	for _, info := range r.byIndex[n:] {
		delete(r.byName, info.Name)
		delete(r.byHash, info.Hash)
	}
	clear(r.byIndex[n:])
	r.byIndex = r.byIndex[:n]

	r.filter.ClearAll()
	for h := range r.byHash {
		r.filter.Add(hashKey(h))
	}
}

// layout validates spec and computes offsets with natural alignment.
// must hold lock
func (r *Registry) layout(spec TypeSpec) (*TypeInfo, error) {
	var errs error
	if spec.Name == "" {
		errs = multierr.Append(errs, fmt.Errorf("type name is empty: %w", ErrInvalidSpec))
	}
	if len(spec.Fields) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s: no fields: %w", spec.Name, ErrInvalidSpec))
	}

	info := &TypeInfo{Name: spec.Name, Align: 1}
	seen := make(map[string]bool, len(spec.Fields))
	var offset uintptr

	for _, fs := range spec.Fields {
		if fs.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s: field name is empty: %w", spec.Name, ErrInvalidSpec))
			continue
		}
		if seen[fs.Name] {
			errs = multierr.Append(errs, fmt.Errorf("%s.%s: duplicate field: %w", spec.Name, fs.Name, ErrInvalidSpec))
			continue
		}
		seen[fs.Name] = true

		f := FieldInfo{FieldSpec: fs}
		switch {
		case fs.Kind.Scalar():
			f.Size = fs.Kind.Width()
			f.Align = f.Size
		case fs.Kind == KindBytes:
			if fs.Len <= 0 {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s: bytes field needs len > 0: %w", spec.Name, fs.Name, ErrInvalidSpec))
				continue
			}
			f.Size = uintptr(fs.Len)
			f.Align = 1
		case fs.Kind == KindStruct:
			nested, ok := r.byName[fs.Type]
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("%s.%s: %q: %w", spec.Name, fs.Name, fs.Type, ErrUnknownType))
				continue
			}
			f.Nested = nested
			f.Size = nested.Size
			f.Align = nested.Align
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s.%s: unknown kind %q: %w", spec.Name, fs.Name, fs.Kind, ErrInvalidSpec))
			continue
		}
		if fs.Atomic && !fs.Kind.Scalar() {
			errs = multierr.Append(errs, fmt.Errorf("%s.%s: kind %s cannot be atomic: %w", spec.Name, fs.Name, fs.Kind, ErrInvalidSpec))
			continue
		}

		offset = sab.AlignOffset(offset, f.Align)
		f.Offset = offset
		offset += f.Size
		if f.Align > info.Align {
			info.Align = f.Align
		}
		info.Fields = append(info.Fields, f)
	}
	if errs != nil {
		return nil, errs
	}

	info.Size = sab.AlignOffset(offset, info.Align)
	info.Hash = contentHash(info)
	return info, nil
}

// contentHash covers the type name and every field's name, kind, atomicity
// and placement, plus nested types' hashes.
func contentHash(info *TypeInfo) uint64 {
	d := xxhash.New()
	var buf [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}

	_, _ = d.WriteString(info.Name)
	writeU64(uint64(info.Size))
	for _, f := range info.Fields {
		_, _ = d.WriteString(f.Name)
		_, _ = d.WriteString(string(f.Kind))
		if f.Atomic {
			writeU64(1)
		} else {
			writeU64(0)
		}
		writeU64(uint64(f.Offset))
		writeU64(uint64(f.Size))
		if f.Nested != nil {
			writeU64(f.Nested.Hash)
		}
	}
	return d.Sum64()
}

func hashKey(h uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], h)
	return b[:]
}
