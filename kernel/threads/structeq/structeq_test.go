package structeq

import (
	"testing"

	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counters struct {
	Hits  proxy.Cell[uint32]
	Ready proxy.Cell[bool]
	Tag   uint16
}

type countersValue struct {
	Hits  uint32
	Ready bool
	Tag   uint16
}

var countersEq = New("counters",
	Atomic("Hits", func(p counters) proxy.Cell[uint32] { return p.Hits }, func(v countersValue) uint32 { return v.Hits }),
	Atomic("Ready", func(p counters) proxy.Cell[bool] { return p.Ready }, func(v countersValue) bool { return v.Ready }),
	Scalar("Tag", func(p counters) uint16 { return p.Tag }, func(v countersValue) uint16 { return v.Tag }),
)

type outer struct {
	Inner counters
	Total proxy.Cell[uint64]
}

type outerValue struct {
	Inner countersValue
	Total uint64
}

var outerEq = New("outer",
	Nested("Inner", countersEq, func(p outer) counters { return p.Inner }, func(v outerValue) countersValue { return v.Inner }),
	Atomic("Total", func(p outer) proxy.Cell[uint64] { return p.Total }, func(v outerValue) uint64 { return v.Total }),
)

func bindCounters(t *testing.T, r *sab.Region, base uintptr, tag uint16) counters {
	t.Helper()
	hits, err := proxy.At[uint32](r, base)
	require.NoError(t, err)
	ready, err := proxy.At[bool](r, base+4)
	require.NoError(t, err)
	return counters{Hits: hits, Ready: ready, Tag: tag}
}

func newRegion(t *testing.T) *sab.Region {
	t.Helper()
	r, err := sab.RegionFromBytes("structeq", make([]byte, 128))
	require.NoError(t, err)
	return r
}

func TestSameRequiresIdentity(t *testing.T) {
	r := newRegion(t)
	a := bindCounters(t, r, 0, 1)
	b := bindCounters(t, r, 0, 1)
	c := bindCounters(t, r, 16, 1)

	assert.True(t, countersEq.Same(a, b))
	assert.False(t, countersEq.Same(a, c), "different cells, even with equal contents")

	b.Tag = 2
	assert.False(t, countersEq.Same(a, b), "scalar fields compare by value")
}

func TestEqualComparesContents(t *testing.T) {
	r := newRegion(t)
	a := bindCounters(t, r, 0, 3)
	b := bindCounters(t, r, 16, 3)

	a.Hits.StoreRelease(10)
	b.Hits.StoreRelease(10)
	a.Ready.StoreRelease(true)
	b.Ready.StoreRelease(true)

	assert.True(t, countersEq.Equal(a, b), "equal contents at different addresses")

	b.Hits.StoreRelease(11)
	assert.False(t, countersEq.Equal(a, b))
}

func TestMatchesMaterializedValue(t *testing.T) {
	r := newRegion(t)
	p := bindCounters(t, r, 0, 5)
	p.Hits.StoreRelease(42)
	p.Ready.StoreRelease(true)

	v := countersValue{Hits: 42, Ready: true, Tag: 5}
	assert.True(t, countersEq.Matches(p, v))

	v.Tag = 6
	assert.False(t, countersEq.Matches(p, v), "one mismatched scalar")
	field, ok := countersEq.Mismatch(p, v)
	assert.True(t, ok)
	assert.Equal(t, "Tag", field)

	v.Tag = 5
	p.Ready.StoreRelease(false)
	field, ok = countersEq.Mismatch(p, v)
	assert.True(t, ok)
	assert.Equal(t, "Ready", field)
}

func TestNestedComposite(t *testing.T) {
	r := newRegion(t)
	total1, err := proxy.At[uint64](r, 32)
	require.NoError(t, err)
	total2, err := proxy.At[uint64](r, 40)
	require.NoError(t, err)

	a := outer{Inner: bindCounters(t, r, 0, 1), Total: total1}
	b := outer{Inner: bindCounters(t, r, 16, 1), Total: total2}

	a.Inner.Hits.StoreRelease(1)
	b.Inner.Hits.StoreRelease(1)
	a.Total.StoreRelease(100)
	b.Total.StoreRelease(100)

	assert.False(t, outerEq.Same(a, b))
	assert.True(t, outerEq.Equal(a, b))
	assert.True(t, outerEq.Matches(a, outerValue{Inner: countersValue{Hits: 1, Tag: 1}, Total: 100}))

	b.Inner.Tag = 9
	assert.False(t, outerEq.Equal(a, b), "nested scalar mismatch")
	assert.Equal(t, []string{"Inner", "Total"}, outerEq.Fields())
	assert.Equal(t, "outer", outerEq.Name())
}

func TestHashConsistentWithSame(t *testing.T) {
	r := newRegion(t)
	a := bindCounters(t, r, 0, 1)
	b := bindCounters(t, r, 0, 1)

	require.True(t, countersEq.Same(a, b))
	assert.Equal(t, countersEq.Hash(a), countersEq.Hash(b))

	o1 := outer{Inner: a}
	o2 := outer{Inner: b}
	assert.Equal(t, outerEq.Hash(o1), outerEq.Hash(o2))
	assert.Equal(t, countersEq.Hash(a), outerEq.Hash(o1), "nested anchor is the inner first atomic field")
}

func TestHashWithoutAtomicFieldsIsConstant(t *testing.T) {
	type plain struct{ A, B int }
	eq := New("plain",
		Scalar("A", func(p plain) int { return p.A }, func(v plain) int { return v.A }),
		Scalar("B", func(p plain) int { return p.B }, func(v plain) int { return v.B }),
	)
	assert.Equal(t, eq.Hash(plain{1, 2}), eq.Hash(plain{3, 4}))
	assert.True(t, eq.Same(plain{1, 2}, plain{1, 2}))
	assert.False(t, eq.Same(plain{1, 2}, plain{1, 3}))
}

func TestDeclarationOrder(t *testing.T) {
	type rec struct{}
	var order []string
	field := func(name string) Field[rec, rec] {
		return Field[rec, rec]{
			Name:  name,
			Same:  func(a, b rec) bool { order = append(order, name); return true },
			Match: func(p rec, v rec) bool { order = append(order, name); return true },
		}
	}
	eq := New("ordered", field("first"), field("second"), field("third"))

	eq.Same(rec{}, rec{})
	assert.Equal(t, []string{"first", "second", "third"}, order)

	order = nil
	eq.Equal(rec{}, rec{})
	assert.Equal(t, []string{"first", "second", "third"}, order, "Equal falls back to Same")

	order = nil
	eq.Matches(rec{}, rec{})
	assert.Equal(t, []string{"first", "second", "third"}, order)
}
