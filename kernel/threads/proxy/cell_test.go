package proxy

import (
	"math"
	"runtime"
	"testing"
	"unsafe"

	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegion(t testing.TB, size uintptr) *sab.Region {
	t.Helper()
	provider := sab.NewInMemoryProvider(size)
	t.Cleanup(func() { provider.Close() })
	r, err := sab.NewRegion("test", provider)
	require.NoError(t, err)
	return r
}

func checkStoreLoad[T Scalar](t *testing.T, r *sab.Region, offset uintptr, values ...T) {
	t.Helper()
	c, err := At[T](r, offset)
	require.NoError(t, err)
	for _, v := range values {
		c.StoreRelease(v)
		assert.Equal(t, v, c.LoadAcquire())
		assert.Equal(t, v, c.LoadRelaxed())
		assert.True(t, c.Holds(v))
	}
}

func TestStoreReleaseLoadAcquire(t *testing.T) {
	r := newRegion(t, 64)

	checkStoreLoad(t, r, 0, true, false, true)
	checkStoreLoad(t, r, 4, int32(0), int32(-1), int32(math.MinInt32), int32(math.MaxInt32))
	checkStoreLoad(t, r, 8, uint32(0), uint32(1), uint32(math.MaxUint32))
	checkStoreLoad(t, r, 16, int64(-42), int64(math.MinInt64), int64(math.MaxInt64))
	checkStoreLoad(t, r, 24, uint64(0), uint64(1)<<63, uint64(math.MaxUint64))
}

func TestStoreDoesNotTouchNeighbours(t *testing.T) {
	r := newRegion(t, 16)
	buf := r.Bytes()
	for i := range buf {
		buf[i] = 0xAA
	}

	c := MustAt[uint32](r, 4)
	c.StoreRelease(0)

	assert.Equal(t, []byte{0xAA, 0xAA, 0xAA, 0xAA}, buf[0:4])
	assert.Equal(t, []byte{0, 0, 0, 0}, buf[4:8])
	assert.Equal(t, []byte{0xAA, 0xAA, 0xAA, 0xAA}, buf[8:12])
}

func TestLittleEndianWordLayout(t *testing.T) {
	r := newRegion(t, 16)
	MustAt[uint64](r, 8).StoreRelease(0x0102030405060708)
	assert.Equal(t, uint32(0x05060708), MustAt[uint32](r, 8).LoadAcquire())

	MustAt[int32](r, 0).StoreRelease(-2)
	assert.Equal(t, uint32(0xFFFFFFFE), MustAt[uint32](r, 0).LoadAcquire())
}

func TestBoolCellWord(t *testing.T) {
	r := newRegion(t, 8)
	word := MustAt[uint32](r, 0)
	flag := MustAt[bool](r, 0)

	flag.StoreRelease(true)
	assert.Equal(t, uint32(1), word.LoadAcquire())

	// A peer may publish true as any non-zero pattern.
	word.StoreRelease(0xFF)
	assert.True(t, flag.LoadAcquire())
	assert.True(t, flag.Holds(true))

	prev := flag.CompareExchange(false, true)
	assert.True(t, prev)
	assert.Equal(t, uint32(0), word.LoadAcquire())

	assert.False(t, flag.Swap(true))
	assert.Equal(t, uint32(1), word.LoadAcquire())
}

func checkCompareExchange[T Scalar](t *testing.T, r *sab.Region, offset uintptr, initial, expected, desired T) {
	t.Helper()
	c := MustAt[T](r, offset)
	c.StoreRelease(initial)

	prev := c.CompareExchange(desired, expected)
	assert.Equal(t, initial, prev, "returns the pre-call value")
	if prev == expected {
		assert.Equal(t, desired, c.LoadRelaxed())
	} else {
		assert.Equal(t, initial, c.LoadRelaxed(), "cell unchanged on failure")
	}
}

func TestRelaxedLoadPath(t *testing.T) {
	t.Logf("plain relaxed loads: %v on %s", plainLoads, runtime.GOARCH)
	if plainLoads {
		assert.Contains(t, []string{"amd64", "386", "s390x"}, runtime.GOARCH,
			"plain loads only on total-store-order targets")
	}

	// Either path sees every word stored.
	r := newRegion(t, 16)
	w32 := MustAt[uint32](r, 0)
	w64 := MustAt[uint64](r, 8)
	for _, v := range []uint64{0, 1, math.MaxUint32, math.MaxUint64} {
		w32.StoreRelease(uint32(v))
		w64.StoreRelease(v)
		assert.Equal(t, uint32(v), loadRelaxed32((*uint32)(w32.Pointer())))
		assert.Equal(t, v, loadRelaxed64((*uint64)(w64.Pointer())))
	}
}

func TestCompareExchange(t *testing.T) {
	r := newRegion(t, 64)

	checkCompareExchange(t, r, 0, uint32(5), uint32(5), uint32(9))
	checkCompareExchange(t, r, 0, uint32(5), uint32(6), uint32(9))
	checkCompareExchange(t, r, 4, int32(-1), int32(-1), int32(7))
	checkCompareExchange(t, r, 4, int32(-1), int32(1), int32(7))
	checkCompareExchange(t, r, 8, uint64(math.MaxUint64), uint64(math.MaxUint64), uint64(0))
	checkCompareExchange(t, r, 8, uint64(3), uint64(4), uint64(0))
	checkCompareExchange(t, r, 16, int64(math.MinInt64), int64(math.MinInt64), int64(1))
	checkCompareExchange(t, r, 24, false, false, true)
	checkCompareExchange(t, r, 24, true, false, true)
}

func TestCompareAndSwap(t *testing.T) {
	r := newRegion(t, 8)
	c := MustAt[uint32](r, 0)

	assert.True(t, c.CompareAndSwap(0, 1))
	assert.False(t, c.CompareAndSwap(0, 2))
	assert.Equal(t, uint32(1), c.LoadAcquire())
}

func TestSwap(t *testing.T) {
	r := newRegion(t, 16)

	u := MustAt[uint64](r, 0)
	u.StoreRelease(10)
	assert.Equal(t, uint64(10), u.Swap(20))
	assert.Equal(t, uint64(20), u.LoadAcquire())

	i := MustAt[int32](r, 8)
	i.StoreRelease(-3)
	assert.Equal(t, int32(-3), i.Swap(3))
}

func TestIdentityVersusValueEquality(t *testing.T) {
	r := newRegion(t, 16)

	a := MustAt[uint32](r, 0)
	b := MustAt[uint32](r, 0)
	c := MustAt[uint32](r, 4)

	a.StoreRelease(7)
	c.StoreRelease(7)

	assert.True(t, a.Same(b), "same address")
	assert.False(t, a.Same(c), "different cells holding equal values")
	assert.True(t, a.Holds(7))
	assert.True(t, c.Holds(7))

	c.StoreRelease(8)
	assert.False(t, c.Holds(7), "value equality reloads")
}

func TestBindIsRebinding(t *testing.T) {
	r := newRegion(t, 16)
	first := MustAt[uint32](r, 0)
	second := MustAt[uint32](r, 4)
	first.StoreRelease(1)
	second.StoreRelease(2)

	var c Cell[uint32]
	assert.False(t, c.Bound())
	assert.Equal(t, uintptr(0), c.Addr())

	c.Bind(first.Pointer())
	assert.Equal(t, uint32(1), c.LoadAcquire())

	c.Bind(second.Pointer())
	assert.Equal(t, uint32(2), c.LoadAcquire())
	assert.Equal(t, uint32(1), first.LoadAcquire(), "rebinding copies nothing")

	copied := c
	copied.Bind(first.Pointer())
	assert.True(t, c.Same(second), "copies rebind independently")
}

func TestBindRegionErrorsKeepBinding(t *testing.T) {
	r := newRegion(t, 16)

	c := MustAt[uint64](r, 8)
	before := c.Addr()

	assert.ErrorIs(t, c.BindRegion(r, 4), sab.ErrMisaligned)
	assert.ErrorIs(t, c.BindRegion(r, 16), sab.ErrOutOfBounds)
	assert.Equal(t, before, c.Addr())

	_, err := At[bool](r, 14)
	assert.ErrorIs(t, err, sab.ErrOutOfBounds)

	assert.Panics(t, func() { MustAt[uint32](r, 2) })
}

func TestUnboundUsePanics(t *testing.T) {
	var c Cell[uint32]
	assert.Panics(t, func() { c.LoadAcquire() })
	assert.Panics(t, func() { c.StoreRelease(1) })
}

func TestWidth(t *testing.T) {
	assert.Equal(t, uintptr(4), Width[bool]())
	assert.Equal(t, uintptr(4), Width[int32]())
	assert.Equal(t, uintptr(4), Width[uint32]())
	assert.Equal(t, uintptr(8), Width[int64]())
	assert.Equal(t, uintptr(8), Width[uint64]())
	assert.Equal(t, unsafe.Sizeof(uintptr(0)), unsafe.Sizeof(Cell[uint64]{}))
}

func TestString(t *testing.T) {
	var c Cell[uint32]
	assert.Equal(t, "Cell[uint32](unbound)", c.String())

	r := newRegion(t, 8)
	c = MustAt[uint32](r, 4)
	assert.Contains(t, c.String(), "Cell[uint32]@0x")
}

func BenchmarkLoadAcquire(b *testing.B) {
	r := newRegion(b, 8)
	c := MustAt[uint64](r, 0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.LoadAcquire()
	}
}

func BenchmarkLoadRelaxed(b *testing.B) {
	r := newRegion(b, 8)
	c := MustAt[uint64](r, 0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.LoadRelaxed()
	}
}

func BenchmarkCompareExchange(b *testing.B) {
	r := newRegion(b, 8)
	c := MustAt[uint32](r, 0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.CompareExchange(uint32(i+1), uint32(i))
	}
}
