package sab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionPointerChecks(t *testing.T) {
	provider := NewInMemoryProvider(64)
	defer provider.Close()

	r, err := NewRegion("test", provider)
	require.NoError(t, err)

	p, err := r.Pointer(8, 8)
	require.NoError(t, err)
	assert.Equal(t, r.Base()+8, uintptr(p))

	_, err = r.Pointer(60, 8)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = r.Pointer(4, 8)
	assert.ErrorIs(t, err, ErrMisaligned)

	_, err = r.Pointer(2, 4)
	assert.ErrorIs(t, err, ErrMisaligned)

	_, err = r.Pointer(^uintptr(0)-2, 4)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = r.Pointer(63, 1)
	assert.NoError(t, err)
}

func TestRegionSub(t *testing.T) {
	provider := NewInMemoryProvider(256)
	defer provider.Close()

	r, err := NewRegion("root", provider)
	require.NoError(t, err)

	sub, err := r.Sub("tail", 128, 128)
	require.NoError(t, err)
	assert.Equal(t, r.Base()+128, sub.Base())
	assert.Equal(t, uintptr(128), sub.Size())
	assert.Same(t, r.Provider(), sub.Provider())

	_, err = sub.Pointer(128, 4)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = r.Sub("too-big", 200, 100)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = r.Sub("empty", 0, 0)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRegionFromBytes(t *testing.T) {
	buf := make([]byte, 32)
	r, err := RegionFromBytes("bytes", buf)
	require.NoError(t, err)

	assert.True(t, r.Contains(r.Base()))
	assert.True(t, r.Contains(r.Base()+31))
	assert.False(t, r.Contains(r.Base()+32))

	r.Bytes()[5] = 9
	assert.Equal(t, byte(9), buf[5])

	_, err = RegionFromBytes("nil", nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRegionEmptyProvider(t *testing.T) {
	_, err := NewRegion("empty", NewInMemoryProvider(0))
	assert.ErrorIs(t, err, ErrEmpty)
}
