package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/nmxmxh/sabproxy/kernel/threads/schema"
)

func TestRegionBuilder(t *testing.T) {
	cfg := schema.ChannelConfigValue{
		BufferSize: 32,
		Sync:       schema.ChannelSyncValue{WriterPosition: 3, Generation: 7},
		Sequence:   11,
		Balance:    -1,
	}
	b := NewRegionBuilder(0).
		WithHeader().
		SetEpoch(sab.IDX_DATA_EPOCH, 5).
		AddChannelSync("sync", schema.ChannelSyncValue{Terminate: true}).
		AddChannelConfig("config", cfg).
		AddCells("cells", 4)
	r := b.Build(t)

	assert.Equal(t, uintptr(sab.REGION_SIZE_MIN), r.Size())

	_, err := schema.OpenHeader(r)
	require.NoError(t, err)

	epoch := proxy.MustAt[uint32](r, sab.EpochOffset(sab.IDX_DATA_EPOCH))
	assert.Equal(t, uint32(5), epoch.LoadAcquire())

	assert.Equal(t, uintptr(sab.OFFSET_DATA), b.Offset("sync"))
	s, err := schema.BindChannelSync(r, b.Offset("sync"))
	require.NoError(t, err)
	assert.True(t, s.Terminate.LoadAcquire())

	c, err := schema.BindChannelConfig(r, b.Offset("config"))
	require.NoError(t, err)
	assert.True(t, c.Matches(cfg))

	cells := b.Offset("cells")
	assert.Zero(t, cells%CacheLine)
	for i := uintptr(0); i < 4; i++ {
		_, err := proxy.At[uint64](r, cells+i*CacheLine)
		assert.NoError(t, err)
	}

	assert.Panics(t, func() { b.Offset("missing") })
	assert.Panics(t, func() { b.AddCells("cells", 1) })
}

func TestRegionBuilder_Grows(t *testing.T) {
	b := NewRegionBuilder(0).AddCells("many", 200)
	r := b.Build(t)
	assert.GreaterOrEqual(t, r.Size(), b.Offset("many")+200*CacheLine)
	assert.Zero(t, r.Size()%sab.REGION_SIZE_MIN)
}
