package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/sabproxy/kernel/threads/registry"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
)

func newRegion(t *testing.T, size uintptr) *sab.Region {
	t.Helper()
	provider := sab.NewInMemoryProvider(size)
	t.Cleanup(func() { provider.Close() })
	r, err := sab.NewRegion("schema-test", provider)
	require.NoError(t, err)
	return r
}

func sampleConfig() ChannelConfigValue {
	return ChannelConfigValue{
		BufferSize: 64,
		Sync: ChannelSyncValue{
			WriterPosition: 10,
			ReaderPosition: 7,
			Terminate:      false,
			ActiveReaders:  2,
			Generation:     3,
		},
		Sequence: 1 << 40,
		Balance:  -5,
	}
}

func TestBuiltinRegistration(t *testing.T) {
	assert.Equal(t, 3, Registry().Len())
	assert.Equal(t, uint32(1), RegionHeaderType().Index)
	assert.Equal(t, uint32(2), ChannelSync{}.TypeIndex())
	assert.Equal(t, uint32(3), ChannelConfig{}.TypeIndex())

	info, ok := Registry().ByHash(ChannelConfig{}.TypeHash())
	require.True(t, ok)
	assert.Equal(t, "ChannelConfig", info.Name)

	assert.Equal(t, uintptr(24), ChannelSyncType().Size)
	assert.Equal(t, uintptr(48), ChannelConfigType().Size)
	assert.Equal(t, uintptr(sab.OFFSET_HEADER_FLAGS), RegionHeaderType().MustOffset("Flags"))
	assert.Equal(t, uintptr(sab.OFFSET_HEADER_SIZE), RegionHeaderType().MustOffset("Size"))
}

func TestRegisterIntoOtherRegistry(t *testing.T) {
	r := registry.New()
	require.NoError(t, Register(r))

	info, ok := r.Lookup("ChannelConfig")
	require.True(t, ok)
	assert.Equal(t, ChannelConfig{}.TypeHash(), info.Hash)

	assert.Error(t, Register(r), "types are registered once")
}

func TestChannelConfig_StoreLoad(t *testing.T) {
	r := newRegion(t, 256)
	cfg, err := BindChannelConfig(r, 64)
	require.NoError(t, err)

	want := sampleConfig()
	cfg.Store(want)
	assert.Equal(t, want, cfg.Load())
	assert.True(t, cfg.Matches(want))

	// A second binding sees the plain fields through the region.
	again, err := BindChannelConfig(r, 64)
	require.NoError(t, err)
	assert.Equal(t, want, again.Load())
	assert.True(t, cfg.Same(again))
}

func TestChannelConfig_FieldAddresses(t *testing.T) {
	r := newRegion(t, 256)
	cfg, err := BindChannelConfig(r, 64)
	require.NoError(t, err)

	base := r.Base() + 64
	assert.Equal(t, base+8, cfg.Sync.WriterPosition.Addr())
	assert.Equal(t, base+16, cfg.Sync.Terminate.Addr())
	assert.Equal(t, base+32, cfg.Sequence.Addr())
	assert.Equal(t, base+40, cfg.Balance.Addr())
}

func TestBind_Errors(t *testing.T) {
	r := newRegion(t, 64)

	_, err := BindChannelConfig(r, 32)
	assert.ErrorIs(t, err, sab.ErrOutOfBounds)

	_, err = BindChannelConfig(r, 4)
	assert.ErrorIs(t, err, sab.ErrMisaligned)

	good, err := BindChannelSync(r, 0)
	require.NoError(t, err)
	kept := good
	assert.Error(t, good.Bind(r, 48))
	assert.True(t, kept.Same(good), "failed bind leaves proxy unchanged")
}

func TestComposite_IdentityEquality(t *testing.T) {
	r := newRegion(t, 256)
	a, err := BindChannelConfig(r, 0)
	require.NoError(t, err)
	b, err := BindChannelConfig(r, 64)
	require.NoError(t, err)

	a.Store(sampleConfig())
	b.Store(sampleConfig())

	assert.True(t, a.Same(a))
	assert.False(t, a.Same(b), "identity needs the same cells")
	assert.NotEqual(t, a.Hash(), b.Hash())

	alias, err := BindChannelConfig(r, 0)
	require.NoError(t, err)
	assert.True(t, a.Same(alias))
	assert.Equal(t, a.Hash(), alias.Hash())
}

func TestComposite_EqualAcrossAddresses(t *testing.T) {
	r := newRegion(t, 256)
	a, err := BindChannelConfig(r, 0)
	require.NoError(t, err)
	b, err := BindChannelConfig(r, 128)
	require.NoError(t, err)

	a.Store(sampleConfig())
	b.Store(sampleConfig())
	assert.True(t, a.Equal(b), "equal contents at different addresses")

	b.Sync.ReaderPosition.Increment()
	assert.False(t, a.Equal(b))
	b.Sync.ReaderPosition.FetchSub(1)
	assert.True(t, a.Equal(b))
}

func TestComposite_ScalarMismatch(t *testing.T) {
	r := newRegion(t, 256)
	a, err := BindChannelConfig(r, 0)
	require.NoError(t, err)
	a.Store(sampleConfig())

	// Same cells, one plain field differs.
	b := a
	b.BufferSize = 128
	assert.False(t, a.Same(b))
	assert.False(t, a.Equal(b))

	v := sampleConfig()
	v.Sync.Generation = 4
	assert.False(t, a.Matches(v))
	field, ok := a.Mismatch(v)
	assert.True(t, ok)
	assert.Equal(t, "Sync", field)

	field, ok = a.Sync.Mismatch(v.Sync)
	assert.True(t, ok)
	assert.Equal(t, "Generation", field)
}

func TestComposite_MatchesFreshLoads(t *testing.T) {
	r := newRegion(t, 128)
	s, err := BindChannelSync(r, 0)
	require.NoError(t, err)

	v := ChannelSyncValue{WriterPosition: 1}
	s.Store(v)
	assert.True(t, s.Matches(v))

	s.Terminate.StoreRelease(true)
	assert.False(t, s.Matches(v))
	v.Terminate = true
	assert.True(t, s.Matches(v))
}

func TestComposite_RegionHeader(t *testing.T) {
	r := newRegion(t, sab.REGION_SIZE_MIN)
	other := newRegion(t, sab.REGION_SIZE_MIN)

	a, err := InitHeader(r)
	require.NoError(t, err)
	b, err := InitHeader(other)
	require.NoError(t, err)
	alias, err := BindHeader(r)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), a.TypeIndex())
	assert.Equal(t, RegionHeaderType().Hash, a.TypeHash())

	assert.True(t, a.Same(alias))
	assert.Equal(t, a.Hash(), alias.Hash())
	assert.False(t, a.Same(b), "identity needs the same region")
	assert.True(t, a.Equal(b), "both stamped alike")

	v := a.Load()
	assert.Equal(t, RegionHeaderValue{
		Magic:   sab.REGION_MAGIC,
		Version: sab.REGION_VERSION,
		Flags:   FlagInitialized,
		Size:    uint64(r.Size()),
	}, v)
	assert.True(t, b.Matches(v))

	b.SetFlag(FlagClosing)
	assert.False(t, a.Equal(b))
	field, ok := b.Mismatch(v)
	assert.True(t, ok)
	assert.Equal(t, "Flags", field)

	_, ok = a.Mismatch(v)
	assert.False(t, ok)

	b.Store(v)
	assert.True(t, a.Equal(b))
	assert.Contains(t, a.String(), "RegionHeader{")
}

func TestChannelSync_RefreshAndPending(t *testing.T) {
	r := newRegion(t, 128)
	writer, err := BindChannelSync(r, 0)
	require.NoError(t, err)
	reader, err := BindChannelSync(r, 0)
	require.NoError(t, err)

	writer.Store(ChannelSyncValue{Generation: 9})
	assert.Equal(t, uint64(0), reader.Generation)
	reader.Refresh()
	assert.Equal(t, uint64(9), reader.Generation)

	writer.WriterPosition.FetchAdd(5)
	reader.ReaderPosition.FetchAdd(2)
	assert.Equal(t, uint32(3), reader.Pending())
}

func TestRegionHeader(t *testing.T) {
	r := newRegion(t, sab.REGION_SIZE_MIN)

	_, err := OpenHeader(r)
	assert.ErrorIs(t, err, ErrBadMagic)

	h, err := InitHeader(r)
	require.NoError(t, err)
	assert.True(t, h.HasFlag(FlagInitialized))
	assert.False(t, h.HasFlag(FlagClosing))

	opened, err := OpenHeader(r)
	require.NoError(t, err)
	assert.Equal(t, FlagInitialized|FlagClosing, opened.SetFlag(FlagClosing))
	assert.Equal(t, FlagClosing, h.ClearFlag(FlagInitialized))

	h.Version.StoreRelease(2)
	assert.ErrorIs(t, h.Check(r), ErrBadVersion)
	h.Version.StoreRelease(sab.REGION_VERSION)

	h.Size.StoreRelease(1)
	assert.ErrorIs(t, h.Check(r), ErrBadSize)
}
