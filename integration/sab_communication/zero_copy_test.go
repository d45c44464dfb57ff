//go:build unix

package sab_communication

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/sabproxy/kernel/threads/foundation"
	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/nmxmxh/sabproxy/kernel/threads/schema"
)

// mapTwice maps one file twice. The two regions stand in for two
// processes: same memory, different addresses.
func mapTwice(t testing.TB, size uintptr) (*sab.Region, *sab.Region) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region")

	open := func(name string, create bool) *sab.Region {
		p, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{Path: path, Size: size, Create: create})
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		r, err := sab.NewRegion(name, p)
		require.NoError(t, err)
		return r
	}
	owner := open("owner", true)
	peer := open("peer", false)
	require.NotEqual(t, owner.Base(), peer.Base())
	return owner, peer
}

func TestHeaderVisibleToPeer(t *testing.T) {
	owner, peer := mapTwice(t, sab.REGION_SIZE_MIN)

	_, err := schema.OpenHeader(peer)
	assert.ErrorIs(t, err, schema.ErrBadMagic)

	_, err = schema.InitHeader(owner)
	require.NoError(t, err)

	h, err := schema.OpenHeader(peer)
	require.NoError(t, err)
	assert.True(t, h.HasFlag(schema.FlagInitialized))
}

func TestCellWritesCrossMappings(t *testing.T) {
	owner, peer := mapTwice(t, sab.REGION_SIZE_MIN)

	w := proxy.MustAt[uint64](owner, sab.OFFSET_DATA)
	r := proxy.MustAt[uint64](peer, sab.OFFSET_DATA)

	w.StoreRelease(0xDEADBEEFCAFEBABE)
	assert.Equal(t, uint64(0xDEADBEEFCAFEBABE), r.LoadAcquire())
	assert.True(t, r.Holds(0xDEADBEEFCAFEBABE))

	// Value equality holds, identity does not: different addresses.
	assert.False(t, w.Same(r))

	assert.Equal(t, uint64(0xDEADBEEFCAFEBABE), r.CompareExchange(1, 0xDEADBEEFCAFEBABE))
	assert.Equal(t, uint64(1), w.LoadRelaxed())
}

func TestCompositeAcrossMappings(t *testing.T) {
	owner, peer := mapTwice(t, sab.REGION_SIZE_MIN)

	mine, err := schema.BindChannelConfig(owner, sab.OFFSET_DATA)
	require.NoError(t, err)
	mine.Store(schema.ChannelConfigValue{
		BufferSize: 8,
		Sync:       schema.ChannelSyncValue{WriterPosition: 2, ActiveReaders: 1, Generation: 42},
		Sequence:   2,
		Balance:    10,
	})

	theirs, err := schema.BindChannelConfig(peer, sab.OFFSET_DATA)
	require.NoError(t, err)

	assert.False(t, mine.Same(theirs), "atomic fields sit at different addresses")
	assert.True(t, mine.Equal(theirs))
	assert.True(t, theirs.Matches(mine.Load()))

	theirs.Balance.FetchSub(10)
	assert.Equal(t, int64(0), mine.Balance.LoadAcquire())
	assert.True(t, mine.Equal(theirs))
}

func TestMessageQueueAcrossMappings(t *testing.T) {
	owner, peer := mapTwice(t, sab.OFFSET_DATA+foundation.QueueFootprint(8))

	producer, err := foundation.CreateMessageQueue(owner, sab.OFFSET_DATA, 8)
	require.NoError(t, err)
	consumer, err := foundation.OpenMessageQueue(peer, sab.OFFSET_DATA)
	require.NoError(t, err)

	payloads := []string{"Hello from the owner", "second", ""}
	for _, p := range payloads {
		_, err := producer.Enqueue(3, []byte(p))
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(len(payloads)), consumer.Len())

	for i, p := range payloads {
		msg, err := consumer.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), msg.Sequence)
		assert.Equal(t, p, string(msg.Payload))
	}
	assert.Equal(t, uint32(0), producer.Len())
}

func TestEpochSignalAcrossMappings(t *testing.T) {
	owner, peer := mapTwice(t, sab.REGION_SIZE_MIN)

	signal, err := foundation.NewEpoch(owner, sab.IDX_DATA_EPOCH)
	require.NoError(t, err)
	watch, err := foundation.NewEpoch(peer, sab.IDX_DATA_EPOCH)
	require.NoError(t, err)

	assert.False(t, watch.Changed())
	signal.Increment()
	assert.True(t, watch.Changed())
	assert.Equal(t, uint32(1), watch.Last())
}
