package schema

import (
	"fmt"

	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/registry"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/nmxmxh/sabproxy/kernel/threads/structeq"
)

var channelConfigSpec = registry.TypeSpec{
	Name: "ChannelConfig",
	Fields: []registry.FieldSpec{
		{Name: "BufferSize", Kind: registry.KindUint32},
		{Name: "Sync", Kind: registry.KindStruct, Type: "ChannelSync"},
		{Name: "Sequence", Kind: registry.KindUint64, Atomic: true},
		{Name: "Balance", Kind: registry.KindInt64, Atomic: true},
	},
}

// ChannelConfig describes one shared channel: its slot count, its ring
// control block, a message sequence and a signed credit balance.
type ChannelConfig struct {
	BufferSize uint32
	Sync       ChannelSync
	Sequence   proxy.Counter[uint64]
	Balance    proxy.Counter[int64]

	bufferSize *uint32
}

// ChannelConfigValue is a materialized ChannelConfig.
type ChannelConfigValue struct {
	BufferSize uint32
	Sync       ChannelSyncValue
	Sequence   uint64
	Balance    int64
}

var channelConfigEq = structeq.New("ChannelConfig",
	structeq.Scalar("BufferSize",
		func(p ChannelConfig) uint32 { return p.BufferSize },
		func(v ChannelConfigValue) uint32 { return v.BufferSize }),
	structeq.Nested("Sync", channelSyncEq,
		func(p ChannelConfig) ChannelSync { return p.Sync },
		func(v ChannelConfigValue) ChannelSyncValue { return v.Sync }),
	structeq.Atomic("Sequence",
		func(p ChannelConfig) proxy.Cell[uint64] { return p.Sequence.Cell },
		func(v ChannelConfigValue) uint64 { return v.Sequence }),
	structeq.Atomic("Balance",
		func(p ChannelConfig) proxy.Cell[int64] { return p.Balance.Cell },
		func(v ChannelConfigValue) int64 { return v.Balance }),
)

// ChannelConfigType returns the registered layout.
func ChannelConfigType() *registry.TypeInfo { return channelConfigInfo }

func (ChannelConfig) TypeIndex() uint32 { return channelConfigInfo.Index }
func (ChannelConfig) TypeHash() uint64  { return channelConfigInfo.Hash }

// BindChannelConfig returns a ChannelConfig bound at offset within r.
func BindChannelConfig(r *sab.Region, offset uintptr) (ChannelConfig, error) {
	var c ChannelConfig
	err := c.Bind(r, offset)
	return c, err
}

// Bind binds every field from the registered layout. On error c is left
// unchanged.
func (c *ChannelConfig) Bind(r *sab.Region, offset uintptr) error {
	sub, err := span(r, channelConfigInfo, offset)
	if err != nil {
		return err
	}
	var next ChannelConfig
	if next.bufferSize, err = scalar32(sub, channelConfigInfo.MustOffset("BufferSize")); err != nil {
		return err
	}
	next.BufferSize = *next.bufferSize
	if err = next.Sync.Bind(sub, channelConfigInfo.MustOffset("Sync")); err != nil {
		return fmt.Errorf("ChannelConfig.Sync: %w", err)
	}
	if next.Sequence, err = proxy.CounterAt[uint64](sub, channelConfigInfo.MustOffset("Sequence")); err != nil {
		return err
	}
	if next.Balance, err = proxy.CounterAt[int64](sub, channelConfigInfo.MustOffset("Balance")); err != nil {
		return err
	}
	*c = next
	return nil
}

// Store writes v field by field in declaration order.
func (c *ChannelConfig) Store(v ChannelConfigValue) {
	*c.bufferSize = v.BufferSize
	c.BufferSize = v.BufferSize
	c.Sync.Store(v.Sync)
	c.Sequence.StoreRelease(v.Sequence)
	c.Balance.StoreRelease(v.Balance)
}

// Refresh rereads the plain fields from the region.
func (c *ChannelConfig) Refresh() {
	c.BufferSize = *c.bufferSize
	c.Sync.Refresh()
}

// Load materializes the current contents in declaration order.
func (c ChannelConfig) Load() ChannelConfigValue {
	return ChannelConfigValue{
		BufferSize: c.BufferSize,
		Sync:       c.Sync.Load(),
		Sequence:   c.Sequence.LoadAcquire(),
		Balance:    c.Balance.LoadAcquire(),
	}
}

func (c ChannelConfig) Same(other ChannelConfig) bool { return channelConfigEq.Same(c, other) }

// Equal compares current contents wherever the two are bound.
func (c ChannelConfig) Equal(other ChannelConfig) bool { return channelConfigEq.Equal(c, other) }

func (c ChannelConfig) Matches(v ChannelConfigValue) bool { return channelConfigEq.Matches(c, v) }

// Mismatch names the first field that differs from v. Nested mismatches
// are reported by the outer field name.
func (c ChannelConfig) Mismatch(v ChannelConfigValue) (string, bool) {
	return channelConfigEq.Mismatch(c, v)
}

// Hash is derived from the Sync block's first cell, the first atomic
// field in declaration order.
func (c ChannelConfig) Hash() uint64 { return channelConfigEq.Hash(c) }
