//go:build !sabproxy_plainloads || race

package proxy

import "sync/atomic"

// plainLoads reports whether LoadRelaxed bypasses sync/atomic.
const plainLoads = false

func loadRelaxed32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

func loadRelaxed64(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}
