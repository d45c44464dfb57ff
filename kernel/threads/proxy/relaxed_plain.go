//go:build sabproxy_plainloads && !race

package proxy

import (
	"math/bits"
	"runtime"
	"sync/atomic"
)

// On TSO machines an aligned word load is already atomic and never
// reordered with other loads, so relaxed reads can skip the atomic op.
const isTSO = runtime.GOARCH == "amd64" ||
	runtime.GOARCH == "386" ||
	runtime.GOARCH == "s390x"

const plainLoads = isTSO

//go:nosplit
func loadRelaxed32(addr *uint32) uint32 {
	//goland:noinspection ALL
	if isTSO {
		return *addr
	}
	return atomic.LoadUint32(addr)
}

//go:nosplit
func loadRelaxed64(addr *uint64) uint64 {
	//goland:noinspection ALL
	if isTSO && bits.UintSize >= 64 {
		return *addr
	}
	return atomic.LoadUint64(addr)
}
