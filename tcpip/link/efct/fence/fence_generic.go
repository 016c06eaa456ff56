//go:build !amd64

package fence

import "sync/atomic"

var barrier int32

// StoreFence issues a full write memory barrier. Non-x86 architectures
// don't get the TSO guarantees x86 does, so an ordinary store here would
// not be sufficient even with a compiler fence; an atomic
// read-modify-write is the portable way to get a hardware barrier
// without per-architecture assembly.
func StoreFence() {
	atomic.AddInt32(&barrier, 1)
}
