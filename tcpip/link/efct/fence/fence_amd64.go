//go:build amd64

// Package fence provides the store fence needed between the end of one
// CTPIO packet write and the next. Write-combined memory is not ordered
// by the normal TSO guarantees a compiler-only fence would rely on, so
// this needs to be a real instruction on x86/x64.
package fence

// StoreFence issues an SFENCE, ordering write-combined stores issued
// before it ahead of those issued after. This limits the NIC's view of
// packet-boundary reordering to at most one packet's worth of writes.
func StoreFence() {
	sfence()
}

func sfence()
