// Package pktid packs and unpacks the opaque packet identifiers handed to
// callers of the EFCT receive engine.
//
// A pkt_id is not part of any stable ABI: it exists purely so that the
// rxq index is slammed up against the superbuf index, allowing all
// superbufs of all rxqs of a VI to be mapped in one contiguous virtual
// range and addressed by a single multiply instead of a per-queue lookup.
package pktid

const (
	// PktBits is the width of the packet-within-superbuf field. 16 bits
	// is bigger than strictly required (9 would do for the current
	// superbuf/stride ratio) but leaves room to spare elsewhere.
	PktBits = 16
	// SbufBits is the width of the local-superbuf-index field. 1<<SbufBits
	// must equal MaxSuperbufs exactly, because the two fields combine to
	// form the global superbuf index.
	SbufBits = 11
	// RxqBits is the width of the rxq-index field.
	RxqBits = 3

	// TotalBits is the number of low bits actually used by an id.
	TotalBits = PktBits + SbufBits + RxqBits

	// MaxSuperbufs is the number of superbuf slots tracked per rxq.
	MaxSuperbufs = 1 << SbufBits
	// MaxRxqs is the number of rxqs a VI can have active at once.
	MaxRxqs = 1 << RxqBits

	pktMask  = (1 << PktBits) - 1
	sbufMask = (1 << SbufBits) - 1

	// sentinelBit is bit 31: free for callers to overlay a freshness bit
	// on top of the id proper.
	sentinelBit = 31
)

// InSuperbuf returns the packet index within its superbuf (bits [0,16)).
func InSuperbuf(id uint32) int {
	return int(id & pktMask)
}

// GlobalSuperbuf returns the global superbuf index (bits [16,30)),
// combining rxq and local superbuf index.
func GlobalSuperbuf(id uint32) int {
	return int(id >> PktBits)
}

// LocalSuperbuf returns the superbuf index local to its rxq.
func LocalSuperbuf(id uint32) int {
	return GlobalSuperbuf(id) & sbufMask
}

// Rxq returns the rxq index (as an index into the VI's rxq table, not a
// hardware queue id).
func Rxq(id uint32) int {
	return GlobalSuperbuf(id) / MaxSuperbufs
}

// Encode packs an rxq index, local superbuf index and in-superbuf packet
// index into a packet id. Callers needing the base of a superbuf (before
// any packet has been counted) pass pkt=0.
func Encode(rxq, localSuperbuf, pkt int) uint32 {
	global := rxq*MaxSuperbufs + localSuperbuf
	return uint32(global)<<PktBits | uint32(pkt)
}

// Of strips the sentinel bit from a caller-tagged pointer value, returning
// the bare packet id.
func Of(ptr uint32) uint32 {
	return ptr &^ (1 << sentinelBit)
}

// SentinelOf extracts the sentinel bit superimposed on a pointer value.
func SentinelOf(ptr uint32) uint32 {
	return ptr >> sentinelBit
}

// WithSentinel overlays a sentinel bit (0 or 1) onto a bare packet id.
func WithSentinel(id uint32, sentinel bool) uint32 {
	if sentinel {
		return id | (1 << sentinelBit)
	}
	return id
}

// GlobalIndex returns the flat index into a MaxRxqs*MaxSuperbufs descriptor
// table for the superbuf that owns the given packet id.
func GlobalIndex(id uint32) int {
	return GlobalSuperbuf(id)
}
