// Package superbuf holds the per-(rxq, superbuf) descriptor table that
// backs the EFCT receive engine: reference counts, the capacity snapshot
// taken at rollover, and the intrusive free-list used to recycle superbufs
// back to the resource manager.
//
// This package is thread-compatible, not thread-safe: callers must
// serialise access the same way they serialise calls to a VI.
package superbuf

import "github.com/adimgong/onload/tcpip/link/efct/pktid"

// Descriptor is the per-superbuf state the core core maintains. It never
// points at packet memory directly; it is reached by global superbuf
// index and is valid for the lifetime of the superbuf it currently
// describes.
type Descriptor struct {
	// Refcnt is the number of packet slots in this superbuf not yet
	// released by the caller. It is preloaded optimistically to
	// SuperbufPkts at rollover and decremented as packets are consumed
	// or skipped; it reaching zero triggers exactly one Free call.
	Refcnt uint16
	// SuperbufPkts is the capacity snapshot taken when this descriptor's
	// superbuf was rolled in.
	SuperbufPkts uint16
	// sbidNext links this descriptor into the free stack for its rxq;
	// -1 marks the end of the list.
	sbidNext int16

	// FinalTimestamp/FinalTSStatus snapshot the last packet's timestamp
	// fields at the moment this superbuf is handed back to the resource
	// manager. A caller can still hold a reference to that final packet
	// (its refcount reached zero only when the last holder releases it,
	// which can happen after the superbuf itself has been recycled), so
	// a late GetTimestamp call reads these cached fields instead of
	// memory that may already describe a different generation.
	FinalTimestamp uint64
	FinalTSStatus  uint8
}

// Table is the flat descriptor array for every (rxq, superbuf) pair a VI
// can have live at once, plus the per-rxq free-superbuf stacks.
type Table struct {
	descriptors [pktid.MaxRxqs * pktid.MaxSuperbufs]Descriptor
	freeHead    [pktid.MaxRxqs]int16
}

// NewTable returns a Table with every free-list head set to the empty
// sentinel.
func NewTable() *Table {
	t := &Table{}
	for i := range t.freeHead {
		t.freeHead[i] = -1
	}
	return t
}

// ForPacket returns the descriptor owning the superbuf that pkt belongs
// to.
func (t *Table) ForPacket(pkt uint32) *Descriptor {
	return &t.descriptors[pktid.GlobalIndex(pkt)]
}

// ForSuperbuf returns the descriptor for a given (rxq, local superbuf)
// pair, addressed the same way the core addresses packet memory: rxq
// index slammed against local superbuf index.
func (t *Table) ForSuperbuf(rxq, localSuperbuf int) *Descriptor {
	return &t.descriptors[rxq*pktid.MaxSuperbufs+localSuperbuf]
}

// Rollover resets the descriptor for (rxq, localSuperbuf) to track a
// freshly-acquired superbuf of the given capacity, preloading its
// refcount with the full optimistic packet count.
func (t *Table) Rollover(rxq, localSuperbuf int, superbufPkts uint16) *Descriptor {
	if superbufPkts == 0 {
		panic("superbuf: superbuf_pkts out of range")
	}
	d := t.ForSuperbuf(rxq, localSuperbuf)
	d.Refcnt = superbufPkts
	d.SuperbufPkts = superbufPkts
	return d
}

// Release decrements the refcount of the superbuf owning pkt and reports
// whether it has just reached zero (i.e. the caller must now return the
// superbuf to the resource manager).
func (t *Table) Release(pkt uint32) (justEmptied bool) {
	d := t.ForPacket(pkt)
	if d.Refcnt == 0 {
		panic("superbuf: refcount underflow")
	}
	d.Refcnt--
	return d.Refcnt == 0
}

// Abandon drops n outstanding references at once: used when a superbuf
// is recycled by the NIC before every packet slot it ever offered was
// delivered to a caller, so those slots will never see an individual
// Release call. It reports whether the superbuf is now empty, exactly
// like Release.
func (t *Table) Abandon(rxq, localSuperbuf, n int) (justEmptied bool) {
	d := t.ForSuperbuf(rxq, localSuperbuf)
	if n > int(d.Refcnt) {
		panic("superbuf: abandon count exceeds refcount")
	}
	d.Refcnt -= uint16(n)
	return d.Refcnt == 0
}

// FreePush links (rxq, localSuperbuf) onto the head of the free stack for
// rxq. The core never pops this stack itself: it exists purely so the
// resource manager (an external collaborator) can recycle superbufs.
func (t *Table) FreePush(rxq, localSuperbuf int) {
	head := &t.freeHead[rxq]
	t.ForSuperbuf(rxq, localSuperbuf).sbidNext = *head
	*head = int16(localSuperbuf)
}

// FreeNext returns the next entry in the free stack after
// (rxq, localSuperbuf), or -1 if it is the last.
func (t *Table) FreeNext(rxq, localSuperbuf int) int16 {
	return t.ForSuperbuf(rxq, localSuperbuf).sbidNext
}

// FreeHead returns the current head of the free stack for rxq, or -1 if
// empty.
func (t *Table) FreeHead(rxq int) int16 {
	return t.freeHead[rxq]
}
