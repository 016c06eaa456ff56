package queue

import (
	"testing"

	"github.com/adimgong/onload/tcpip/link/efct/pktid"
	"github.com/adimgong/onload/tcpip/link/efct/superbuf"
	"github.com/adimgong/onload/tcpip/link/efct/wire"
)

const testStride = 256

// fakeRM is a resource manager that hands out local superbuf indices in
// a fixed order, one generation each, never reclaiming any: good enough
// to drive the common rollover path in tests without a real NIC.
type fakeRM struct {
	order   []int
	next    int
	seq     uint32
	refresh int
}

func (f *fakeRM) Next(qid int) (int, bool, uint32, error) {
	if f.next >= len(f.order) {
		return 0, false, 0, ErrAgain
	}
	sb := f.order[f.next]
	f.next++
	f.seq++
	return sb, f.seq%2 == 1, f.seq, nil
}

func (f *fakeRM) Free(qid, localSuperbuf int) {}

func (f *fakeRM) Refresh(qid int) error {
	f.refresh++
	return nil
}

func newTestRXQ(superbufPkts uint32, nSuperbufs int) (*RXQ, *uint32, *uint32) {
	pkts := superbufPkts
	gen := uint32(0)
	rxq := &RXQ{
		HWQID:         0,
		PktStride:     testStride,
		SuperbufSlots: int(superbufPkts),
		Arena:         make([]byte, nSuperbufs*int(superbufPkts)*testStride),
		Live: RXQLive{
			SuperbufPkts:     &pkts,
			ConfigGeneration: &gen,
		},
	}
	return rxq, &pkts, &gen
}

func writeHeader(rxq *RXQ, localSuperbuf, pkt int, h wire.RxHeader) {
	off := (localSuperbuf*rxq.SuperbufSlots+pkt)*rxq.PktStride
	wire.EncodeRxHeader(rxq.Arena[off:off+wire.RxHeaderBytes], h)
}

func TestRXBasicDeliveryAndRelease(t *testing.T) {
	rm := &fakeRM{order: []int{0, 1}}
	rxq, pkts, _ := newTestRXQ(4, 2)
	*pkts = 4

	rx := &RX{Table: superbuf.NewTable(), RM: rm, Discard: 0}
	rx.AddQueue(0, rxq)

	for p := 0; p < 4; p++ {
		writeHeader(rxq, 0, p, wire.NewRxHeader(64, wire.NextFrameLocFixed, 0, wire.L2StatusOK, wire.L3ClassIP4, false, wire.L4ClassTCP, false, false, true, 0, 0, 0, 0))
	}
	// Superbuf 1 is rolled in with sentinel 0, so its zeroed slots would
	// read as already written; mark them stale instead.
	for p := 0; p < 4; p++ {
		writeHeader(rxq, 1, p, wire.NewRxHeader(0, 0, 0, 0, 0, false, 0, false, false, true, 0, 0, 0, 0))
	}

	// Slot 0's header is skipped on first rollover and each header
	// describes the packet one slot before it, so the headers at slots
	// 1..3 deliver packets 0..2; packet 3's header belongs in superbuf
	// 1's first slot.
	events, err := rx.Poll(0, 10, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		ref, ok := ev.(RxRef)
		if !ok {
			t.Fatalf("event %d: got %T, want RxRef", i, ev)
		}
		if pktid.InSuperbuf(ref.PktID) != i {
			t.Fatalf("event %d: pkt in-superbuf = %d, want %d", i, pktid.InSuperbuf(ref.PktID), i)
		}
		rx.Release(0, ref.PktID)
	}

	// The first poll already rolled into superbuf 1 and stalled at its
	// unwritten first slot. Writing that slot's header delivers packet 3
	// of superbuf 0, and the poll stalls again at slot 1.
	writeHeader(rxq, 1, 0, wire.NewRxHeader(0, 0, 0, 0, 0, false, 0, false, false, false, 0, 0, 0, 0))
	events, err = rx.Poll(0, 10, nil)
	if err != nil {
		t.Fatalf("Poll after rollover: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events after rollover, want 1", len(events))
	}
}

func TestRXDiscardClassification(t *testing.T) {
	rm := &fakeRM{order: []int{0}}
	rxq, pkts, _ := newTestRXQ(2, 1)
	*pkts = 2

	rx := &RX{Table: superbuf.NewTable(), RM: rm, Discard: DiscardEthFCSErr}
	rx.AddQueue(0, rxq)

	writeHeader(rxq, 0, 0, wire.NewRxHeader(64, wire.NextFrameLocFixed, 0, wire.L2StatusFCSErr, wire.L3ClassIP4, false, wire.L4ClassTCP, false, false, true, 0, 0, 0, 0))
	writeHeader(rxq, 0, 1, wire.NewRxHeader(64, wire.NextFrameLocFixed, 0, wire.L2StatusFCSErr, wire.L3ClassOther, false, wire.L4ClassTCP, false, false, true, 0, 0, 0, 0))

	events, err := rx.Poll(0, 10, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (slot 0's header is skipped on first rollover)", len(events))
	}
	disc, ok := events[0].(RxRefDiscard)
	if !ok {
		t.Fatalf("event 0: got %T, want RxRefDiscard", events[0])
	}
	if disc.Flags&DiscardL3ClassOther == 0 {
		t.Fatalf("flags = %v, want DiscardL3ClassOther set", disc.Flags)
	}
}

func TestRXSetGetDiscardMask(t *testing.T) {
	rx := &RX{}
	if rx.GetDiscardMask() != 0 {
		t.Fatal("GetDiscardMask nonzero on a fresh RX")
	}
	rx.SetDiscardMask(DiscardEthFCSErr | DiscardL3ChecksumErr)
	if got := rx.GetDiscardMask(); got != DiscardEthFCSErr|DiscardL3ChecksumErr {
		t.Fatalf("GetDiscardMask = %v, want DiscardEthFCSErr|DiscardL3ChecksumErr", got)
	}
}

func TestRXFuturePeekAndPoll(t *testing.T) {
	rm := &fakeRM{order: []int{0}}
	rxq, pkts, _ := newTestRXQ(2, 1)
	*pkts = 2
	rx := &RX{Table: superbuf.NewTable(), RM: rm}
	rx.AddQueue(0, rxq)

	if _, ok := rx.RxFuturePeek(1 << 0); ok {
		t.Fatal("RxFuturePeek true before rollover or any header written")
	}

	if _, err := rx.Poll(0, 1, nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if _, ok := rx.RxFuturePeek(1 << 0); ok {
		t.Fatal("RxFuturePeek true before a header became available")
	}

	writeHeader(rxq, 0, 1, wire.NewRxHeader(64, wire.NextFrameLocFixed, 0, wire.L2StatusOK, wire.L3ClassIP4, false, wire.L4ClassTCP, false, false, true, 0, 0, 0, 0))
	frame, ok := rx.RxFuturePeek(1 << 0)
	if !ok {
		t.Fatal("RxFuturePeek false once a header became available")
	}
	if frame == nil {
		t.Fatal("RxFuturePeek returned a nil frame pointer on success")
	}

	events, err := rx.RxFuturePoll(10, nil)
	if err != nil {
		t.Fatalf("RxFuturePoll: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events from RxFuturePoll, want 1", len(events))
	}
}

func TestRXStallsOnUnwrittenSentinel(t *testing.T) {
	rm := &fakeRM{order: []int{0}}
	rxq, pkts, _ := newTestRXQ(4, 1)
	*pkts = 4

	rx := &RX{Table: superbuf.NewTable(), RM: rm}
	rx.AddQueue(0, rxq)

	events, err := rx.Poll(0, 10, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0 before any header is written", len(events))
	}
}
