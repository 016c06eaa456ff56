package queue

import (
	"testing"

	"github.com/adimgong/onload/tcpip/link/efct/pktid"
	"github.com/adimgong/onload/tcpip/link/efct/superbuf"
	"github.com/adimgong/onload/tcpip/link/efct/wire"
)

func TestEVQPollDeliversFromActiveRxq(t *testing.T) {
	rm0 := &fakeRM{order: []int{0}}
	rm1 := &fakeRM{order: []int{0}}
	rxq0, pkts0, _ := newTestRXQ(2, 1)
	rxq1, pkts1, _ := newTestRXQ(2, 1)
	*pkts0, *pkts1 = 2, 2

	rx := &RX{Table: superbuf.NewTable(), RM: rm0}
	rx.AddQueue(0, rxq0)
	// A single RX engine only has one resource manager in this test
	// harness; queue 1 sits on its own engine instance, which this EVQ
	// does not poll, so only rxq 0 is active in ActiveRxqs below.
	rx1 := &RX{Table: superbuf.NewTable(), RM: rm1}
	rx1.AddQueue(1, rxq1)

	writeHeader(rxq0, 0, 1, wire.NewRxHeader(10, wire.NextFrameLocFixed, 0, wire.L2StatusOK, 0, false, 0, false, false, true, 0, 0, 0, 0))
	writeHeader(rxq1, 0, 0, wire.NewRxHeader(20, wire.NextFrameLocFixed, 0, wire.L2StatusOK, 0, false, 0, false, false, true, 0, 0, 1, 0))

	evq := &EVQ{RX: rx, ActiveRxqs: 1 << 0, TXQIndex: -1}
	events, err := evq.Poll(10, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ref := events[0].(RxRef)
	if pktid.Rxq(ref.PktID) != 0 {
		t.Fatalf("event came from rxq %d, want 0", pktid.Rxq(ref.PktID))
	}
}

func TestEVQCheckEventPeekDoesNotConsume(t *testing.T) {
	rm := &fakeRM{order: []int{0}}
	rxq, pkts, _ := newTestRXQ(2, 1)
	*pkts = 2
	rx := &RX{Table: superbuf.NewTable(), RM: rm}
	rx.AddQueue(0, rxq)

	evq := &EVQ{RX: rx, ActiveRxqs: 1 << 0, TXQIndex: -1}
	if evq.CheckEvent(0) {
		t.Fatal("CheckEvent true before any header written or rollover performed")
	}

	// Drive one rollover via a real Poll so the cursor is live, then
	// write a header and confirm the peek sees it without consuming.
	// First rollover skips slot 0, so the cursor reads slot 1.
	if _, err := rx.Poll(0, 1, nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	writeHeader(rxq, 0, 1, wire.NewRxHeader(5, wire.NextFrameLocFixed, 0, wire.L2StatusOK, 0, false, 0, false, false, true, 0, 0, 0, 0))

	if !evq.CheckEvent(0) {
		t.Fatal("CheckEvent false after header became available")
	}
	if !evq.CheckEvent(0) {
		t.Fatal("second CheckEvent should still see the same event (peek must not consume)")
	}

	events, err := rx.Poll(0, 10, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestEVQHasAnyEventChecksTXAndEveryRxq(t *testing.T) {
	rm := &fakeRM{order: []int{0}}
	rxq, pkts, _ := newTestRXQ(2, 1)
	*pkts = 2
	rx := &RX{Table: superbuf.NewTable(), RM: rm}
	rx.AddQueue(0, rxq)

	tx := &TX{}
	txq := newTestTXQ(4)
	tx.AddQueue(0, txq)

	evq := &EVQ{RX: rx, TX: tx, ActiveRxqs: 1 << 0, TXQIndex: 0}
	if evq.HasAnyEvent() {
		t.Fatal("HasAnyEvent true with nothing pending on either engine")
	}

	txq.EventRing[0] = uint64(wire.NewTXEvent(0, 0, 0, 0))
	if !evq.HasAnyEvent() {
		t.Fatal("HasAnyEvent false with a TX completion waiting")
	}

	txq.EventRing[0] = uint64(wire.NewFlushEvent(1)) // restore to "no event"
	if evq.HasAnyEvent() {
		t.Fatal("HasAnyEvent true again after clearing the TX event")
	}

	if _, err := rx.Poll(0, 1, nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	writeHeader(rxq, 0, 1, wire.NewRxHeader(5, wire.NextFrameLocFixed, 0, wire.L2StatusOK, 0, false, 0, false, false, true, 0, 0, 0, 0))
	if !evq.HasAnyEvent() {
		t.Fatal("HasAnyEvent false with an rxq event waiting")
	}
}
