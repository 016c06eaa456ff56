package queue

import (
	"testing"

	"github.com/adimgong/onload/tcpip/link/efct/wire"
)

func newTestTXQ(ringLen int) *TXQ {
	ring := make([]uint64, ringLen)
	// Untouched ring memory must read as "no event yet": fill it with
	// the phase value the engine will only expect after its first
	// wrap, so a test writing just the first entry or two doesn't have
	// the rest of a zero-valued slice misread as real events.
	invalid := uint64(wire.NewFlushEvent(1))
	for i := range ring {
		ring[i] = invalid
	}
	return &TXQ{
		Aperture:  make([]byte, 256),
		EventRing: ring,
	}
}

func TestTXTransmitAndCompletion(t *testing.T) {
	tx := &TX{}
	txq := newTestTXQ(4)
	tx.AddQueue(0, txq)

	frame := []byte("hello, efct")
	if err := tx.Transmit(0, 42, frame, wire.CTDisable, false); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if len(txq.pending) != 1 || txq.pending[0].descID != 42 {
		t.Fatalf("pending = %v, want [{42 ...}]", txq.pending)
	}

	txq.EventRing[0] = uint64(wire.NewTXEvent(0, 0, 0, 0))
	events, err := tx.Poll(0, 10, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	txEv, ok := events[0].(TXComplete)
	if !ok {
		t.Fatalf("event 0: got %T, want TXComplete", events[0])
	}
	if txEv.DescID != 42 {
		t.Fatalf("DescID = %d, want 42", txEv.DescID)
	}

	retired := tx.Unbundle(0, txEv.DescID)
	if len(retired) != 1 || retired[0] != 42 {
		t.Fatalf("Unbundle = %v, want [42]", retired)
	}
	if len(txq.pending) != 0 {
		t.Fatalf("pending not drained: %v", txq.pending)
	}
}

func TestTXAdmissionBound(t *testing.T) {
	tx := &TX{}
	txq := newTestTXQ(1)
	tx.AddQueue(0, txq)
	txq.ctAdded = ctFIFOWords

	if err := tx.Check(0, 1); err != ErrNoSpace {
		t.Fatalf("Check = %v, want ErrNoSpace", err)
	}
}

func TestTXPollStopsAfterOneCompletion(t *testing.T) {
	tx := &TX{}
	txq := newTestTXQ(4)
	tx.AddQueue(0, txq)

	if err := tx.Transmit(0, 1, []byte("a"), wire.CTDisable, false); err != nil {
		t.Fatal(err)
	}
	if err := tx.Transmit(0, 2, []byte("b"), wire.CTDisable, false); err != nil {
		t.Fatal(err)
	}

	txq.EventRing[0] = uint64(wire.NewTXEvent(0, 0, 0, 0))
	txq.EventRing[1] = uint64(wire.NewTXEvent(0, 0, 0, 0))

	events, err := tx.Poll(0, 10, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events in one Poll call, want exactly 1", len(events))
	}
}

func TestTXTransmitCTPIOFallbackPatchesSentinel(t *testing.T) {
	tx := &TX{}
	txq := newTestTXQ(4)
	tx.AddQueue(0, txq)

	if err := tx.TransmitCTPIO(0, []byte("hello"), wire.CTDisable, false); err != nil {
		t.Fatalf("TransmitCTPIO: %v", err)
	}
	if txq.pending[0].descID != DMAIDSentinel {
		t.Fatalf("pending descID = %#x, want sentinel", txq.pending[0].descID)
	}
	if err := tx.TransmitCTPIOFallback(0, 99, []byte("hello"), false); err != nil {
		t.Fatalf("TransmitCTPIOFallback: %v", err)
	}
	if len(txq.pending) != 1 || txq.pending[0].descID != 99 {
		t.Fatalf("pending after fallback = %v, want descID 99", txq.pending)
	}
}

func TestTXTransmitCTPIOFallbackResendsOnFailure(t *testing.T) {
	tx := &TX{}
	txq := newTestTXQ(4)
	tx.AddQueue(0, txq)
	txq.ctAdded = ctFIFOWords // force the next CTPIO send to fail admission

	if err := tx.TransmitCTPIO(0, []byte("hello"), wire.CTDisable, false); err != ErrAgain {
		t.Fatalf("TransmitCTPIO = %v, want ErrAgain", err)
	}
	txq.ctAdded = 0
	if err := tx.TransmitCTPIOFallback(0, 7, []byte("hello"), false); err != nil {
		t.Fatalf("TransmitCTPIOFallback: %v", err)
	}
	if len(txq.pending) != 1 || txq.pending[0].descID != 7 {
		t.Fatalf("pending after fallback resend = %v, want descID 7", txq.pending)
	}
}

func TestTXControlEventsDrainBeforeReturning(t *testing.T) {
	tx := &TX{}
	txq := newTestTXQ(4)
	tx.AddQueue(0, txq)
	if err := tx.Transmit(0, 7, []byte("a"), wire.CTDisable, false); err != nil {
		t.Fatal(err)
	}

	txq.EventRing[0] = uint64(wire.NewFlushEvent(0))
	txq.EventRing[1] = uint64(wire.NewTXEvent(0, 0, 0, 0))

	events, err := tx.Poll(0, 10, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	// The flush abandons pending descriptors, so the TX event after it
	// has nothing to report and the loop keeps draining without
	// emitting anything.
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0 (flush then orphaned completion)", len(events))
	}
}
