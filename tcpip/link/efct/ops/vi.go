package ops

import (
	"github.com/adimgong/onload/tcpip/link/efct/queue"
	"github.com/adimgong/onload/tcpip/link/efct/superbuf"
	"github.com/adimgong/onload/tcpip/link/efct/wire"
)

// VI is one virtual interface: the receive and transmit engines, the
// poll multiplexer tying them together, and the bookkeeping a caller
// needs to bring rxqs and txqs up against a concrete ResourceManager.
type VI struct {
	RX  *queue.RX
	TX  *queue.TX
	EVQ *queue.EVQ

	RM     ResourceManager
	Params DesignParameters
	// Hosted marks a VI whose control path is a kernel driver rather
	// than this process talking to the NIC directly; RX caches a
	// config-refresh failure rather than retrying it every poll on
	// such a VI, since a kernel-hosted refresh failure usually means
	// the kernel itself is already handling (or crash-containing) a
	// reset and hammering it again just adds load.
	Hosted bool

	nextReqID uint32
}

// New validates params and wires a fresh VI's engines together. It does
// not bring up any rxq or txq; callers do that with AddRxq/SetTxq once
// they have memory to back them with.
func New(rm ResourceManager, params DesignParameters, logger queue.Logger, hosted bool) (*VI, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	rx := &queue.RX{
		Table:  superbuf.NewTable(),
		RM:     rm,
		Hosted: hosted,
		Logger: logger,
	}
	tx := &queue.TX{Logger: logger}
	return &VI{
		RX:     rx,
		TX:     tx,
		EVQ:    &queue.EVQ{RX: rx, TX: tx, TXQIndex: -1},
		RM:     rm,
		Params: params,
		Hosted: hosted,
	}, nil
}

// AddRxq registers rxq (already populated with its live pointers and
// backing arena by the caller) as qidx and marks it active in the poll
// mask.
func (v *VI) AddRxq(qidx int, rxq *queue.RXQ) {
	v.RX.AddQueue(qidx, rxq)
	v.EVQ.ActiveRxqs |= 1 << uint(qidx)
}

// SetTxq registers txq as the single txq this VI drives, stamping it
// with the VI's design-time unsolicited-credit sequence mask.
func (v *VI) SetTxq(qidx int, txq *queue.TXQ) {
	txq.UnsolCreditSeqMask = v.Params.UnsolCreditSeqMask
	v.TX.AddQueue(qidx, txq)
	v.EVQ.TXQIndex = qidx
}

// NextRequestID returns a caller-scoped, monotonically increasing
// identifier for correlating an upcoming receive with the event that
// will eventually report it; the engine itself has no notion of
// "request" separate from the pkt id a superbuf rollover assigns.
func (v *VI) NextRequestID() uint32 {
	v.nextReqID++
	return v.nextReqID
}

// Poll is the unified poll entry point: every active rxq, then the txq,
// bounded by budget receive events per call.
func (v *VI) Poll(budget int) ([]queue.Event, error) {
	return v.EVQ.Poll(budget, nil)
}

// Transmit sends frame over the VI's single txq with cut-through
// disabled.
func (v *VI) Transmit(descID uint32, frame []byte, timestamp bool) error {
	return v.TX.Transmit(v.EVQ.TXQIndex, descID, frame, wire.CTDisable, timestamp)
}

// Transmitv is Transmit's vectored sibling: iovs are concatenated into
// one frame before the admission check and aperture write.
func (v *VI) Transmitv(descID uint32, iovs [][]byte, timestamp bool) error {
	return v.TX.Transmitv(v.EVQ.TXQIndex, descID, iovs, wire.CTDisable, timestamp)
}

// TransmitPush is a no-op on this VI family: Transmit/Transmitv already
// ring the doorbell as soon as the aperture write is fenced off, so
// there is no separate batching step to flush.
func (v *VI) TransmitPush() {}

// TransmitCTPIO sends frame cut-through, posting it under a sentinel
// descriptor id; TransmitCTPIOFallback must be called afterwards to
// hand it the real id (or resend it if cut-through failed admission).
func (v *VI) TransmitCTPIO(frame []byte, ctThresh int, timestamp bool) error {
	return v.TX.TransmitCTPIO(v.EVQ.TXQIndex, frame, ctThresh, timestamp)
}

// TransmitvCTPIO is TransmitCTPIO's vectored sibling.
func (v *VI) TransmitvCTPIO(iovs [][]byte, ctThresh int, timestamp bool) error {
	return v.TX.TransmitvCTPIO(v.EVQ.TXQIndex, iovs, ctThresh, timestamp)
}

// TransmitCTPIOFallback completes a TransmitCTPIO call: it patches
// descID into the just-posted sentinel send, or resends frame over the
// non-cut-through path if the CTPIO attempt failed admission.
func (v *VI) TransmitCTPIOFallback(descID uint32, frame []byte, timestamp bool) error {
	return v.TX.TransmitCTPIOFallback(v.EVQ.TXQIndex, descID, frame, timestamp)
}

// TransmitvCTPIOFallback is TransmitCTPIOFallback's vectored sibling.
func (v *VI) TransmitvCTPIOFallback(descID uint32, iovs [][]byte, timestamp bool) error {
	return v.TX.TransmitvCTPIOFallback(v.EVQ.TXQIndex, descID, iovs, timestamp)
}

// TransmitvCTPIOCopy always reports queue.ErrNotSupported: this VI
// family's CTPIO writes go straight from the caller's buffers to the
// write-combined aperture, with no "copy into a bounce buffer first"
// path for software that can't tolerate a partial cut-through send.
func (v *VI) TransmitvCTPIOCopy([][]byte, int) error { return queue.ErrNotSupported }

// ReceiveSetDiscards changes which discard flags make this VI's receive
// engine report a packet as RxRefDiscard instead of RxRef.
func (v *VI) ReceiveSetDiscards(mask queue.DiscardFlags) {
	v.RX.SetDiscardMask(mask)
}

// ReceiveGetDiscards reports the discard mask most recently set by
// ReceiveSetDiscards.
func (v *VI) ReceiveGetDiscards() queue.DiscardFlags {
	return v.RX.GetDiscardMask()
}

// The operations below have no hardware support on this VI family at
// all: EFCT receives exclusively through superbufs and transmits
// exclusively through CTPIO, so the descriptor-ring and programmed-IO
// operation families other ef_vi-backed NICs support are simply absent
// here. They exist as named methods so a caller coded against the
// wider ef_vi operation set gets a clear, typed rejection instead of a
// missing-method compile error or a silent no-op.

// TransmitPIO always reports queue.ErrNotSupported: this VI family has
// no programmed-IO aperture, only CTPIO.
func (v *VI) TransmitPIO([]byte) error { return queue.ErrNotSupported }

// TransmitCopyPIO always reports queue.ErrNotSupported, for the same
// reason as TransmitPIO.
func (v *VI) TransmitCopyPIO([]byte) error { return queue.ErrNotSupported }

// TransmitAltAlloc always reports queue.ErrNotSupported: alternative
// TX datapaths are a different NIC family's feature.
func (v *VI) TransmitAltAlloc(int) error { return queue.ErrNotSupported }

// TransmitAltFree always reports queue.ErrNotSupported.
func (v *VI) TransmitAltFree(int) error { return queue.ErrNotSupported }

// TransmitAltSelect always reports queue.ErrNotSupported.
func (v *VI) TransmitAltSelect(int) error { return queue.ErrNotSupported }

// TransmitAltStop always reports queue.ErrNotSupported.
func (v *VI) TransmitAltStop(int) error { return queue.ErrNotSupported }

// ReceiveInit always reports queue.ErrNotSupported: descriptor-ring
// style receive posting belongs to the NIC families EFCT superseded.
func (v *VI) ReceiveInit(uint32) error { return queue.ErrNotSupported }

// ReceivePush always reports queue.ErrNotSupported, for the same
// reason as ReceiveInit.
func (v *VI) ReceivePush() error { return queue.ErrNotSupported }

// EventQueuePrime always reports queue.ErrNotSupported: wakeups on this
// VI family are armed through queue.RX.WakeupParams and a file
// descriptor the resource manager owns, not an in-band prime operation.
func (v *VI) EventQueuePrime(uint32) error { return queue.ErrNotSupported }

// EventQueueTimerStart always reports queue.ErrNotSupported: there is
// no interrupt-moderation timer on this event-queue model.
func (v *VI) EventQueueTimerStart(uint32) error { return queue.ErrNotSupported }

// EventQueueTimerStop always reports queue.ErrNotSupported.
func (v *VI) EventQueueTimerStop() error { return queue.ErrNotSupported }

// TransmitMemcpy always reports queue.ErrNotSupported: this VI family
// has no offloaded memcpy-style send.
func (v *VI) TransmitMemcpy(dst, src uint64, length int) error { return queue.ErrNotSupported }

// TransmitMemcpySync always reports queue.ErrNotSupported.
func (v *VI) TransmitMemcpySync() error { return queue.ErrNotSupported }
