package queue

import (
	"encoding/binary"

	"github.com/adimgong/onload/tcpip/link/efct/fence"
	"github.com/adimgong/onload/tcpip/link/efct/wire"
)

// MaxTXQs is the number of transmit queues a VI can drive at once.
const MaxTXQs = 8

// ctFIFOWords bounds how many CTPIO words may be outstanding (written to
// the aperture but not yet retired by a completion event) at once,
// mirroring the NIC's internal cut-through FIFO depth.
const ctFIFOWords = 1024

// txRingSlots is the transmit descriptor ring's slot count: every send
// occupies at least one 64-byte-aligned block (the 8-byte header plus
// padding), so the ring never needs more slots than the CT-FIFO has
// 64-byte blocks. txRingMask is the corresponding index mask used to
// interpret a completion event's SEQUENCE field, which is a ring
// position, not a byte count.
const (
	txRingSlots = ctFIFOWords / 8
	txRingMask  = txRingSlots - 1
)

// TXQ is one transmit queue's hardware-facing state: the write-combined
// CTPIO aperture, the event ring completions for it land on, and the
// callback used to top up its unsolicited-event credit.
type TXQ struct {
	HWQID     int
	Aperture  []byte
	EventRing []uint64
	// CreditReg, if set, is called with the value to post to the
	// per-queue unsolicited-credit register whenever credit is
	// replenished (either a routine TIME_SYNC bump or an
	// UNSOL_OVERFLOW recovery).
	CreditReg func(value uint64)
	// Doorbell, if set, is called once a send has been fenced off and
	// is ready for the NIC to pick up.
	Doorbell func()
	// TSSubnanoBits is the design-time shift applied to a TX
	// timestamp's fractional-second payload; unlike the receive path
	// (always a fixed two-bit shift) this is configurable per VI.
	TSSubnanoBits uint
	// UnsolCreditSeqMask masks the GRANT_SEQ field written back to the
	// unsolicited-credit register; 0 falls back to the register's
	// native width.
	UnsolCreditSeqMask uint32

	phase   uint64
	readIdx int

	// previous is the ring position, in the same counter space as
	// added, up to which completions have been observed by Poll. It
	// advances as soon as a completion event is read, independently of
	// when the caller actually calls Unbundle to drain pending.
	previous uint32

	wordOffset uint64 // aperture cursor, in 64-bit words
	wordMask   uint64 // aperture size in words, minus one

	added, removed     uint32
	ctAdded, ctRemoved uint32
	warm               bool
	lastCTPIOFailed    bool
	unsolCreditSeq     uint32
	timeSyncSeconds    uint32
	syncFlags          uint32

	pending []pendingSend
}

// pendingSend is one outstanding transmit awaiting a completion event:
// the caller's correlation id and the CTPIO word count it occupies,
// needed so retirement can advance ctRemoved by the right number of
// words rather than a flat per-descriptor count.
type pendingSend struct {
	descID uint32
	words  uint32
}

// TX is the transmit engine: per-VI state shared by every txq it owns.
type TX struct {
	Logger Logger

	txqs [MaxTXQs]*TXQ
}

func (t *TX) logf(format string, args ...interface{}) {
	if t.Logger != nil {
		t.Logger.Printf(format, args...)
	}
}

// AddQueue registers txq as the queue addressed by index qidx. The
// aperture's byte length must be a power of two (a design-parameter
// invariant validated at VI construction); AddQueue derives the
// aperture's word mask from it so Transmit can wrap correctly instead
// of restarting every send at aperture offset zero.
func (t *TX) AddQueue(qidx int, txq *TXQ) {
	words := uint64(len(txq.Aperture) / 8)
	if words > 0 {
		txq.wordMask = words - 1
	}
	t.txqs[qidx] = txq
}

func padLen(n, align int) int {
	if r := n % align; r != 0 {
		n += align - r
	}
	return n
}

// writeCTPIO streams data into txq's write-combined aperture one
// machine word at a time, starting at the cursor left by the previous
// send and wrapping modulo the aperture's word mask so back-to-back
// sends continue where the last one left off instead of each
// restarting at byte zero (the aperture is a bounded ring the NIC
// drains continuously). Full 8-byte words are written in the host's
// native byte order; a trailing partial word is written byte-swapped,
// because the hardware only coalesces a short final write correctly
// when its significant bytes are left-justified within the word, the
// opposite of a little-endian layout. wordOffset is advanced by the
// number of words written.
func writeCTPIO(txq *TXQ, data []byte) {
	aperture := txq.Aperture
	n := len(data)
	full := n &^ 7
	word := func(i uint64) []byte {
		idx := (txq.wordOffset + i) & txq.wordMask
		return aperture[idx*8 : idx*8+8]
	}
	nWords := uint64(0)
	for i := 0; i < full; i += 8 {
		binary.LittleEndian.PutUint64(word(nWords), binary.LittleEndian.Uint64(data[i:i+8]))
		nWords++
	}
	if rem := n - full; rem > 0 {
		var tail [8]byte
		copy(tail[:rem], data[full:])
		binary.BigEndian.PutUint64(word(nWords), binary.BigEndian.Uint64(tail[:]))
		nWords++
	}
	txq.wordOffset = (txq.wordOffset + nWords) & txq.wordMask
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Check reports whether a send needing wordsNeeded more CTPIO words
// would fit under the cut-through FIFO bound, without admitting it.
func (t *TX) Check(qidx int, wordsNeeded uint32) error {
	txq := t.txqs[qidx]
	if txq == nil {
		return ErrNoEnt
	}
	if txq.ctAdded-txq.ctRemoved+wordsNeeded > ctFIFOWords {
		return ErrNoSpace
	}
	return nil
}

// DMAIDSentinel is the descriptor id a TransmitvCTPIO send is posted
// under until TransmitvCTPIOFallback swaps the caller's real descriptor
// id in for it.
const DMAIDSentinel = 0xefc7efc7

// Transmit writes header and frame to qidx's CTPIO aperture and arms a
// completion for descID. ctThresh selects the cut-through point in
// 64-byte multiples (including the 8-byte header); passing a value at or above wire.CTDisable disables cut-through
// for this send. Transmit is the degenerate one-fragment case of
// Transmitv.
func (t *TX) Transmit(qidx int, descID uint32, frame []byte, ctThresh int, timestampFlag bool) error {
	return t.Transmitv(qidx, descID, [][]byte{frame}, ctThresh, timestampFlag)
}

// Transmitv sums the length of every fragment in iovs, admits the send
// as a single unit against the cut-through FIFO bound, writes the
// synthesized header followed by every fragment back to back into the
// CTPIO aperture, and arms a completion for descID.
func (t *TX) Transmitv(qidx int, descID uint32, iovs [][]byte, ctThresh int, timestampFlag bool) error {
	txq := t.txqs[qidx]
	if txq == nil {
		return ErrNoEnt
	}
	if ctThresh < 0 || ctThresh >= wire.CTDisable {
		ctThresh = wire.CTDisable
	}

	length := 0
	for _, iov := range iovs {
		length += len(iov)
	}

	header := wire.TxHeader(uint64(length), uint64(ctThresh), boolToU64(timestampFlag), boolToU64(txq.warm), 0)
	header = wire.SetTxHeaderWarmFlag(header, txq.warm)

	var hdrBuf [wire.TxHeaderBytes]byte
	binary.LittleEndian.PutUint64(hdrBuf[:], header)

	total := wire.TxHeaderBytes + length
	padded := padLen(total, wire.TxAlignment)
	if padded > len(txq.Aperture) {
		txq.lastCTPIOFailed = true
		return ErrNoSpace
	}
	if err := t.Check(qidx, uint32(padded/8)); err != nil {
		txq.lastCTPIOFailed = true
		return ErrAgain
	}

	buf := make([]byte, 0, padded)
	buf = append(buf, hdrBuf[:]...)
	for _, iov := range iovs {
		buf = append(buf, iov...)
	}
	buf = buf[:padded] // zero-pad to the 64-byte alignment boundary

	writeCTPIO(txq, buf)
	fence.StoreFence()
	if txq.Doorbell != nil {
		txq.Doorbell()
	}

	words := uint32(padded / 8)
	txq.pending = append(txq.pending, pendingSend{descID: descID, words: words})
	txq.added++
	txq.lastCTPIOFailed = false
	txq.ctAdded += words
	return nil
}

// TXStats is a snapshot of one txq's completion bookkeeping, useful for
// metrics export; it is not consulted by the engine itself.
type TXStats struct {
	Added, Removed     uint32
	CTAdded, CTRemoved uint32
	Pending            int
}

// Stats returns a snapshot of qidx's current counters.
func (t *TX) Stats(qidx int) TXStats {
	txq := t.txqs[qidx]
	return TXStats{
		Added:     txq.added,
		Removed:   txq.removed,
		CTAdded:   txq.ctAdded,
		CTRemoved: txq.ctRemoved,
		Pending:   len(txq.pending),
	}
}

// LastCTPIOFailed reports whether qidx's most recent send failed
// admission (too large for its aperture, or over the cut-through FIFO
// bound), the condition that forces a caller onto the non-cut-through
// fallback path for its next attempt.
func (t *TX) LastCTPIOFailed(qidx int) bool {
	return t.txqs[qidx].lastCTPIOFailed
}

// InvalidDMAID is the descriptor id posted for a CTPIO send made while
// warm-send mode is active: the NIC discards the frame, so no real
// completion will ever need correlating back to a caller id.
const InvalidDMAID = 0xffffffff

// TransmitvCTPIO is transmitv's CTPIO-specific sibling: ctThresh, like
// Transmitv's, is in 64-byte multiples (including the 8-byte header),
// and any value at or above wire.CTDisable disables cut-through for
// this send. The descriptor id actually posted is a sentinel
// (DMAIDSentinel), or InvalidDMAID while warm, because the caller's
// real id isn't known until TransmitvCTPIOFallback supplies it.
func (t *TX) TransmitvCTPIO(qidx int, iovs [][]byte, ctThresh int, timestampFlag bool) error {
	txq := t.txqs[qidx]
	if txq == nil {
		return ErrNoEnt
	}
	id := uint32(DMAIDSentinel)
	if txq.warm {
		id = InvalidDMAID
	}
	return t.Transmitv(qidx, id, iovs, ctThresh, timestampFlag)
}

// TransmitCTPIO is the degenerate one-fragment case of TransmitvCTPIO.
func (t *TX) TransmitCTPIO(qidx int, frame []byte, ctThresh int, timestampFlag bool) error {
	return t.TransmitvCTPIO(qidx, [][]byte{frame}, ctThresh, timestampFlag)
}

// TransmitvCTPIOFallback is called after every TransmitvCTPIO attempt.
// If the CTPIO send was admitted, it simply swaps descID in for the
// sentinel id the pending send was posted under -- no bytes are
// rewritten, since the aperture write already happened. If the CTPIO
// send failed admission (LastCTPIOFailed), it re-transmits the frame in
// full over the non-cut-through path instead.
func (t *TX) TransmitvCTPIOFallback(qidx int, descID uint32, iovs [][]byte, timestampFlag bool) error {
	txq := t.txqs[qidx]
	if txq == nil {
		return ErrNoEnt
	}
	if txq.lastCTPIOFailed {
		return t.Transmitv(qidx, descID, iovs, wire.CTDisable, timestampFlag)
	}
	if len(txq.pending) > 0 {
		txq.pending[len(txq.pending)-1].descID = descID
	}
	return nil
}

// TransmitCTPIOFallback is the degenerate one-fragment case of
// TransmitvCTPIOFallback.
func (t *TX) TransmitCTPIOFallback(qidx int, descID uint32, frame []byte, timestampFlag bool) error {
	return t.TransmitvCTPIOFallback(qidx, descID, [][]byte{frame}, timestampFlag)
}

// StartWarm and StopWarm toggle warm-send mode: sends made while warm is
// active are marked WARM_FLAG so the NIC primes its pipeline without
// actually putting a frame on the wire.
func (t *TX) StartWarm(qidx int)    { t.txqs[qidx].warm = true }
func (t *TX) StopWarm(qidx int)     { t.txqs[qidx].warm = false }
func (t *TX) IsWarm(qidx int) bool  { return t.txqs[qidx].warm }

// Unbundle retires every descriptor id qidx has pending up to and
// including descID, in completion order, and returns them. A single TX
// completion event can cover several sends coalesced together by the
// NIC, so callers of Poll retire their own bookkeeping through this
// rather than assuming one event means one descriptor. ctRemoved is
// not touched here: Poll already advances it as soon as the
// completion is observed, independently of when the caller gets
// around to calling Unbundle.
func (t *TX) Unbundle(qidx int, descID uint32) []uint32 {
	txq := t.txqs[qidx]
	var retired []uint32
	for i, p := range txq.pending {
		retired = append(retired, p.descID)
		if p.descID == descID {
			txq.pending = txq.pending[i+1:]
			txq.removed += uint32(len(retired))
			return retired
		}
	}
	// descID wasn't found pending; nothing to retire.
	return nil
}

// reconcileTimestamp turns a raw PARTIAL_TSTAMP payload into a full
// (seconds, nanoseconds) pair by combining it with the seconds value
// last observed from a TIME_SYNC control event. The NIC's clock can
// advance a second between the TIME_SYNC event and this completion, so
// a carry is detected whenever the partial payload's low seconds bits
// read one higher than what TIME_SYNC last reported.
func (t *TX) reconcileTimestamp(txq *TXQ, partial uint64) (sec, nsec uint32) {
	const nsecBits = 30
	shift := txq.TSSubnanoBits
	nsec = uint32(partial&(1<<nsecBits-1))>>shift | txq.syncFlags
	partialSeconds := uint32(partial>>nsecBits) & 0xff
	sec = txq.timeSyncSeconds
	if partialSeconds == (sec+1)%256 {
		sec++
	}
	return sec, nsec
}

// HasEvent reports whether qidx's event ring currently holds an entry
// this phase hasn't consumed yet, without consuming it.
func (t *TX) HasEvent(qidx int) bool {
	txq := t.txqs[qidx]
	if txq == nil {
		return false
	}
	word := txq.EventRing[txq.readIdx]
	return wire.Event(word).Phase() == int(txq.phase&1)
}

// Poll appends at most one TX or TX_WITH_TIMESTAMP event to out, having
// first drained and handled every CONTROL event ahead of it, and
// returns. Limiting a single call to one completion event keeps a
// burst of back-to-back sends from starving other queues in
// eventq_poll's round-robin. budget additionally bounds the CONTROL
// events a single call will drain: once budget events (of any kind)
// have been appended this call, Poll stops consuming the ring and
// returns, so a backlog of buffered CONTROL events can't make one call
// return arbitrarily more than its caller asked for.
func (t *TX) Poll(qidx int, budget int, out []Event) ([]Event, error) {
	txq := t.txqs[qidx]
	if txq == nil {
		return out, ErrNoEnt
	}

	appended := 0
	for {
		if appended >= budget {
			return out, nil
		}
		word := txq.EventRing[txq.readIdx]
		ev := wire.Event(word)
		if ev.Phase() != int(txq.phase&1) {
			return out, nil
		}
		txq.readIdx++
		if txq.readIdx == len(txq.EventRing) {
			txq.readIdx = 0
			txq.phase ^= 1
		}

		switch ev.Type() {
		case wire.EventTypeTX:
			if len(txq.pending) == 0 {
				t.logf("efct: tx event on %d with nothing pending", qidx)
				continue
			}
			if ev.TimestampStatus() != 0 {
				// A timestamped completion retires exactly the one
				// descriptor it reports on; it is its own retirement
				// and the caller does not also call Unbundle for it.
				p := txq.pending[0]
				txq.pending = txq.pending[1:]
				txq.previous++
				txq.removed++
				txq.ctRemoved += p.words
				sec, nsec := t.reconcileTimestamp(txq, ev.PartialTimestamp())
				out = append(out, TXTimestamp{QID: uint32(qidx), CTPIO: true, TSSec: sec, TSNsec: nsec})
				return out, nil
			}
			// A plain TX event names the ring position its SEQUENCE
			// field reports via (previous & mask) == (seq+1) & mask:
			// previous walks forward across however many pending
			// descriptors that covers (the NIC may coalesce several
			// sends into one completion), adding each one's word count
			// to ctRemoved as it goes. The event itself only reports
			// the desc id of the last descriptor the completion
			// covers; the caller's Unbundle call is what actually
			// drains them out of pending and bumps removed.
			target := (ev.Sequence() + 1) & txRingMask
			var lastDescID uint32
			var retiredWords uint32
			advanced := 0
			for (txq.previous&txRingMask) != target && advanced < len(txq.pending) {
				p := txq.pending[advanced]
				lastDescID = p.descID
				retiredWords += p.words
				txq.previous++
				advanced++
			}
			if advanced == 0 {
				// A stale or duplicate completion for a position
				// already retired; nothing new to report.
				continue
			}
			txq.ctRemoved += retiredWords
			out = append(out, TXComplete{DescID: lastDescID, QID: uint32(qidx), CTPIO: true})
			return out, nil

		case wire.EventTypeControl:
			switch ev.Subtype() {
			case wire.CtrlEvError:
				out = append(out, TXError{QID: uint32(qidx), DescID: ev.ErrorLabel(), Subtype: wire.CtrlEvError})
				appended++
			case wire.CtrlEvFlush:
				t.logf("efct: txq %d flushed, %d descriptors abandoned", qidx, len(txq.pending))
				txq.pending = nil
			case wire.CtrlEvTimeSync:
				txq.timeSyncSeconds = uint32(ev.TimeSyncHigh() >> 16)
				txq.syncFlags = 0
				if ev.ClockInSync() {
					txq.syncFlags |= wire.TSFlagClockInSync
				}
				if ev.ClockIsSet() {
					txq.syncFlags |= wire.TSFlagClockIsSet
				}
				txq.unsolCreditSeq++
				if txq.CreditReg != nil {
					txq.CreditReg(wire.UnsolCreditRegister(txq.unsolCreditSeq, txq.UnsolCreditSeqMask, false))
				}
			case wire.CtrlEvUnsolOverflow:
				txq.unsolCreditSeq = wire.TimeSyncEventEvqCapacity - 1
				if txq.CreditReg != nil {
					txq.CreditReg(wire.UnsolCreditRegister(txq.unsolCreditSeq, txq.UnsolCreditSeqMask, true))
				}
			}
		}
	}
}
