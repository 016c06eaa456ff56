package queue

import (
	"errors"
	"sync/atomic"

	"github.com/adimgong/onload/tcpip/link/efct/pktid"
	"github.com/adimgong/onload/tcpip/link/efct/superbuf"
	"github.com/adimgong/onload/tcpip/link/efct/wire"
)

// Sentinel errors returned by RX and the resource manager it drives.
var (
	ErrAgain        = errors.New("efct: resource temporarily unavailable")
	ErrAlready      = errors.New("efct: already in progress")
	ErrNoSpace      = errors.New("efct: no space")
	ErrNoEnt        = errors.New("efct: no such queue")
	ErrNoData       = errors.New("efct: no data available")
	ErrNotSupported = errors.New("efct: not supported")
)

// Logger is the narrow ambient-logging surface the receive and transmit
// engines use for conditions that are worth a line in the log but don't
// rise to a returned error (a corrupt header, a forced rollover, a
// flush). Supplying logrus's *logrus.Logger or *logrus.Entry satisfies
// this trivially.
type Logger interface {
	Printf(format string, args ...interface{})
}

// RXResourceManager is the subset of the external resource manager the
// receive engine drives directly: handing out fresh superbufs, taking
// them back, and re-synchronising design-time configuration. A VI type
// built on top of this package supplies the concrete implementation,
// typically backed by an MCDI-speaking control path.
type RXResourceManager interface {
	// Next returns the local superbuf index to roll in next for qid,
	// along with the sentinel value packets in it will be tagged with
	// and the sequence number of the superbuf (used to detect gaps).
	// It returns ErrAgain if no superbuf is currently available.
	Next(qid int) (localSuperbuf int, sentinel bool, seq uint32, err error)
	// Free returns a fully-consumed superbuf to the manager.
	Free(qid, localSuperbuf int)
	// Refresh re-reads design-time configuration for qid (e.g. the
	// current superbuf packet capacity) after a config generation
	// change has been observed.
	Refresh(qid int) error
}

// RXQLive are pointers into memory the NIC, not this driver, writes.
// Every read through them must go via AccessOnce-style atomic loads:
// the compiler is otherwise free to cache or reorder a plain load of
// what looks like an ordinary field.
type RXQLive struct {
	SuperbufPkts     *uint32
	ConfigGeneration *uint32
}

func loadU32(p *uint32) uint32 { return atomic.LoadUint32(p) }

// RXQ is one receive queue's static configuration: its hardware queue
// id, the live pointers describing it, and the contiguous byte arena
// backing every superbuf slot the resource manager may hand to it.
// Local superbuf L's packet slot p lives at
// Arena[L*SuperbufSlots*PktStride + p*PktStride :][:PktStride], and that
// range's first RxHeaderBytes bytes hold the RX header describing the
// packet one slot earlier (p-1, or the previous superbuf's final packet
// when p is 0). SuperbufSlots is the fixed capacity reserved per superbuf
// in the arena; the live SuperbufPkts count may be anywhere up to it.
type RXQ struct {
	HWQID        int
	Live         RXQLive
	Arena        []byte
	PktStride    int
	SuperbufSlots int

	configGeneration uint32
}

// rxqPtr is the driver-side read cursor into one rxq's packet stream.
type rxqPtr struct {
	next uint64 // high 32: superbuf sequence; low 32: pkt id | sentinel bit
	prev uint32 // pkt id the header at next describes (one slot behind next)
	end  uint32 // pkt id one past the last packet of the current superbuf
	live bool   // false until the first rollover has happened
}

// RX is the receive engine: per-VI state shared by every rxq it owns.
// It holds no goroutine-safety of its own; callers serialise access to
// a VI exactly the way they would a non-reentrant C library.
type RX struct {
	Table   *superbuf.Table
	RM      RXResourceManager
	Discard DiscardFlags // flag bits that turn a delivery into RxRefDiscard
	Hosted  bool         // kernel-hosted variant: config refresh failure is cached, not retried every poll
	Logger  Logger

	rxqs        [pktid.MaxRxqs]*RXQ
	ptrs        [pktid.MaxRxqs]rxqPtr
	refreshFail [pktid.MaxRxqs]bool
	futureQID   int
}

// SetDiscardMask changes which discard flags suppress delivery; packets
// whose derived flags overlap mask are handed back as RxRefDiscard
// instead of RxRef.
func (r *RX) SetDiscardMask(mask DiscardFlags) { r.Discard = mask }

// GetDiscardMask returns the mask last set by SetDiscardMask (or the
// zero value if it was never called).
func (r *RX) GetDiscardMask() DiscardFlags { return r.Discard }

func (r *RX) logf(format string, args ...interface{}) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

// AddQueue registers rxq as the queue addressed by index qidx (the same
// index callers will see in RxRef.QID / pktid.Rxq). qidx must be in
// [0, pktid.MaxRxqs).
func (r *RX) AddQueue(qidx int, rxq *RXQ) {
	r.rxqs[qidx] = rxq
}

func (r *RX) header(rxq *RXQ, pkt uint32) wire.RxHeader {
	localSB := pktid.LocalSuperbuf(pkt)
	off := localSB*rxq.SuperbufSlots*rxq.PktStride + pktid.InSuperbuf(pkt)*rxq.PktStride
	return wire.DecodeRxHeader(rxq.Arena[off : off+wire.RxHeaderBytes])
}

func needRollover(ptr *rxqPtr) bool {
	return !ptr.live || pktid.Of(uint32(ptr.next)) >= ptr.end
}

// checkConfig compares the generation counter the NIC maintains with
// the one last synchronised and, if it has moved on, re-synchronises
// with the resource manager before the rxq's configuration is trusted.
func (r *RX) checkConfig(qidx int) error {
	rxq := r.rxqs[qidx]
	gen := loadU32(rxq.Live.ConfigGeneration)
	if gen == rxq.configGeneration {
		r.refreshFail[qidx] = false
		return nil
	}
	if r.Hosted && r.refreshFail[qidx] {
		// A hosted VI's control path already reported this generation
		// as unreachable; don't hammer it again every poll.
		return ErrAgain
	}
	if err := r.RM.Refresh(rxq.HWQID); err != nil {
		r.refreshFail[qidx] = true
		return err
	}
	rxq.configGeneration = gen
	r.refreshFail[qidx] = false
	return nil
}

// rollover acquires the next superbuf for qidx from the resource
// manager and splices it into the rxq's read cursor, releasing the
// previous superbuf first if a sequence-number gap shows the NIC
// skipped past it without this driver noticing.
func (r *RX) rollover(qidx int) error {
	if err := r.checkConfig(qidx); err != nil {
		return err
	}
	rxq := r.rxqs[qidx]
	ptr := &r.ptrs[qidx]
	superbufPkts := loadU32(rxq.Live.SuperbufPkts)

	localSB, sentinel, seq, err := r.RM.Next(rxq.HWQID)
	if err != nil {
		return err
	}

	base := pktid.Encode(qidx, localSB, 0)
	next := pktid.WithSentinel(base, sentinel)

	switch {
	case !ptr.live:
		// No real previous packet exists to report: the new superbuf's
		// first slot's header (which would normally describe it) is
		// skipped outright by advancing past it.
		ptr.prev = base
		next++
	case seq != uint32(ptr.next>>32)+1:
		// A gap: the superbuf this cursor was consuming out of got
		// reclaimed before this driver reached its end. The slots
		// between where the cursor had got to and the superbuf's end,
		// plus ptr.prev (whose header lived in the missing superbuf),
		// will never be delivered, so they will never see a matching
		// Release; abandon them explicitly instead of leaking the
		// superbuf forever. As in the first-rollover case, there is no
		// valid previous packet left to report, so prev resets to the
		// new base and the new superbuf's first slot is skipped.
		undelivered := int(ptr.end-pktid.Of(uint32(ptr.next))) + 1
		r.finishSuperbuf(qidx, ptr.prev, undelivered)
		ptr.prev = base
		next++
	default:
		// Normal case: ptr.prev already names the previous superbuf's
		// final packet (it trails next by exactly one throughout
		// steady-state consumption), and that packet's metadata header
		// lives in this new superbuf's first slot -- left alone, it is
		// exactly the slot Poll reads next.
	}

	ptr.next = uint64(seq)<<32 | uint64(next)
	ptr.end = base + superbufPkts
	ptr.live = true

	r.Table.Rollover(qidx, localSB, uint16(superbufPkts))
	return nil
}

// finishSuperbuf snapshots the final packet's timestamp fields (the
// only ones a late GetTimestamp call can still legitimately want) and
// returns the superbuf to the resource manager if nothing still
// references it. undelivered is the number of packet slots this
// superbuf offered that were never handed to a caller as an event (and
// so will never see a matching Release) — zero on the ordinary
// fully-drained-then-rolled-over path, nonzero when a superbuf is
// abandoned mid-stream because of a sequence gap.
func (r *RX) finishSuperbuf(qidx int, base uint32, undelivered int) {
	rxq := r.rxqs[qidx]
	localSB := pktid.LocalSuperbuf(base)
	d := r.Table.ForSuperbuf(qidx, localSB)
	if d.SuperbufPkts == 0 {
		return
	}
	lastPkt := pktid.Encode(qidx, localSB, int(d.SuperbufPkts)-1)
	hdr := r.header(rxq, lastPkt)
	d.FinalTimestamp = hdr.Timestamp()
	d.FinalTSStatus = uint8(hdr.TimestampStatus())

	empty := undelivered == 0 && d.Refcnt == 0
	if undelivered > 0 {
		empty = r.Table.Abandon(qidx, localSB, undelivered)
	}
	if empty {
		r.Table.FreePush(qidx, localSB)
		r.RM.Free(rxq.HWQID, localSB)
	}
}

func classify(hdr wire.RxHeader) DiscardFlags {
	var f DiscardFlags
	switch hdr.L2Status() {
	case wire.L2StatusFCSErr:
		f |= DiscardEthFCSErr
	case wire.L2StatusLenErr:
		f |= DiscardEthLenErr
	}
	if l3 := hdr.L3Class(); (l3 == wire.L3ClassIP4 || l3 == wire.L3ClassIP6) && hdr.L3StatusBit() {
		f |= DiscardL3ChecksumErr
	}
	if l4 := hdr.L4Class(); (l4 == wire.L4ClassTCP || l4 == wire.L4ClassUDP) && hdr.L4StatusBit() {
		f |= DiscardL4ChecksumErr
	}
	if hdr.L2Class() == 2 {
		f |= DiscardL2ClassOther
	}
	if hdr.L3Class() == wire.L3ClassOther {
		f |= DiscardL3ClassOther
	}
	if hdr.L4Class() == wire.L4ClassOther {
		f |= DiscardL4ClassOther
	}
	return f
}

// Poll appends up to budget receive events to out and returns the
// extended slice. It stops early, without error, whenever the next
// packet's metadata isn't ready yet (the ordinary steady-state exit) or
// the resource manager has no further superbufs to roll in
// (ErrAgain, swallowed). Any other resource-manager error aborts the
// loop and is returned alongside whatever events were already queued.
func (r *RX) Poll(qidx int, budget int, out []Event) ([]Event, error) {
	rxq := r.rxqs[qidx]
	if rxq == nil {
		return out, ErrNoEnt
	}
	ptr := &r.ptrs[qidx]

	for n := 0; n < budget; n++ {
		if needRollover(ptr) {
			if err := r.rollover(qidx); err != nil {
				if err == ErrAgain {
					break
				}
				return out, err
			}
			continue
		}

		pkt := pktid.Of(uint32(ptr.next))
		hdr := r.header(rxq, pkt)
		if hdr.Sentinel() != pktid.SentinelOf(uint32(ptr.next)) {
			break
		}

		if hdr.Rollover() {
			// The hardware ran this superbuf dry before the packet
			// count the driver was tracking said it would: truncate it
			// to the slots actually delivered and abandon the rest
			// immediately, since no caller will ever see (or release)
			// pkt ids for them.
			localSB := pktid.LocalSuperbuf(pkt)
			d := r.Table.ForSuperbuf(qidx, localSB)
			truncated := pktid.InSuperbuf(pkt)
			abandoned := int(d.SuperbufPkts) - truncated
			d.SuperbufPkts = uint16(truncated)
			ptr.end = pkt
			if abandoned > 0 && r.Table.Abandon(qidx, localSB, abandoned) {
				r.Table.FreePush(qidx, localSB)
				r.RM.Free(rxq.HWQID, localSB)
			}
			continue
		}

		// This header lives at slot pkt, but -- metadata is always one
		// slot ahead of the packet it describes -- its subject is
		// ptr.prev, not pkt.
		length := hdr.PacketLength()
		qid := qidx
		filter, user := hdr.Filter(), hdr.User()
		reportedPkt := ptr.prev
		if hdr.CheckFields() {
			flags := classify(hdr)
			if flags&r.Discard == 0 {
				out = append(out, RxRef{Len: length, PktID: reportedPkt, QID: qid, FilterID: filter, User: user})
			} else {
				out = append(out, RxRefDiscard{
					RxRef: RxRef{Len: length, PktID: reportedPkt, QID: qid, FilterID: filter, User: user},
					Flags: flags,
				})
			}
		} else {
			out = append(out, RxRef{Len: length, PktID: reportedPkt, QID: qid, FilterID: filter, User: user})
		}

		ptr.prev = pkt
		next := pkt + 1
		ptr.next = ptr.next&0xffffffff00000000 | uint64(pktid.WithSentinel(next, pktid.SentinelOf(uint32(ptr.next)) != 0))
		if next >= ptr.end {
			// ptr.prev now names this superbuf's final packet; the next
			// rollover call moves it forward. Every slot was delivered
			// as an event, so nothing needs abandoning here.
			r.finishSuperbuf(qidx, ptr.prev, 0)
		}
	}
	return out, nil
}

// Release drops one reference on pkt's superbuf, returning it to the
// resource manager once every packet slot it ever held has been
// released. Callers must release every RxRef/RxRefDiscard exactly
// once.
func (r *RX) Release(qidx int, pkt uint32) {
	rxq := r.rxqs[qidx]
	localSB := pktid.LocalSuperbuf(pkt)
	if r.Table.Release(pkt) {
		d := r.Table.ForSuperbuf(qidx, localSB)
		if d.SuperbufPkts == 0 {
			return
		}
		r.Table.FreePush(qidx, localSB)
		r.RM.Free(rxq.HWQID, localSB)
	}
}

// HasEvent reports whether the next receive event for qidx is already
// available, without consuming it or touching resource-manager state.
// A cursor sitting at a superbuf boundary conservatively reports false:
// finding out for certain would mean rolling over, which Poll must do
// so its caller observes it, not a side-effecting peek.
func (r *RX) HasEvent(qidx int) bool {
	ptr := &r.ptrs[qidx]
	if needRollover(ptr) {
		return false
	}
	rxq := r.rxqs[qidx]
	pkt := pktid.Of(uint32(ptr.next))
	hdr := r.header(rxq, pkt)
	return hdr.Sentinel() == pktid.SentinelOf(uint32(ptr.next))
}

// GetTimestamp returns the hardware receive timestamp for pkt. Unlike
// the transmit-completion timestamp, the subnanosecond correction here
// is a fixed two-bit shift: the design parameter controlling it only
// applies to the transmit path.
func (r *RX) GetTimestamp(qidx int, pkt uint32) (sec uint32, nsec uint32, status int, ok bool) {
	rxq := r.rxqs[qidx]
	localSB := pktid.LocalSuperbuf(pkt)
	d := r.Table.ForSuperbuf(qidx, localSB)
	var raw uint64
	var tsStatus int
	if d.SuperbufPkts != 0 && pktid.InSuperbuf(pkt) == int(d.SuperbufPkts)-1 {
		raw = d.FinalTimestamp
		tsStatus = int(d.FinalTSStatus)
	} else {
		// pkt's metadata lives in the header one slot after it.
		hdr := r.header(rxq, pkt+1)
		raw = hdr.Timestamp()
		tsStatus = hdr.TimestampStatus()
	}
	if tsStatus == 0 {
		return 0, 0, tsStatus, false
	}
	sec = uint32(raw >> 32)
	nsec = uint32(raw&0xffffffff) >> 2
	return sec, nsec, tsStatus, true
}

// RXStats is a snapshot of one rxq's cursor position, useful for
// metrics export; it is not consulted by the engine itself.
type RXStats struct {
	SuperbufSeq uint32
	PktInSuperbuf int
	Live        bool
}

// Stats returns a snapshot of qidx's current cursor position.
func (r *RX) Stats(qidx int) RXStats {
	ptr := &r.ptrs[qidx]
	return RXStats{
		SuperbufSeq:   uint32(ptr.next >> 32),
		PktInSuperbuf: pktid.InSuperbuf(uint32(ptr.next)),
		Live:          ptr.live,
	}
}

// RxFuturePeek is the cheap "is a packet arriving yet" primitive used
// for latency-optimised busy-wait. It scans the queues named in
// activeMask (bit qidx selects queue qidx), skipping any that are
// sitting at a superbuf boundary or behind an unsynchronised config
// generation, and returns a pointer to the frame data of the first one
// whose next packet's header has already been committed. The qidx it
// found is recorded so a following RxFuturePoll call knows which queue
// to drive; callers must not call RxFuturePoll without first getting
// true back from this call.
func (r *RX) RxFuturePeek(activeMask uint32) ([]byte, bool) {
	for qidx := 0; qidx < pktid.MaxRxqs; qidx++ {
		if activeMask&(1<<uint(qidx)) == 0 {
			continue
		}
		rxq := r.rxqs[qidx]
		if rxq == nil {
			continue
		}
		ptr := &r.ptrs[qidx]
		if needRollover(ptr) {
			continue
		}
		if loadU32(rxq.Live.ConfigGeneration) != rxq.configGeneration {
			continue
		}
		pkt := pktid.Of(uint32(ptr.next))
		hdr := r.header(rxq, pkt)
		if hdr.Sentinel() != pktid.SentinelOf(uint32(ptr.next)) {
			continue
		}
		r.futureQID = qidx
		localSB := pktid.LocalSuperbuf(pkt)
		off := localSB*rxq.SuperbufSlots*rxq.PktStride + pktid.InSuperbuf(pkt)*rxq.PktStride + wire.RxHeaderBytes
		return rxq.Arena[off:], true
	}
	return nil, false
}

// RxFuturePoll must be called after a successful RxFuturePeek; it drives
// one poll cycle on the queue that peek recorded.
func (r *RX) RxFuturePoll(budget int, out []Event) ([]Event, error) {
	return r.Poll(r.futureQID, budget, out)
}

// WakeupParams reports the (superbuf sequence, pkt id) pair to arm an
// event-driven wakeup with: the position one past the last packet this
// driver has already consumed for qidx, looking ahead through a
// rollover if the cursor is already sitting at a superbuf boundary.
func (r *RX) WakeupParams(qidx int) (seq uint32, pkt uint32, err error) {
	ptr := &r.ptrs[qidx]
	if !ptr.live {
		return 0, 0, ErrNoData
	}
	if !needRollover(ptr) {
		return uint32(ptr.next >> 32), pktid.Of(uint32(ptr.next)), nil
	}
	// The cursor is at a superbuf boundary with nothing rolled in yet:
	// roll the next superbuf in now (taking it from the resource
	// manager, exactly as Poll would) and arm the wakeup against it.
	if err := r.rollover(qidx); err != nil {
		return 0, 0, err
	}
	return uint32(ptr.next >> 32), pktid.Of(uint32(ptr.next)), nil
}
