// Package ops assembles the receive, transmit and event-queue engines
// from package queue into a single VI: the external resource-manager
// interface a concrete control path implements, design-time parameter
// validation, and the upward operation surface (including the set of
// operations this driver family has no hardware support for at all).
package ops

import (
	"fmt"

	"github.com/adimgong/onload/tcpip/link/efct/queue"
	"github.com/adimgong/onload/tcpip/link/efct/wire"
)

// ResourceManager is the full external collaborator a VI depends on:
// the narrow subset package queue drives directly to keep rxqs fed
// (queue.RXResourceManager), plus the bring-up and space-accounting
// calls a VI itself makes while a queue is coming up or going down.
type ResourceManager interface {
	queue.RXResourceManager

	// AttachRxq brings up a fresh rxq with room for nSuperbufs
	// superbufs and returns the hardware queue id to address it by.
	AttachRxq(nSuperbufs int) (hwQID int, err error)
	// AttachTxq brings up a fresh txq and returns its hardware queue
	// id.
	AttachTxq() (hwQID int, err error)
	// Available reports whether qid currently has at least one
	// superbuf ready to roll in without blocking a caller on Next.
	Available(qid int) bool
}

// DesignParameters mirrors the hardware design-time parameters a VI
// must read and validate before trusting the rest of its wire-format
// assumptions; see wire.NextFrameLocFixed for why RxFrameOffset is
// pinned to a single supported value rather than read out and used as
// a variable offset.
type DesignParameters struct {
	RxFrameOffset      int
	RxSuperbufBytes    int
	RxStride           int
	TSSubnanoBits      uint
	CTPIOApertureBytes int
	EventQueueEntries  int
	// UnsolCreditSeqMask masks the GRANT_SEQ field written back to a
	// txq's unsolicited-credit register on TIME_SYNC/UNSOL_OVERFLOW
	// recovery; 0 falls back to the register's native width.
	UnsolCreditSeqMask uint32
}

// Validate rejects a VI whose design parameters this driver doesn't
// know how to drive correctly, rather than silently misinterpreting
// hardware state later.
func (p DesignParameters) Validate() error {
	if p.RxFrameOffset != wire.NextFrameLocFixed-2 {
		return fmt.Errorf("efct: unsupported rx_frame_offset %d (need %d)", p.RxFrameOffset, wire.NextFrameLocFixed-2)
	}
	if p.RxStride <= 0 || p.RxSuperbufBytes <= 0 || p.RxSuperbufBytes%p.RxStride != 0 {
		return fmt.Errorf("efct: rx_superbuf_bytes (%d) not a multiple of rx_stride (%d)", p.RxSuperbufBytes, p.RxStride)
	}
	if n := p.RxSuperbufBytes / p.RxStride; n <= 0 || n > 1<<16 {
		return fmt.Errorf("efct: superbuf packet capacity %d out of range", n)
	}
	if p.CTPIOApertureBytes <= 0 || p.CTPIOApertureBytes%wire.TxAlignment != 0 {
		return fmt.Errorf("efct: ctpio aperture size %d not a multiple of %d", p.CTPIOApertureBytes, wire.TxAlignment)
	}
	if p.CTPIOApertureBytes&(p.CTPIOApertureBytes-1) != 0 {
		return fmt.Errorf("efct: ctpio aperture size %d must be a power of two", p.CTPIOApertureBytes)
	}
	if p.EventQueueEntries <= 0 || p.EventQueueEntries&(p.EventQueueEntries-1) != 0 {
		return fmt.Errorf("efct: event queue entries %d must be a nonzero power of two", p.EventQueueEntries)
	}
	return nil
}

// SuperbufPkts returns the packet capacity implied by RxSuperbufBytes
// and RxStride.
func (p DesignParameters) SuperbufPkts() int {
	return p.RxSuperbufBytes / p.RxStride
}
