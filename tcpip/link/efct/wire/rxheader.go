// Package wire decodes and encodes the fixed-layout structures EFCT
// hardware reads and writes: the 128-bit RX metadata header preceding
// each packet slot in a superbuf, the 64-bit TX header prefixed to every
// CTPIO send, and the 64-bit event-ring entries. None of these layouts
// are part of any stable ABI.
package wire

import "encoding/binary"

// RxHeaderBytes is the size in bytes of one RX metadata header slot.
const RxHeaderBytes = 16

// L2 status codes.
const (
	L2StatusOK     = 0
	L2StatusFCSErr = 1
	L2StatusLenErr = 2
)

// L3 classes.
const (
	L3ClassIP4   = 0
	L3ClassIP6   = 1
	L3ClassOther = 2
)

// L4 classes.
const (
	L4ClassTCP   = 0
	L4ClassUDP   = 1
	L4ClassOther = 2
)

// Bit-field layout of word 0 of the RX header. None of this is part of
// any stable ABI; it exists only so the two halves of this package (the
// hardware's producer side, modelled in tests, and the driver's consumer
// side) agree on where the bits are.
const (
	rxPacketLengthLBN = 0
	rxPacketLengthW   = 14
	rxNextFrameLocLBN = 14
	rxNextFrameLocW   = 8
	rxL2ClassLBN      = 22
	rxL2ClassW        = 2
	rxL2StatusLBN     = 24
	rxL2StatusW       = 2
	rxL3ClassLBN      = 26
	rxL3ClassW        = 2
	rxL3StatusLBN     = 28
	rxL3StatusW       = 1
	rxL4ClassLBN      = 29
	rxL4ClassW        = 2
	rxL4StatusLBN     = 31
	rxL4StatusW       = 1
	rxRolloverLBN     = 32
	rxRolloverW       = 1
	rxSentinelLBN     = 33
	rxSentinelW       = 1
	rxTSStatusLBN     = 34
	rxTSStatusW       = 2
	rxFilterLBN       = 36
	rxFilterW         = 12
	rxUserLBN         = 48
	rxUserW           = 12

	// NextFrameLocFixed is the only supported value of NEXT_FRAME_LOC:
	// this driver requires the hardware design parameter rx_frame_offset
	// to equal NextFrameLocFixed - 2, and never reads a variable offset.
	NextFrameLocFixed = 1
)

func field(word uint64, lbn, width uint) uint64 {
	mask := uint64(1)<<width - 1
	return (word >> lbn) & mask
}

// RxHeader is a single 128-bit RX metadata header, decoded from the 16
// bytes stored at a packet slot, describing the packet one slot earlier
// (the header at a superbuf's first slot describes the previous
// superbuf's final packet).
type RxHeader struct {
	w0 uint64
	w1 uint64 // the 64-bit TIMESTAMP field
}

// DecodeRxHeader reads a 16-byte little-endian header out of b.
func DecodeRxHeader(b []byte) RxHeader {
	return RxHeader{
		w0: binary.LittleEndian.Uint64(b[0:8]),
		w1: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// EncodeRxHeader writes h into b as little-endian bytes. Used only by
// tests that act as the hardware producer.
func EncodeRxHeader(b []byte, h RxHeader) {
	binary.LittleEndian.PutUint64(b[0:8], h.w0)
	binary.LittleEndian.PutUint64(b[8:16], h.w1)
}

// NewRxHeader builds a header from its fields, for use by tests.
func NewRxHeader(length, nextFrameLoc, l2Class, l2Status, l3Class int, l3StatusBit bool, l4Class int, l4StatusBit, rollover, sentinel bool, tsStatus, filter, user int, timestamp uint64) RxHeader {
	var w0 uint64
	w0 |= uint64(length) << rxPacketLengthLBN
	w0 |= uint64(nextFrameLoc) << rxNextFrameLocLBN
	w0 |= uint64(l2Class) << rxL2ClassLBN
	w0 |= uint64(l2Status) << rxL2StatusLBN
	w0 |= uint64(l3Class) << rxL3ClassLBN
	if l3StatusBit {
		w0 |= 1 << rxL3StatusLBN
	}
	w0 |= uint64(l4Class) << rxL4ClassLBN
	if l4StatusBit {
		w0 |= 1 << rxL4StatusLBN
	}
	if rollover {
		w0 |= 1 << rxRolloverLBN
	}
	if sentinel {
		w0 |= 1 << rxSentinelLBN
	}
	w0 |= uint64(tsStatus) << rxTSStatusLBN
	w0 |= uint64(filter) << rxFilterLBN
	w0 |= uint64(user) << rxUserLBN
	return RxHeader{w0: w0, w1: timestamp}
}

func (h RxHeader) PacketLength() int  { return int(field(h.w0, rxPacketLengthLBN, rxPacketLengthW)) }
func (h RxHeader) NextFrameLoc() int  { return int(field(h.w0, rxNextFrameLocLBN, rxNextFrameLocW)) }
func (h RxHeader) L2Class() int      { return int(field(h.w0, rxL2ClassLBN, rxL2ClassW)) }
func (h RxHeader) L2Status() int     { return int(field(h.w0, rxL2StatusLBN, rxL2StatusW)) }
func (h RxHeader) L3Class() int      { return int(field(h.w0, rxL3ClassLBN, rxL3ClassW)) }
func (h RxHeader) L3StatusBit() bool { return field(h.w0, rxL3StatusLBN, rxL3StatusW) != 0 }
func (h RxHeader) L4Class() int      { return int(field(h.w0, rxL4ClassLBN, rxL4ClassW)) }
func (h RxHeader) L4StatusBit() bool { return field(h.w0, rxL4StatusLBN, rxL4StatusW) != 0 }
func (h RxHeader) Rollover() bool    { return field(h.w0, rxRolloverLBN, rxRolloverW) != 0 }
func (h RxHeader) Sentinel() uint32  { return uint32(field(h.w0, rxSentinelLBN, rxSentinelW)) }
func (h RxHeader) TimestampStatus() int {
	return int(field(h.w0, rxTSStatusLBN, rxTSStatusW))
}
func (h RxHeader) Filter() int        { return int(field(h.w0, rxFilterLBN, rxFilterW)) }
func (h RxHeader) User() int          { return int(field(h.w0, rxUserLBN, rxUserW)) }
func (h RxHeader) Timestamp() uint64  { return h.w1 }

// CheckFields is a coarse-grained test of whether any of the L2/L3/L4
// status bits or the rollover bit are set; used as a fast path before
// the more expensive per-field classification. A header whose only
// abnormality is an "other" class bit with no status bit set takes the
// fast path here and is always delivered as a plain RxRef: class-other
// alone does not gate on the discard mask.
func (h RxHeader) CheckFields() bool {
	return h.Rollover() ||
		h.L2Status() != L2StatusOK ||
		h.L3StatusBit() ||
		h.L4StatusBit()
}
