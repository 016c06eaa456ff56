package devmem

import "unsafe"

// Uint64s reinterprets a mapped region as a slice of 64-bit words, for
// regions the NIC writes as fixed-width entries (the event ring). The
// region's length must already be a multiple of 8 bytes; Map never
// rounds it on a caller's behalf.
func (r *Region) Uint64s() []uint64 {
	b := r.Bytes()
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}
