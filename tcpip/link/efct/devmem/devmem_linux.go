//go:build linux

// Package devmem maps the regions of a VI's character-device file that
// back its CTPIO aperture, event ring and superbufs into this
// process's address space. It exists outside the core engine in
// package queue deliberately: queue.RX and queue.TX operate purely on
// []byte and never know whether that memory came from mmap, a test
// fixture, or anywhere else.
package devmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is one mmap'd window into a VI's device file.
type Region struct {
	data []byte
}

// Bytes returns the mapped memory. It is valid until Close.
func (r *Region) Bytes() []byte { return r.data }

// Close unmaps the region.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

// Map opens path (the VI's resource device node) and maps length bytes
// starting at offset, matching the access mode the NIC expects for
// write-combined apertures: offset and length must both already be
// page-aligned, a property of the design parameters reported by the
// control path, not something this package rounds on a caller's
// behalf.
func Map(path string, offset int64, length int, writable bool) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("devmem: open %s: %w", path, err)
	}
	defer f.Close()

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("devmem: mmap %s at %#x (%d bytes): %w", path, offset, length, err)
	}
	return &Region{data: data}, nil
}
