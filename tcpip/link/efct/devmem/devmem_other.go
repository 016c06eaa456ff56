//go:build !linux

package devmem

import "errors"

// ErrUnsupported is returned by Map on platforms without a memory-mapped
// device-file implementation (this driver family is Linux-only in
// production; non-Linux builds exist only to let the rest of the module
// compile and test with fixture-backed memory instead).
var ErrUnsupported = errors.New("devmem: not supported on this platform")

// Region is the non-Linux stand-in; it is never populated with real
// memory.
type Region struct{}

func (r *Region) Bytes() []byte { return nil }
func (r *Region) Close() error  { return nil }

// Map always fails with ErrUnsupported outside Linux.
func Map(path string, offset int64, length int, writable bool) (*Region, error) {
	return nil, ErrUnsupported
}
