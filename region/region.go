// Package region reserves page-aligned byte regions once at process start.
// Reserved memory never moves and is not managed by the Go garbage collector
// on platforms with anonymous mmap.
package region

import (
	"errors"
	"fmt"
	"unsafe"
)

// PageSize is the reservation granularity and the alignment of every region.
const PageSize = 4096

// ErrBadSize indicates a non-positive reservation size.
var ErrBadSize = errors.New("region: size must be positive")

// Region is a fixed-length, page-aligned byte buffer.
type Region struct {
	data     []byte
	mapped   []byte
	released bool
}

// RoundUp rounds size up to a whole number of pages.
func RoundUp(size int) int {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// IsPageAligned reports whether b starts on a page boundary.
func IsPageAligned(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&b[0]))&(PageSize-1) == 0
}

// Reserve reserves size bytes of zeroed memory starting on a page boundary.
func Reserve(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadSize, size)
	}

	mapped, err := reserve(RoundUp(size))
	if err != nil {
		return nil, fmt.Errorf("region: reserve %d bytes: %w", size, err)
	}

	return &Region{
		data:   mapped[:size:size],
		mapped: mapped,
	}, nil
}

// Bytes returns the region memory. It is nil after Release.
func (r *Region) Bytes() []byte {
	return r.data
}

// Len returns the usable region length.
func (r *Region) Len() int {
	return len(r.data)
}

// Release returns the memory to the host. Calling it again is a no-op.
func (r *Region) Release() error {
	if r.released {
		return nil
	}
	r.released = true

	mapped := r.mapped
	r.data = nil
	r.mapped = nil
	return release(mapped)
}
