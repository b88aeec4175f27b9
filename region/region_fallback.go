//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package region

import "unsafe"

// reserve over-allocates a Go slice and trims it to the first page boundary.
func reserve(size int) ([]byte, error) {
	buf := make([]byte, size+PageSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	off := int((PageSize - addr&(PageSize-1)) & (PageSize - 1))
	return buf[off : off+size : off+size], nil
}

func release([]byte) error {
	return nil
}
