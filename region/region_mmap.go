//go:build linux || darwin || freebsd || netbsd || openbsd

package region

import "golang.org/x/sys/unix"

func reserve(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func release(mapped []byte) error {
	return unix.Munmap(mapped)
}
