//go:build linux || darwin || freebsd

package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map returns a region backed by a private anonymous mapping.
func Map(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap %d bytes: %w", size, err)
	}
	return &Region{data: data, release: unix.Munmap}, nil
}
