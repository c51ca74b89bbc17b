// Package arena provides memory regions whose addresses can be handed to an
// allocator as its managed range.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

var (
	// ErrBadSize indicates a non-positive region size.
	ErrBadSize = errors.New("arena: size must be > 0")

	// ErrOutside indicates an access that does not lie inside the region.
	ErrOutside = errors.New("arena: access outside region")
)

// Region is a contiguous span of process memory.
type Region struct {
	data    []byte
	release func([]byte) error
}

// Heap returns a region backed by the Go heap. Its contents are not zeroed.
func Heap(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}
	return &Region{data: dirtmake.Bytes(size, size)}, nil
}

// Start is the address of the first byte.
func (r *Region) Start() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
}

// End is the address one past the last byte.
func (r *Region) End() uintptr {
	return r.Start() + uintptr(len(r.data))
}

// Len ...
func (r *Region) Len() int {
	return len(r.data)
}

// Bytes returns the n bytes at addr.
func (r *Region) Bytes(addr uintptr, n int) ([]byte, error) {
	start := r.Start()
	if n < 0 || addr < start || addr-start > uintptr(len(r.data)) || uintptr(len(r.data))-(addr-start) < uintptr(n) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrOutside, addr, n)
	}
	off := int(addr - start)
	return r.data[off : off+n : off+n], nil
}

// Close releases the region. Addresses inside it must not be used afterwards.
func (r *Region) Close() error {
	data := r.data
	r.data = nil
	if r.release == nil || data == nil {
		return nil
	}
	return r.release(data)
}
