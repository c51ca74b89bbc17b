package allocator

import (
	"fmt"
	"math"
)

// markSize is the byte footprint of one group descriptor: prev, next and bitmap.
const markSize = 12

// Layout describes how [Start, End) is split into group descriptors and heap.
type Layout struct {
	Start uintptr
	End   uintptr

	// StartHeap is the first byte handed out by the allocator, aligned to MaxOrder.
	StartHeap uintptr

	MetadataBytes uintptr
	TotalGroups   uint32

	// TopBlocks is the number of whole MaxOrder blocks in [StartHeap, End).
	TopBlocks uint32

	groups  [numOrders]uint32
	offsets [numOrders]uint32
}

// ComputeLayout reserves descriptor space at the low end of [start, end).
// Orders are laid out from MaxOrder down, each order holding twice the
// groups of the order above it.
func ComputeLayout(start, end uintptr) (Layout, error) {
	if end <= start {
		return Layout{}, fmt.Errorf("%w: start %#x >= end %#x", ErrBadRange, start, end)
	}

	length := end - start
	n := uint64(length>>(MaxOrder+groupShift)) + 1

	l := Layout{Start: start, End: end}
	total := uint64(0)
	for o := MaxOrder; o >= MinOrder; o-- {
		l.offsets[o.index()] = uint32(total)
		l.groups[o.index()] = uint32(n)
		total += n
		n <<= 1
	}
	if total >= math.MaxUint32 {
		return Layout{}, fmt.Errorf("%w: %d bytes needs too many groups", ErrBadRange, length)
	}

	l.TotalGroups = uint32(total)
	l.MetadataBytes = uintptr(total) * markSize

	metaEnd := start + l.MetadataBytes
	if metaEnd < start || metaEnd >= end {
		return Layout{}, fmt.Errorf("%w: no room after %d metadata bytes", ErrBadRange, l.MetadataBytes)
	}
	l.StartHeap = alignUp(metaEnd, MaxOrder.Size())
	if l.StartHeap < metaEnd || l.StartHeap >= end || end-l.StartHeap < MaxOrder.Size() {
		return Layout{}, fmt.Errorf("%w: [%#x, %#x) holds no %d byte block after metadata",
			ErrBadRange, start, end, MaxOrder.Size())
	}

	l.TopBlocks = uint32((end - l.StartHeap) >> MaxOrder)
	return l, nil
}

// Groups returns the number of group descriptors reserved for order.
func (l Layout) Groups(order Order) uint32 {
	return l.groups[order.index()]
}

// HeapBytes returns the bytes covered by whole MaxOrder blocks.
func (l Layout) HeapBytes() uint64 {
	return uint64(l.TopBlocks) << MaxOrder
}
