package allocator

import (
	"fmt"
	"math/bits"
)

// Order is log2 of a block size in bytes.
type Order uint32

const (
	// MinOrder is the smallest block the allocator hands out (64 bytes).
	MinOrder Order = 6
	// MaxOrder is the largest block the allocator hands out (4 KiB).
	MaxOrder Order = 12
	// PageOrder is the order used by AllocatePage and FreePage.
	PageOrder Order = 12

	numOrders = int(MaxOrder-MinOrder) + 1

	groupShift = 5
	groupSize  = 1 << groupShift
	groupMask  = groupSize - 1
)

// Size returns the block size of the order in bytes.
func (o Order) Size() uintptr {
	return 1 << o
}

// Valid reports whether o is in [MinOrder, MaxOrder].
func (o Order) Valid() bool {
	return o >= MinOrder && o <= MaxOrder
}

func (o Order) index() int {
	return int(o - MinOrder)
}

func checkOrder(order Order) error {
	if !order.Valid() {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidOrder, order, MinOrder, MaxOrder)
	}
	return nil
}

// OrderForSize returns the smallest order whose blocks hold size bytes.
func OrderForSize(size uint64) (Order, error) {
	if size <= uint64(MinOrder.Size()) {
		return MinOrder, nil
	}
	order := Order(bits.Len64(size - 1))
	if order > MaxOrder {
		return 0, fmt.Errorf("%w: %d bytes", ErrSizeTooLarge, size)
	}
	return order, nil
}

func blockID(offset uintptr, order Order) uint32 {
	return uint32(offset >> order)
}

func groupID(block uint32) uint32 {
	return block >> groupShift
}

func bitIndex(block uint32) uint32 {
	return block & groupMask
}

func buddyID(block uint32) uint32 {
	return block ^ 1
}

func blockOffset(block uint32, order Order) uintptr {
	return uintptr(block) << order
}

func alignUp(v uintptr, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
