package allocator

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory indicates no free block exists at the requested order or above.
	ErrOutOfMemory = errors.New("allocator: out of memory")

	// ErrInvalidOrder indicates an order outside [MinOrder, MaxOrder].
	ErrInvalidOrder = errors.New("allocator: invalid order")

	// ErrUnaligned indicates an address not aligned to its order's block size.
	ErrUnaligned = errors.New("allocator: unaligned address")

	// ErrOutOfRange indicates a block that does not lie inside the heap.
	ErrOutOfRange = errors.New("allocator: address out of range")

	// ErrSizeTooLarge indicates a size no single block can hold.
	ErrSizeTooLarge = errors.New("allocator: size too large")

	// ErrBadRange indicates a [start, end) range that cannot hold a heap.
	ErrBadRange = errors.New("allocator: bad memory range")
)

// FaultKind names the invariant a Fault violated.
type FaultKind int

const (
	// DoubleFree means a block was freed while its bit was already set.
	DoubleFree FaultKind = iota + 1
	// DoubleAlloc means a block was taken while its bit was already clear.
	DoubleAlloc
	// EmptyGroup means a group linked into a free list has an empty bitmap.
	EmptyGroup
	// BrokenList means free list links or accounting disagree with the bitmaps.
	BrokenList
	// UnmergedBuddies means two free buddies were found at the same order.
	UnmergedBuddies
)

func (k FaultKind) String() string {
	switch k {
	case DoubleFree:
		return "double free"
	case DoubleAlloc:
		return "double alloc"
	case EmptyGroup:
		return "empty group in free list"
	case BrokenList:
		return "broken free list"
	case UnmergedBuddies:
		return "unmerged buddies"
	default:
		return fmt.Sprintf("fault(%d)", int(k))
	}
}

// Fault is an internal consistency violation. The allocator never continues after one.
type Fault struct {
	Kind  FaultKind
	Order Order
	Block uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("allocator: %s (order=%d block=%d)", f.Kind, f.Order, f.Block)
}
