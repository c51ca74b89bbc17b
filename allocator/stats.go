package allocator

import "fmt"

// OrderStats ...
type OrderStats struct {
	Order      Order
	FreeBlocks uint64
}

// Stats is a consistent snapshot of allocator occupancy.
type Stats struct {
	HeapBytes  uint64
	FreeBytes  uint64
	InUseBytes uint64
	Orders     []OrderStats
}

// Stats ...
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		HeapBytes:  a.layout.HeapBytes(),
		InUseBytes: a.memoryUsage,
		Orders:     make([]OrderStats, 0, numOrders),
	}
	for o := MinOrder; o <= MaxOrder; o++ {
		n := a.buddy.freeBlocks(o)
		s.FreeBytes += n << o
		s.Orders = append(s.Orders, OrderStats{Order: o, FreeBlocks: n})
	}
	return s
}

// Check verifies the free lists against the bitmaps and the usage counter.
// It returns a *Fault describing the first problem found.
func (a *Allocator) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f := a.buddy.check(); f != nil {
		return f
	}

	free := uint64(0)
	for o := MinOrder; o <= MaxOrder; o++ {
		free += a.buddy.freeBlocks(o) << o
	}
	if free+a.memoryUsage != a.layout.HeapBytes() {
		return fmt.Errorf("%w: free %d + in use %d != heap %d",
			&Fault{Kind: BrokenList, Order: MaxOrder}, free, a.memoryUsage, a.layout.HeapBytes())
	}
	return nil
}
