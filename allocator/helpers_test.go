package allocator

import (
	"errors"
	"github.com/stretchr/testify/require"
	"math/bits"
	"testing"
)

const testStart uintptr = 0x100000

// newTestAllocator returns an allocator whose heap holds exactly topBlocks
// MaxOrder blocks. Addresses are never dereferenced.
func newTestAllocator(t *testing.T, topBlocks int) *Allocator {
	t.Helper()
	require.Less(t, topBlocks, 31)

	a, err := New(Config{
		Start: testStart,
		End:   testStart + uintptr(topBlocks+1)<<MaxOrder,
	})
	require.NoError(t, err)
	require.Equal(t, testStart+MaxOrder.Size(), a.Layout().StartHeap)
	require.Equal(t, uint32(topBlocks), a.Layout().TopBlocks)
	return a
}

func (b *buddy) contentOfList(order Order) []uintptr {
	var result []uintptr
	l := b.list(order)
	for g := l.head; g != nilGroup; g = l.marks[g].next {
		bitmap := l.marks[g].bitmap
		for bitmap != 0 {
			i := uint32(bits.TrailingZeros32(bitmap))
			result = append(result, b.toAddr(g<<groupShift|i, order))
			bitmap &^= 1 << i
		}
	}
	return result
}

type buddySnapshot struct {
	heads [numOrders]uint32
	marks [numOrders][]mark
}

func (b *buddy) snapshot() buddySnapshot {
	var s buddySnapshot
	for i := range b.orders {
		s.heads[i] = b.orders[i].head
		s.marks[i] = append([]mark(nil), b.orders[i].marks...)
	}
	return s
}

func catchFault(fn func()) (fault *Fault) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok || !errors.As(err, &fault) {
			panic(r)
		}
	}()
	fn()
	return nil
}
