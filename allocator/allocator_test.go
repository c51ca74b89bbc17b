package allocator

import (
	"bytes"
	"encoding/json"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
)

func TestNewBadRange(t *testing.T) {
	_, err := New(Config{Start: 0x2000, End: 0x1000})
	assert.ErrorIs(t, err, ErrBadRange)

	_, err = New(Config{Start: 0, End: 4096})
	assert.ErrorIs(t, err, ErrBadRange)
}

func TestAllocateInvalidOrder(t *testing.T) {
	a := newTestAllocator(t, 1)

	for _, o := range []Order{0, 5, 13, 32} {
		_, err := a.Allocate(o)
		assert.ErrorIs(t, err, ErrInvalidOrder, "order=%d", o)
	}
	assert.Equal(t, uint64(0), a.GetMemUsage())
}

func TestFreeMisuse(t *testing.T) {
	a := newTestAllocator(t, 2)
	heap := a.Layout().StartHeap

	table := []struct {
		name  string
		addr  uintptr
		order Order
		err   error
	}{
		{name: "order-too-small", addr: heap, order: 5, err: ErrInvalidOrder},
		{name: "order-too-large", addr: heap, order: 13, err: ErrInvalidOrder},
		{name: "unaligned", addr: heap + 32, order: 6, err: ErrUnaligned},
		{name: "unaligned-page", addr: heap + 2048, order: 12, err: ErrUnaligned},
		{name: "metadata-area", addr: testStart, order: 6, err: ErrOutOfRange},
		{name: "past-end", addr: heap + 2*4096, order: 6, err: ErrOutOfRange},
		{name: "far-away", addr: 0, order: 12, err: ErrOutOfRange},
	}

	before := a.buddy.snapshot()
	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			err := a.Free(e.addr, e.order)
			assert.ErrorIs(t, err, e.err)
		})
	}
	assert.Equal(t, before, a.buddy.snapshot())
}

func TestFreeTwiceIsFatal(t *testing.T) {
	table := []struct {
		name  string
		order Order
		setup func(t *testing.T, a *Allocator) uintptr
		fault Fault
	}{
		{
			name:  "bit-already-set",
			order: 6,
			setup: func(t *testing.T, a *Allocator) uintptr {
				p1, err := a.Allocate(6)
				require.NoError(t, err)
				_, err = a.Allocate(6)
				require.NoError(t, err)
				require.NoError(t, a.Free(p1, 6))
				return p1
			},
			fault: Fault{Kind: DoubleFree, Order: 6, Block: 0},
		},
		{
			name:  "merged-into-parent",
			order: 6,
			setup: func(t *testing.T, a *Allocator) uintptr {
				p, err := a.Allocate(6)
				require.NoError(t, err)
				require.NoError(t, a.Free(p, 6))
				return p
			},
			fault: Fault{Kind: DoubleFree, Order: 12, Block: 0},
		},
		{
			name:  "top-order",
			order: 12,
			setup: func(t *testing.T, a *Allocator) uintptr {
				p, err := a.AllocatePage()
				require.NoError(t, err)
				require.NoError(t, a.FreePage(p))
				return p
			},
			fault: Fault{Kind: DoubleFree, Order: 12, Block: 0},
		},
	}

	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			var halted []error
			a, err := New(Config{
				Start: testStart,
				End:   testStart + 3*4096,
				Halt: func(err error) {
					halted = append(halted, err)
				},
			})
			require.NoError(t, err)

			addr := e.setup(t, a)
			fault := catchFault(func() {
				_ = a.Free(addr, e.order)
			})
			require.NotNil(t, fault)
			assert.Equal(t, e.fault, *fault)
			assert.Equal(t, []error{fault}, halted)

			// the lock is released by the unwinding panic
			_, err = a.Allocate(MaxOrder)
			assert.NoError(t, err)
		})
	}
}

func TestAllocateEmptyGroupIsFatal(t *testing.T) {
	a := newTestAllocator(t, 2)
	a.buddy.list(MaxOrder).marks[0].bitmap = 0

	fault := catchFault(func() {
		_, _ = a.Allocate(MaxOrder)
	})
	require.NotNil(t, fault)
	assert.Equal(t, Fault{Kind: EmptyGroup, Order: MaxOrder, Block: 0}, *fault)
}

func TestMarkUsedTwiceIsFatal(t *testing.T) {
	a := newTestAllocator(t, 2)

	fault := catchFault(func() {
		a.buddy.markUsed(MinOrder, 3)
	})
	require.NotNil(t, fault)
	assert.Equal(t, Fault{Kind: DoubleAlloc, Order: MinOrder, Block: 3}, *fault)
	assert.EqualError(t, fault, "allocator: double alloc (order=6 block=3)")
}

func TestFaultIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	a, err := New(Config{
		Start:  testStart,
		End:    testStart + 2*4096,
		Logger: logger,
	})
	require.NoError(t, err)

	p, err := a.AllocatePage()
	require.NoError(t, err)
	_, err = a.AllocatePage()
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.NoError(t, a.FreePage(p))
	require.NotNil(t, catchFault(func() { _ = a.FreePage(p) }))

	var records []map[string]interface{}
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var r map[string]interface{}
		require.NoError(t, dec.Decode(&r))
		records = append(records, r)
	}
	require.Equal(t, 3, len(records))

	assert.Equal(t, "buddy allocator initialized", records[0]["msg"])
	assert.Equal(t, float64(1), records[0]["top_blocks"])

	assert.Equal(t, "DEBUG", records[1]["level"])
	assert.Equal(t, "buddy allocator exhausted", records[1]["msg"])

	assert.Equal(t, "ERROR", records[2]["level"])
	assert.Equal(t, "double free", records[2]["kind"])
	assert.Equal(t, float64(12), records[2]["order"])
}

func TestCheckDetectsCorruption(t *testing.T) {
	table := []struct {
		name    string
		corrupt func(b *buddy)
		kind    FaultKind
	}{
		{
			name: "free-buddy-pair",
			corrupt: func(b *buddy) {
				b.markFree(7, 0)
				b.markFree(7, 1)
			},
			kind: UnmergedBuddies,
		},
		{
			name: "unlinked-nonempty-group",
			corrupt: func(b *buddy) {
				b.list(8).marks[1].bitmap = 1
			},
			kind: BrokenList,
		},
		{
			name: "linked-empty-group",
			corrupt: func(b *buddy) {
				b.markFree(9, 2)
				b.list(9).marks[0].bitmap = 0
			},
			kind: EmptyGroup,
		},
		{
			name: "bad-back-link",
			corrupt: func(b *buddy) {
				b.markFree(6, 0)
				b.markFree(6, 34)
				b.list(6).marks[0].prev = 5
			},
			kind: BrokenList,
		},
	}

	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			a := newTestAllocator(t, 2)
			_, err := a.Allocate(MaxOrder)
			require.NoError(t, err)

			e.corrupt(&a.buddy)

			err = a.Check()
			var fault *Fault
			require.True(t, errors.As(err, &fault), "err=%v", err)
			assert.Equal(t, e.kind, fault.Kind)
		})
	}
}

func TestCheckDetectsAccountingDrift(t *testing.T) {
	a := newTestAllocator(t, 2)
	a.memoryUsage = 64

	err := a.Check()
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, BrokenList, fault.Kind)
}

func TestStats(t *testing.T) {
	a := newTestAllocator(t, 3)

	s := a.Stats()
	assert.Equal(t, uint64(3*4096), s.HeapBytes)
	assert.Equal(t, uint64(3*4096), s.FreeBytes)
	assert.Equal(t, uint64(0), s.InUseBytes)
	require.Equal(t, numOrders, len(s.Orders))
	assert.Equal(t, OrderStats{Order: MaxOrder, FreeBlocks: 3}, s.Orders[numOrders-1])

	_, err := a.Allocate(7)
	require.NoError(t, err)

	s = a.Stats()
	assert.Equal(t, uint64(128), s.InUseBytes)
	assert.Equal(t, uint64(3*4096-128), s.FreeBytes)
	assert.Equal(t, OrderStats{Order: 6, FreeBlocks: 0}, s.Orders[0])
	for i := 1; i < numOrders-1; i++ {
		assert.Equal(t, uint64(1), s.Orders[i].FreeBlocks, "order=%d", s.Orders[i].Order)
	}
	assert.Equal(t, uint64(2), s.Orders[numOrders-1].FreeBlocks)
}

type liveBlock struct {
	addr  uintptr
	order Order
}

func TestRandomOperationsNeverOverlap(t *testing.T) {
	a, err := New(Config{
		Start: 0x40000000,
		End:   0x40000000 + 256<<10,
		Lock:  &sync.Mutex{},
	})
	require.NoError(t, err)
	heap := a.Layout().StartHeap

	owner := map[uintptr]int{}
	var live []liveBlock
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 20000; i++ {
		if len(live) == 0 || rnd.Intn(5) < 3 {
			o := MinOrder + Order(rnd.Intn(numOrders))
			addr, err := a.Allocate(o)
			if err != nil {
				require.ErrorIs(t, err, ErrOutOfMemory)
				continue
			}
			for unit := addr; unit < addr+o.Size(); unit += MinOrder.Size() {
				_, taken := owner[unit]
				require.False(t, taken, "unit %#x handed out twice", unit-heap)
				owner[unit] = i
			}
			live = append(live, liveBlock{addr: addr, order: o})
		} else {
			k := rnd.Intn(len(live))
			blk := live[k]
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]

			require.NoError(t, a.Free(blk.addr, blk.order))
			for unit := blk.addr; unit < blk.addr+blk.order.Size(); unit += MinOrder.Size() {
				delete(owner, unit)
			}
		}

		if i%500 == 0 {
			require.NoError(t, a.Check())
		}
	}

	for _, blk := range live {
		require.NoError(t, a.Free(blk.addr, blk.order))
	}
	require.NoError(t, a.Check())

	s := a.Stats()
	assert.Equal(t, s.HeapBytes, s.FreeBytes)
	assert.Equal(t, uint64(a.Layout().TopBlocks), s.Orders[numOrders-1].FreeBlocks)
}
