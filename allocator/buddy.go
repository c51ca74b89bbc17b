package allocator

import (
	"math"
	"math/bits"
)

const (
	nilGroup uint32 = math.MaxUint32
)

// mark is the descriptor of one group of 32 same-order blocks.
// Bit i of bitmap set means block i of the group is free.
type mark struct {
	prev   uint32
	next   uint32
	bitmap uint32
}

type orderList struct {
	head  uint32
	marks []mark
}

// buddy holds the free lists and bitmaps. It does no locking.
type buddy struct {
	startHeap uintptr
	end       uintptr
	orders    [numOrders]orderList
	onFault   func(f *Fault)
}

func buddyInit(b *buddy, l Layout, onFault func(f *Fault)) {
	b.startHeap = l.StartHeap
	b.end = l.StartHeap + uintptr(l.TopBlocks)<<MaxOrder
	b.onFault = onFault

	marks := make([]mark, l.TotalGroups)
	for i := range marks {
		marks[i] = mark{prev: nilGroup, next: nilGroup}
	}

	for o := MinOrder; o <= MaxOrder; o++ {
		i := o.index()
		off := l.offsets[i]
		b.orders[i] = orderList{
			head:  nilGroup,
			marks: marks[off : off+l.groups[i] : off+l.groups[i]],
		}
	}

	for addr := b.startHeap; addr < b.end; addr += MaxOrder.Size() {
		b.free(addr, MaxOrder)
	}
}

func (b *buddy) fail(kind FaultKind, order Order, block uint32) {
	f := &Fault{Kind: kind, Order: order, Block: block}
	if b.onFault != nil {
		b.onFault(f)
	}
	panic(f)
}

func (b *buddy) list(order Order) *orderList {
	return &b.orders[order.index()]
}

func (b *buddy) markOf(order Order, block uint32) *mark {
	return &b.list(order).marks[groupID(block)]
}

func isFree(bitmap uint32, block uint32) bool {
	return bitmap&(1<<bitIndex(block)) != 0
}

func (b *buddy) toBlock(addr uintptr, order Order) uint32 {
	return blockID(addr-b.startHeap, order)
}

func (b *buddy) toAddr(block uint32, order Order) uintptr {
	return b.startHeap + blockOffset(block, order)
}

func (b *buddy) linkHead(order Order, group uint32) {
	l := b.list(order)
	m := &l.marks[group]

	m.prev = nilGroup
	m.next = l.head
	if l.head != nilGroup {
		l.marks[l.head].prev = group
	}
	l.head = group
}

func (b *buddy) unlink(order Order, group uint32) {
	l := b.list(order)
	m := &l.marks[group]

	if m.prev != nilGroup {
		l.marks[m.prev].next = m.next
	} else if l.head == group {
		l.head = m.next
	} else {
		b.fail(BrokenList, order, group<<groupShift)
	}

	if m.next != nilGroup {
		l.marks[m.next].prev = m.prev
	}
	m.prev = nilGroup
	m.next = nilGroup
}

// markFree sets the block's bit, linking its group when it was empty.
func (b *buddy) markFree(order Order, block uint32) {
	m := b.markOf(order, block)
	if isFree(m.bitmap, block) {
		b.fail(DoubleFree, order, block)
	}

	insert := m.bitmap == 0
	m.bitmap |= 1 << bitIndex(block)
	if insert {
		b.linkHead(order, groupID(block))
	}
}

// markUsed clears the block's bit, unlinking its group when it becomes empty.
func (b *buddy) markUsed(order Order, block uint32) {
	m := b.markOf(order, block)
	if !isFree(m.bitmap, block) {
		b.fail(DoubleAlloc, order, block)
	}

	m.bitmap &^= 1 << bitIndex(block)
	if m.bitmap == 0 {
		b.unlink(order, groupID(block))
	}
}

func (b *buddy) takeHead(order Order) uint32 {
	l := b.list(order)
	m := &l.marks[l.head]
	if m.bitmap == 0 {
		b.fail(EmptyGroup, order, l.head<<groupShift)
	}

	block := l.head<<groupShift | uint32(bits.TrailingZeros32(m.bitmap))
	b.markUsed(order, block)
	return block
}

func (b *buddy) allocate(order Order) (uintptr, bool) {
	if b.list(order).head != nilGroup {
		return b.toAddr(b.takeHead(order), order), true
	}
	if order == MaxOrder {
		return 0, false
	}

	addr, ok := b.allocate(order + 1)
	if !ok {
		return 0, false
	}
	b.free(addr+order.Size(), order)
	return addr, true
}

func (b *buddy) free(addr uintptr, order Order) {
	block := b.toBlock(addr, order)
	m := b.markOf(order, block)
	if isFree(m.bitmap, block) {
		b.fail(DoubleFree, order, block)
	}

	if order == MaxOrder || !isFree(m.bitmap, buddyID(block)) {
		b.markFree(order, block)
		return
	}

	b.markUsed(order, buddyID(block))
	b.free(b.toAddr(block&^1, order), order+1)
}

// freeAncestor returns the order of a free block strictly containing
// [addr, addr+2^order), if any.
func (b *buddy) freeAncestor(addr uintptr, order Order) (Order, uint32, bool) {
	for o := order + 1; o <= MaxOrder; o++ {
		block := b.toBlock(addr, o)
		if isFree(b.markOf(o, block).bitmap, block) {
			return o, block, true
		}
	}
	return 0, 0, false
}

func (b *buddy) freeBlocks(order Order) uint64 {
	l := b.list(order)
	total := uint64(0)
	for g := l.head; g != nilGroup; g = l.marks[g].next {
		total += uint64(bits.OnesCount32(l.marks[g].bitmap))
	}
	return total
}

// check walks every order and returns the first violated invariant.
func (b *buddy) check() *Fault {
	for o := MinOrder; o <= MaxOrder; o++ {
		if f := b.checkList(o); f != nil {
			return f
		}
	}
	return nil
}

const evenBits uint32 = 0x55555555

func (b *buddy) checkList(order Order) *Fault {
	l := b.list(order)
	linked := make([]bool, len(l.marks))

	prev := nilGroup
	for g := l.head; g != nilGroup; g = l.marks[g].next {
		if int(g) >= len(l.marks) || linked[g] {
			return &Fault{Kind: BrokenList, Order: order, Block: g << groupShift}
		}
		m := l.marks[g]
		if m.prev != prev {
			return &Fault{Kind: BrokenList, Order: order, Block: g << groupShift}
		}
		if m.bitmap == 0 {
			return &Fault{Kind: EmptyGroup, Order: order, Block: g << groupShift}
		}
		linked[g] = true
		prev = g
	}

	for g, m := range l.marks {
		if m.bitmap != 0 && !linked[g] {
			return &Fault{Kind: BrokenList, Order: order, Block: uint32(g) << groupShift}
		}
		if order == MaxOrder {
			continue
		}
		if pairs := m.bitmap & (m.bitmap >> 1) & evenBits; pairs != 0 {
			block := uint32(g)<<groupShift | uint32(bits.TrailingZeros32(pairs))
			return &Fault{Kind: UnmergedBuddies, Order: order, Block: block}
		}
	}
	return nil
}
