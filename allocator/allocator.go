package allocator

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/QuangTung97/buddy/spin"
)

// Config ...
type Config struct {
	// Start and End delimit the memory handed to the allocator, [Start, End).
	Start uintptr
	End   uintptr

	// Lock guards all allocator state. Defaults to a spin.Lock.
	Lock sync.Locker

	// Logger defaults to discarding all output.
	Logger *slog.Logger

	// Halt is called with the fault before the allocator panics on a
	// consistency violation. It should not return.
	Halt func(err error)
}

// BlockAllocator hands out power-of-two blocks.
type BlockAllocator interface {
	Allocate(order Order) (uintptr, error)
	Free(addr uintptr, order Order) error
}

// PageAllocator hands out single pages.
type PageAllocator interface {
	AllocatePage() (uintptr, error)
	FreePage(addr uintptr) error
}

var (
	_ BlockAllocator = (*Allocator)(nil)
	_ PageAllocator  = (*Allocator)(nil)
)

// Allocator is a buddy allocator over a fixed memory range, safe for concurrent use.
type Allocator struct {
	mu     sync.Locker
	logger *slog.Logger
	halt   func(err error)

	layout Layout
	buddy  buddy

	memoryUsage uint64
}

// New lays out descriptors at the low end of [conf.Start, conf.End) and
// frees the rest of the range into the allocator.
func New(conf Config) (*Allocator, error) {
	layout, err := ComputeLayout(conf.Start, conf.End)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		mu:     conf.Lock,
		logger: conf.Logger,
		halt:   conf.Halt,
		layout: layout,
	}
	if a.mu == nil {
		a.mu = &spin.Lock{}
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	a.mu.Lock()
	buddyInit(&a.buddy, layout, a.fault)
	a.mu.Unlock()

	a.logger.Info("buddy allocator initialized",
		slog.String("start", fmt.Sprintf("%#x", layout.Start)),
		slog.String("end", fmt.Sprintf("%#x", layout.End)),
		slog.String("start_heap", fmt.Sprintf("%#x", layout.StartHeap)),
		slog.Uint64("metadata_bytes", uint64(layout.MetadataBytes)),
		slog.Uint64("top_blocks", uint64(layout.TopBlocks)),
	)
	return a, nil
}

func (a *Allocator) fault(f *Fault) {
	a.logger.Error("buddy allocator consistency violation",
		slog.String("kind", f.Kind.String()),
		slog.Uint64("order", uint64(f.Order)),
		slog.Uint64("block", uint64(f.Block)),
	)
	if a.halt != nil {
		a.halt(f)
	}
}

// Layout returns where descriptors and heap were placed.
func (a *Allocator) Layout() Layout {
	return a.layout
}

// Allocate returns the address of a free block of 2^order bytes, aligned to its size.
func (a *Allocator) Allocate(order Order) (uintptr, error) {
	if err := checkOrder(order); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	addr, ok := a.buddy.allocate(order)
	if !ok {
		a.logger.Debug("buddy allocator exhausted", slog.Uint64("order", uint64(order)))
		return 0, fmt.Errorf("%w: order %d", ErrOutOfMemory, order)
	}
	a.memoryUsage += uint64(order.Size())
	return addr, nil
}

// Free returns a block obtained from Allocate with the same order.
// Freeing a block that is already free panics with a *Fault.
func (a *Allocator) Free(addr uintptr, order Order) error {
	if err := checkOrder(order); err != nil {
		return err
	}
	size := order.Size()
	if addr&(size-1) != 0 {
		return fmt.Errorf("%w: %#x for order %d", ErrUnaligned, addr, order)
	}
	if addr < a.buddy.startHeap || addr >= a.buddy.end || a.buddy.end-addr < size {
		return fmt.Errorf("%w: %#x not in [%#x, %#x)", ErrOutOfRange, addr, a.buddy.startHeap, a.buddy.end)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if o, block, ok := a.buddy.freeAncestor(addr, order); ok {
		a.buddy.fail(DoubleFree, o, block)
	}
	a.buddy.free(addr, order)
	a.memoryUsage -= uint64(size)
	return nil
}

// AllocatePage ...
func (a *Allocator) AllocatePage() (uintptr, error) {
	return a.Allocate(PageOrder)
}

// FreePage ...
func (a *Allocator) FreePage(addr uintptr) error {
	return a.Free(addr, PageOrder)
}

// GetMemUsage returns the bytes currently handed out.
func (a *Allocator) GetMemUsage() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memoryUsage
}
