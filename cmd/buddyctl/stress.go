package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/QuangTung97/buddy/allocator"
	"github.com/QuangTung97/buddy/arena"
	"github.com/bytedance/gopkg/lang/fastrand"
	"github.com/spf13/cobra"
)

type stressOptions struct {
	Size     int
	Workers  int
	Ops      int
	UseMutex bool
	UseHeap  bool
}

type stressResult struct {
	Allocs   uint64
	Frees    uint64
	OOM      uint64
	Corrupt  uint64
	Duration time.Duration
	Stats    allocator.Stats
}

var stressOpts stressOptions

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressOpts.Size, "size", 16<<20, "Arena size in bytes")
	cmd.Flags().IntVar(&stressOpts.Workers, "workers", 8, "Concurrent workers")
	cmd.Flags().IntVar(&stressOpts.Ops, "ops", 100000, "Operations per worker")
	cmd.Flags().BoolVar(&stressOpts.UseMutex, "mutex", false, "Guard the allocator with sync.Mutex instead of a spin lock")
	cmd.Flags().BoolVar(&stressOpts.UseHeap, "heap", false, "Back the arena with Go heap memory instead of an anonymous mapping")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent allocate/free against a mapped arena",
		Long: `The stress command maps an arena, starts workers that allocate blocks
of random sizes, fill them with a per-worker pattern, and verify the pattern
before freeing. At the end every block is freed and the free lists are checked.

Example:
  buddyctl stress --size 67108864 --workers 16 --ops 500000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Stderr)
			res, err := runStress(stressOpts, logger)
			if err != nil {
				return err
			}
			printStress(os.Stdout, stressOpts, res)
			return nil
		},
	}
}

type block struct {
	addr  uintptr
	order allocator.Order
}

type workerCounts struct {
	allocs  uint64
	frees   uint64
	oom     uint64
	corrupt uint64
	err     error
}

func stressWorker(a allocator.BlockAllocator, r *arena.Region, pattern byte, ops int) workerCounts {
	var c workerCounts
	var live []block

	release := func(b block) bool {
		data, err := r.Bytes(b.addr, int(b.order.Size()))
		if err != nil {
			c.err = err
			return false
		}
		for _, v := range data {
			if v != pattern {
				c.corrupt++
				break
			}
		}
		if err := a.Free(b.addr, b.order); err != nil {
			c.err = err
			return false
		}
		c.frees++
		return true
	}

	for i := 0; i < ops; i++ {
		if len(live) > 0 && fastrand.Uint32n(2) == 0 {
			k := int(fastrand.Uint32n(uint32(len(live))))
			if !release(live[k]) {
				return c
			}
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		order, err := allocator.OrderForSize(uint64(fastrand.Uint32n(uint32(allocator.MaxOrder.Size())) + 1))
		if err != nil {
			c.err = err
			return c
		}
		addr, err := a.Allocate(order)
		if errors.Is(err, allocator.ErrOutOfMemory) {
			c.oom++
			continue
		}
		if err != nil {
			c.err = err
			return c
		}
		data, err := r.Bytes(addr, int(order.Size()))
		if err != nil {
			c.err = err
			return c
		}
		for j := range data {
			data[j] = pattern
		}
		c.allocs++
		live = append(live, block{addr: addr, order: order})
	}

	for _, b := range live {
		if !release(b) {
			return c
		}
	}
	return c
}

func runStress(opts stressOptions, logger *slog.Logger) (stressResult, error) {
	if opts.Workers <= 0 || opts.Ops < 0 {
		return stressResult{}, fmt.Errorf("workers must be > 0 and ops >= 0")
	}

	open := arena.Map
	if opts.UseHeap {
		open = arena.Heap
	}
	r, err := open(opts.Size)
	if err != nil {
		return stressResult{}, err
	}
	defer func() { _ = r.Close() }()

	conf := allocator.Config{Start: r.Start(), End: r.End(), Logger: logger}
	if opts.UseMutex {
		conf.Lock = &sync.Mutex{}
	}
	a, err := allocator.New(conf)
	if err != nil {
		return stressResult{}, err
	}

	counts := make([]workerCounts, opts.Workers)
	begin := time.Now()

	var wg sync.WaitGroup
	wg.Add(opts.Workers)
	for w := 0; w < opts.Workers; w++ {
		go func(w int) {
			defer wg.Done()
			counts[w] = stressWorker(a, r, byte(w+1), opts.Ops)
		}(w)
	}
	wg.Wait()

	res := stressResult{Duration: time.Since(begin)}
	for _, c := range counts {
		if c.err != nil {
			return res, c.err
		}
		res.Allocs += c.allocs
		res.Frees += c.frees
		res.OOM += c.oom
		res.Corrupt += c.corrupt
	}
	if res.Corrupt > 0 {
		return res, fmt.Errorf("%d blocks were overwritten while allocated", res.Corrupt)
	}
	if err := a.Check(); err != nil {
		return res, err
	}

	res.Stats = a.Stats()
	if res.Stats.InUseBytes != 0 || res.Stats.FreeBytes != res.Stats.HeapBytes {
		return res, fmt.Errorf("arena not fully free after stress: %d of %d bytes free",
			res.Stats.FreeBytes, res.Stats.HeapBytes)
	}
	logger.Debug("stress finished", slog.Duration("duration", res.Duration))
	return res, nil
}

func printStress(w io.Writer, opts stressOptions, res stressResult) {
	p := newPrinter(w)
	p.printf("workers:  %d x %d ops in %v\n", opts.Workers, opts.Ops, res.Duration.Round(time.Millisecond))
	p.printf("allocs:   %d\n", res.Allocs)
	p.printf("frees:    %d\n", res.Frees)
	p.printf("oom:      %d\n", res.OOM)
	p.printf("heap:     %d bytes, %d free\n", res.Stats.HeapBytes, res.Stats.FreeBytes)
	for _, o := range res.Stats.Orders {
		if o.FreeBlocks == 0 {
			continue
		}
		p.printf("  order %d: %d free blocks\n", uint32(o.Order), o.FreeBlocks)
	}
}
