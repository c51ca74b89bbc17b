package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/QuangTung97/buddy/allocator"
	"github.com/spf13/cobra"
)

var (
	layoutStart string
	layoutSize  uint64
)

func init() {
	cmd := newLayoutCmd()
	cmd.Flags().StringVar(&layoutStart, "start", "0x100000", "Start address of the range")
	cmd.Flags().Uint64Var(&layoutSize, "size", 16<<20, "Size of the range in bytes")
	rootCmd.AddCommand(cmd)
}

func newLayoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Show where descriptors and heap go for a memory range",
		Long: `The layout command computes how the allocator splits [start, start+size)
into group descriptors and heap, without touching any memory.

Example:
  buddyctl layout --start 0x8000000 --size 268435456`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := strconv.ParseUint(layoutStart, 0, 64)
			if err != nil {
				return err
			}
			return runLayout(os.Stdout, uintptr(start), uintptr(layoutSize))
		},
	}
}

func runLayout(w io.Writer, start, size uintptr) error {
	l, err := allocator.ComputeLayout(start, start+size)
	if err != nil {
		return err
	}

	p := newPrinter(w)
	p.printf("range:      [%s, %s)\n", hex(l.Start), hex(l.End))
	p.printf("heap start: %s\n", hex(l.StartHeap))
	p.printf("metadata:   %d bytes in %d groups\n", uint64(l.MetadataBytes), l.TotalGroups)
	p.printf("heap:       %d bytes in %d pages\n", l.HeapBytes(), l.TopBlocks)
	for o := allocator.MaxOrder; o >= allocator.MinOrder; o-- {
		p.printf("  order %d: %d groups\n", uint32(o), l.Groups(o))
	}
	return nil
}

func hex(addr uintptr) string {
	return fmt.Sprintf("%#x", addr)
}
