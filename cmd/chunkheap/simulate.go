package main

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/spf13/cobra"

	"github.com/QuangTung97/chunkheap/allocator"
	"github.com/QuangTung97/chunkheap/globalheap"
	"github.com/QuangTung97/chunkheap/internal/logger"
)

type simConfig struct {
	HeapSize int
	Ops      int
	Seed     int64
	MaxSize  int
	Slabs    bool
}

type simResult struct {
	Allocs         int             `json:"allocs"`
	Frees          int             `json:"frees"`
	OutOfMemory    int             `json:"out_of_memory"`
	PeakUsedChunks int             `json:"peak_used_chunks"`
	Final          allocator.Stats `json:"final"`
}

type simAlloc struct {
	addr  uintptr
	size  uintptr
	align uintptr
}

var simAligns = []uintptr{1, 8, 16, 64, 256, 4096}

// checkNoOverlap verifies that no two live byte ranges intersect.
func checkNoOverlap(live []simAlloc) error {
	sorted := make([]simAlloc, len(live))
	copy(sorted, live)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].addr < sorted[j].addr
	})

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.addr+prev.size > cur.addr || prev.addr == cur.addr {
			return fmt.Errorf("allocations at %#x (%d bytes) and %#x overlap", prev.addr, prev.size, cur.addr)
		}
	}
	return nil
}

func runSimulation(conf simConfig) (simResult, error) {
	if conf.Ops < 0 || conf.MaxSize <= 0 {
		return simResult{}, fmt.Errorf("ops must be >= 0 and max-size > 0")
	}

	allocConf := allocator.Config{HeapSize: conf.HeapSize}
	if conf.Slabs {
		allocConf.Slabs = globalheap.DefaultConfig().Slabs
	}

	a, err := allocator.New(allocConf)
	if err != nil {
		return simResult{}, err
	}
	defer func() { _ = a.Close() }()

	rnd := rand.New(rand.NewSource(conf.Seed))

	var result simResult
	var live []simAlloc

	for op := 0; op < conf.Ops; op++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			i := rnd.Intn(len(live))
			l := live[i]
			if err := a.Deallocate(l.addr, l.size, l.align); err != nil {
				return result, fmt.Errorf("op %d: free %#x: %w", op, l.addr, err)
			}
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			result.Frees++
			continue
		}

		size := uintptr(rnd.Intn(conf.MaxSize) + 1)
		align := simAligns[rnd.Intn(len(simAligns))]
		if align > uintptr(conf.HeapSize) {
			align = 1
		}
		addr, err := a.Allocate(size, align)
		if errors.Is(err, allocator.ErrOutOfMemory) {
			result.OutOfMemory++
			continue
		}
		if err != nil {
			return result, fmt.Errorf("op %d: alloc %d/%d: %w", op, size, align, err)
		}
		if addr%align != 0 {
			return result, fmt.Errorf("op %d: address %#x breaks alignment %d", op, addr, align)
		}

		live = append(live, simAlloc{addr: addr, size: size, align: align})
		result.Allocs++

		if used := a.Chunks().Stats().UsedChunks; used > result.PeakUsedChunks {
			result.PeakUsedChunks = used
		}
	}

	if err := checkNoOverlap(live); err != nil {
		return result, err
	}
	result.Final = a.Stats()

	logger.Debug("simulation finished",
		"allocs", result.Allocs,
		"frees", result.Frees,
		"out_of_memory", result.OutOfMemory,
		"live", len(live),
	)

	for _, l := range live {
		if err := a.Deallocate(l.addr, l.size, l.align); err != nil {
			return result, fmt.Errorf("cleanup free %#x: %w", l.addr, err)
		}
	}
	return result, nil
}

var simFlags simConfig

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a random alloc/free workload against a fresh heap",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := runSimulation(simFlags)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(cmd.OutOrStdout(), result)
		}

		out := cmd.OutOrStdout()
		chunks := result.Final.Chunks
		fmt.Fprintf(out, "Allocations:      %s\n", formatCount(result.Allocs))
		fmt.Fprintf(out, "Frees:            %s\n", formatCount(result.Frees))
		fmt.Fprintf(out, "Out of memory:    %s\n", formatCount(result.OutOfMemory))
		fmt.Fprintf(out, "Peak used chunks: %s\n", formatCount(result.PeakUsedChunks))
		fmt.Fprintf(out, "Final used:       %s of %s chunks\n", formatCount(chunks.UsedChunks), formatCount(chunks.TotalChunks))
		fmt.Fprintf(out, "Largest free run: %s chunks\n", formatCount(chunks.LargestFreeRun))
		fmt.Fprintf(out, "Memory in use:    %s\n", formatBytes(int(result.Final.MemoryUsage)))
		return nil
	},
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simFlags.HeapSize, "heap-size", 256*allocator.ChunkSize, "Heap size in bytes")
	f.IntVar(&simFlags.Ops, "ops", 10000, "Number of operations")
	f.Int64Var(&simFlags.Seed, "seed", 1, "Random seed")
	f.IntVar(&simFlags.MaxSize, "max-size", 2048, "Largest request size in bytes")
	f.BoolVar(&simFlags.Slabs, "slabs", false, "Route small requests through slabs")
	rootCmd.AddCommand(simulateCmd)
}
