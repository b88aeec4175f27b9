package allocator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/QuangTung97/chunkheap/region"
)

// SlabConfig describes one size class: elements of ElemSize bytes carved from runs of ChunksPerRun chunks.
type SlabConfig struct {
	ElemSize     uint32
	ChunksPerRun uint32
}

// Config sizes the heap and lists the slab size classes in front of it.
type Config struct {
	HeapSize int
	Slabs    []SlabConfig
}

// SlabStats reports the memory held by one size class.
type SlabStats struct {
	ElemSize uint32 `json:"elem_size"`
	MemUsage uint64 `json:"mem_usage"`
}

// Stats is a snapshot of the chunk bookkeeping and slab usage.
type Stats struct {
	Chunks      ChunkStats  `json:"chunks"`
	MemoryUsage uint64      `json:"memory_usage"`
	Slabs       []SlabStats `json:"slabs"`
}

// Allocator routes small, loosely aligned requests to slabs and everything
// else to the chunk allocator underneath. All methods are safe for
// concurrent use.
type Allocator struct {
	mu sync.Mutex

	heapRegion   *region.Region
	bitmapRegion *region.Region
	chunks       *ChunkAllocator
	layout       Layout

	slabs        []*Slab
	slabSizeList []uint32

	memoryUsage uint64
}

func validateSlabs(slabs []SlabConfig) error {
	seen := make(map[uint32]struct{}, len(slabs))
	for _, s := range slabs {
		if s.ElemSize == 0 {
			return fmt.Errorf("%w: ElemSize must > 0", ErrInvalidConfig)
		}
		if s.ChunksPerRun == 0 {
			return fmt.Errorf("%w: ChunksPerRun must > 0", ErrInvalidConfig)
		}
		if _, ok := seen[s.ElemSize]; ok {
			return fmt.Errorf("%w: duplicated ElemSize %d", ErrInvalidConfig, s.ElemSize)
		}
		seen[s.ElemSize] = struct{}{}
	}
	return nil
}

func allocatorValidateConfig(conf Config) (Layout, error) {
	layout, err := NewLayout(conf.HeapSize)
	if err != nil {
		return Layout{}, err
	}
	if err := validateSlabs(conf.Slabs); err != nil {
		return Layout{}, err
	}
	return layout, nil
}

func sortSlabConfigs(slabs []SlabConfig) []SlabConfig {
	result := make([]SlabConfig, len(slabs))
	copy(result, slabs)
	sort.Slice(result, func(i, j int) bool {
		return result[i].ElemSize < result[j].ElemSize
	})
	return result
}

// New reserves page-aligned heap and bitmap regions for conf.HeapSize and
// builds an allocator over them. Close releases the regions.
func New(conf Config) (*Allocator, error) {
	layout, err := allocatorValidateConfig(conf)
	if err != nil {
		return nil, err
	}

	heapRegion, err := region.Reserve(layout.HeapSize)
	if err != nil {
		return nil, err
	}
	bitmapRegion, err := region.Reserve(layout.BitmapSize)
	if err != nil {
		_ = heapRegion.Release()
		return nil, err
	}

	result, err := NewWithRegions(conf.Slabs, heapRegion.Bytes(), bitmapRegion.Bytes())
	if err != nil {
		_ = heapRegion.Release()
		_ = bitmapRegion.Release()
		return nil, err
	}
	result.heapRegion = heapRegion
	result.bitmapRegion = bitmapRegion
	return result, nil
}

// NewWithRegions builds an allocator over caller-owned heap and bitmap regions.
func NewWithRegions(slabConfigs []SlabConfig, heap []byte, bitmap []byte) (*Allocator, error) {
	if err := validateSlabs(slabConfigs); err != nil {
		return nil, err
	}

	chunks := NewChunkAllocator()
	if err := chunks.Init(heap, bitmap); err != nil {
		return nil, err
	}

	slabConfigs = sortSlabConfigs(slabConfigs)

	slabs := make([]*Slab, 0, len(slabConfigs))
	slabSizeList := make([]uint32, 0, len(slabConfigs))
	for _, slabConf := range slabConfigs {
		slab, err := NewSlab(chunks, slabConf.ElemSize, slabConf.ChunksPerRun)
		if err != nil {
			return nil, err
		}
		slabs = append(slabs, slab)
		slabSizeList = append(slabSizeList, slabConf.ElemSize)
	}

	layout := Layout{
		HeapSize:   len(heap),
		NumChunks:  len(heap) / ChunkSize,
		BitmapSize: len(bitmap),
	}

	return &Allocator{
		chunks:       chunks,
		layout:       layout,
		slabs:        slabs,
		slabSizeList: slabSizeList,
		memoryUsage:  0,
	}, nil
}

func findSlabIndex(sizes []uint32, value uint32) int {
	first := 0
	last := len(sizes)
	for first != last {
		mid := (first + last) >> 1
		if sizes[mid] < value {
			first = mid + 1
		} else {
			last = mid
		}
	}
	return first
}

func (a *Allocator) slabFor(size uintptr, align uintptr) *Slab {
	if align > SlabAlign || len(a.slabSizeList) == 0 {
		return nil
	}
	if size > uintptr(a.slabSizeList[len(a.slabSizeList)-1]) {
		return nil
	}
	return a.slabs[findSlabIndex(a.slabSizeList, uint32(size))]
}

// GetMemUsage returns the bytes currently handed out, including slab padding.
func (a *Allocator) GetMemUsage() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memoryUsage
}

// Allocate returns the address of size bytes aligned to align.
func (a *Allocator) Allocate(size uintptr, align uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slab := a.slabFor(size, align); slab != nil {
		prevUsage := slab.GetMemUsage()
		addr, err := slab.Allocate()
		nextUsage := slab.GetMemUsage()

		a.memoryUsage += nextUsage - prevUsage
		return addr, err
	}

	addr, err := a.chunks.Alloc(size, align)
	if err != nil {
		return 0, err
	}
	a.memoryUsage += uint64(neededChunks(size)) * ChunkSize
	return addr, nil
}

// Deallocate releases addr. size and align must match the Allocate call.
func (a *Allocator) Deallocate(addr uintptr, size uintptr, align uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slab := a.slabFor(size, align); slab != nil {
		prevUsage := slab.GetMemUsage()
		err := slab.Deallocate(addr)
		nextUsage := slab.GetMemUsage()

		a.memoryUsage = a.memoryUsage - prevUsage + nextUsage
		return err
	}

	if err := a.chunks.Dealloc(addr, size); err != nil {
		return err
	}
	a.memoryUsage -= uint64(neededChunks(size)) * ChunkSize
	return nil
}

// Slice returns the heap bytes backing [addr, addr+size).
func (a *Allocator) Slice(addr uintptr, size uintptr) ([]byte, error) {
	return a.chunks.Slice(addr, size)
}

// Chunks returns the underlying chunk allocator.
func (a *Allocator) Chunks() *ChunkAllocator {
	return a.chunks
}

// Layout returns the heap layout the allocator was built with.
func (a *Allocator) Layout() Layout {
	return a.layout
}

// Stats returns the chunk statistics together with per-slab usage.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	slabs := make([]SlabStats, 0, len(a.slabs))
	for _, s := range a.slabs {
		slabs = append(slabs, SlabStats{
			ElemSize: s.ElemSize(),
			MemUsage: s.GetMemUsage(),
		})
	}
	return Stats{
		Chunks:      a.chunks.Stats(),
		MemoryUsage: a.memoryUsage,
		Slabs:       slabs,
	}
}

// Close releases regions reserved by New. The allocator and every address
// it returned must not be used afterwards.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.heapRegion != nil {
		errs = append(errs, a.heapRegion.Release())
	}
	if a.bitmapRegion != nil {
		errs = append(errs, a.bitmapRegion.Release())
	}
	return errors.Join(errs...)
}
