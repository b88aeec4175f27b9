package allocator

import (
	"fmt"
	"sync"
	"unsafe"
)

const (
	// ChunkSize is the allocation granularity of ChunkAllocator.
	ChunkSize = 1 << chunkSizeLog

	chunkSizeLog = 8
	chunkMask    = ChunkSize - 1
)

// ChunkStats is a snapshot of the chunk allocator bookkeeping.
type ChunkStats struct {
	ChunkSize      int `json:"chunk_size"`
	TotalChunks    int `json:"total_chunks"`
	UsedChunks     int `json:"used_chunks"`
	FreeChunks     int `json:"free_chunks"`
	LiveAllocs     int `json:"live_allocs"`
	LargestFreeRun int `json:"largest_free_run"`
}

// ChunkAllocator manages a fixed heap region in ChunkSize chunks, with one
// bit per chunk in a separate bitmap region. Requests are served first fit.
//
// The zero value is uninitialized: every operation fails with
// ErrNotInitialized until Init binds the two regions. All methods are safe
// for concurrent use.
type ChunkAllocator struct {
	mu sync.Mutex

	initialized bool
	heap        []byte
	bitmap      []byte
	base        uintptr
	numChunks   int

	usedChunks int
	liveAllocs int
}

// NewChunkAllocator returns an uninitialized allocator.
func NewChunkAllocator() *ChunkAllocator {
	return &ChunkAllocator{}
}

func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func regionsOverlap(a []byte, b []byte) bool {
	aStart, bStart := sliceAddr(a), sliceAddr(b)
	aEnd, bEnd := aStart+uintptr(len(a)), bStart+uintptr(len(b))
	return aStart < bEnd && bStart < aEnd
}

func validateRegions(heap []byte, bitmap []byte) (int, error) {
	numChunks, bitmapSize, err := chunkLayout(len(heap))
	if err != nil {
		return 0, err
	}
	if len(bitmap) != bitmapSize {
		return 0, fmt.Errorf("%w: %d chunks need %d bitmap bytes, got %d",
			ErrBitmapSizeMismatch, numChunks, bitmapSize, len(bitmap))
	}
	if regionsOverlap(heap, bitmap) {
		return 0, ErrRegionsOverlap
	}
	return numChunks, nil
}

// chunkLayout returns the chunk count and bitmap size in bytes for a heap of heapSize bytes.
func chunkLayout(heapSize int) (int, int, error) {
	if heapSize <= 0 || heapSize&chunkMask != 0 {
		return 0, 0, fmt.Errorf("%w: got %d bytes", ErrNotChunkMultiple, heapSize)
	}
	numChunks := heapSize >> chunkSizeLog
	if numChunks&7 != 0 {
		return 0, 0, fmt.Errorf("%w: %d chunks is not divisible by 8", ErrBitmapSizeMismatch, numChunks)
	}
	return numChunks, numChunks >> 3, nil
}

// neededChunks computes ceil(max(size, ChunkSize) / ChunkSize) without overflow.
func neededChunks(size uintptr) int {
	if size < ChunkSize {
		return 1
	}
	n := size >> chunkSizeLog
	if size&chunkMask != 0 {
		n++
	}
	return int(n)
}

func alignUp(addr uintptr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// Init binds the allocator to its heap and bitmap regions and marks every
// chunk free. It can succeed only once; later calls return
// ErrAlreadyInitialized and leave the allocator untouched.
func (c *ChunkAllocator) Init(heap []byte, bitmap []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return ErrAlreadyInitialized
	}

	numChunks, err := validateRegions(heap, bitmap)
	if err != nil {
		return err
	}

	clearBitSet(bitmap)

	c.heap = heap
	c.bitmap = bitmap
	c.base = sliceAddr(heap)
	c.numChunks = numChunks
	c.usedChunks = 0
	c.liveAllocs = 0
	c.initialized = true
	return nil
}

func (c *ChunkAllocator) chunkAddr(index int) uintptr {
	return c.base + uintptr(index)<<chunkSizeLog
}

// chunkIndexAtOrAfter returns the index of the first chunk starting at or after addr.
func (c *ChunkAllocator) chunkIndexAtOrAfter(addr uintptr) int {
	off := addr - c.base
	return int((off + chunkMask) >> chunkSizeLog)
}

// findRun returns the lowest chunk index starting a free run of needed
// chunks whose address is a multiple of align.
func (c *ChunkAllocator) findRun(needed int, align uintptr) (int, bool) {
	index := 0
	for index+needed <= c.numChunks {
		index = nextFreeChunk(c.bitmap, index, c.numChunks)
		if index+needed > c.numChunks {
			return 0, false
		}

		addr := c.chunkAddr(index)
		if addr&(align-1) != 0 {
			index = c.chunkIndexAtOrAfter(alignUp(addr, align))
			continue
		}

		end := freeRunEnd(c.bitmap, index, index+needed)
		if end == index+needed {
			return index, true
		}
		index = end + 1
	}
	return 0, false
}

// Alloc reserves a run of chunks covering size bytes whose start address is
// a multiple of align, and returns that address. A size of 0 takes one
// chunk; an align of 0 is treated as 1.
func (c *ChunkAllocator) Alloc(size uintptr, align uintptr) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alloc(size, align)
}

func (c *ChunkAllocator) alloc(size uintptr, align uintptr) (uintptr, error) {
	if !c.initialized {
		return 0, ErrNotInitialized
	}

	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadAlign, align)
	}

	heapSize := uintptr(len(c.heap))
	if align > heapSize {
		return 0, fmt.Errorf("%w: %d > heap size %d", ErrAlignTooLarge, align, heapSize)
	}
	if size > heapSize {
		return 0, fmt.Errorf("%w: %d bytes requested, heap holds %d", ErrOutOfMemory, size, heapSize)
	}

	needed := neededChunks(size)
	start, ok := c.findRun(needed, align)
	if !ok {
		return 0, fmt.Errorf("%w: %d chunks at alignment %d", ErrOutOfMemory, needed, align)
	}

	setRun(c.bitmap, start, needed)
	c.usedChunks += needed
	c.liveAllocs++

	return c.chunkAddr(start), nil
}

// Dealloc releases the run that Alloc returned for addr. size must be the
// size passed to Alloc. On error the bitmap is left unchanged.
func (c *ChunkAllocator) Dealloc(addr uintptr, size uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dealloc(addr, size)
}

func (c *ChunkAllocator) dealloc(addr uintptr, size uintptr) error {
	if !c.initialized {
		return ErrNotInitialized
	}

	if !c.contains(addr) {
		return fmt.Errorf("%w: %#x", ErrOutOfRange, addr)
	}

	off := addr - c.base
	if off&chunkMask != 0 {
		return fmt.Errorf("%w: %#x", ErrMisaligned, addr)
	}

	if size > uintptr(len(c.heap)) {
		return fmt.Errorf("%w: size %d exceeds heap", ErrOutOfRange, size)
	}

	start := int(off >> chunkSizeLog)
	needed := neededChunks(size)
	if start+needed > c.numChunks {
		return fmt.Errorf("%w: run of %d chunks at %#x passes heap end", ErrOutOfRange, needed, addr)
	}

	if !isRunUsed(c.bitmap, start, needed) {
		return fmt.Errorf("%w: %d chunks at %#x", ErrDoubleFree, needed, addr)
	}

	clearRun(c.bitmap, start, needed)
	c.usedChunks -= needed
	c.liveAllocs--
	return nil
}

func (c *ChunkAllocator) contains(addr uintptr) bool {
	return addr >= c.base && addr-c.base < uintptr(len(c.heap))
}

// Contains reports whether addr lies inside the heap region.
func (c *ChunkAllocator) Contains(addr uintptr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && c.contains(addr)
}

// Slice returns the heap bytes [addr, addr+size).
func (c *ChunkAllocator) Slice(addr uintptr, size uintptr) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, ErrNotInitialized
	}
	if !c.contains(addr) {
		return nil, fmt.Errorf("%w: %#x", ErrOutOfRange, addr)
	}

	off := addr - c.base
	if size > uintptr(len(c.heap))-off {
		return nil, fmt.Errorf("%w: %d bytes at %#x pass heap end", ErrOutOfRange, size, addr)
	}
	end := off + size
	return c.heap[off:end:end], nil
}

// Initialized reports whether Init has succeeded.
func (c *ChunkAllocator) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Base returns the heap start address, or 0 before Init.
func (c *ChunkAllocator) Base() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}

// Bitmap returns a copy of the bitmap region.
func (c *ChunkAllocator) Bitmap() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]byte, len(c.bitmap))
	copy(result, c.bitmap)
	return result
}

// Stats returns current usage counters.
func (c *ChunkAllocator) Stats() ChunkStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, largest := largestFreeRun(c.bitmap, c.numChunks)
	return ChunkStats{
		ChunkSize:      ChunkSize,
		TotalChunks:    c.numChunks,
		UsedChunks:     c.usedChunks,
		FreeChunks:     c.numChunks - c.usedChunks,
		LiveAllocs:     c.liveAllocs,
		LargestFreeRun: largest,
	}
}
