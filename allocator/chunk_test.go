package allocator

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuangTung97/chunkheap/region"
)

func reserveRegions(t *testing.T, heapSize int) ([]byte, []byte) {
	t.Helper()

	bitmapSize, err := BitmapSize(heapSize)
	require.NoError(t, err)

	heap, err := region.Reserve(heapSize)
	require.NoError(t, err)
	bitmap, err := region.Reserve(bitmapSize)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = heap.Release()
		_ = bitmap.Release()
	})
	return heap.Bytes(), bitmap.Bytes()
}

func newTestChunkAllocator(t *testing.T, heapSize int) *ChunkAllocator {
	t.Helper()

	heap, bitmap := reserveRegions(t, heapSize)
	c := NewChunkAllocator()
	require.NoError(t, c.Init(heap, bitmap))
	return c
}

func TestNeededChunks(t *testing.T) {
	table := []struct {
		size     uintptr
		expected int
	}{
		{size: 0, expected: 1},
		{size: 1, expected: 1},
		{size: 256, expected: 1},
		{size: 257, expected: 2},
		{size: 300, expected: 2},
		{size: 2048, expected: 8},
		{size: ^uintptr(0), expected: int(^uintptr(0)>>8) + 1},
	}

	for _, e := range table {
		assert.Equal(t, e.expected, neededChunks(e.size), "size %d", e.size)
	}
}

func TestChunkAllocator_Init(t *testing.T) {
	heap, bitmap := reserveRegions(t, 2048)
	bitmap[0] = 0xaa

	c := NewChunkAllocator()
	assert.False(t, c.Initialized())
	assert.Equal(t, uintptr(0), c.Base())

	err := c.Init(heap, bitmap)
	assert.NoError(t, err)
	assert.True(t, c.Initialized())
	assert.Equal(t, 8, c.numChunks)
	assert.Equal(t, []byte{0}, c.Bitmap())
	assert.Equal(t, sliceAddr(heap), c.Base())
}

func TestChunkAllocator_Init_Errors(t *testing.T) {
	shared := make([]byte, 2048+8)

	table := []struct {
		name     string
		heap     []byte
		bitmap   []byte
		expected error
	}{
		{
			name:     "empty-heap",
			heap:     nil,
			bitmap:   make([]byte, 1),
			expected: ErrNotChunkMultiple,
		},
		{
			name:     "not-chunk-multiple",
			heap:     make([]byte, 300),
			bitmap:   make([]byte, 1),
			expected: ErrNotChunkMultiple,
		},
		{
			name:     "chunks-not-divisible-by-8",
			heap:     make([]byte, 4*ChunkSize),
			bitmap:   make([]byte, 1),
			expected: ErrBitmapSizeMismatch,
		},
		{
			name:     "bitmap-too-large",
			heap:     make([]byte, 2048),
			bitmap:   make([]byte, 2),
			expected: ErrBitmapSizeMismatch,
		},
		{
			name:     "bitmap-empty",
			heap:     make([]byte, 2048),
			bitmap:   nil,
			expected: ErrBitmapSizeMismatch,
		},
		{
			name:     "overlap",
			heap:     shared[:2048],
			bitmap:   shared[2047:2048],
			expected: ErrRegionsOverlap,
		},
	}

	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			c := NewChunkAllocator()
			err := c.Init(e.heap, e.bitmap)
			assert.True(t, errors.Is(err, e.expected), "got %v", err)
			assert.False(t, c.Initialized())

			_, err = c.Alloc(1, 1)
			assert.Equal(t, ErrNotInitialized, err)
		})
	}
}

func TestChunkAllocator_Init_Adjacent(t *testing.T) {
	shared := make([]byte, 2048+1)

	c := NewChunkAllocator()
	assert.NoError(t, c.Init(shared[:2048], shared[2048:]))
}

func TestChunkAllocator_Init_Twice(t *testing.T) {
	heap, bitmap := reserveRegions(t, 2048)
	otherHeap, otherBitmap := reserveRegions(t, 4096)

	c := NewChunkAllocator()
	require.NoError(t, c.Init(heap, bitmap))

	addr, err := c.Alloc(300, 8)
	require.NoError(t, err)

	err = c.Init(otherHeap, otherBitmap)
	assert.Equal(t, ErrAlreadyInitialized, err)

	assert.Equal(t, sliceAddr(heap), c.Base())
	assert.Equal(t, []byte{0x03}, c.Bitmap())
	assert.Equal(t, byte(0x03), bitmap[0])
	assert.Equal(t, 8, c.numChunks)
	assert.NoError(t, c.Dealloc(addr, 300))
}

func TestChunkAllocator_NotInitialized(t *testing.T) {
	var c ChunkAllocator

	_, err := c.Alloc(10, 8)
	assert.Equal(t, ErrNotInitialized, err)

	err = c.Dealloc(0x1000, 10)
	assert.Equal(t, ErrNotInitialized, err)

	_, err = c.Slice(0x1000, 10)
	assert.Equal(t, ErrNotInitialized, err)

	assert.False(t, c.Contains(0x1000))
	assert.Equal(t, ChunkStats{ChunkSize: ChunkSize}, c.Stats())
}

func TestChunkAllocator_ConcreteScenario(t *testing.T) {
	c := newTestChunkAllocator(t, 2048)
	base := c.Base()

	addr, err := c.Alloc(300, 8)
	assert.NoError(t, err)
	assert.Equal(t, base, addr)
	assert.Equal(t, []byte{0b00000011}, c.Bitmap())

	_, err = c.Alloc(2048, 1)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Equal(t, []byte{0b00000011}, c.Bitmap())

	err = c.Dealloc(base, 300)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0b00000000}, c.Bitmap())
}

func TestChunkAllocator_ExhaustionBoundary(t *testing.T) {
	const numChunks = 64
	c := newTestChunkAllocator(t, numChunks*ChunkSize)

	addr, err := c.Alloc(numChunks*ChunkSize, 1)
	require.NoError(t, err)
	assert.Equal(t, c.Base(), addr)

	_, err = c.Alloc(1, 1)
	assert.True(t, errors.Is(err, ErrOutOfMemory))

	require.NoError(t, c.Dealloc(addr, numChunks*ChunkSize))

	addr, err = c.Alloc(1, 1)
	assert.NoError(t, err)
	assert.Equal(t, c.Base(), addr)
}

func TestChunkAllocator_ZeroSize(t *testing.T) {
	c := newTestChunkAllocator(t, 2048)

	p1, err := c.Alloc(0, 0)
	require.NoError(t, err)
	p2, err := c.Alloc(0, 1)
	require.NoError(t, err)

	assert.NotEqual(t, uintptr(0), p1)
	assert.Equal(t, p1+ChunkSize, p2)
	assert.Equal(t, []byte{0x03}, c.Bitmap())
}

func TestChunkAllocator_FirstFit(t *testing.T) {
	c := newTestChunkAllocator(t, 4096)
	base := c.Base()

	p0, _ := c.Alloc(1, 1)
	p1, _ := c.Alloc(1, 1)
	p2, _ := c.Alloc(1, 1)
	assert.Equal(t, []uintptr{base, base + 256, base + 512}, []uintptr{p0, p1, p2})

	require.NoError(t, c.Dealloc(p1, 1))

	p3, err := c.Alloc(400, 1)
	require.NoError(t, err)
	assert.Equal(t, base+3*256, p3)

	p4, err := c.Alloc(1, 1)
	require.NoError(t, err)
	assert.Equal(t, base+256, p4)

	assert.Equal(t, []byte{0x1f, 0x00}, c.Bitmap())
}

func TestChunkAllocator_Alignment(t *testing.T) {
	c := newTestChunkAllocator(t, 64*ChunkSize)
	base := c.Base()
	require.True(t, base%region.PageSize == 0)

	p0, err := c.Alloc(1, 1)
	require.NoError(t, err)
	assert.Equal(t, base, p0)

	p1, err := c.Alloc(1, 4096)
	require.NoError(t, err)
	assert.Equal(t, base+4096, p1)
	assert.Equal(t, uintptr(0), p1%4096)

	p2, err := c.Alloc(10, 1024)
	require.NoError(t, err)
	assert.Equal(t, base+1024, p2)

	p3, err := c.Alloc(3*ChunkSize, 2048)
	require.NoError(t, err)
	assert.Equal(t, base+2048, p3)

	p4, err := c.Alloc(ChunkSize, 512)
	require.NoError(t, err)
	assert.Equal(t, base+512, p4)

	p5, err := c.Alloc(1, 64*ChunkSize)
	if base%(64*ChunkSize) == 0 {
		assert.True(t, errors.Is(err, ErrOutOfMemory))
	} else {
		require.NoError(t, err)
		assert.Equal(t, uintptr(0), p5%(64*ChunkSize))
	}
}

func TestChunkAllocator_Alloc_Errors(t *testing.T) {
	c := newTestChunkAllocator(t, 2048)

	table := []struct {
		name     string
		size     uintptr
		align    uintptr
		expected error
	}{
		{name: "align-not-power-of-two", size: 8, align: 3, expected: ErrBadAlign},
		{name: "align-12", size: 8, align: 12, expected: ErrBadAlign},
		{name: "align-larger-than-heap", size: 8, align: 4096, expected: ErrAlignTooLarge},
		{name: "size-larger-than-heap", size: 2049, align: 8, expected: ErrOutOfMemory},
		{name: "size-max", size: ^uintptr(0), align: 8, expected: ErrOutOfMemory},
	}

	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			addr, err := c.Alloc(e.size, e.align)
			assert.True(t, errors.Is(err, e.expected), "got %v", err)
			assert.Equal(t, uintptr(0), addr)
			assert.Equal(t, []byte{0}, c.Bitmap())
		})
	}
}

func TestChunkAllocator_Dealloc_Errors(t *testing.T) {
	c := newTestChunkAllocator(t, 2048)
	base := c.Base()

	addr, err := c.Alloc(512, 1)
	require.NoError(t, err)
	require.Equal(t, base, addr)

	table := []struct {
		name     string
		addr     uintptr
		size     uintptr
		expected error
	}{
		{name: "before-heap", addr: base - ChunkSize, size: 1, expected: ErrOutOfRange},
		{name: "after-heap", addr: base + 2048, size: 1, expected: ErrOutOfRange},
		{name: "not-chunk-aligned", addr: base + 1, size: 1, expected: ErrMisaligned},
		{name: "inside-chunk", addr: base + 300, size: 1, expected: ErrMisaligned},
		{name: "run-past-end", addr: base + 7*ChunkSize, size: 512, expected: ErrOutOfRange},
		{name: "size-larger-than-heap", addr: base, size: 4096, expected: ErrOutOfRange},
		{name: "never-allocated", addr: base + 4*ChunkSize, size: 1, expected: ErrDoubleFree},
		{name: "partially-free", addr: base, size: 3 * ChunkSize, expected: ErrDoubleFree},
	}

	for _, e := range table {
		t.Run(e.name, func(t *testing.T) {
			err := c.Dealloc(e.addr, e.size)
			assert.True(t, errors.Is(err, e.expected), "got %v", err)
			assert.Equal(t, []byte{0x03}, c.Bitmap())
		})
	}

	assert.NoError(t, c.Dealloc(addr, 512))
	err = c.Dealloc(addr, 512)
	assert.True(t, errors.Is(err, ErrDoubleFree))
	assert.Equal(t, []byte{0x00}, c.Bitmap())
}

func TestChunkAllocator_RoundTrip(t *testing.T) {
	c := newTestChunkAllocator(t, 256*ChunkSize)

	sizes := []uintptr{0, 1, 8, 255, 256, 257, 1000, 4096, 10000, 256 * ChunkSize}
	aligns := []uintptr{1, 2, 8, 64, 256, 1024, 4096}

	for _, size := range sizes {
		for _, align := range aligns {
			addr, err := c.Alloc(size, align)
			require.NoError(t, err, "size %d align %d", size, align)
			assert.Equal(t, uintptr(0), addr%align)

			require.NoError(t, c.Dealloc(addr, size))
			assert.Equal(t, make([]byte, 32), c.Bitmap(), "size %d align %d", size, align)
		}
	}

	assert.Equal(t, 0, c.Stats().UsedChunks)
	assert.Equal(t, 0, c.Stats().LiveAllocs)
}

type liveAlloc struct {
	addr  uintptr
	size  uintptr
	align uintptr
}

func expectedBitmap(c *ChunkAllocator, live []liveAlloc) []byte {
	bitmap := make([]byte, c.numChunks/8)
	for _, l := range live {
		start := int((l.addr - c.base) / ChunkSize)
		n := neededChunks(l.size)
		for i := start; i < start+n; i++ {
			bitmap[i>>3] |= 1 << uint(i&7)
		}
	}
	return bitmap
}

func assertNoOverlap(t *testing.T, live []liveAlloc) {
	t.Helper()

	used := map[uintptr]struct{}{}
	for _, l := range live {
		n := neededChunks(l.size)
		for i := 0; i < n; i++ {
			chunk := l.addr + uintptr(i)*ChunkSize
			_, ok := used[chunk]
			require.False(t, ok, "chunk %#x used twice", chunk)
			used[chunk] = struct{}{}
		}
	}
}

func TestChunkAllocator_Random_NoOverlap(t *testing.T) {
	c := newTestChunkAllocator(t, 128*ChunkSize)
	rnd := rand.New(rand.NewSource(97))

	var live []liveAlloc
	aligns := []uintptr{1, 8, 16, 256, 512, 4096}

	for step := 0; step < 5000; step++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			i := rnd.Intn(len(live))
			l := live[i]
			require.NoError(t, c.Dealloc(l.addr, l.size))
			live = append(live[:i], live[i+1:]...)
		} else {
			size := uintptr(rnd.Intn(6 * ChunkSize))
			align := aligns[rnd.Intn(len(aligns))]
			addr, err := c.Alloc(size, align)
			if err != nil {
				require.True(t, errors.Is(err, ErrOutOfMemory), "got %v", err)
				continue
			}
			require.Equal(t, uintptr(0), addr%align)
			require.Equal(t, uintptr(0), (addr-c.Base())%ChunkSize)
			live = append(live, liveAlloc{addr: addr, size: size, align: align})
		}

		assertNoOverlap(t, live)
		require.Equal(t, expectedBitmap(c, live), c.Bitmap(), "step %d", step)
		require.Equal(t, len(live), c.Stats().LiveAllocs)
	}

	for _, l := range live {
		require.NoError(t, c.Dealloc(l.addr, l.size))
	}
	assert.Equal(t, make([]byte, 16), c.Bitmap())
}

func TestChunkAllocator_SkipsFullBytes(t *testing.T) {
	c := newTestChunkAllocator(t, 1024*ChunkSize)
	base := c.Base()

	_, err := c.Alloc(1000*ChunkSize, 1)
	require.NoError(t, err)

	addr, err := c.Alloc(1, 1)
	require.NoError(t, err)
	assert.Equal(t, base+1000*ChunkSize, addr)

	addr, err = c.Alloc(16*ChunkSize, 1)
	require.NoError(t, err)
	assert.Equal(t, base+1001*ChunkSize, addr)

	_, err = c.Alloc(8*ChunkSize, 1)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
}

func TestChunkAllocator_Slice(t *testing.T) {
	c := newTestChunkAllocator(t, 2048)

	addr, err := c.Alloc(300, 8)
	require.NoError(t, err)

	b, err := c.Slice(addr, 300)
	require.NoError(t, err)
	assert.Equal(t, 300, len(b))
	assert.Equal(t, 300, cap(b))
	copy(b, "hello")

	again, err := c.Slice(addr, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(again))

	_, err = c.Slice(addr+2000, 100)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	_, err = c.Slice(addr+4096, 1)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	assert.True(t, c.Contains(addr+2047))
	assert.False(t, c.Contains(addr+2048))
}

func TestChunkAllocator_Stats(t *testing.T) {
	c := newTestChunkAllocator(t, 4096)
	base := c.Base()

	_, err := c.Alloc(3*ChunkSize, 1)
	require.NoError(t, err)
	_, err = c.Alloc(1, 1)
	require.NoError(t, err)
	require.NoError(t, c.Dealloc(base, 3*ChunkSize))

	assert.Equal(t, ChunkStats{
		ChunkSize:      ChunkSize,
		TotalChunks:    16,
		UsedChunks:     1,
		FreeChunks:     15,
		LiveAllocs:     1,
		LargestFreeRun: 12,
	}, c.Stats())
}

func TestChunkAllocator_Concurrent(t *testing.T) {
	c := newTestChunkAllocator(t, 512*ChunkSize)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				size := uintptr(rnd.Intn(4*ChunkSize) + 1)
				addr, err := c.Alloc(size, 8)
				if err != nil {
					continue
				}
				b, err := c.Slice(addr, size)
				if err == nil {
					b[0] = byte(seed)
				}
				if err := c.Dealloc(addr, size); err != nil {
					t.Errorf("dealloc: %v", err)
					return
				}
			}
		}(int64(g))
	}
	wg.Wait()

	assert.Equal(t, make([]byte, 64), c.Bitmap())
	assert.Equal(t, 0, c.Stats().LiveAllocs)
}
