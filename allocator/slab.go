package allocator

import (
	"encoding/binary"
	"fmt"
)

// SlabAlign is the alignment of every slab element.
const SlabAlign = 8

const slabNullPtr uintptr = 0

// Slab hands out fixed-size elements carved from chunk runs. Free elements
// are threaded into a list whose links live in the element memory itself.
// Runs are taken from the ChunkAllocator on demand and never returned.
// Each run keeps one occupancy bit per element so a repeated free is caught.
//
// A Slab is not safe for concurrent use; Allocator serializes access.
type Slab struct {
	chunks         *ChunkAllocator
	elemSize       uint32
	chunksPerRun   uint32
	numElemPerRun  uint32
	unusedBytes    uint64
	memoryUsage    uint64
	runs           []uintptr
	runUsed        [][]byte
	freeList       uintptr
	allocatedElems uint32
}

// NewSlab creates a slab of elemSize-byte elements, growing chunksPerRun chunks at a time.
func NewSlab(chunks *ChunkAllocator, elemSize uint32, chunksPerRun uint32) (*Slab, error) {
	if elemSize < SlabAlign || elemSize%SlabAlign != 0 {
		return nil, fmt.Errorf("%w: slab element size %d must be a positive multiple of %d",
			ErrInvalidConfig, elemSize, SlabAlign)
	}
	if chunksPerRun == 0 {
		return nil, fmt.Errorf("%w: slab needs at least one chunk per run", ErrInvalidConfig)
	}
	runSize := uint64(chunksPerRun) * ChunkSize
	if uint64(elemSize) > runSize {
		return nil, fmt.Errorf("%w: slab element size %d exceeds run size %d",
			ErrInvalidConfig, elemSize, runSize)
	}

	return &Slab{
		chunks:        chunks,
		elemSize:      elemSize,
		chunksPerRun:  chunksPerRun,
		numElemPerRun: uint32(runSize / uint64(elemSize)),
		unusedBytes:   runSize % uint64(elemSize),
		memoryUsage:   0,

		freeList: slabNullPtr,
	}, nil
}

func (s *Slab) runSize() uintptr {
	return uintptr(s.chunksPerRun) * ChunkSize
}

func (s *Slab) readNext(addr uintptr) (uintptr, error) {
	b, err := s.chunks.Slice(addr, 8)
	if err != nil {
		return slabNullPtr, err
	}
	return uintptr(binary.LittleEndian.Uint64(b)), nil
}

func (s *Slab) writeNext(addr uintptr, next uintptr) error {
	b, err := s.chunks.Slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, uint64(next))
	return nil
}

func (s *Slab) contentOfList() []uintptr {
	var result []uintptr
	n := s.freeList
	for n != slabNullPtr {
		result = append(result, n)
		next, err := s.readNext(n)
		if err != nil {
			break
		}
		n = next
	}
	return result
}

func (s *Slab) initRun(runAddr uintptr) error {
	for i := uint32(0); i < s.numElemPerRun; i++ {
		addr := runAddr + uintptr(i)*uintptr(s.elemSize)
		next := slabNullPtr
		if i != s.numElemPerRun-1 {
			next = addr + uintptr(s.elemSize)
		}
		if err := s.writeNext(addr, next); err != nil {
			return err
		}
	}
	s.freeList = runAddr
	s.runs = append(s.runs, runAddr)
	s.runUsed = append(s.runUsed, make([]byte, (s.numElemPerRun+7)/8))
	s.memoryUsage += s.unusedBytes
	return nil
}

// Allocate returns the address of a free element, growing the slab by one
// run when its free list is empty.
func (s *Slab) Allocate() (uintptr, error) {
	if s.freeList == slabNullPtr {
		runAddr, err := s.chunks.Alloc(s.runSize(), SlabAlign)
		if err != nil {
			return 0, err
		}
		if err := s.initRun(runAddr); err != nil {
			return 0, err
		}
	}

	result := s.freeList
	run, elem, ok := s.locate(result)
	if !ok {
		return 0, fmt.Errorf("%w: free list entry %#x is not an element of the %d-byte slab",
			ErrOutOfRange, result, s.elemSize)
	}
	next, err := s.readNext(result)
	if err != nil {
		return 0, err
	}

	s.freeList = next
	setChunk(s.runUsed[run], elem)
	s.memoryUsage += uint64(s.elemSize)
	s.allocatedElems++

	return result, nil
}

// locate returns the run and element index of addr.
func (s *Slab) locate(addr uintptr) (int, int, bool) {
	runSize := s.runSize()
	for i, run := range s.runs {
		if addr < run || addr-run >= runSize {
			continue
		}
		off := addr - run
		if off%uintptr(s.elemSize) != 0 || off/uintptr(s.elemSize) >= uintptr(s.numElemPerRun) {
			return 0, 0, false
		}
		return i, int(off / uintptr(s.elemSize)), true
	}
	return 0, 0, false
}

// Deallocate pushes addr back onto the free list. Freeing an element that
// is not live returns ErrDoubleFree and leaves the list unchanged.
func (s *Slab) Deallocate(addr uintptr) error {
	run, elem, ok := s.locate(addr)
	if !ok {
		return fmt.Errorf("%w: %#x is not an element of the %d-byte slab", ErrOutOfRange, addr, s.elemSize)
	}
	if !isChunkUsed(s.runUsed[run], elem) {
		return fmt.Errorf("%w: %d-byte element at %#x", ErrDoubleFree, s.elemSize, addr)
	}

	if err := s.writeNext(addr, s.freeList); err != nil {
		return err
	}
	clearChunk(s.runUsed[run], elem)
	s.freeList = addr
	s.memoryUsage -= uint64(s.elemSize)
	s.allocatedElems--
	return nil
}

// ElemSize returns the element size in bytes.
func (s *Slab) ElemSize() uint32 {
	return s.elemSize
}

// GetMemUsage returns bytes held by live elements plus per-run padding.
func (s *Slab) GetMemUsage() uint64 {
	return s.memoryUsage
}
