// Package globalheap owns the single process-wide Allocator.
//
// Init reserves the heap once at startup; Alloc, Free, Bytes, New and
// Delete then serve every dynamic allocation. This package is the only
// layer that turns allocator errors into a fatal panic: an allocation
// failure here means the process cannot continue.
package globalheap

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/modern-go/reflect2"

	"github.com/QuangTung97/chunkheap/allocator"
	"github.com/QuangTung97/chunkheap/internal/logger"
)

// DefaultHeapSize is 32768 chunks (8 MiB) with a 4096-byte bitmap.
const DefaultHeapSize = allocator.ChunkSize * 8 * 4096

var (
	initMu  sync.Mutex
	current atomic.Pointer[allocator.Allocator]
)

// DefaultConfig returns the heap layout used when nothing else is configured.
func DefaultConfig() allocator.Config {
	return allocator.Config{
		HeapSize: DefaultHeapSize,
		Slabs: []allocator.SlabConfig{
			{ElemSize: 32, ChunksPerRun: 1},
			{ElemSize: 64, ChunksPerRun: 1},
			{ElemSize: 128, ChunksPerRun: 2},
		},
	}
}

// Init builds the process-wide heap. It may succeed only once; later calls
// return allocator.ErrAlreadyInitialized.
func Init(conf allocator.Config) error {
	initMu.Lock()
	defer initMu.Unlock()

	if current.Load() != nil {
		return allocator.ErrAlreadyInitialized
	}

	a, err := allocator.New(conf)
	if err != nil {
		return err
	}
	current.Store(a)

	layout := a.Layout()
	logger.Debug("initialized allocator",
		"heap_size", layout.HeapSize,
		"chunks", layout.NumChunks,
		"bitmap_size", layout.BitmapSize,
	)
	return nil
}

// Initialized reports whether Init has succeeded.
func Initialized() bool {
	return current.Load() != nil
}

func allocError(op string, size uintptr, align uintptr, err error) {
	logger.Error("alloc error", "op", op, "size", size, "align", align, "err", err)
	panic(fmt.Sprintf("alloc error: %s size=%d align=%d: %v", op, size, align, err))
}

func heap(op string, size uintptr, align uintptr) *allocator.Allocator {
	a := current.Load()
	if a == nil {
		allocError(op, size, align, allocator.ErrNotInitialized)
	}
	return a
}

// Alloc returns size bytes aligned to align. It panics when the heap cannot serve the request.
func Alloc(size uintptr, align uintptr) uintptr {
	addr, err := heap("alloc", size, align).Allocate(size, align)
	if err != nil {
		allocError("alloc", size, align, err)
	}
	return addr
}

// Free releases memory returned by Alloc with the same size and align.
func Free(addr uintptr, size uintptr, align uintptr) {
	if err := heap("free", size, align).Deallocate(addr, size, align); err != nil {
		allocError("free", size, align, err)
	}
}

func mustSlice(addr uintptr, size uintptr) []byte {
	n := size
	if n == 0 {
		n = 1
	}
	b, err := heap("slice", size, 1).Slice(addr, n)
	if err != nil {
		allocError("slice", size, 1, err)
	}
	return b[:size]
}

// Bytes returns a zeroed heap-backed buffer of size bytes. Release it with FreeBytes.
func Bytes(size int) []byte {
	if size < 0 {
		panic(fmt.Sprintf("globalheap: negative size %d", size))
	}
	b := mustSlice(Alloc(uintptr(size), 1), uintptr(size))
	clear(b)
	return b
}

// FreeBytes releases a buffer returned by Bytes. b must not be resliced.
func FreeBytes(b []byte) {
	Free(uintptr(unsafe.Pointer(unsafe.SliceData(b))), uintptr(len(b)), 1)
}

func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// elemType returns T for a **T argument whose T holds no Go pointers.
func elemType(pptr interface{}) reflect.Type {
	if pptr == nil {
		panic("globalheap: nil target")
	}
	t := reflect2.TypeOf(pptr).Type1()
	if t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Ptr {
		panic(fmt.Sprintf("globalheap: expected pointer to pointer, got %v", t))
	}
	elem := t.Elem().Elem()
	if hasPointers(elem) {
		panic(fmt.Sprintf("globalheap: %v holds Go pointers and cannot live in the heap", elem))
	}
	return elem
}

// New places a zeroed T in the heap and stores its address in *pptr.
// pptr must be a **T and T must not contain Go pointers.
//
//	var p *header
//	globalheap.New(&p)
//	defer globalheap.Delete(&p)
func New(pptr interface{}) {
	elem := elemType(pptr)
	size, align := elem.Size(), uintptr(elem.Align())

	b := mustSlice(Alloc(size, align), size)
	clear(b)

	*(*unsafe.Pointer)(reflect2.PtrOf(pptr)) = unsafe.Pointer(unsafe.SliceData(b))
}

// Delete frees the value placed by New and sets *pptr to nil. A nil *pptr is a no-op.
func Delete(pptr interface{}) {
	elem := elemType(pptr)

	slot := (*unsafe.Pointer)(reflect2.PtrOf(pptr))
	if *slot == nil {
		return
	}
	Free(uintptr(*slot), elem.Size(), uintptr(elem.Align()))
	*slot = nil
}

// Stats returns the heap statistics, or false before Init.
func Stats() (allocator.Stats, bool) {
	a := current.Load()
	if a == nil {
		return allocator.Stats{}, false
	}
	return a.Stats(), true
}
