package allocator

import "errors"

var (
	// ErrNotChunkMultiple indicates a heap region whose length is zero or not a multiple of ChunkSize.
	ErrNotChunkMultiple = errors.New("allocator: heap size is not a positive multiple of chunk size")

	// ErrBitmapSizeMismatch indicates a bitmap region that does not hold exactly one bit per chunk.
	ErrBitmapSizeMismatch = errors.New("allocator: bitmap size does not match chunk count")

	// ErrRegionsOverlap indicates the heap and bitmap regions share memory.
	ErrRegionsOverlap = errors.New("allocator: heap and bitmap regions overlap")

	// ErrAlreadyInitialized indicates Init was called on an initialized allocator.
	ErrAlreadyInitialized = errors.New("allocator: already initialized")

	// ErrNotInitialized indicates an operation on an allocator that was never initialized.
	ErrNotInitialized = errors.New("allocator: not initialized")

	// ErrOutOfMemory indicates that no free run satisfies the request.
	ErrOutOfMemory = errors.New("allocator: no free run large enough")

	// ErrBadAlign indicates an alignment that is not a power of two.
	ErrBadAlign = errors.New("allocator: alignment is not a power of two")

	// ErrAlignTooLarge indicates an alignment larger than the heap itself.
	ErrAlignTooLarge = errors.New("allocator: alignment exceeds supported maximum")

	// ErrOutOfRange indicates an address (or the run starting at it) outside the heap.
	ErrOutOfRange = errors.New("allocator: address out of heap range")

	// ErrMisaligned indicates an address that is not on a chunk boundary.
	ErrMisaligned = errors.New("allocator: address is not chunk aligned")

	// ErrDoubleFree indicates a release of chunks that are already free.
	ErrDoubleFree = errors.New("allocator: run is already free")

	// ErrInvalidConfig indicates a Config or slab parameter that cannot be used.
	ErrInvalidConfig = errors.New("allocator: invalid config")
)
