package allocator

// Layout describes the regions a ChunkAllocator needs for a given heap size.
type Layout struct {
	HeapSize   int `json:"heap_size"`
	NumChunks  int `json:"num_chunks"`
	BitmapSize int `json:"bitmap_size"`
}

// NewLayout validates heapSize with the same rules as Init.
func NewLayout(heapSize int) (Layout, error) {
	numChunks, bitmapSize, err := chunkLayout(heapSize)
	if err != nil {
		return Layout{}, err
	}
	return Layout{
		HeapSize:   heapSize,
		NumChunks:  numChunks,
		BitmapSize: bitmapSize,
	}, nil
}

// BitmapSize returns the bitmap length in bytes for a heap of heapSize bytes.
func BitmapSize(heapSize int) (int, error) {
	l, err := NewLayout(heapSize)
	if err != nil {
		return 0, err
	}
	return l.BitmapSize, nil
}
