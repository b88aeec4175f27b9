package allocator

import "math/bits"

// Bitmap polarity: bit = 1 marks a used chunk. Chunk i lives in bit i&7
// (LSB first) of byte i>>3.

const fullByte = 0xff

func clearBitSet(bitmap []byte) {
	for i := range bitmap {
		bitmap[i] = 0
	}
}

func isChunkUsed(bitmap []byte, index int) bool {
	return bitmap[index>>3]&(1<<uint(index&7)) != 0
}

func setChunk(bitmap []byte, index int) {
	bitmap[index>>3] |= 1 << uint(index&7)
}

func clearChunk(bitmap []byte, index int) {
	bitmap[index>>3] &^= 1 << uint(index&7)
}

// setRun marks chunks [start, start+n) used.
func setRun(bitmap []byte, start int, n int) {
	end := start + n
	for i := start; i < end; {
		if i&7 == 0 && end-i >= 8 {
			bitmap[i>>3] = fullByte
			i += 8
			continue
		}
		setChunk(bitmap, i)
		i++
	}
}

// clearRun marks chunks [start, start+n) free.
func clearRun(bitmap []byte, start int, n int) {
	end := start + n
	for i := start; i < end; {
		if i&7 == 0 && end-i >= 8 {
			bitmap[i>>3] = 0
			i += 8
			continue
		}
		clearChunk(bitmap, i)
		i++
	}
}

// isRunUsed reports whether every chunk in [start, start+n) is used.
func isRunUsed(bitmap []byte, start int, n int) bool {
	end := start + n
	for i := start; i < end; {
		if i&7 == 0 && end-i >= 8 {
			if bitmap[i>>3] != fullByte {
				return false
			}
			i += 8
			continue
		}
		if !isChunkUsed(bitmap, i) {
			return false
		}
		i++
	}
	return true
}

// nextFreeChunk returns the index of the first free chunk >= start,
// or numChunks if there is none. Fully used bytes are skipped whole.
func nextFreeChunk(bitmap []byte, start int, numChunks int) int {
	i := start
	for i < numChunks {
		if i&7 == 0 {
			b := bitmap[i>>3]
			if b == fullByte {
				i += 8
				continue
			}
			return i + bits.TrailingZeros8(^b)
		}
		if !isChunkUsed(bitmap, i) {
			return i
		}
		i++
	}
	return numChunks
}

// freeRunEnd returns the index of the first used chunk in [start, limit),
// or limit if the whole range is free.
func freeRunEnd(bitmap []byte, start int, limit int) int {
	i := start
	for i < limit {
		if i&7 == 0 && limit-i >= 8 {
			b := bitmap[i>>3]
			if b == 0 {
				i += 8
				continue
			}
			return i + bits.TrailingZeros8(b)
		}
		if isChunkUsed(bitmap, i) {
			return i
		}
		i++
	}
	return limit
}

func countUsed(bitmap []byte) int {
	count := 0
	for _, b := range bitmap {
		count += bits.OnesCount8(b)
	}
	return count
}

// largestFreeRun returns the start and length of the longest free run.
// Ties go to the lowest address.
func largestFreeRun(bitmap []byte, numChunks int) (int, int) {
	bestStart, bestLen := 0, 0
	i := nextFreeChunk(bitmap, 0, numChunks)
	for i < numChunks {
		end := freeRunEnd(bitmap, i, numChunks)
		if end-i > bestLen {
			bestStart, bestLen = i, end-i
		}
		i = nextFreeChunk(bitmap, end, numChunks)
	}
	return bestStart, bestLen
}
