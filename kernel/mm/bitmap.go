package mm

import "math/bits"

const (
	// bitsPerWord is the number of bits tracked by each bitmap word.
	bitsPerWord = 32

	fullWord = ^uint32(0)
)

// Bitmap is a fixed-length bit vector stored as a slice of 32-bit words. Bit
// i lives in word i/32 at offset i%32.
type Bitmap struct {
	words  []uint32
	length uint32
}

// NewBitmap returns a Bitmap that can track length bits, all of them cleared.
func NewBitmap(length uint32) Bitmap {
	return Bitmap{
		words:  make([]uint32, (uint64(length)+bitsPerWord-1)/bitsPerWord),
		length: length,
	}
}

// Len returns the number of bits tracked by the bitmap.
func (b *Bitmap) Len() uint32 { return b.length }

// Words returns the number of 32-bit words backing the bitmap.
func (b *Bitmap) Words() int { return len(b.words) }

// Set flags bit i.
func (b *Bitmap) Set(i uint32) {
	b.words[i/bitsPerWord] |= 1 << (i % bitsPerWord)
}

// Clear unsets bit i.
func (b *Bitmap) Clear(i uint32) {
	b.words[i/bitsPerWord] &^= 1 << (i % bitsPerWord)
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	return b.words[i/bitsPerWord]&(1<<(i%bitsPerWord)) != 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	var count int
	for _, w := range b.words {
		count += bits.OnesCount32(w)
	}
	return uint32(count)
}

// FirstClear returns the index of the first cleared bit. Words with all bits
// set are skipped without inspecting their individual bits. The second return
// value is false if every bit is set.
func (b *Bitmap) FirstClear() (uint32, bool) {
	for wordIndex, w := range b.words {
		if w == fullWord {
			continue
		}

		index := uint32(wordIndex)*bitsPerWord + uint32(bits.TrailingZeros32(^w))
		if index >= b.length {
			break
		}
		return index, true
	}

	return 0, false
}

// FindClearRun returns the index of the first run of n consecutive cleared
// bits. The second return value is false if no such run exists.
func (b *Bitmap) FindClearRun(n uint32) (uint32, bool) {
	if n == 0 || n > b.length {
		return 0, false
	}

	var runStart, runLen uint32
	for wordIndex, w := range b.words {
		if w == fullWord {
			runLen = 0
			continue
		}

		base := uint32(wordIndex) * bitsPerWord
		for bit := uint32(0); bit < bitsPerWord && base+bit < b.length; bit++ {
			if w&(1<<bit) != 0 {
				runLen = 0
				continue
			}

			if runLen == 0 {
				runStart = base + bit
			}

			if runLen++; runLen == n {
				return runStart, true
			}
		}
	}

	return 0, false
}
