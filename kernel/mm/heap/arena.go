package heap

// major describes a block of contiguous pages obtained from the page
// provider. Its allocations form a list ordered by address.
type major struct {
	addr  uintptr
	pages uint32

	// size is the size of the block in bytes and usage the number of
	// bytes taken by the block header and by all allocations including
	// their headers.
	size  uintptr
	usage uintptr

	prev, next int32
	first      int32
}

func (m *major) free() uintptr {
	return m.size - m.usage
}

// minor describes a single allocation. The allocation occupies
// minorHeaderSize+size bytes starting at addr.
type minor struct {
	addr uintptr

	// size is the number of bytes reserved after the header while
	// reqSize is the size that the caller asked for.
	size    uintptr
	reqSize uintptr

	// aligned is the page-aligned pointer handed out by AllocAligned or
	// 0 for regular allocations.
	aligned uintptr

	block      int32
	prev, next int32
}

// end returns the address of the first byte following the allocation.
func (m *minor) end() uintptr {
	return m.addr + minorHeaderSize + m.size
}

// newMajorRecord stores rec in a free slot of the major arena and returns
// its index.
func (a *Allocator) newMajorRecord(rec major) int32 {
	a.stats.Majors++
	if n := len(a.freeMajors); n > 0 {
		idx := a.freeMajors[n-1]
		a.freeMajors = a.freeMajors[:n-1]
		a.majors[idx] = rec
		return idx
	}

	a.majors = append(a.majors, rec)
	return int32(len(a.majors) - 1)
}

func (a *Allocator) releaseMajorRecord(idx int32) {
	a.stats.Majors--
	a.majors[idx] = major{prev: none, next: none, first: none}
	a.freeMajors = append(a.freeMajors, idx)
}

// newMinorRecord stores rec in a free slot of the minor arena and returns its
// index.
func (a *Allocator) newMinorRecord(rec minor) int32 {
	a.stats.Minors++
	if n := len(a.freeMinors); n > 0 {
		idx := a.freeMinors[n-1]
		a.freeMinors = a.freeMinors[:n-1]
		a.minors[idx] = rec
		return idx
	}

	a.minors = append(a.minors, rec)
	return int32(len(a.minors) - 1)
}

func (a *Allocator) releaseMinorRecord(idx int32) {
	a.stats.Minors--
	a.minors[idx] = minor{block: none, prev: none, next: none}
	a.freeMinors = append(a.freeMinors, idx)
}

// liveMinor returns true if idx refers to an allocated minor whose header
// lives at addr.
func (a *Allocator) liveMinor(idx int32, addr uintptr) bool {
	return idx >= 0 && int(idx) < len(a.minors) && a.minors[idx].block != none && a.minors[idx].addr == addr
}
