package heap

import (
	"kmemcore/kernel"
	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/mm"
)

// alloc implements Alloc. The caller must hold the heap lock.
func (a *Allocator) alloc(reqSize uintptr) (uintptr, *kernel.Error) {
	idx, err := a.allocMinor(reqSize)
	if err != nil {
		return 0, err
	}
	return alignedPayload(a.minors[idx].addr), nil
}

// allocMinor places an allocation of reqSize bytes and returns the index of
// its record.
func (a *Allocator) allocMinor(reqSize uintptr) (int32, *kernel.Error) {
	switch {
	case reqSize == 0:
		a.stats.Warnings++
		kfmt.Fprintf(a.log, "warning: alloc(0)\n")
		return none, ErrZeroSize
	case reqSize > a.maxRequest:
		a.stats.Warnings++
		kfmt.Fprintf(a.log, "warning: alloc(%d) exceeds heap region\n", reqSize)
		return none, ErrRequestTooLarge
	}

	// Reserve enough space to shift the pointer to the next aligned
	// address and to store the shift in front of it.
	size := reqSize + alignment + alignInfo

	var err *kernel.Error
	if a.root == none {
		if a.root, err = a.newMajor(size); err != nil {
			return none, err
		}
	}

	var (
		maj        = a.root
		startedBet bool
		bestSize   uintptr
	)

	// Start at the major with the most free space if it can fit the request
	if a.bestBet != none {
		bestSize = a.majors[a.bestBet].free()
		if bestSize > size+minorHeaderSize {
			maj = a.bestBet
			startedBet = true
		}
	}

	for maj != none {
		diff := a.majors[maj].free()
		if bestSize < diff {
			a.bestBet = maj
			bestSize = diff
		}

		if diff < size+minorHeaderSize {
			if next := a.majors[maj].next; next != none {
				maj = next
				continue
			}

			// If we started at the best bet, let's start all over again
			if startedBet {
				maj, startedBet = a.root, false
				continue
			}

			if maj, err = a.appendMajor(maj, size); err != nil {
				return none, err
			}
		}

		if idx, err := a.place(maj, size, reqSize); err != nil || idx != none {
			return idx, err
		}

		// Major is fragmented; try the next one or grow the heap
		if a.majors[maj].next == none {
			if startedBet {
				maj, startedBet = a.root, false
				continue
			}

			if _, err = a.appendMajor(maj, size); err != nil {
				return none, err
			}
		}

		maj = a.majors[maj].next
	}

	return none, ErrOutOfMemory
}

// allocAligned implements AllocAligned. The caller must hold the heap lock.
func (a *Allocator) allocAligned(size uintptr) (uintptr, *kernel.Error) {
	idx, err := a.allocMinor(size)
	if err != nil {
		return 0, err
	}

	if ptr := alignedPayload(a.minors[idx].addr); ptr&mm.PageMask == 0 {
		return a.markAligned(idx, ptr), nil
	}

	// Over-allocate by a page and hand out the first page boundary
	// inside the block.
	a.releaseMinor(idx)
	if size+mm.PageSize > a.maxRequest {
		return 0, ErrRequestTooLarge
	}

	if idx, err = a.allocMinor(size + mm.PageSize); err != nil {
		return 0, err
	}

	ptr := (alignedPayload(a.minors[idx].addr) + mm.PageSize) &^ mm.PageMask
	return a.markAligned(idx, ptr), nil
}

// markAligned records ptr as the pointer handed out for the allocation idx.
func (a *Allocator) markAligned(idx int32, ptr uintptr) uintptr {
	a.minors[idx].aligned = ptr
	a.aligned[ptr] = alignedPayload(a.minors[idx].addr)
	delete(a.retired, ptr)
	return ptr
}

// place attempts to fit an allocation inside maj using the first gap that is
// large enough. It returns the index of the new record or none if no gap
// fits.
func (a *Allocator) place(maj int32, size, reqSize uintptr) (int32, *kernel.Error) {
	var (
		need  = size + minorHeaderSize
		block = a.majors[maj]
		front = block.addr + majorHeaderSize
	)

	// Brand new block or enough space in front of the first allocation
	if block.first == none || a.minors[block.first].addr-front >= need {
		return a.insertMinor(maj, none, front, size, reqSize)
	}

	for cur := block.first; cur != none; cur = a.minors[cur].next {
		if err := a.checkMinor(cur); err != nil {
			return none, err
		}

		var (
			start = a.minors[cur].end()
			limit = block.addr + block.size
		)
		if next := a.minors[cur].next; next != none {
			limit = a.minors[next].addr
		}

		if limit-start >= need {
			return a.insertMinor(maj, cur, start, size, reqSize)
		}
	}

	return none, nil
}

// insertMinor links a new allocation at addr into maj after the allocation
// at index after (none inserts it at the front), writes its header and
// returns the index of its record.
func (a *Allocator) insertMinor(maj, after int32, addr, size, reqSize uintptr) (int32, *kernel.Error) {
	a.reclaim(addr, minorHeaderSize+size)

	idx := a.newMinorRecord(minor{
		addr:    addr,
		size:    size,
		reqSize: reqSize,
		block:   maj,
		prev:    after,
		next:    none,
	})

	if after == none {
		a.minors[idx].next = a.majors[maj].first
		a.majors[maj].first = idx
	} else {
		a.minors[idx].next = a.minors[after].next
		a.minors[after].next = idx
	}
	if next := a.minors[idx].next; next != none {
		a.minors[next].prev = idx
	}

	a.majors[maj].usage += size + minorHeaderSize
	a.stats.InUseBytes += uint64(size)

	if err := a.writeMinorHeader(idx, alignedPayload(addr)); err != nil {
		a.corrupted(err)
		return none, err
	}

	return idx, nil
}

// reclaim forgets the freed pointers whose header or pointer lies inside
// [addr, addr+size), which is about to hold a new allocation.
func (a *Allocator) reclaim(addr, size uintptr) {
	for ptr, header := range a.retired {
		if ptr-addr < size || header-addr < size {
			delete(a.retired, ptr)
		}
	}
}

// writeMinorHeader stores the integrity tag and record index of idx in heap
// memory along with the alignment shift in front of ptr and clears the
// requested bytes.
func (a *Allocator) writeMinorHeader(idx int32, ptr uintptr) *kernel.Error {
	rec := a.minors[idx]
	if err := a.mem.PutUint32(rec.addr, tagLive); err != nil {
		return err
	}
	if err := a.mem.PutUint32(rec.addr+4, uint32(idx)); err != nil {
		return err
	}

	shift := ptr - (rec.addr + minorHeaderSize)
	if err := a.mem.PutByte(ptr-alignInfo, byte(shift)); err != nil {
		return err
	}

	return a.mem.Memset(ptr, 0, rec.reqSize)
}

// checkMinor verifies that the header of a live allocation still carries the
// live tag and the index of its record.
func (a *Allocator) checkMinor(idx int32) *kernel.Error {
	rec := a.minors[idx]

	tag, err := a.mem.Uint32(rec.addr)
	if err == nil && tag == tagLive {
		var stored uint32
		if stored, err = a.mem.Uint32(rec.addr + 4); err == nil && stored == uint32(idx) {
			return nil
		}
	}

	kfmt.Fprintf(a.log, "error: allocation header at 0x%x is damaged\n", rec.addr)
	a.corrupted(ErrCorrupted)
	return ErrCorrupted
}

// appendMajor allocates a new major block that can hold size bytes and
// links it after last.
func (a *Allocator) appendMajor(last int32, size uintptr) (int32, *kernel.Error) {
	next, err := a.newMajor(size)
	if err != nil {
		return none, err
	}

	a.majors[next].prev = last
	a.majors[last].next = next
	return next, nil
}

// newMajor requests pages for a new major block that can hold an allocation
// of size bytes.
func (a *Allocator) newMajor(size uintptr) (int32, *kernel.Error) {
	pages := a.pagesFor(size)

	addr, err := a.pages.AllocPages(pages)
	if err != nil {
		a.stats.Warnings++
		kfmt.Fprintf(a.log, "warning: unable to allocate %d pages: %s\n", pages, err.Message)
		return none, ErrOutOfMemory
	}

	rec := major{
		addr:  addr,
		pages: pages,
		size:  uintptr(pages) << mm.PageShift,
		usage: majorHeaderSize,
		prev:  none,
		next:  none,
		first: none,
	}
	a.stats.AllocatedBytes += uint64(rec.size)

	return a.newMajorRecord(rec), nil
}

// alignedPayload returns the pointer handed out for the allocation whose
// header is at addr. The pointer is moved past the header and the alignment
// info and then forward to the next aligned address.
func alignedPayload(addr uintptr) uintptr {
	ptr := addr + minorHeaderSize + alignInfo
	if diff := ptr & (alignment - 1); diff != 0 {
		ptr += alignment - diff
	}
	return ptr
}
