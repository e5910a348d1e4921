package heap

import (
	"kmemcore/kernel"
	"kmemcore/kernel/kfmt"
)

// free implements Free. The caller must hold the heap lock.
func (a *Allocator) free(ptr uintptr) *kernel.Error {
	if ptr == 0 {
		a.stats.Warnings++
		kfmt.Fprintf(a.log, "warning: free(0)\n")
		return nil
	}

	idx, err := a.locate(ptr)
	if err != nil {
		return err
	}

	header := a.minors[idx].addr
	a.releaseMinor(idx)
	a.retired[ptr] = header
	return nil
}

// realloc implements Realloc. The caller must hold the heap lock.
func (a *Allocator) realloc(ptr, size uintptr) (uintptr, *kernel.Error) {
	switch {
	case size == 0:
		return 0, a.free(ptr)
	case ptr == 0:
		return a.alloc(size)
	}

	idx, err := a.locate(ptr)
	if err != nil {
		return 0, err
	}

	var (
		rec     = a.minors[idx]
		offset  = ptr - alignedPayload(rec.addr)
		curSize = rec.reqSize - offset
	)

	if curSize >= size {
		a.minors[idx].reqSize = offset + size
		return ptr, nil
	}

	var newPtr uintptr
	if rec.aligned != 0 {
		newPtr, err = a.allocAligned(size)
	} else {
		newPtr, err = a.alloc(size)
	}
	if err != nil {
		return 0, err
	}

	if err = a.mem.Memmove(newPtr, ptr, curSize); err != nil {
		a.corrupted(err)
		return 0, err
	}

	a.releaseMinor(idx)
	a.retired[ptr] = rec.addr
	return newPtr, nil
}

// locate validates ptr and returns the index of the allocation record it
// belongs to. Invalid pointers are counted and logged.
func (a *Allocator) locate(ptr uintptr) (int32, *kernel.Error) {
	// The header of a freed allocation may be unreadable once its major
	// has been released.
	if _, freed := a.retired[ptr]; freed {
		return none, a.rejectPointer(ptr, tagDead)
	}

	payload := ptr
	if base, ok := a.aligned[ptr]; ok {
		payload = base
	}

	if payload < minorHeaderSize+alignInfo {
		return none, a.rejectPointer(ptr, 0)
	}

	// Recover the header address using the shift stored in front of the
	// pointer.
	addr := payload
	if shift, err := a.mem.Byte(payload - alignInfo); err != nil {
		return none, a.rejectPointer(ptr, 0)
	} else if shift < alignment+alignInfo {
		addr -= uintptr(shift)
	}
	addr -= minorHeaderSize

	tag, err := a.mem.Uint32(addr)
	if err != nil || tag != tagLive {
		return none, a.rejectPointer(ptr, tag)
	}

	stored, err := a.mem.Uint32(addr + 4)
	if idx := int32(stored); err == nil && a.liveMinor(idx, addr) && alignedPayload(addr) == payload {
		return idx, nil
	}

	return none, a.rejectPointer(ptr, tag)
}

// rejectPointer records a Free or Realloc call for an invalid pointer and
// returns the error that describes it.
func (a *Allocator) rejectPointer(ptr uintptr, tag uint32) *kernel.Error {
	a.stats.Errors++

	if tag != tagLive && possibleOverrun(tag) {
		a.stats.PossibleOverruns++
		kfmt.Fprintf(a.log, "error: possible 1-3 byte overrun for tag 0x%x != 0x%x\n", tag, tagLive)
	}

	if tag == tagDead {
		kfmt.Fprintf(a.log, "error: double free of 0x%x\n", ptr)
		return ErrDoubleFree
	}

	kfmt.Fprintf(a.log, "error: invalid free of 0x%x\n", ptr)
	return ErrInvalidPointer
}

// releaseMinor unlinks the allocation idx from its major, marks its header
// as dead and releases the major if it no longer holds any allocation.
func (a *Allocator) releaseMinor(idx int32) {
	var (
		rec = a.minors[idx]
		maj = rec.block
	)

	a.stats.InUseBytes -= uint64(rec.size)
	a.majors[maj].usage -= rec.size + minorHeaderSize
	if rec.aligned != 0 {
		delete(a.aligned, rec.aligned)
	}

	if err := a.mem.PutUint32(rec.addr, tagDead); err != nil {
		a.corrupted(err)
	}

	if rec.next != none {
		a.minors[rec.next].prev = rec.prev
	}
	if rec.prev != none {
		a.minors[rec.prev].next = rec.next
	} else {
		a.majors[maj].first = rec.next
	}
	a.releaseMinorRecord(idx)

	if a.majors[maj].first == none {
		a.releaseMajor(maj)
		return
	}

	if a.bestBet != none && a.majors[maj].free() > a.majors[a.bestBet].free() {
		a.bestBet = maj
	}
}

// releaseMajor unlinks an empty major and returns its pages to the page
// provider.
func (a *Allocator) releaseMajor(maj int32) {
	rec := a.majors[maj]

	if a.root == maj {
		a.root = rec.next
	}
	if a.bestBet == maj {
		a.bestBet = none
	}
	if rec.prev != none {
		a.majors[rec.prev].next = rec.next
	}
	if rec.next != none {
		a.majors[rec.next].prev = rec.prev
	}

	a.stats.AllocatedBytes -= uint64(rec.size)
	a.releaseMajorRecord(maj)

	if err := a.pages.FreePages(rec.addr, rec.pages); err != nil {
		a.stats.Errors++
		kfmt.Fprintf(a.log, "error: unable to release %d pages at 0x%x: %s\n", rec.pages, rec.addr, err.Message)
	}
}

// possibleOverrun returns true if the low-order bytes of tag match those of
// the live tag, which suggests that the preceding allocation overflowed into
// the header.
func possibleOverrun(tag uint32) bool {
	for _, mask := range []uint32{0xffffff, 0xffff, 0xff} {
		if tag&mask == tagLive&mask {
			return true
		}
	}
	return false
}
