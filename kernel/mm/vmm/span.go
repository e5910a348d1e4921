package vmm

import (
	"kmemcore/kernel"
	"kmemcore/kernel/mm"
	"kmemcore/kernel/sync"
)

var (
	// ErrNoVirtualSpace is returned when a SpanAllocator cannot satisfy a
	// request for contiguous pages.
	ErrNoVirtualSpace = &kernel.Error{Module: "vmm", Message: "no contiguous virtual address space left in region", Kind: kernel.KindExhausted}

	// ErrSpanNotAllocated is returned when releasing pages that do not
	// belong to an allocated span.
	ErrSpanNotAllocated = &kernel.Error{Module: "vmm", Message: "virtual pages were not allocated from this region", Kind: kernel.KindMisuse}
)

// SpanAllocator hands out contiguous runs of virtual pages from a fixed
// region of an address space. It only tracks address space usage; mapping
// the returned pages is up to the caller.
type SpanAllocator struct {
	mutex sync.Spinlock

	base  uintptr
	pages mm.Bitmap
}

// NewSpanAllocator returns an allocator for the region [base, base+size).
// Both base and size are truncated to a page boundary.
func NewSpanAllocator(base, size uintptr) *SpanAllocator {
	return &SpanAllocator{
		base:  mm.PageAlignDown(base),
		pages: mm.NewBitmap(uint32(size >> mm.PageShift)),
	}
}

// Size returns the size of the region in bytes.
func (s *SpanAllocator) Size() uintptr {
	return uintptr(s.pages.Len()) << mm.PageShift
}

// Contains returns true if virtAddr lies inside the region.
func (s *SpanAllocator) Contains(virtAddr uintptr) bool {
	return virtAddr >= s.base && virtAddr-s.base < s.Size()
}

// UsedPages returns the number of pages currently handed out.
func (s *SpanAllocator) UsedPages() uint32 {
	s.mutex.Acquire()
	defer s.mutex.Release()
	return s.pages.Count()
}

// AllocPages reserves the lowest run of count free pages and returns the
// address of the first one.
func (s *SpanAllocator) AllocPages(count uint32) (uintptr, *kernel.Error) {
	s.mutex.Acquire()
	defer s.mutex.Release()

	start, ok := s.pages.FindClearRun(count)
	if !ok {
		return 0, ErrNoVirtualSpace
	}

	for i := start; i < start+count; i++ {
		s.pages.Set(i)
	}

	return s.base + uintptr(start)<<mm.PageShift, nil
}

// FreePages returns count pages starting at virtAddr to the region. All pages
// must have been reserved by AllocPages; otherwise nothing is released.
func (s *SpanAllocator) FreePages(virtAddr uintptr, count uint32) *kernel.Error {
	s.mutex.Acquire()
	defer s.mutex.Release()

	if virtAddr&mm.PageMask != 0 || !s.Contains(virtAddr) {
		return ErrSpanNotAllocated
	}

	start := uint32((virtAddr - s.base) >> mm.PageShift)
	if count > s.pages.Len()-start {
		return ErrSpanNotAllocated
	}

	for i := start; i < start+count; i++ {
		if !s.pages.IsSet(i) {
			return ErrSpanNotAllocated
		}
	}

	for i := start; i < start+count; i++ {
		s.pages.Clear(i)
	}

	return nil
}
