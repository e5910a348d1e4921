package heap

import (
	"kmemcore/kernel"
	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/mm"
	"kmemcore/kernel/mm/vmm"
)

// KernelPages is a PageProvider that hands out pages from the heap region of
// the kernel address space. Each page is backed by a frame from the frame
// allocator; frames are returned when the pages are released.
type KernelPages struct {
	span   *vmm.SpanAllocator
	frames mm.FrameAllocator
	table  vmm.Table
	flags  vmm.PageFlag
	log    *kfmt.PrefixWriter
}

// NewKernelPages returns a page provider for the region described by cfg.
func NewKernelPages(cfg Config, frames mm.FrameAllocator, table vmm.Table) *KernelPages {
	return &KernelPages{
		span:   vmm.NewSpanAllocator(cfg.RegionBase, cfg.RegionSize()),
		frames: frames,
		table:  table,
		flags:  cfg.PageFlags,
		log:    kfmt.NewModuleWriter("heap"),
	}
}

// MappedPages returns the number of pages that are currently handed out.
func (p *KernelPages) MappedPages() uint32 {
	return p.span.UsedPages()
}

// AllocPages reserves count contiguous pages in the heap region and maps each
// one to a newly allocated frame. On failure, any frames and pages acquired
// by the call are released.
func (p *KernelPages) AllocPages(count uint32) (uintptr, *kernel.Error) {
	virtAddr, err := p.span.AllocPages(count)
	if err != nil {
		return 0, err
	}

	for i := uint32(0); i < count; i++ {
		var (
			pageAddr = virtAddr + uintptr(i)<<mm.PageShift
			frame    mm.Frame
		)

		if frame, err = p.frames.AllocFrame(); err == nil {
			if err = p.table.Map(pageAddr, frame.Address(), p.flags); err != nil {
				_ = p.frames.FreeFrame(frame)
			}
		}

		if err != nil {
			kfmt.Fprintf(p.log, "unable to back page 0x%x: %s\n", pageAddr, err.Message)
			_ = p.release(virtAddr, i)
			_ = p.span.FreePages(virtAddr, count)
			return 0, err
		}
	}

	return virtAddr, nil
}

// FreePages unmaps count pages starting at virtAddr, returns their frames to
// the frame allocator and makes the address range available again.
func (p *KernelPages) FreePages(virtAddr uintptr, count uint32) *kernel.Error {
	if err := p.release(virtAddr, count); err != nil {
		return err
	}
	return p.span.FreePages(virtAddr, count)
}

// release unmaps count pages starting at virtAddr and frees their frames.
// Pages that are not mapped are skipped; the first error is returned after
// all pages have been processed.
func (p *KernelPages) release(virtAddr uintptr, count uint32) *kernel.Error {
	var firstErr *kernel.Error

	for i := uint32(0); i < count; i++ {
		pageAddr := virtAddr + uintptr(i)<<mm.PageShift

		physAddr, err := p.table.Translate(pageAddr)
		if err != nil {
			continue
		}

		// A frame is only reusable once nothing maps it.
		if err = p.table.Unmap(pageAddr); err == nil {
			err = p.frames.FreeFrame(mm.FrameFromAddress(physAddr))
		}

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
