package mm

import "kmemcore/kernel"

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(^uintptr(0))
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators. The vmm code
// uses it to obtain frames for page tables and the heap uses it to back its
// pages.
type FrameAllocator interface {
	// AllocFrame reserves a free frame. It returns InvalidFrame and an
	// error if no frame is available.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a previously allocated frame to the allocator.
	FreeFrame(Frame) *kernel.Error
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}
