// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"kmemcore/kernel"
	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/mm"
	"kmemcore/kernel/sync"
)

const (
	// slackFrames is added to the frame count computed from the installed
	// memory size to absorb rounding of the reported size.
	slackFrames = 0x100
)

// InvalidAddress is returned by Allocate when no frame is available. It does
// not correspond to any installable physical address.
const InvalidAddress = ^uintptr(0)

var (
	// ErrOutOfMemory is returned when all frames are in use.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory", Kind: kernel.KindExhausted}

	// ErrNotInitialized is returned when the allocator is used before Init.
	ErrNotInitialized = &kernel.Error{Module: "pmm", Message: "frame allocator not initialized", Kind: kernel.KindMisuse}

	// ErrFrameOutOfRange is returned when releasing a frame that is not
	// tracked by the allocator.
	ErrFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame is outside the tracked physical memory", Kind: kernel.KindMisuse}

	// ErrFrameNotAllocated is returned when releasing a frame that is free.
	ErrFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame is not allocated", Kind: kernel.KindMisuse}

	// ErrFrameReserved is returned when releasing a frame that belongs to
	// a boot-time reservation.
	ErrFrameReserved = &kernel.Error{Module: "pmm", Message: "frame belongs to a boot reservation", Kind: kernel.KindMisuse}
)

// Stats describes the state of a BitmapAllocator.
type Stats struct {
	// TotalFrames is the number of frames backed by installed memory.
	TotalFrames uint32

	// ReservedFrames is the number of frames claimed via Reserve.
	ReservedFrames uint32

	// UsedFrames is the number of frames handed out by AllocFrame.
	UsedFrames uint32

	// FreeFrames is the number of frames available for allocation.
	FreeFrames uint32
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap with one bit per frame. A set bit marks a used
// frame.
type BitmapAllocator struct {
	mutex sync.Spinlock

	// usedBitmap tracks used/free frames.
	usedBitmap mm.Bitmap

	// totalFrames is the number of frames backed by installed memory.
	// Bits past totalFrames belong to the slack area and are permanently
	// flagged as used.
	totalFrames uint32

	// reservedLimit is the first frame not covered by a boot reservation.
	reservedLimit mm.Frame

	// usedFrames tracks the number of frames returned by AllocFrame that
	// have not been released yet.
	usedFrames uint32

	log *kfmt.PrefixWriter
}

// BitmapBytes returns the number of bytes needed by the frame bitmap for a
// machine with totalBytes of installed memory.
func BitmapBytes(totalBytes mm.Size) uintptr {
	frames := uintptr(totalBytes>>mm.PageShift) + slackFrames
	return ((frames + 31) / 32) * 4
}

// Init sizes the frame bitmap for totalBytes of installed memory and marks
// every frame as free. It must be invoked before any other allocator method.
func (alloc *BitmapAllocator) Init(totalBytes mm.Size) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	alloc.log = kfmt.NewModuleWriter("pmm")
	alloc.totalFrames = uint32(totalBytes >> mm.PageShift)
	alloc.usedBitmap = mm.NewBitmap(alloc.totalFrames + slackFrames)
	alloc.reservedLimit = 0
	alloc.usedFrames = 0

	for frame := alloc.totalFrames; frame < alloc.usedBitmap.Len(); frame++ {
		alloc.usedBitmap.Set(frame)
	}

	kfmt.Fprintf(alloc.log, "tracking %d frames (%dKb), bitmap: %d words\n",
		alloc.totalFrames, uint64(totalBytes/mm.Kb), alloc.usedBitmap.Words())
	return nil
}

// Reserve flags every frame from physical address 0 up to upTo (rounded up
// to a page boundary) as used. Reserved frames are never returned by
// AllocFrame and cannot be released.
func (alloc *BitmapAllocator) Reserve(upTo uintptr) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if alloc.usedBitmap.Len() == 0 {
		return ErrNotInitialized
	}

	limit := mm.FrameFromAddress(mm.PageAlignUp(upTo))
	if limit > mm.Frame(alloc.totalFrames) {
		limit = mm.Frame(alloc.totalFrames)
	}

	for frame := mm.Frame(0); frame < limit; frame++ {
		if alloc.usedBitmap.IsSet(uint32(frame)) {
			// frame handed out before the reservation; it now
			// belongs to the reservation.
			if frame >= alloc.reservedLimit {
				alloc.usedFrames--
			}
			continue
		}
		alloc.usedBitmap.Set(uint32(frame))
	}

	if limit > alloc.reservedLimit {
		alloc.reservedLimit = limit
	}

	kfmt.Fprintf(alloc.log, "reserved frames below 0x%x\n", limit.Address())
	return nil
}

// AllocFrame reserves and returns the lowest-numbered free frame. If no free
// frame exists, AllocFrame returns mm.InvalidFrame and ErrOutOfMemory.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if alloc.usedBitmap.Len() == 0 {
		return mm.InvalidFrame, ErrNotInitialized
	}

	index, ok := alloc.usedBitmap.FirstClear()
	if !ok {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	alloc.usedBitmap.Set(index)
	alloc.usedFrames++
	return mm.Frame(index), nil
}

// Allocate reserves a free frame and returns its physical address or
// InvalidAddress if no frame is available.
func (alloc *BitmapAllocator) Allocate() uintptr {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return InvalidAddress
	}
	return frame.Address()
}

// FreeFrame makes a frame previously returned by AllocFrame available again.
// Attempts to release a free frame or a frame that belongs to a boot
// reservation are rejected without altering the allocator state.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	switch {
	case alloc.usedBitmap.Len() == 0:
		return ErrNotInitialized
	case !frame.Valid() || frame >= mm.Frame(alloc.totalFrames):
		return ErrFrameOutOfRange
	case frame < alloc.reservedLimit:
		kfmt.Fprintf(alloc.log, "error: attempt to release reserved frame 0x%x\n", frame.Address())
		return ErrFrameReserved
	case !alloc.usedBitmap.IsSet(uint32(frame)):
		kfmt.Fprintf(alloc.log, "error: attempt to release free frame 0x%x\n", frame.Address())
		return ErrFrameNotAllocated
	}

	alloc.usedBitmap.Clear(uint32(frame))
	alloc.usedFrames--
	return nil
}

// Release makes the frame containing physAddr available again.
func (alloc *BitmapAllocator) Release(physAddr uintptr) *kernel.Error {
	return alloc.FreeFrame(mm.FrameFromAddress(physAddr))
}

// IsUsed returns true if the frame is reserved or allocated. Frames outside
// the tracked range are reported as used.
func (alloc *BitmapAllocator) IsUsed(frame mm.Frame) bool {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !frame.Valid() || frame >= mm.Frame(alloc.usedBitmap.Len()) {
		return true
	}
	return alloc.usedBitmap.IsSet(uint32(frame))
}

// Stats returns a snapshot of the allocator counters.
func (alloc *BitmapAllocator) Stats() Stats {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	reserved := uint32(alloc.reservedLimit)
	return Stats{
		TotalFrames:    alloc.totalFrames,
		ReservedFrames: reserved,
		UsedFrames:     alloc.usedFrames,
		FreeFrames:     alloc.totalFrames - reserved - alloc.usedFrames,
	}
}
