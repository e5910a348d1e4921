package pmm

import (
	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/mm"
)

const (
	// placementAlign is the alignment applied to placement allocations.
	placementAlign = 16
)

// BootMemAllocator implements a rudimentary placement allocator which is
// used to bootstrap the kernel before the heap is available.
//
// Allocations are carved out of the memory immediately following the kernel
// image by advancing a placement pointer. Due to the way that the allocator
// works, it is not possible to free allocated blocks; the bytes it hands out
// must be included in the boot-time frame reservation.
type BootMemAllocator struct {
	// kernelVirtBase is the offset between the kernel's virtual and
	// physical addresses.
	kernelVirtBase uintptr

	// placement is the virtual address of the next allocation.
	placement uintptr

	// allocated tracks the total number of bytes handed out, including
	// alignment padding.
	allocated uintptr
}

// Init sets the placement pointer to the end of the kernel image. kernelEnd
// is a virtual address inside the kernel's mapping at kernelVirtBase.
func (alloc *BootMemAllocator) Init(kernelEnd, kernelVirtBase uintptr) {
	alloc.kernelVirtBase = kernelVirtBase
	alloc.placement = kernelEnd
	alloc.allocated = 0
}

// Alloc reserves size bytes rounded up to a multiple of 16. If pageAligned is
// set, the placement pointer is first advanced to the next page boundary.
// Alloc returns the virtual address of the block and its physical address.
func (alloc *BootMemAllocator) Alloc(size uintptr, pageAligned bool) (virtAddr, physAddr uintptr) {
	if size&(placementAlign-1) != 0 {
		size = (size &^ (placementAlign - 1)) + placementAlign
	}

	if pageAligned && alloc.placement&mm.PageMask != 0 {
		padding := mm.PageSize - (alloc.placement & mm.PageMask)
		alloc.placement += padding
		alloc.allocated += padding
	}

	virtAddr = alloc.placement
	alloc.placement += size
	alloc.allocated += size

	return virtAddr, virtAddr - alloc.kernelVirtBase
}

// AllocatedBytes returns the number of bytes handed out so far.
func (alloc *BootMemAllocator) AllocatedBytes() uintptr {
	return alloc.allocated
}

// PrintStats logs the placement heap usage.
func (alloc *BootMemAllocator) PrintStats() {
	kfmt.Printf("[boot_mem_alloc] placement heap: %d bytes, next address: 0x%x\n", uint64(alloc.allocated), alloc.placement)
}
