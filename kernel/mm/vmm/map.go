package vmm

import (
	"kmemcore/kernel"
	"kmemcore/kernel/mm"
)

// MapRegion establishes a mapping between the virtual region that starts at
// virtAddr and the physical region that starts at physAddr. The size argument
// is always rounded up to the nearest page boundary and both addresses are
// rounded down to their page.
func MapRegion(table Table, virtAddr, physAddr, size uintptr, flags PageFlag) *kernel.Error {
	var (
		page      = mm.PageFromAddress(virtAddr)
		frame     = mm.FrameFromAddress(physAddr)
		pageCount = mm.PageAlignUp(size) >> mm.PageShift
	)

	for ; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := table.Map(page.Address(), frame.Address(), flags); err != nil {
			return err
		}
	}

	return nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at physAddr and ends at physAddr + size. The size
// argument is always rounded up to the nearest page boundary.
func IdentityMapRegion(table Table, physAddr, size uintptr, flags PageFlag) *kernel.Error {
	return MapRegion(table, physAddr, physAddr, size, flags)
}

// UnmapRegion removes the mappings for the pages covering
// [virtAddr, virtAddr+size). It stops at the first page that cannot be
// unmapped.
func UnmapRegion(table Table, virtAddr, size uintptr) *kernel.Error {
	page := mm.PageFromAddress(virtAddr)
	for pageCount := mm.PageAlignUp(size) >> mm.PageShift; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if err := table.Unmap(page.Address()); err != nil {
			return err
		}
	}

	return nil
}
