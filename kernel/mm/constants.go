package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageMask can be and-ed with an address to extract its offset inside
	// the page containing it.
	PageMask = PageSize - 1
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint32 {
	pageSizeMinus1 := Size(PageSize - 1)
	return uint32(((s + pageSizeMinus1) &^ pageSizeMinus1) >> PageShift)
}

// PageAlignUp rounds addr up to the nearest page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageMask) &^ PageMask
}

// PageAlignDown rounds addr down to the nearest page boundary.
func PageAlignDown(addr uintptr) uintptr {
	return addr &^ PageMask
}
