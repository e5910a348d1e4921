package vmm

const (
	// pageLevels indicates the number of page levels used by x86 32-bit
	// (non-PAE) paging: a page directory and page tables.
	pageLevels = 2

	// entryShift is log2 of the size of a page table entry in bytes.
	entryShift = 2

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-31 contain the physical memory address.
	ptePhysPageMask = uint32(0xfffff000)
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. Each level uses 10 bits which amounts to 1024 entries per table.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

// pageTableEntryFlag describes a hardware flag of an x86 page directory or
// page table entry.
type pageTableEntryFlag uint32

const (
	// flagPresent is set when the page is available in memory.
	flagPresent pageTableEntryFlag = 1 << iota

	// flagRW is set if the page can be written to.
	flagRW

	// flagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	flagUserAccessible

	// flagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	flagWriteThroughCaching

	// flagDoNotCache prevents this page from being cached if set.
	flagDoNotCache

	// flagAccessed is set by the CPU when this page is accessed.
	flagAccessed

	// flagDirty is set by the CPU when this page is modified.
	flagDirty

	// flagHugePage is set in a page directory entry that maps a 4Mb page
	// instead of pointing to a page table.
	flagHugePage

	// flagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	flagGlobal
)
