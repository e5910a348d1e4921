package vmm

import (
	"kmemcore/kernel"
	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/mm"
)

var (
	// panicFn is used by tests to intercept fatal page table errors.
	panicFn = kfmt.Panic

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.KindCorruption}
	errCorruptPageTable  = &kernel.Error{Module: "vmm", Message: "page directory entry points outside installed memory", Kind: kernel.KindCorruption}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
// Changes made by the function to the entry are written back to memory.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. The walk stops when walkFn returns false or when an entry that
// is not present is reached.
//
// Directory entries that map huge pages or point outside installed memory are
// never created by this package; encountering one means that the structure
// is corrupt and the error is escalated to panicFn.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) *kernel.Error {
	var (
		phys      = pdt.platform.phys
		tableAddr = pdt.pdtFrame.Address()
	)

	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr + (entryIndex << entryShift)

		raw, err := phys.Uint32(entryAddr)
		if err != nil {
			return err
		}

		pte := pageTableEntry(raw)
		if level < pageLevels-1 && pte.HasFlags(flagPresent) {
			if err = pdt.checkDirectoryEntry(pte); err != nil {
				return err
			}
		}

		ok := walkFn(level, &pte)
		if uint32(pte) != raw {
			if err = phys.PutUint32(entryAddr, uint32(pte)); err != nil {
				return err
			}
		}

		if !ok || !pte.HasFlags(flagPresent) {
			return nil
		}

		tableAddr = pte.Frame().Address()
	}

	return nil
}

// checkDirectoryEntry validates a present entry that should point to the next
// level table.
func (pdt *PageDirectoryTable) checkDirectoryEntry(pte pageTableEntry) *kernel.Error {
	var err *kernel.Error
	switch {
	case pte.HasFlags(flagHugePage):
		err = errNoHugePageSupport
	case !pdt.platform.phys.Contains(pte.Frame().Address(), mm.PageSize):
		err = errCorruptPageTable
	default:
		return nil
	}

	panicFn(err)
	return err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
