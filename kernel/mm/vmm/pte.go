package vmm

import "kmemcore/kernel/mm"

// pageTableEntry describes a page directory or page table entry in the exact
// bit layout expected by the MMU. These entries encode a physical frame
// address and a set of flags.
type pageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags pageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags pageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags pageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame(uintptr(uint32(pte)&ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}

// hardwareFlags converts a set of portable mapping flags to the flags of a
// page table entry. FlagNoExecute has no equivalent in this entry format and
// is ignored.
func hardwareFlags(flags PageFlag) pageTableEntryFlag {
	var hwFlags pageTableEntryFlag

	if flags&FlagNotPresent == 0 {
		hwFlags |= flagPresent
	}
	if flags&FlagReadOnly == 0 {
		hwFlags |= flagRW
	}
	if flags&FlagUser != 0 {
		hwFlags |= flagUserAccessible
	}
	if flags&FlagWriteThrough != 0 {
		hwFlags |= flagWriteThroughCaching
	}
	if flags&FlagUncachable != 0 {
		hwFlags |= flagDoNotCache
	}
	if flags&FlagGlobal != 0 {
		hwFlags |= flagGlobal
	}

	return hwFlags
}
