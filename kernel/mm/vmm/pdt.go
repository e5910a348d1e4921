package vmm

import (
	"kmemcore/kernel"
	"kmemcore/kernel/mm"
)

// PageDirectoryTable describes the top-most table in the x86 two-level paging
// scheme. Both the directory and the page tables it points to live in
// physical memory frames obtained from the platform's frame allocator.
type PageDirectoryTable struct {
	platform *X86Platform
	pdtFrame mm.Frame
}

// RootFrame returns the physical frame that holds the page directory.
func (pdt *PageDirectoryTable) RootFrame() mm.Frame {
	return pdt.pdtFrame
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using this PDT. Missing page tables are allocated from the platform's
// frame allocator and cleared. Directory entries are installed as present,
// writable and user-accessible so that the permissions of each page are only
// controlled by its page table entry.
func (pdt *PageDirectoryTable) Map(virtAddr, physAddr uintptr, flags PageFlag) *kernel.Error {
	pdt.platform.mutex.Acquire()
	defer pdt.platform.mutex.Release()

	var err *kernel.Error

	walkErr := pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(mm.FrameFromAddress(physAddr))
			pte.SetFlags(hardwareFlags(flags))
			pdt.flushTLBEntry(virtAddr)
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(flagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = pdt.platform.frames.AllocFrame(); err != nil {
				return false
			}

			if err = pdt.platform.phys.ZeroFrame(newTableFrame); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(flagPresent | flagRW | flagUserAccessible)
		}

		return true
	})

	if walkErr != nil {
		return walkErr
	}
	return err
}

// Unmap flags the page that contains virtAddr as not present. The physical
// frame backing the page is not released. Unmapping a page that is not mapped
// returns ErrInvalidMapping; when the platform runs with strict checks the
// error is treated as fatal.
func (pdt *PageDirectoryTable) Unmap(virtAddr uintptr) *kernel.Error {
	pdt.platform.mutex.Acquire()
	defer pdt.platform.mutex.Release()

	err := ErrInvalidMapping

	walkErr := pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(flagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			pte.ClearFlags(flagPresent)
			pdt.flushTLBEntry(virtAddr)
			err = nil
		}

		return true
	})

	if walkErr != nil {
		return walkErr
	}

	if err != nil && pdt.platform.strict {
		panicFn(err)
	}
	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pdt.platform.mutex.Acquire()
	defer pdt.platform.mutex.Release()

	pte, err := pdt.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// IsDirty returns true if the page containing virtAddr has been written to
// since the last call to ClearDirty. Unmapped pages are never dirty.
func (pdt *PageDirectoryTable) IsDirty(virtAddr uintptr) bool {
	pdt.platform.mutex.Acquire()
	defer pdt.platform.mutex.Release()

	pte, err := pdt.pteForAddress(virtAddr)
	return err == nil && pte.HasFlags(flagDirty)
}

// ClearDirty resets the dirty flag of the page containing virtAddr. Calls for
// unmapped pages are ignored.
func (pdt *PageDirectoryTable) ClearDirty(virtAddr uintptr) {
	pdt.platform.mutex.Acquire()
	defer pdt.platform.mutex.Release()

	_ = pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 && pte.HasFlags(flagPresent|flagDirty) {
			pte.ClearFlags(flagDirty)
			pdt.flushTLBEntry(virtAddr)
		}
		return true
	})
}

// IsValid returns true if virtAddr is mapped. If asUser is true, every level
// of the translation must also allow user-mode access.
func (pdt *PageDirectoryTable) IsValid(virtAddr uintptr, asUser bool) bool {
	pdt.platform.mutex.Acquire()
	defer pdt.platform.mutex.Release()

	var valid bool
	_ = pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(flagPresent) || (asUser && !pte.HasFlags(flagUserAccessible)) {
			return false
		}

		valid = pteLevel == pageLevels-1
		return true
	})

	return valid
}

// Access performs the checks that the MMU applies to a memory access at
// virtAddr and returns the physical address of the accessed byte. The
// accessed flag is set at every level of the translation and writes also set
// the dirty flag of the page.
func (pdt *PageDirectoryTable) Access(virtAddr uintptr, write, asUser bool) (uintptr, *kernel.Error) {
	pdt.platform.mutex.Acquire()
	defer pdt.platform.mutex.Release()

	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	walkErr := pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		switch {
		case !pte.HasFlags(flagPresent):
			return false
		case asUser && !pte.HasFlags(flagUserAccessible),
			write && !pte.HasFlags(flagRW):
			err = ErrProtectionViolation
			return false
		}

		pte.SetFlags(flagAccessed)
		if pteLevel == pageLevels-1 {
			if write {
				pte.SetFlags(flagDirty)
			}
			physAddr = pte.Frame().Address() + PageOffset(virtAddr)
			err = nil
		}

		return true
	})

	if walkErr != nil {
		return 0, walkErr
	}
	if err != nil {
		return 0, err
	}
	return physAddr, nil
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (pdt *PageDirectoryTable) pteForAddress(virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	var (
		entry pageTableEntry
		err   = ErrInvalidMapping
	)

	walkErr := pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(flagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			entry = *pte
			err = nil
		}
		return true
	})

	if walkErr != nil {
		return 0, walkErr
	}
	return entry, err
}

// flushTLBEntry invalidates the cached translation for virtAddr if this table
// is the one currently loaded by the CPU.
func (pdt *PageDirectoryTable) flushTLBEntry(virtAddr uintptr) {
	if pdt.platform.cpu.ActivePDT() == pdt.pdtFrame.Address() {
		pdt.platform.cpu.FlushTLBEntry(virtAddr)
	}
}
