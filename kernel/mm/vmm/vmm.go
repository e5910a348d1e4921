// Package vmm implements the address space abstraction used by the rest of
// the kernel. Address spaces are manipulated through the Table and Platform
// interfaces so that the frame allocator and the heap never depend on the
// hardware page-table format.
package vmm

import (
	"kmemcore/kernel"
	"kmemcore/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindMisuse}

	// ErrProtectionViolation is returned when an access is not permitted
	// by the flags of the mapping that covers it.
	ErrProtectionViolation = &kernel.Error{Module: "vmm", Message: "access violates page protection flags", Kind: kernel.KindMisuse}

	// ErrForeignTable is returned when a Table created by a different
	// Platform instance is passed to a Platform method.
	ErrForeignTable = &kernel.Error{Module: "vmm", Message: "page table does not belong to this platform", Kind: kernel.KindMisuse}
)

// PageFlag describes an attribute of a single page mapping. Flags are
// properties of the mapping, not of the mapped frame; the same frame may be
// mapped with different flags in different address spaces.
type PageFlag uint32

const (
	// FlagReadOnly prevents writes to the page.
	FlagReadOnly PageFlag = 1 << iota

	// FlagUncachable prevents the page contents from being cached.
	FlagUncachable

	// FlagWriteThrough selects write-through instead of write-back caching.
	FlagWriteThrough

	// FlagNoExecute prevents instruction fetches from the page. Platforms
	// without hardware support silently ignore it.
	FlagNoExecute

	// FlagUser allows user-mode code to access the page.
	FlagUser

	// FlagGlobal prevents the TLB entry for the page from being flushed
	// when switching address spaces.
	FlagGlobal

	// FlagNotPresent installs the mapping but flags it as not present.
	FlagNotPresent
)

// Table is an opaque handle to the hardware structure that translates virtual
// addresses of one address space to physical addresses.
//
// Mapping physical memory that belongs to another live allocation is a caller
// error that Table implementations do not detect.
type Table interface {
	// Map installs or overwrites the mapping of the page containing
	// virtAddr to the frame containing physAddr. Any intermediate
	// structures needed to resolve virtAddr are allocated and cleared.
	Map(virtAddr, physAddr uintptr, flags PageFlag) *kernel.Error

	// Unmap flags the mapping for the page containing virtAddr as not
	// present. The backing frame is not released.
	Unmap(virtAddr uintptr) *kernel.Error

	// Translate returns the physical address that corresponds to virtAddr
	// or ErrInvalidMapping if virtAddr is not mapped.
	Translate(virtAddr uintptr) (uintptr, *kernel.Error)

	// IsDirty returns true if the page containing virtAddr was written to
	// since its dirty flag was last cleared. Platforms without dirty-bit
	// support always return false.
	IsDirty(virtAddr uintptr) bool

	// ClearDirty resets the dirty flag of the page containing virtAddr.
	ClearDirty(virtAddr uintptr)

	// IsValid returns true if virtAddr is mapped and, when asUser is set,
	// accessible from user-mode.
	IsValid(virtAddr uintptr, asUser bool) bool

	// Access emulates a memory access by the MMU: it translates virtAddr,
	// enforces the mapping permissions and updates the accessed and dirty
	// flags. It returns the physical address of the accessed byte.
	Access(virtAddr uintptr, write, asUser bool) (uintptr, *kernel.Error)

	// RootFrame returns the physical frame holding the top-level table.
	RootFrame() mm.Frame
}

// Platform creates and activates address spaces for a particular MMU.
type Platform interface {
	// KernelTable returns the table for the kernel's own address space.
	// It is always valid.
	KernelTable() Table

	// NewTable allocates an empty address space. It returns nil and an
	// error if no memory is available for its structures.
	NewTable() (Table, *kernel.Error)

	// SwitchTo activates table. The caller guarantees that the table is
	// structurally valid; no validation is performed.
	SwitchTo(table Table)

	// ActiveTable returns the currently active table.
	ActiveTable() Table
}
