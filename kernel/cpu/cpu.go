// Package cpu models the parts of the processor state that the memory
// management code interacts with: the page directory base register (CR3),
// TLB invalidation and the halt instruction.
package cpu

import "kmemcore/kernel"

var (
	// ErrHalted is the value Halt panics with. Nothing can run on a halted
	// CPU so unwinding the calling goroutine is the closest equivalent.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "system halted", Kind: kernel.KindCorruption}
)

// Context tracks the paging-related registers of a single CPU. The zero
// value is a CPU with paging disabled (CR3 = 0).
type Context struct {
	// cr3 holds the physical address of the active page directory.
	cr3 uintptr

	// tlbFlushes counts single-entry invalidations while tlbReloads counts
	// full TLB reloads caused by writes to CR3.
	tlbFlushes uint64
	tlbReloads uint64

	// lastFlushed is the virtual address passed to the most recent
	// FlushTLBEntry call.
	lastFlushed uintptr
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (c *Context) SwitchPDT(pdtPhysAddr uintptr) {
	c.cr3 = pdtPhysAddr
	c.tlbReloads++
}

// ActivePDT returns the physical address of the currently active page table.
func (c *Context) ActivePDT() uintptr {
	return c.cr3
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func (c *Context) FlushTLBEntry(virtAddr uintptr) {
	c.tlbFlushes++
	c.lastFlushed = virtAddr
}

// TLBStats returns the number of single-entry flushes, the number of full
// reloads and the address of the last flushed entry.
func (c *Context) TLBStats() (flushes, reloads uint64, lastFlushed uintptr) {
	return c.tlbFlushes, c.tlbReloads, c.lastFlushed
}

// Halt stops instruction execution. It never returns.
func Halt() {
	panic(ErrHalted)
}
