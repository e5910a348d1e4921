// Package heap implements the kernel heap: a major/minor block allocator that
// carves variable-sized allocations out of multi-page blocks obtained from a
// PageProvider.
//
// Block bookkeeping lives in arenas of records addressed by index. Every
// allocation additionally carries a small header in heap memory with an
// integrity tag and the index of its record so that pointers handed back to
// Free and Realloc can be validated without trusting them.
package heap

import (
	"math/bits"

	"kmemcore/kernel"
	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/mm"
	"kmemcore/kernel/mm/vmm"
	"kmemcore/kernel/sync"
)

const (
	// alignment is the alignment of every pointer returned by Alloc.
	alignment = 16

	// alignInfo is the number of bytes reserved in front of each pointer
	// for recording the alignment shift.
	alignInfo = 16

	// majorHeaderSize is the number of bytes reserved at the start of each
	// major block.
	majorHeaderSize = 24

	// minorHeaderSize is the number of bytes reserved in front of each
	// allocation for its header.
	minorHeaderSize = 24

	// tagLive marks the header of an allocation that has not been freed
	// ("MEMB").
	tagLive = uint32(0x4d454d42)

	// tagDead replaces tagLive once an allocation is freed ("DEAD").
	tagDead = uint32(0x44454144)

	// none is the index used for missing links between records.
	none = int32(-1)
)

var (
	// ErrOutOfMemory is returned when the page provider cannot supply the
	// pages for a new major block.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory", Kind: kernel.KindExhausted}

	// ErrRequestTooLarge is returned for requests whose size, once the
	// allocator overhead is added, does not fit in the heap region.
	ErrRequestTooLarge = &kernel.Error{Module: "heap", Message: "requested size exceeds heap region", Kind: kernel.KindExhausted}

	// ErrZeroSize is returned when allocating 0 bytes.
	ErrZeroSize = &kernel.Error{Module: "heap", Message: "zero-sized allocation", Kind: kernel.KindMisuse}

	// ErrDoubleFree is returned when freeing a pointer whose allocation
	// was already freed.
	ErrDoubleFree = &kernel.Error{Module: "heap", Message: "pointer has already been freed", Kind: kernel.KindMisuse}

	// ErrInvalidPointer is returned when freeing a pointer that was not
	// returned by the allocator.
	ErrInvalidPointer = &kernel.Error{Module: "heap", Message: "pointer was not allocated by this heap", Kind: kernel.KindMisuse}

	// ErrCorrupted is reported to panicFn when the header of a live
	// allocation no longer matches its record.
	ErrCorrupted = &kernel.Error{Module: "heap", Message: "allocation header does not match its record", Kind: kernel.KindCorruption}

	// panicFn is used by tests to intercept heap corruption reports.
	panicFn = kfmt.Panic
)

// PageProvider supplies the heap with ranges of mapped, contiguous virtual
// pages.
type PageProvider interface {
	// AllocPages returns the address of count freshly mapped pages.
	AllocPages(count uint32) (uintptr, *kernel.Error)

	// FreePages releases pages previously returned by AllocPages.
	FreePages(virtAddr uintptr, count uint32) *kernel.Error
}

// VirtualMemory provides access to the contents of the address space that
// the heap pages are mapped into.
type VirtualMemory interface {
	ReadAt(p []byte, virtAddr uintptr) *kernel.Error
	WriteAt(p []byte, virtAddr uintptr) *kernel.Error
	Memset(virtAddr uintptr, value byte, size uintptr) *kernel.Error
	Memmove(dst, src, size uintptr) *kernel.Error
	Byte(virtAddr uintptr) (byte, *kernel.Error)
	PutByte(virtAddr uintptr, value byte) *kernel.Error
	Uint32(virtAddr uintptr) (uint32, *kernel.Error)
	PutUint32(virtAddr uintptr, value uint32) *kernel.Error
}

// Config holds the tunables of a heap.
type Config struct {
	// RegionBase and RegionLimit delimit the virtual address range that
	// heap pages are allocated from.
	RegionBase, RegionLimit uintptr

	// MinPages is the minimum number of pages requested for each major
	// block.
	MinPages uint32

	// PageFlags are used when mapping heap pages.
	PageFlags vmm.PageFlag
}

// DefaultConfig returns the configuration used for the kernel heap.
func DefaultConfig() Config {
	return Config{
		RegionBase:  0xE0000000,
		RegionLimit: 0xF0000000,
		MinPages:    16,
		PageFlags:   vmm.FlagGlobal,
	}
}

// RegionSize returns the size of the heap region in bytes.
func (c Config) RegionSize() uintptr {
	if c.RegionLimit <= c.RegionBase {
		return 0
	}
	return c.RegionLimit - c.RegionBase
}

// Stats summarizes the state of a heap.
type Stats struct {
	// AllocatedBytes is the total size of all major blocks.
	AllocatedBytes uint64

	// InUseBytes is the total size reserved by live allocations,
	// including alignment slack but excluding headers.
	InUseBytes uint64

	Majors int
	Minors int

	Warnings         uint64
	Errors           uint64
	PossibleOverruns uint64
}

// Allocator is a kernel heap instance. All methods are safe for concurrent
// use; a single lock serializes them and also covers the calls made to the
// page provider.
type Allocator struct {
	mutex sync.Spinlock

	cfg        Config
	maxRequest uintptr

	pages PageProvider
	mem   VirtualMemory
	table vmm.Table

	majors     []major
	freeMajors []int32
	minors     []minor
	freeMinors []int32

	root    int32
	bestBet int32

	// aligned maps page-aligned pointers handed out by AllocAligned to
	// the pointer of the allocation that contains them.
	aligned map[uintptr]uintptr

	// retired maps freed pointers to the header address of their
	// allocation until that memory is handed out again.
	retired map[uintptr]uintptr

	stats Stats
	log   *kfmt.PrefixWriter
}

// New creates an empty heap. Pages are requested from pages on demand and
// accessed through mem; table is used to resolve the physical address of
// allocations.
func New(cfg Config, pages PageProvider, mem VirtualMemory, table vmm.Table) *Allocator {
	if cfg.MinPages == 0 {
		cfg.MinPages = 1
	}

	var maxRequest uintptr
	if overhead := uintptr(alignment + alignInfo + majorHeaderSize + minorHeaderSize); cfg.RegionSize() > overhead {
		maxRequest = cfg.RegionSize() - overhead
	}

	return &Allocator{
		cfg:        cfg,
		maxRequest: maxRequest,
		pages:      pages,
		mem:        mem,
		table:      table,
		root:       none,
		bestBet:    none,
		aligned:    make(map[uintptr]uintptr),
		retired:    make(map[uintptr]uintptr),
		log:        kfmt.NewModuleWriter("heap"),
	}
}

// Alloc returns a pointer to a zero-filled block of at least size bytes. The
// pointer is always aligned to a 16-byte boundary.
func (a *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	a.mutex.Acquire()
	defer a.mutex.Release()

	return a.alloc(size)
}

// AllocAligned behaves like Alloc but returns a page-aligned pointer. The
// returned pointer may be passed to Free and Realloc.
func (a *Allocator) AllocAligned(size uintptr) (uintptr, *kernel.Error) {
	a.mutex.Acquire()
	defer a.mutex.Release()

	return a.allocAligned(size)
}

// AllocPhysical behaves like Alloc and also returns the physical address
// that backs the first byte of the allocation.
func (a *Allocator) AllocPhysical(size uintptr) (uintptr, uintptr, *kernel.Error) {
	a.mutex.Acquire()
	defer a.mutex.Release()

	ptr, err := a.alloc(size)
	if err != nil {
		return 0, 0, err
	}

	physAddr, err := a.table.Translate(ptr)
	if err != nil {
		_ = a.free(ptr)
		return 0, 0, err
	}

	return ptr, physAddr, nil
}

// Calloc allocates a zero-filled block for count items of size bytes each.
func (a *Allocator) Calloc(count, size uintptr) (uintptr, *kernel.Error) {
	a.mutex.Acquire()
	defer a.mutex.Release()

	total, ok := mulSize(count, size)
	if !ok || total > a.maxRequest {
		a.stats.Warnings++
		kfmt.Fprintf(a.log, "warning: calloc(%d, %d) overflows\n", count, size)
		return 0, ErrRequestTooLarge
	}

	ptr, err := a.alloc(total)
	if err != nil {
		return 0, err
	}

	if err = a.mem.Memset(ptr, 0, total); err != nil {
		a.corrupted(err)
		return 0, err
	}

	return ptr, nil
}

// Realloc resizes the allocation at ptr to size bytes. The allocation is left
// in place if its recorded size already covers size; otherwise a new block
// is allocated, the contents are copied and the old block is freed. A size of
// 0 frees ptr and a zero ptr allocates a new block.
func (a *Allocator) Realloc(ptr, size uintptr) (uintptr, *kernel.Error) {
	a.mutex.Acquire()
	defer a.mutex.Release()

	return a.realloc(ptr, size)
}

// Free releases the allocation at ptr. Pointers that were not returned by
// this allocator or that were already freed are rejected without modifying
// the heap. Freeing a zero pointer only records a warning.
func (a *Allocator) Free(ptr uintptr) *kernel.Error {
	a.mutex.Acquire()
	defer a.mutex.Release()

	return a.free(ptr)
}

// Stats returns a snapshot of the heap statistics.
func (a *Allocator) Stats() Stats {
	a.mutex.Acquire()
	defer a.mutex.Release()

	return a.stats
}

// corrupted reports an unrecoverable inconsistency in the heap structures.
func (a *Allocator) corrupted(err *kernel.Error) {
	a.stats.Errors++
	kfmt.Fprintf(a.log, "error: %s\n", err.Message)
	panicFn(err)
}

// mulSize returns count*size and false if the multiplication overflows.
func mulSize(count, size uintptr) (uintptr, bool) {
	hi, lo := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || uint64(uintptr(lo)) != lo {
		return 0, false
	}
	return uintptr(lo), true
}

// pagesFor returns the number of pages needed for a major block that can
// hold an allocation of size bytes.
func (a *Allocator) pagesFor(size uintptr) uint32 {
	pages := uint32((size + majorHeaderSize + minorHeaderSize + mm.PageSize - 1) >> mm.PageShift)
	if pages < a.cfg.MinPages {
		pages = a.cfg.MinPages
	}
	return pages
}
