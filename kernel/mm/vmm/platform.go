package vmm

import (
	"kmemcore/kernel"
	"kmemcore/kernel/cpu"
	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/mm"
	"kmemcore/kernel/sync"
)

// X86Platform implements Platform for an x86 CPU using 32-bit two-level
// paging. A single lock serializes all modifications to the tables created by
// the platform.
type X86Platform struct {
	mutex sync.Spinlock

	phys   *mm.PhysicalMemory
	frames mm.FrameAllocator
	cpu    *cpu.Context

	// strict makes unmapping a page that is not mapped a fatal error.
	strict bool

	kernelTable *PageDirectoryTable
	activeTable *PageDirectoryTable
	log         *kfmt.PrefixWriter
}

// PlatformOption configures optional X86Platform behavior.
type PlatformOption func(*X86Platform)

// WithStrictChecks turns Unmap calls for pages that are not mapped into
// kernel panics.
func WithStrictChecks() PlatformOption {
	return func(p *X86Platform) {
		p.strict = true
	}
}

// NewX86Platform creates a platform whose tables live in phys and whose
// paging structures are allocated from frames. The kernel page directory is
// allocated and cleared before NewX86Platform returns.
func NewX86Platform(phys *mm.PhysicalMemory, frames mm.FrameAllocator, cpuCtx *cpu.Context, opts ...PlatformOption) (*X86Platform, *kernel.Error) {
	p := &X86Platform{
		phys:   phys,
		frames: frames,
		cpu:    cpuCtx,
		log:    kfmt.NewModuleWriter("vmm"),
	}

	for _, opt := range opts {
		opt(p)
	}

	var err *kernel.Error
	if p.kernelTable, err = p.newTable(); err != nil {
		return nil, err
	}

	kfmt.Fprintf(p.log, "kernel page directory at 0x%x\n", p.kernelTable.pdtFrame.Address())
	return p, nil
}

// KernelTable returns the page directory of the kernel address space.
func (p *X86Platform) KernelTable() Table {
	return p.kernelTable
}

// NewTable allocates and clears a page directory with no pages mapped.
func (p *X86Platform) NewTable() (Table, *kernel.Error) {
	pdt, err := p.newTable()
	if err != nil {
		return nil, err
	}
	return pdt, nil
}

// SwitchTo loads the supplied table into CR3. Tables that were not created by
// this platform are ignored.
func (p *X86Platform) SwitchTo(table Table) {
	pdt, ok := table.(*PageDirectoryTable)
	if !ok || pdt.platform != p {
		kfmt.Fprintf(p.log, "ignoring switch to foreign table: %s\n", ErrForeignTable.Message)
		return
	}

	p.mutex.Acquire()
	p.cpu.SwitchPDT(pdt.pdtFrame.Address())
	p.activeTable = pdt
	p.mutex.Release()
}

// ActiveTable returns the table most recently passed to SwitchTo. Before the
// first switch the kernel table is returned.
func (p *X86Platform) ActiveTable() Table {
	p.mutex.Acquire()
	defer p.mutex.Release()

	if p.activeTable == nil {
		return p.kernelTable
	}
	return p.activeTable
}

func (p *X86Platform) newTable() (*PageDirectoryTable, *kernel.Error) {
	p.mutex.Acquire()
	defer p.mutex.Release()

	frame, err := p.frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	if err = p.phys.ZeroFrame(frame); err != nil {
		return nil, err
	}

	return &PageDirectoryTable{platform: p, pdtFrame: frame}, nil
}
