// Package kmain brings up the memory management core: the frame allocator,
// the kernel address space and the kernel heap.
package kmain

import (
	"kmemcore/kernel"
	"kmemcore/kernel/cpu"
	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/mm"
	"kmemcore/kernel/mm/heap"
	"kmemcore/kernel/mm/pmm"
	"kmemcore/kernel/mm/vmm"
	"kmemcore/multiboot"
)

const (
	// KernelVirtBase is the virtual address where the low physical memory
	// and the kernel image are mapped.
	KernelVirtBase = uintptr(0xC0000000)

	// lowMemory is the physical memory below the kernel load address that
	// is always reserved.
	lowMemory = uintptr(0x100000)

	// bootSlack is reserved past the kernel image and the placement heap.
	bootSlack = uintptr(64 * mm.Kb)

	// identityMapLimit is the end of the identity-mapped region that
	// covers the real-mode accessible RAM.
	identityMapLimit = uintptr(0x110000)

	// minMemory is the smallest amount of installed memory that we can
	// boot with.
	minMemory = 2 * mm.Mb
)

var (
	errNotEnoughMemory = &kernel.Error{Module: "kmain", Message: "not enough installed memory", Kind: kernel.KindExhausted}
)

// BootInfo describes the machine and kernel image that the memory core is
// initialized for.
type BootInfo struct {
	// TotalMemory is the amount of installed RAM.
	TotalMemory mm.Size

	// KernelStart and KernelSize describe the physical location of the
	// loaded kernel image.
	KernelStart uintptr
	KernelSize  uintptr

	// PlacementBytes is the number of bytes that early boot code claimed
	// from the placement heap in addition to the frame bitmap.
	PlacementBytes uintptr

	Heap heap.Config

	// Debug enables strict page table checks.
	Debug bool
}

// DefaultBootInfo returns the boot information for a kernel image of 512Kb
// loaded at 1Mb on a machine with totalMemory bytes of RAM.
func DefaultBootInfo(totalMemory mm.Size) BootInfo {
	return BootInfo{
		TotalMemory: totalMemory,
		KernelStart: lowMemory,
		KernelSize:  uintptr(512 * mm.Kb),
		Heap:        heap.DefaultConfig(),
	}
}

// BootInfoFromMultiboot derives the boot information from the data passed in
// by a multiboot boot loader. The "debug" command line option enables strict
// page table checks.
func BootInfoFromMultiboot(mb *multiboot.Info) (BootInfo, *kernel.Error) {
	total, err := mb.TotalMemory()
	if err != nil {
		return BootInfo{}, err
	}

	log := kfmt.NewModuleWriter("kmain")
	kfmt.Fprintf(log, "system memory map:\n")
	mb.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(log, "  [0x%08x - 0x%08x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
		return true
	})

	info := DefaultBootInfo(total)
	_, info.Debug = mb.CmdLineOptions()["debug"]
	return info, nil
}

// Core holds the initialized memory management subsystems.
type Core struct {
	Phys     *mm.PhysicalMemory
	CPU      *cpu.Context
	Frames   *pmm.BitmapAllocator
	Platform *vmm.X86Platform
	Memory   *vmm.Memory
	Pages    *heap.KernelPages
	Heap     *heap.Allocator

	// BitmapPhys is the physical address of the frame bitmap storage on
	// the placement heap.
	BitmapPhys uintptr

	// ReservedBytes is the size of the boot reservation that starts at
	// physical address 0.
	ReservedBytes uintptr

	boot pmm.BootMemAllocator
}

// Init sets up the memory management core. It initializes the frame
// allocator for the installed memory, reserves the frames used by the
// firmware, the kernel image and the placement heap, builds the kernel page
// directory, creates the kernel heap and finally activates the kernel
// address space.
func Init(info BootInfo) (*Core, *kernel.Error) {
	if info.TotalMemory < minMemory {
		return nil, errNotEnoughMemory
	}

	var (
		log = kfmt.NewModuleWriter("kmain")
		c   = &Core{
			Phys:   mm.NewPhysicalMemory(info.TotalMemory),
			CPU:    &cpu.Context{},
			Frames: new(pmm.BitmapAllocator),
		}
		err *kernel.Error
	)

	if err = c.Frames.Init(info.TotalMemory); err != nil {
		return nil, err
	}

	// The frame bitmap and any other early allocations are placed right
	// after the kernel image and must be reserved along with it.
	kernelEnd := info.KernelStart + info.KernelSize
	c.boot.Init(KernelVirtBase+kernelEnd, KernelVirtBase)
	_, c.BitmapPhys = c.boot.Alloc(pmm.BitmapBytes(info.TotalMemory), false)
	if info.PlacementBytes != 0 {
		c.boot.Alloc(info.PlacementBytes, false)
	}

	kernelSize := info.KernelSize + c.boot.AllocatedBytes() + bootSlack
	c.ReservedBytes = kernelSize + lowMemory
	if err = c.Frames.Reserve(c.ReservedBytes); err != nil {
		return nil, err
	}

	var opts []vmm.PlatformOption
	if info.Debug {
		opts = append(opts, vmm.WithStrictChecks())
	}

	if c.Platform, err = vmm.NewX86Platform(c.Phys, c.Frames, c.CPU, opts...); err != nil {
		return nil, err
	}

	kernelTable := c.Platform.KernelTable()
	if err = vmm.MapRegion(kernelTable, KernelVirtBase, 0, c.ReservedBytes, vmm.FlagGlobal); err != nil {
		return nil, err
	}
	if err = vmm.IdentityMapRegion(kernelTable, 0, identityMapLimit, vmm.FlagGlobal); err != nil {
		return nil, err
	}

	c.Memory = vmm.NewMemory(kernelTable, c.Phys)
	c.Pages = heap.NewKernelPages(info.Heap, c.Frames, kernelTable)
	c.Heap = heap.New(info.Heap, c.Pages, c.Memory, kernelTable)

	c.Platform.SwitchTo(kernelTable)

	c.boot.PrintStats()
	kfmt.Fprintf(log, "reserved %d bytes of low memory and kernel image\n", uint64(c.ReservedBytes))
	kfmt.Fprintf(log, "available RAM: %dK\n", uint64(info.TotalMemory/mm.Kb))
	return c, nil
}
