package kmain

import (
	"bytes"
	"strings"
	"testing"

	"kmemcore/kernel/cpu"
	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/mm"
	"kmemcore/kernel/mm/vmm"
	"kmemcore/multiboot"
)

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	c, err := Init(DefaultBootInfo(16 * mm.Mb))
	if err != nil {
		t.Fatal(err)
	}

	// 512K kernel + 544 bytes of bitmap + 64K slack + 1M low memory
	if exp := uintptr(0x190220); c.ReservedBytes != exp {
		t.Fatalf("expected reservation of 0x%x bytes; got 0x%x", exp, c.ReservedBytes)
	}
	if exp, got := uint32(0x191), c.Frames.Stats().ReservedFrames; got != exp {
		t.Fatalf("expected %d reserved frames; got %d", exp, got)
	}
	if exp := uintptr(0x180000); c.BitmapPhys != exp {
		t.Fatalf("expected frame bitmap at 0x%x; got 0x%x", exp, c.BitmapPhys)
	}

	table := c.Platform.KernelTable()
	if exp, got := table.RootFrame().Address(), c.CPU.ActivePDT(); got != exp {
		t.Fatalf("expected kernel table 0x%x to be active; got 0x%x", exp, got)
	}
	if c.Platform.ActiveTable() != table {
		t.Fatal("expected kernel table to be the active table")
	}

	specs := []struct {
		virtAddr, expPhys uintptr
		expValid          bool
	}{
		{KernelVirtBase, 0, true},
		{KernelVirtBase + 0x101234, 0x101234, true},
		{KernelVirtBase + 0x190fff, 0x190fff, true},
		{KernelVirtBase + 0x191000, 0, false},
		{0xb8000, 0xb8000, true},
		{0x10ffef, 0x10ffef, true},
		{0x110000, 0, false},
		{0xE0000000, 0, false},
	}

	for specIndex, spec := range specs {
		physAddr, err := table.Translate(spec.virtAddr)
		if valid := err == nil; valid != spec.expValid {
			t.Errorf("[spec %d] expected 0x%x mapping validity to be %t; got %v", specIndex, spec.virtAddr, spec.expValid, err)
			continue
		}
		if spec.expValid && physAddr != spec.expPhys {
			t.Errorf("[spec %d] expected 0x%x to map to 0x%x; got 0x%x", specIndex, spec.virtAddr, spec.expPhys, physAddr)
		}
		if spec.expValid && table.IsValid(spec.virtAddr, true) {
			t.Errorf("[spec %d] expected kernel mapping 0x%x not to be user accessible", specIndex, spec.virtAddr)
		}
	}

	ptr, err := c.Heap.Alloc(128)
	if err != nil {
		t.Fatal(err)
	}
	if ptr < 0xE0000000 || ptr >= 0xF0000000 {
		t.Fatalf("expected heap pointer inside the heap region; got 0x%x", ptr)
	}

	// Heap frames come after the reservation
	physAddr, err := table.Translate(ptr)
	if err != nil {
		t.Fatal(err)
	}
	if physAddr < c.ReservedBytes {
		t.Fatalf("expected heap memory above the boot reservation; got 0x%x", physAddr)
	}

	for _, exp := range []string{
		"[kmain] available RAM: 16384K",
		"[pmm] tracking 4096 frames",
		"[vmm] kernel page directory at",
	} {
		if !bytes.Contains(buf.Bytes(), []byte(exp)) {
			t.Fatalf("expected boot log to contain %q; got:\n%s", exp, buf.String())
		}
	}
}

func TestInitPlacementBytes(t *testing.T) {
	info := DefaultBootInfo(8 * mm.Mb)
	info.PlacementBytes = 5000

	c, err := Init(info)
	if err != nil {
		t.Fatal(err)
	}

	// 512K kernel + 288 bytes of bitmap + 5008 placement bytes + 64K + 1M
	if exp := uintptr(0x80000 + 288 + 5008 + 0x10000 + 0x100000); c.ReservedBytes != exp {
		t.Fatalf("expected reservation of 0x%x bytes; got 0x%x", exp, c.ReservedBytes)
	}
}

func TestInitErrors(t *testing.T) {
	if _, err := Init(DefaultBootInfo(mm.Mb)); err != errNotEnoughMemory {
		t.Fatalf("expected errNotEnoughMemory; got %v", err)
	}

	// Not enough frames left for the page tables once the kernel is reserved
	info := DefaultBootInfo(2 * mm.Mb)
	info.KernelSize = uintptr(mm.Mb)
	if _, err := Init(info); err == nil {
		t.Fatal("expected Init to fail when no frames are left after the reservation")
	}
}

func TestInitDebugChecks(t *testing.T) {
	info := DefaultBootInfo(4 * mm.Mb)
	info.Debug = true

	c, err := Init(info)
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if err := recover(); err != cpu.ErrHalted {
			t.Fatalf("expected unmapping an unmapped page to halt; got %v", err)
		}
	}()

	_ = vmm.UnmapRegion(c.Platform.KernelTable(), 0x200000, mm.PageSize)
	t.Fatal("expected UnmapRegion to halt")
}

func TestBootInfoFromMultiboot(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	specs := []struct {
		cmdLine  string
		expDebug bool
	}{
		{"", false},
		{"console=ttyS0 debug", true},
		{"debug=1", true},
	}

	for specIndex, spec := range specs {
		image := multiboot.PCBuilder(uint64(8*mm.Mb), spec.cmdLine).Build(0x9000)
		mb, err := multiboot.Parse(image, 0x9000)
		if err != nil {
			t.Fatal(err)
		}

		info, err := BootInfoFromMultiboot(mb)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if info.TotalMemory != 8*mm.Mb {
			t.Errorf("[spec %d] expected total memory to be 8Mb; got %d", specIndex, info.TotalMemory)
		}
		if info.Debug != spec.expDebug {
			t.Errorf("[spec %d] expected debug to be %t", specIndex, spec.expDebug)
		}
		if info.KernelStart != lowMemory || info.Heap != DefaultBootInfo(0).Heap {
			t.Errorf("[spec %d] expected default kernel image and heap settings; got %+v", specIndex, info)
		}
	}

	if !strings.Contains(buf.String(), "[kmain] system memory map:") || !strings.Contains(buf.String(), "type: reserved") {
		t.Errorf("expected memory map to be logged; got:\n%s", buf.String())
	}

	if _, err := BootInfoFromMultiboot(&multiboot.Info{}); err != multiboot.ErrNoMemoryInfo {
		t.Errorf("expected ErrNoMemoryInfo; got %v", err)
	}
}
