package pmm

import (
	"bytes"
	"kmemcore/kernel/kfmt"
	"strings"
	"testing"
)

func TestBootMemAllocator(t *testing.T) {
	const (
		virtBase  = uintptr(0xc0000000)
		kernelEnd = virtBase + 0x123458
	)

	var alloc BootMemAllocator
	alloc.Init(kernelEnd, virtBase)

	specs := []struct {
		size         uintptr
		pageAligned  bool
		expVirt      uintptr
		expAllocated uintptr
	}{
		// 0x123458 is 8-byte aligned; the size is rounded but not the start
		{10, false, kernelEnd, 16},
		{32, false, kernelEnd + 16, 48},
		// next placement is 0xc0123488; aligning wastes 0xb78 bytes
		{1, true, virtBase + 0x124000, 48 + 0xb78 + 16},
		{0x1000, true, virtBase + 0x125000, 48 + 0xb78 + 16 + 0xff0 + 0x1000},
	}

	for specIndex, spec := range specs {
		virt, phys := alloc.Alloc(spec.size, spec.pageAligned)
		if virt != spec.expVirt {
			t.Errorf("[spec %d] expected virtual address 0x%x; got 0x%x", specIndex, spec.expVirt, virt)
		}
		if exp := spec.expVirt - virtBase; phys != exp {
			t.Errorf("[spec %d] expected physical address 0x%x; got 0x%x", specIndex, exp, phys)
		}
		if got := alloc.AllocatedBytes(); got != spec.expAllocated {
			t.Errorf("[spec %d] expected %d allocated bytes; got %d", specIndex, spec.expAllocated, got)
		}
	}

	defer kfmt.SetOutputSink(nil)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	buf.Reset()

	alloc.PrintStats()
	if got := buf.String(); !strings.Contains(got, "placement heap:") {
		t.Fatalf("expected stats output; got %q", got)
	}
}
