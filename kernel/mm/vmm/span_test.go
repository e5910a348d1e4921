package vmm

import (
	"testing"

	"kmemcore/kernel/mm"
)

func TestSpanAllocator(t *testing.T) {
	base := uintptr(0xE0000000)
	alloc := NewSpanAllocator(base, 8*mm.PageSize)

	if got := alloc.Size(); got != 8*mm.PageSize {
		t.Fatalf("expected region size to be 0x%x; got 0x%x", 8*mm.PageSize, got)
	}

	specs := []struct {
		count   uint32
		expAddr uintptr
	}{
		{1, base},
		{3, base + 1*mm.PageSize},
		{2, base + 4*mm.PageSize},
	}

	for specIndex, spec := range specs {
		addr, err := alloc.AllocPages(spec.count)
		if err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}
		if addr != spec.expAddr {
			t.Fatalf("[spec %d] expected span at 0x%x; got 0x%x", specIndex, spec.expAddr, addr)
		}
	}

	if exp, got := uint32(6), alloc.UsedPages(); got != exp {
		t.Fatalf("expected %d used pages; got %d", exp, got)
	}

	if _, err := alloc.AllocPages(3); err != ErrNoVirtualSpace {
		t.Fatalf("expected ErrNoVirtualSpace; got %v", err)
	}

	if err := alloc.FreePages(base+1*mm.PageSize, 3); err != nil {
		t.Fatal(err)
	}

	// The freed hole is the first fit for a 3-page request
	if addr, err := alloc.AllocPages(3); err != nil || addr != base+1*mm.PageSize {
		t.Fatalf("expected hole at 0x%x to be reused; got 0x%x, %v", base+1*mm.PageSize, addr, err)
	}
}

func TestSpanAllocatorFreeErrors(t *testing.T) {
	base := uintptr(0xE0000000)
	alloc := NewSpanAllocator(base, 4*mm.PageSize)
	if _, err := alloc.AllocPages(2); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		addr  uintptr
		count uint32
	}{
		{base + 1, 1},
		{base - mm.PageSize, 1},
		{base + 4*mm.PageSize, 1},
		{base + 3*mm.PageSize, 2},
		{base + mm.PageSize, 2},
	}

	for specIndex, spec := range specs {
		if err := alloc.FreePages(spec.addr, spec.count); err != ErrSpanNotAllocated {
			t.Errorf("[spec %d] expected ErrSpanNotAllocated; got %v", specIndex, err)
		}
	}

	if exp, got := uint32(2), alloc.UsedPages(); got != exp {
		t.Fatalf("expected failed frees to leave %d pages in use; got %d", exp, got)
	}

	if !alloc.Contains(base+4*mm.PageSize-1) || alloc.Contains(base+4*mm.PageSize) {
		t.Fatal("unexpected Contains result at region end")
	}
}
