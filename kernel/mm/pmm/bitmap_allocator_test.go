package pmm

import (
	"bytes"
	"kmemcore/kernel/kfmt"
	"kmemcore/kernel/mm"
	"strings"
	"testing"
)

func TestBitmapAllocatorInit(t *testing.T) {
	var alloc BitmapAllocator

	if _, err := alloc.AllocFrame(); err != ErrNotInitialized {
		t.Fatalf("expected AllocFrame on an uninitialized allocator to return ErrNotInitialized; got %v", err)
	}
	if err := alloc.Reserve(mm.PageSize); err != ErrNotInitialized {
		t.Fatalf("expected Reserve on an uninitialized allocator to return ErrNotInitialized; got %v", err)
	}
	if err := alloc.FreeFrame(0); err != ErrNotInitialized {
		t.Fatalf("expected FreeFrame on an uninitialized allocator to return ErrNotInitialized; got %v", err)
	}

	if err := alloc.Init(16 * mm.Mb); err != nil {
		t.Fatal(err)
	}

	if exp, got := (4096+slackFrames+31)/32, alloc.usedBitmap.Words(); got != exp {
		t.Fatalf("expected bitmap to use %d words; got %d", exp, got)
	}

	if exp, got := uintptr(alloc.usedBitmap.Words()*4), BitmapBytes(16*mm.Mb); got != exp {
		t.Fatalf("expected BitmapBytes to return %d; got %d", exp, got)
	}

	exp := Stats{TotalFrames: 4096, FreeFrames: 4096}
	if got := alloc.Stats(); got != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, got)
	}

	// slack frames are never handed out
	if !alloc.IsUsed(mm.Frame(4096)) {
		t.Fatal("expected slack frames to be flagged as used")
	}
}

func TestBitmapAllocatorReserveAndAllocate(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init(16 * mm.Mb); err != nil {
		t.Fatal(err)
	}

	if err := alloc.Reserve(0x100000); err != nil {
		t.Fatal(err)
	}

	for frame := mm.Frame(0); frame < mm.FrameFromAddress(0x100000); frame++ {
		if !alloc.IsUsed(frame) {
			t.Fatalf("expected reserved frame %d to be flagged as used", frame)
		}
	}

	if exp, got := uintptr(0x100000), alloc.Allocate(); got != exp {
		t.Fatalf("expected first allocation to return 0x%x; got 0x%x", exp, got)
	}

	last := uintptr(0x100000)
	for i := 0; i < 100; i++ {
		got := alloc.Allocate()
		if got <= last || got&mm.PageMask != 0 {
			t.Fatalf("expected a frame-aligned address greater than 0x%x; got 0x%x", last, got)
		}
		last = got
	}

	exp := Stats{TotalFrames: 4096, ReservedFrames: 256, UsedFrames: 101, FreeFrames: 4096 - 256 - 101}
	if got := alloc.Stats(); got != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, got)
	}
}

func TestBitmapAllocatorReserveRoundsUp(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init(1 * mm.Mb); err != nil {
		t.Fatal(err)
	}

	if err := alloc.Reserve(0x2001); err != nil {
		t.Fatal(err)
	}

	if exp, got := uintptr(0x3000), alloc.Allocate(); got != exp {
		t.Fatalf("expected first allocation to return 0x%x; got 0x%x", exp, got)
	}
}

func TestBitmapAllocatorReserveAfterAllocation(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init(1 * mm.Mb); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		alloc.Allocate()
	}

	// frames 0-3 are allocated; the reservation takes them over
	if err := alloc.Reserve(8 * mm.PageSize); err != nil {
		t.Fatal(err)
	}

	exp := Stats{TotalFrames: 256, ReservedFrames: 8, UsedFrames: 0, FreeFrames: 248}
	if got := alloc.Stats(); got != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, got)
	}

	// reserving beyond the installed memory is clamped
	if err := alloc.Reserve(^uintptr(0) &^ mm.PageMask); err != nil {
		t.Fatal(err)
	}
	if got := alloc.Stats().FreeFrames; got != 0 {
		t.Fatalf("expected no free frames; got %d", got)
	}
}

func TestBitmapAllocatorUniqueness(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init(2 * mm.Mb); err != nil {
		t.Fatal(err)
	}

	seen := make(map[mm.Frame]bool)
	for {
		frame, err := alloc.AllocFrame()
		if err == ErrOutOfMemory {
			if frame != mm.InvalidFrame {
				t.Fatalf("expected AllocFrame to return InvalidFrame on exhaustion; got %d", frame)
			}
			break
		} else if err != nil {
			t.Fatal(err)
		}

		if seen[frame] {
			t.Fatalf("frame %d returned twice", frame)
		}
		seen[frame] = true
	}

	if exp, got := 512, len(seen); got != exp {
		t.Fatalf("expected to allocate %d frames; got %d", exp, got)
	}

	if got := alloc.Allocate(); got != InvalidAddress {
		t.Fatalf("expected Allocate to return InvalidAddress on exhaustion; got 0x%x", got)
	}
}

func TestBitmapAllocatorRelease(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var alloc BitmapAllocator
	if err := alloc.Init(1 * mm.Mb); err != nil {
		t.Fatal(err)
	}
	if err := alloc.Reserve(0x10000); err != nil {
		t.Fatal(err)
	}

	a := alloc.Allocate()
	b := alloc.Allocate()

	if err := alloc.Release(a); err != nil {
		t.Fatal(err)
	}

	// the released frame is the first free one and must be reused
	if got := alloc.Allocate(); got != a {
		t.Fatalf("expected released frame 0x%x to be reused; got 0x%x", a, got)
	}

	specs := []struct {
		frame  mm.Frame
		expErr interface{}
		expLog string
	}{
		{mm.FrameFromAddress(0x1000), ErrFrameReserved, "release reserved frame"},
		{mm.FrameFromAddress(b) + 1, ErrFrameNotAllocated, "release free frame"},
		{mm.Frame(256), ErrFrameOutOfRange, ""},
		{mm.InvalidFrame, ErrFrameOutOfRange, ""},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		before := alloc.Stats()

		if err := alloc.FreeFrame(spec.frame); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}

		if got := buf.String(); !strings.Contains(got, spec.expLog) {
			t.Errorf("[spec %d] expected log output to contain %q; got %q", specIndex, spec.expLog, got)
		}

		if after := alloc.Stats(); after != before {
			t.Errorf("[spec %d] expected rejected release not to alter the allocator state", specIndex)
		}
	}

	if err := alloc.Release(b); err != nil {
		t.Fatal(err)
	}
	if err := alloc.Release(b); err != ErrFrameNotAllocated {
		t.Fatalf("expected double release to return ErrFrameNotAllocated; got %v", err)
	}
}
