package main

import (
	"bytes"
	"math/rand"

	"github.com/pkg/errors"

	"kmemcore/kernel"
	"kmemcore/kernel/kmain"
	"kmemcore/kernel/mm"
)

type opKind int

const (
	opAlloc opKind = iota
	opAligned
	opCalloc
	opRealloc
	opFree
)

var opNames = [...]string{"alloc", "aligned", "calloc", "realloc", "free"}

func (k opKind) String() string {
	return opNames[k]
}

// allocation is a live heap block whose contents follow a known pattern.
type allocation struct {
	ptr, size uintptr
	seed      byte
	aligned   bool
}

func (a allocation) pattern() []byte {
	buf := make([]byte, a.size)
	for i := range buf {
		buf[i] = a.seed + byte(i)
	}
	return buf
}

type workload struct {
	core *kmain.Core
	opts options
	rng  *rand.Rand

	live         []allocation
	requestSizes []float64
	opCounts     [len(opNames)]int
	exhausted    int
	peakInUse    uint64
}

func newWorkload(core *kmain.Core, opts options) *workload {
	return &workload{
		core: core,
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.seed)),
	}
}

func (w *workload) run() error {
	for i := 0; i < w.opts.ops; i++ {
		kind := w.pick(i)

		var err error
		switch kind {
		case opAlloc, opAligned, opCalloc:
			err = w.alloc(kind)
		case opRealloc:
			err = w.realloc()
		case opFree:
			err = w.free(w.rng.Intn(len(w.live)))
		}

		if err != nil {
			return errors.Wrapf(err, "operation %d (%s)", i, kind)
		}

		w.opCounts[kind]++
		if inUse := w.core.Heap.Stats().InUseBytes; inUse > w.peakInUse {
			w.peakInUse = inUse
		}
	}

	return nil
}

func (w *workload) pick(i int) opKind {
	if w.opts.alignedEvery > 0 && i%w.opts.alignedEvery == w.opts.alignedEvery-1 {
		return opAligned
	}

	switch r := w.rng.Intn(100); {
	case r < 40 || len(w.live) == 0:
		return opAlloc
	case r < 50:
		return opCalloc
	case r < 65:
		return opRealloc
	default:
		return opFree
	}
}

func (w *workload) requestSize() uintptr {
	size := uintptr(w.rng.Intn(int(w.opts.maxSize))) + 1
	w.requestSizes = append(w.requestSizes, float64(size))
	return size
}

func (w *workload) alloc(kind opKind) error {
	var (
		size = w.requestSize()
		ptr  uintptr
		kerr *kernel.Error
	)

	switch kind {
	case opAligned:
		ptr, kerr = w.core.Heap.AllocAligned(size)
	case opCalloc:
		count := uintptr(w.rng.Intn(8)) + 1
		size = (size + count - 1) / count * count
		ptr, kerr = w.core.Heap.Calloc(count, size/count)
	default:
		ptr, kerr = w.core.Heap.Alloc(size)
	}

	if kerr != nil {
		return w.checkExhausted(kerr)
	}

	a := allocation{ptr: ptr, size: size, seed: byte(w.rng.Intn(256)), aligned: kind == opAligned}
	if err := w.checkPlacement(a, -1); err != nil {
		return err
	}

	got := make([]byte, size)
	if kerr = w.core.Memory.ReadAt(got, ptr); kerr != nil {
		return kerr
	}
	if !bytes.Equal(got, make([]byte, size)) {
		return errors.Errorf("allocation 0x%x is not zero-filled", ptr)
	}

	if kerr = w.core.Memory.WriteAt(a.pattern(), ptr); kerr != nil {
		return kerr
	}

	w.live = append(w.live, a)
	return nil
}

func (w *workload) realloc() error {
	var (
		index   = w.rng.Intn(len(w.live))
		old     = w.live[index]
		newSize = w.requestSize()
	)

	if err := w.verify(old); err != nil {
		return err
	}

	ptr, kerr := w.core.Heap.Realloc(old.ptr, newSize)
	if kerr != nil {
		return w.checkExhausted(kerr)
	}

	a := allocation{ptr: ptr, size: newSize, seed: old.seed, aligned: old.aligned}
	if err := w.checkPlacement(a, index); err != nil {
		return err
	}

	// The common prefix must survive the move
	kept := old
	kept.ptr = ptr
	if newSize < kept.size {
		kept.size = newSize
	}
	if err := w.verify(kept); err != nil {
		return errors.Wrap(err, "contents lost by realloc")
	}

	if kerr = w.core.Memory.WriteAt(a.pattern(), ptr); kerr != nil {
		return kerr
	}

	w.live[index] = a
	return nil
}

func (w *workload) free(index int) error {
	a := w.live[index]
	if err := w.verify(a); err != nil {
		return err
	}

	if kerr := w.core.Heap.Free(a.ptr); kerr != nil {
		return kerr
	}

	last := len(w.live) - 1
	w.live[index] = w.live[last]
	w.live = w.live[:last]
	return nil
}

// drain frees every live allocation and checks that the heap has released
// all of its pages.
func (w *workload) drain() error {
	for len(w.live) > 0 {
		if err := w.free(len(w.live) - 1); err != nil {
			return err
		}
	}

	if st := w.core.Heap.Stats(); st.Majors != 0 || st.InUseBytes != 0 {
		return errors.Errorf("heap still holds %d majors (%d bytes in use) after freeing everything", st.Majors, st.InUseBytes)
	}
	return nil
}

func (w *workload) verify(a allocation) error {
	got := make([]byte, a.size)
	if kerr := w.core.Memory.ReadAt(got, a.ptr); kerr != nil {
		return kerr
	}
	if !bytes.Equal(got, a.pattern()) {
		return errors.Errorf("contents of allocation 0x%x (%d bytes) were overwritten", a.ptr, a.size)
	}
	return nil
}

// checkPlacement validates the alignment of a and makes sure that it does
// not overlap any live allocation except the one at index skip.
func (w *workload) checkPlacement(a allocation, skip int) error {
	if a.ptr%16 != 0 {
		return errors.Errorf("pointer 0x%x is not 16-byte aligned", a.ptr)
	}
	if a.aligned && a.ptr&mm.PageMask != 0 {
		return errors.Errorf("pointer 0x%x is not page aligned", a.ptr)
	}

	for i, other := range w.live {
		if i != skip && a.ptr < other.ptr+other.size && other.ptr < a.ptr+a.size {
			return errors.Errorf("block [0x%x, 0x%x) overlaps [0x%x, 0x%x)", a.ptr, a.ptr+a.size, other.ptr, other.ptr+other.size)
		}
	}
	return nil
}

// checkExhausted tolerates exhaustion errors which the workload can recover
// from by freeing memory.
func (w *workload) checkExhausted(kerr *kernel.Error) error {
	if kerr.Kind != kernel.KindExhausted {
		return kerr
	}

	w.exhausted++
	if len(w.live) == 0 {
		return errors.Wrap(kerr, "heap exhausted with no live allocations")
	}
	return w.free(w.rng.Intn(len(w.live)))
}
