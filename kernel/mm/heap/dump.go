package heap

import (
	"io"

	"kmemcore/kernel/kfmt"
)

// MajorInfo describes a major block for reporting purposes.
type MajorInfo struct {
	Addr   uintptr
	Pages  uint32
	Size   uintptr
	Usage  uintptr
	Minors int
}

// Free returns the number of bytes in the block that are not used by headers
// or allocations. The free bytes may be fragmented.
func (m MajorInfo) Free() uintptr {
	return m.Size - m.Usage
}

// VisitMajors invokes visitor for each major block in list order. Visiting
// stops when visitor returns false. The visitor must not call back into the
// heap.
func (a *Allocator) VisitMajors(visitor func(MajorInfo) bool) {
	a.mutex.Acquire()
	defer a.mutex.Release()

	for maj := a.root; maj != none; maj = a.majors[maj].next {
		if !visitor(a.majorInfo(maj)) {
			return
		}
	}
}

// Dump writes a description of every major block and its allocations to w.
func (a *Allocator) Dump(w io.Writer) {
	a.mutex.Acquire()
	defer a.mutex.Release()

	kfmt.Fprintf(w, "heap: %d majors, %d allocations, %d/%d bytes in use\n",
		a.stats.Majors, a.stats.Minors, a.stats.InUseBytes, a.stats.AllocatedBytes,
	)

	for maj := a.root; maj != none; maj = a.majors[maj].next {
		info := a.majorInfo(maj)
		bestBet := ""
		if maj == a.bestBet {
			bestBet = " (best bet)"
		}

		kfmt.Fprintf(w, "  major 0x%x: pages %d, usage %d/%d, free %d%s\n",
			info.Addr, info.Pages, info.Usage, info.Size, info.Free(), bestBet,
		)

		for cur := a.majors[maj].first; cur != none; cur = a.minors[cur].next {
			rec := a.minors[cur]
			kfmt.Fprintf(w, "    minor 0x%x: ptr 0x%x, size %d, requested %d\n",
				rec.addr, alignedPayload(rec.addr), rec.size, rec.reqSize,
			)
		}
	}
}

func (a *Allocator) majorInfo(maj int32) MajorInfo {
	rec := a.majors[maj]
	info := MajorInfo{
		Addr:  rec.addr,
		Pages: rec.pages,
		Size:  rec.size,
		Usage: rec.usage,
	}

	for cur := rec.first; cur != none; cur = a.minors[cur].next {
		info.Minors++
	}

	return info
}
