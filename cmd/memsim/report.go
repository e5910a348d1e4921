package main

import (
	"github.com/aclements/go-moremath/stats"
	"golang.org/x/exp/slog"

	"kmemcore/kernel/mm/heap"
	"kmemcore/kernel/mm/pmm"
)

// report summarizes a workload run.
type report struct {
	ops       [len(opNames)]int
	exhausted int
	live      int
	peakInUse uint64

	requests  stats.Sample
	majorFree stats.Sample

	heap   heap.Stats
	frames pmm.Stats

	tlbFlushes uint64
	tlbReloads uint64

	// mappedAfterDrain is the number of heap pages that stayed mapped
	// after every allocation was freed.
	mappedAfterDrain uint32
}

func (w *workload) report() *report {
	r := &report{
		ops:       w.opCounts,
		exhausted: w.exhausted,
		live:      len(w.live),
		peakInUse: w.peakInUse,
		requests:  stats.Sample{Xs: w.requestSizes},
		heap:      w.core.Heap.Stats(),
		frames:    w.core.Frames.Stats(),
	}

	w.core.Heap.VisitMajors(func(info heap.MajorInfo) bool {
		r.majorFree.Xs = append(r.majorFree.Xs, float64(info.Free()))
		return true
	})

	r.tlbFlushes, r.tlbReloads, _ = w.core.CPU.TLBStats()
	return r
}

func (r *report) totalOps() int {
	total := 0
	for _, count := range r.ops {
		total += count
	}
	return total
}

func (r *report) log(logger *slog.Logger) {
	opAttrs := make([]any, 0, len(opNames))
	for kind, count := range r.ops {
		opAttrs = append(opAttrs, slog.Int(opNames[kind], count))
	}

	logger.Info("workload complete",
		"ops", r.totalOps(),
		slog.Group("breakdown", opAttrs...),
		"exhausted", r.exhausted,
		"live", r.live,
		"peak_in_use", r.peakInUse,
	)

	if len(r.requests.Xs) != 0 {
		minSize, maxSize := r.requests.Bounds()
		logger.Info("request sizes",
			"count", len(r.requests.Xs),
			"mean", r.requests.Mean(),
			"stddev", r.requests.StdDev(),
			"p50", r.requests.Quantile(0.5),
			"p95", r.requests.Quantile(0.95),
			"min", minSize,
			"max", maxSize,
		)
	}

	logger.Info("heap",
		"majors", r.heap.Majors,
		"minors", r.heap.Minors,
		"allocated", r.heap.AllocatedBytes,
		"in_use", r.heap.InUseBytes,
		"warnings", r.heap.Warnings,
		"errors", r.heap.Errors,
		"possible_overruns", r.heap.PossibleOverruns,
	)

	if len(r.majorFree.Xs) != 0 {
		minFree, maxFree := r.majorFree.Bounds()
		logger.Info("free space per major",
			"mean", r.majorFree.Mean(),
			"min", minFree,
			"max", maxFree,
		)
	}

	logger.Info("frames",
		"total", r.frames.TotalFrames,
		"reserved", r.frames.ReservedFrames,
		"used", r.frames.UsedFrames,
		"free", r.frames.FreeFrames,
		"tlb_flushes", r.tlbFlushes,
		"tlb_reloads", r.tlbReloads,
	)

	if r.mappedAfterDrain != 0 {
		logger.Warn("heap pages still mapped after drain", "pages", r.mappedAfterDrain)
	}
}
