package sync

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	// Count yields to make sure spinning tasks give up the CPU
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	var yields uint32
	yieldFn = func() {
		atomic.AddUint32(&yields, 1)
		runtime.Gosched()
	}

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if atomic.LoadUint32(&yields) == 0 {
		t.Error("expected spinning workers to yield while the lock was held")
	}

	if !sl.TryToAcquire() {
		t.Error("expected TryToAcquire to return true when lock is free")
	}
	sl.Release()
}
