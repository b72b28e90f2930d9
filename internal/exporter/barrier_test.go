package exporter

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBarrierFinalizesOnceWithConcurrentArrivals(t *testing.T) {
	for i := 0; i < 100; i++ {
		var finalized atomic.Int32
		b := newCompletionBarrier(2, func() { finalized.Add(1) })

		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.arrive()
			}()
		}
		wg.Wait()

		if n := finalized.Load(); n != 1 {
			t.Fatalf("finalize ran %d times, want exactly once", n)
		}
	}
}

func TestBarrierSingleTrack(t *testing.T) {
	var finalized atomic.Int32
	b := newCompletionBarrier(1, func() { finalized.Add(1) })
	b.arrive()
	if finalized.Load() != 1 {
		t.Fatal("finalize did not run on sole arrival")
	}
}

func TestBarrierExtraArrivalPanics(t *testing.T) {
	b := newCompletionBarrier(1, func() {})
	b.arrive()
	defer func() {
		if recover() == nil {
			t.Fatal("arrival past zero did not panic")
		}
	}()
	b.arrive()
}
