package exporter

import "sync/atomic"

// completionBarrier counts track pump terminations. The pump whose
// arrival brings the count to zero runs the finalize function; the
// atomic decrement guarantees a single winner even when both pumps
// terminate concurrently.
type completionBarrier struct {
	remaining atomic.Int32
	finalize  func()
}

func newCompletionBarrier(count int, finalize func()) *completionBarrier {
	b := &completionBarrier{finalize: finalize}
	b.remaining.Store(int32(count))
	return b
}

func (b *completionBarrier) arrive() {
	if n := b.remaining.Add(-1); n == 0 {
		b.finalize()
	} else if n < 0 {
		panic("exporter: completion barrier arrival after finalize")
	}
}
