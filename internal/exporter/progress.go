package exporter

import (
	"sync/atomic"
	"time"
)

// progressTracker converts the video pump's latest presentation
// timestamp into a monotonic completed-unit count against a precomputed
// total. Units are milliseconds of export duration. observe is called
// from the video pump only; snapshot may be read from any goroutine.
type progressTracker struct {
	total      int64
	rangeStart time.Duration
	completed  atomic.Int64
	ping       chan struct{}
}

func newProgressTracker(total time.Duration, rangeStart time.Duration) *progressTracker {
	return &progressTracker{
		total:      total.Milliseconds(),
		rangeStart: rangeStart,
		ping:       make(chan struct{}, 1),
	}
}

// observe records the elapsed time implied by a buffer's timestamp.
// It never blocks: updates are coalesced and the dispatcher picks up
// the latest snapshot.
func (t *progressTracker) observe(pts time.Duration) {
	elapsed := (pts - t.rangeStart).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if t.total > 0 && elapsed > t.total {
		elapsed = t.total
	}
	for {
		cur := t.completed.Load()
		if elapsed <= cur {
			return
		}
		if t.completed.CompareAndSwap(cur, elapsed) {
			break
		}
	}
	select {
	case t.ping <- struct{}{}:
	default:
	}
}

func (t *progressTracker) snapshot() (completed, total int64) {
	return t.completed.Load(), t.total
}
