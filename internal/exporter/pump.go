package exporter

import "time"

// trackPump drains one decoder source into one encoder sink under
// sink-driven backpressure. It runs on its own goroutine, parking on
// the sink's readiness signal between bursts, and never decides the
// export outcome itself: it only stops, and finalize reconciles the
// reader/writer statuses afterwards.
type trackPump struct {
	kind    TrackKind
	source  DecoderSource
	sink    EncoderSink
	gate    *pauseGate
	barrier *completionBarrier

	// wake unparks the pump when cancellation makes the sink's own
	// readiness signal moot. Closed at most once.
	wake <-chan struct{}

	// observe is set on the video pump only; it forwards each buffer's
	// timestamp to the progress tracker before the push.
	observe func(pts time.Duration)
}

func (p *trackPump) run() {
	defer p.barrier.arrive()

	for {
		for p.sink.ReadyForMoreData() {
			if p.source.Status() != StatusReading || p.sink.Status() != StatusWriting {
				return
			}

			p.gate.wait()

			buf, ok := p.source.NextBuffer()
			if !ok {
				// Source exhausted. End-of-stream and failure look the
				// same here; the external statuses tell them apart.
				p.sink.MarkFinished()
				return
			}

			if p.observe != nil {
				p.observe(buf.PTS)
			}

			if !p.sink.Push(buf) {
				return
			}
		}

		if p.source.Status() != StatusReading || p.sink.Status() != StatusWriting {
			return
		}

		select {
		case <-p.sink.Ready():
		case <-p.wake:
		}
	}
}
