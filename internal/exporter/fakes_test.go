package exporter

import (
	"os"
	"sync"
	"time"
)

// fakeReader implements AssetReader for tests. Track buffers are laid
// out ahead of time; NextBuffer pulls can optionally be metered through
// a permit channel to make pause/cancel timing deterministic.
type fakeReader struct {
	mu       sync.Mutex
	status   Status
	err      error
	duration time.Duration
	tracks   map[TrackKind]*TrackInfo
	buffers  map[TrackKind][]*SampleBuffer
	permits  map[TrackKind]chan struct{}

	timeRange TimeRange
	addErr    map[TrackKind]error
	startErr  error
	endless   bool // never run out of buffers
}

func newFakeReader(duration time.Duration) *fakeReader {
	return &fakeReader{
		status:   StatusIdle,
		duration: duration,
		tracks:   make(map[TrackKind]*TrackInfo),
		buffers:  make(map[TrackKind][]*SampleBuffer),
		permits:  make(map[TrackKind]chan struct{}),
		addErr:   make(map[TrackKind]error),
	}
}

// addTrack registers a track with count buffers of step duration each.
func (r *fakeReader) addTrack(kind TrackKind, info TrackInfo, count int, step time.Duration) {
	info.Kind = kind
	r.tracks[kind] = &info
	bufs := make([]*SampleBuffer, count)
	for i := range bufs {
		bufs[i] = &SampleBuffer{
			Track:    kind,
			PTS:      time.Duration(i) * step,
			Duration: step,
			Data:     []byte{byte(i)},
		}
	}
	r.buffers[kind] = bufs
}

func (r *fakeReader) Duration() time.Duration { return r.duration }

func (r *fakeReader) Track(kind TrackKind) *TrackInfo {
	return r.tracks[kind]
}

func (r *fakeReader) SetTimeRange(tr TimeRange) { r.timeRange = tr }

func (r *fakeReader) AddOutput(kind TrackKind, opts OutputOptions) (DecoderSource, error) {
	if err := r.addErr[kind]; err != nil {
		return nil, err
	}
	return &fakeSource{reader: r, kind: kind, opts: opts}, nil
}

func (r *fakeReader) Start() error {
	if r.startErr != nil {
		return r.startErr
	}
	r.setStatus(StatusReading, nil)
	return nil
}

func (r *fakeReader) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *fakeReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *fakeReader) Cancel() {
	r.setStatus(StatusCancelled, nil)
}

func (r *fakeReader) fail(err error) {
	r.setStatus(StatusFailed, err)
}

func (r *fakeReader) setStatus(s Status, err error) {
	r.mu.Lock()
	r.status = s
	if err != nil {
		r.err = err
	}
	r.mu.Unlock()
}

// meter installs a permit channel for the track: every NextBuffer call
// consumes one permit before returning.
func (r *fakeReader) meter(kind TrackKind) chan struct{} {
	ch := make(chan struct{}, 1024)
	r.permits[kind] = ch
	return ch
}

type fakeSource struct {
	reader *fakeReader
	kind   TrackKind
	opts   OutputOptions
	mu     sync.Mutex
	next   int
}

func (s *fakeSource) Status() Status { return s.reader.Status() }
func (s *fakeSource) Err() error     { return s.reader.Err() }
func (s *fakeSource) Cancel()        { s.reader.Cancel() }

func (s *fakeSource) NextBuffer() (*SampleBuffer, bool) {
	if permits := s.reader.permits[s.kind]; permits != nil {
		<-permits
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bufs := s.reader.buffers[s.kind]
	if s.next >= len(bufs) {
		if !s.reader.endless {
			return nil, false
		}
		step := bufs[0].Duration
		buf := &SampleBuffer{
			Track:    s.kind,
			PTS:      time.Duration(s.next) * step,
			Duration: step,
			Data:     []byte{byte(s.next)},
		}
		s.next++
		return buf, true
	}
	buf := bufs[s.next]
	s.next++
	return buf, true
}

// pulled reports how many buffers have been handed out.
func (s *fakeSource) pulled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// fakeWriter implements ClipWriter for tests. It creates the output
// file on open, appends pushed payloads on Finish, and leaves file
// removal entirely to the session so deletion behavior is observable.
type fakeWriter struct {
	mu         sync.Mutex
	status     Status
	err        error
	outputPath string
	container  ContainerType
	sinks      map[TrackKind]*fakeSink
	metadata   []MetadataItem
	optimize   bool

	addErr    map[TrackKind]error
	startErr  error
	finishErr error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		status: StatusIdle,
		sinks:  make(map[TrackKind]*fakeSink),
		addErr: make(map[TrackKind]error),
	}
}

func (w *fakeWriter) open(outputPath string, container ContainerType) (*fakeWriter, error) {
	if err := os.WriteFile(outputPath, nil, 0o644); err != nil {
		return nil, err
	}
	w.outputPath = outputPath
	w.container = container
	return w, nil
}

func (w *fakeWriter) AddInput(kind TrackKind, settings Settings, opts InputOptions) (EncoderSink, error) {
	if err := w.addErr[kind]; err != nil {
		return nil, err
	}
	sink := &fakeSink{
		writer:   w,
		kind:     kind,
		settings: settings,
		opts:     opts,
		window:   -1,
		readyCh:  make(chan struct{}, 1),
	}
	w.sinks[kind] = sink
	return sink, nil
}

func (w *fakeWriter) SetMetadata(items []MetadataItem) { w.metadata = items }
func (w *fakeWriter) SetOptimizeForNetworkUse(op bool) { w.optimize = op }

func (w *fakeWriter) Start(at time.Duration) error {
	if w.startErr != nil {
		return w.startErr
	}
	w.setStatus(StatusWriting, nil)
	return nil
}

func (w *fakeWriter) Finish(done func(error)) {
	if w.finishErr != nil {
		w.setStatus(StatusFailed, w.finishErr)
		done(w.finishErr)
		return
	}
	var payload []byte
	w.mu.Lock()
	for _, sink := range w.sinks {
		for _, buf := range sink.pushed {
			payload = append(payload, buf.Data...)
		}
	}
	path := w.outputPath
	w.mu.Unlock()
	os.WriteFile(path, payload, 0o644)
	w.setStatus(StatusCompleted, nil)
	done(nil)
}

func (w *fakeWriter) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *fakeWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *fakeWriter) Cancel() {
	w.setStatus(StatusCancelled, nil)
	w.signalAll()
}

func (w *fakeWriter) fail(err error) {
	w.setStatus(StatusFailed, err)
	w.signalAll()
}

func (w *fakeWriter) setStatus(s Status, err error) {
	w.mu.Lock()
	w.status = s
	if err != nil {
		w.err = err
	}
	w.mu.Unlock()
}

func (w *fakeWriter) signalAll() {
	w.mu.Lock()
	sinks := make([]*fakeSink, 0, len(w.sinks))
	for _, s := range w.sinks {
		sinks = append(sinks, s)
	}
	w.mu.Unlock()
	for _, s := range sinks {
		s.signal()
	}
}

// fakeSink consumes buffers. window < 0 means always ready; otherwise
// the sink is ready while fewer than window buffers are queued, and
// drain() empties the queue and re-signals readiness.
type fakeSink struct {
	writer   *fakeWriter
	kind     TrackKind
	settings Settings
	opts     InputOptions

	mu       sync.Mutex
	pushed   []*SampleBuffer
	queued   int
	window   int
	finished bool
	failOn   int // fail the writer when this many buffers were pushed (0 = never)

	readyCh chan struct{}
}

func (s *fakeSink) Status() Status { return s.writer.Status() }
func (s *fakeSink) Err() error     { return s.writer.Err() }

func (s *fakeSink) ReadyForMoreData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window < 0 {
		return true
	}
	return s.queued < s.window
}

func (s *fakeSink) Ready() <-chan struct{} { return s.readyCh }

func (s *fakeSink) Push(buf *SampleBuffer) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.pushed = append(s.pushed, buf)
	s.queued++
	n := len(s.pushed)
	failOn := s.failOn
	s.mu.Unlock()

	if failOn > 0 && n >= failOn {
		s.writer.fail(errSinkFailed)
		return false
	}
	return true
}

func (s *fakeSink) MarkFinished() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

func (s *fakeSink) Cancel() { s.writer.Cancel() }

// drain empties the bounded queue, making the sink ready again.
func (s *fakeSink) drain() {
	s.mu.Lock()
	s.queued = 0
	s.mu.Unlock()
	s.signal()
}

func (s *fakeSink) signal() {
	select {
	case s.readyCh <- struct{}{}:
	default:
	}
}

func (s *fakeSink) pushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushed)
}

func (s *fakeSink) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
