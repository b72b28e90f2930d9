package media

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/clipmill/clipmill-agent/internal/exporter"
)

// DefaultQueueDepth bounds the writer's buffer queue; sinks report not
// ready while the queue is full, which is the backpressure the pumps
// respond to.
const DefaultQueueDepth = 16

// FileWriter implements exporter.ClipWriter by appending pushed buffer
// payloads to the output file from a single drain goroutine.
type FileWriter struct {
	path      string
	container exporter.ContainerType

	mu       sync.Mutex
	status   exporter.Status
	err      error
	file     *os.File
	inputs   map[exporter.TrackKind]*fileSink
	metadata []exporter.MetadataItem
	optimize bool

	queue   chan *exporter.SampleBuffer
	stop    chan struct{}
	stopped sync.Once
	drained sync.WaitGroup
	started bool
}

// NewFileWriter creates (truncating) the output file.
func NewFileWriter(path string, container exporter.ContainerType, queueDepth int) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("cannot create output: %w", err)
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &FileWriter{
		path:      path,
		container: container,
		status:    exporter.StatusIdle,
		file:      f,
		inputs:    make(map[exporter.TrackKind]*fileSink),
		queue:     make(chan *exporter.SampleBuffer, queueDepth),
		stop:      make(chan struct{}),
	}, nil
}

func (w *FileWriter) AddInput(kind exporter.TrackKind, settings exporter.Settings, opts exporter.InputOptions) (exporter.EncoderSink, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != exporter.StatusIdle {
		return nil, fmt.Errorf("cannot add input after writing started")
	}
	if _, dup := w.inputs[kind]; dup {
		return nil, fmt.Errorf("%s input already attached", kind)
	}
	sink := &fileSink{
		writer:   w,
		kind:     kind,
		settings: settings,
		opts:     opts,
		readyCh:  make(chan struct{}, 1),
	}
	w.inputs[kind] = sink
	return sink, nil
}

func (w *FileWriter) SetMetadata(items []exporter.MetadataItem) {
	w.mu.Lock()
	w.metadata = items
	w.mu.Unlock()
}

func (w *FileWriter) SetOptimizeForNetworkUse(optimize bool) {
	w.mu.Lock()
	w.optimize = optimize
	w.mu.Unlock()
}

// Start launches the drain goroutine. The at parameter is the source
// time of the first expected sample; passthrough has nothing to seek.
func (w *FileWriter) Start(at time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != exporter.StatusIdle {
		return fmt.Errorf("writer already started")
	}
	if len(w.inputs) == 0 {
		return fmt.Errorf("no inputs attached")
	}
	w.status = exporter.StatusWriting
	w.started = true
	w.drained.Add(1)
	go w.drain()
	return nil
}

func (w *FileWriter) drain() {
	defer w.drained.Done()
	for {
		select {
		case <-w.stop:
			return
		case buf, ok := <-w.queue:
			if !ok {
				return
			}
			if _, err := w.file.Write(buf.Data); err != nil {
				w.fail(fmt.Errorf("write output: %w", err))
				return
			}
			w.signalAll()
		}
	}
}

// Finish flushes the queue and closes the file. It must only be called
// once all pumps have stopped pushing.
func (w *FileWriter) Finish(done func(error)) {
	go func() {
		w.mu.Lock()
		if w.status != exporter.StatusWriting {
			st := w.status
			w.mu.Unlock()
			done(fmt.Errorf("finish on %s writer", st))
			return
		}
		w.mu.Unlock()

		close(w.queue)
		w.drained.Wait()

		// A drain failure beats the flush.
		w.mu.Lock()
		if w.status == exporter.StatusFailed {
			err := w.err
			w.mu.Unlock()
			done(err)
			return
		}
		w.mu.Unlock()

		var err error
		if syncErr := w.file.Sync(); syncErr != nil {
			err = fmt.Errorf("sync output: %w", syncErr)
		}
		if closeErr := w.file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close output: %w", closeErr)
		}

		w.mu.Lock()
		if err != nil {
			w.status = exporter.StatusFailed
			w.err = err
		} else {
			w.status = exporter.StatusCompleted
		}
		w.mu.Unlock()
		done(err)
	}()
}

func (w *FileWriter) Status() exporter.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *FileWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *FileWriter) Cancel() {
	w.mu.Lock()
	if w.status == exporter.StatusCompleted || w.status == exporter.StatusCancelled {
		w.mu.Unlock()
		return
	}
	w.status = exporter.StatusCancelled
	started := w.started
	w.mu.Unlock()

	w.stopped.Do(func() { close(w.stop) })
	if started {
		w.drained.Wait()
	}
	w.file.Close()
	w.signalAll()
}

func (w *FileWriter) fail(err error) {
	w.mu.Lock()
	if w.status == exporter.StatusWriting {
		w.status = exporter.StatusFailed
		w.err = err
	}
	w.mu.Unlock()
	w.signalAll()
}

func (w *FileWriter) signalAll() {
	w.mu.Lock()
	sinks := make([]*fileSink, 0, len(w.inputs))
	for _, s := range w.inputs {
		sinks = append(sinks, s)
	}
	w.mu.Unlock()
	for _, s := range sinks {
		s.signal()
	}
}

// fileSink is one track's entry point into the shared writer queue.
type fileSink struct {
	writer   *FileWriter
	kind     exporter.TrackKind
	settings exporter.Settings
	opts     exporter.InputOptions

	mu       sync.Mutex
	finished bool

	readyCh chan struct{}
}

func (s *fileSink) Status() exporter.Status { return s.writer.Status() }
func (s *fileSink) Err() error              { return s.writer.Err() }

func (s *fileSink) ReadyForMoreData() bool {
	if s.writer.Status() != exporter.StatusWriting {
		return false
	}
	return len(s.writer.queue) < cap(s.writer.queue)
}

func (s *fileSink) Ready() <-chan struct{} { return s.readyCh }

func (s *fileSink) Push(buf *exporter.SampleBuffer) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if s.writer.Status() != exporter.StatusWriting {
		return false
	}
	select {
	case s.writer.queue <- buf:
		return true
	case <-s.writer.stop:
		return false
	}
}

func (s *fileSink) MarkFinished() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

func (s *fileSink) Cancel() { s.writer.Cancel() }

func (s *fileSink) signal() {
	select {
	case s.readyCh <- struct{}{}:
	default:
	}
}
