// Package exporter drives one media export: it pulls timestamped sample
// buffers from a per-track decoder source and pushes them into a
// per-track encoder sink, with pause/resume, cooperative cancellation,
// progress reporting and exactly-once completion.
//
// The package owns only the orchestration. Demuxing, decoding, encoding
// and muxing live behind the AssetReader and ClipWriter interfaces; see
// internal/media for the passthrough implementation the agent ships.
package exporter

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// State is the session's lifecycle state. Transitions are monotonic
// except for the exporting/paused pair; StateCompleted is terminal.
type State int

const (
	StateIdle State = iota
	StateExporting
	StatePaused
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExporting:
		return "exporting"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// ProgressFunc receives (completed, total) export progress in
// milliseconds. It is advisory and is delivered on the session's
// dispatch goroutine; it must not block.
type ProgressFunc func(completed, total int64)

// CompletionFunc receives the terminal outcome of the export, exactly
// once, on the session's dispatch goroutine. A nil error means the
// output file was written and finalized successfully; any non-nil error
// means the partial output has already been deleted.
type CompletionFunc func(err error)

// SessionOptions wire up a new export session.
type SessionOptions struct {
	// OpenReader opens the source asset for reading.
	OpenReader func() (AssetReader, error)
	// OpenWriter opens the destination for writing in the given
	// container format.
	OpenWriter func(outputPath string, container ContainerType) (ClipWriter, error)

	Config     Configuration
	OutputPath string
	Logger     *slog.Logger
}

// Session orchestrates a single export attempt. It is created per
// attempt and is not reusable after reaching StateCompleted.
type Session struct {
	cfg        Configuration
	outputPath string
	logger     *slog.Logger

	reader AssetReader
	writer ClipWriter

	videoSource DecoderSource
	audioSource DecoderSource
	videoSink   EncoderSink
	audioSink   EncoderSink

	duration time.Duration // effective export duration

	gate     *pauseGate
	barrier  *completionBarrier
	progress *progressTracker // nil when the asset has no video track

	mu        sync.Mutex
	state     State
	cancelled bool

	wake     chan struct{}
	wakeOnce sync.Once

	onProgress ProgressFunc
	onDone     CompletionFunc
	doneCh     chan func()
}

// NewSession validates the configuration against the source asset and
// attaches one decoder source and one encoder sink per present track
// kind. On error no partially usable session is returned and the
// destination file has been removed.
func NewSession(opts SessionOptions) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	reader, err := opts.OpenReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotStartReading, err)
	}

	writer, err := opts.OpenWriter(opts.OutputPath, opts.Config.Container)
	if err != nil {
		reader.Cancel()
		return nil, fmt.Errorf("%w: %v", ErrCannotStartWriting, err)
	}

	s := &Session{
		cfg:        opts.Config,
		outputPath: opts.OutputPath,
		logger:     logger,
		reader:     reader,
		writer:     writer,
		gate:       newPauseGate(),
		state:      StateIdle,
		wake:       make(chan struct{}),
		doneCh:     make(chan func(), 1),
	}

	writer.SetOptimizeForNetworkUse(opts.Config.OptimizeForNetworkUse)
	if len(opts.Config.Metadata) > 0 {
		writer.SetMetadata(opts.Config.Metadata)
	}
	reader.SetTimeRange(opts.Config.TimeRange)

	s.duration = opts.Config.TimeRange.Duration
	if s.duration <= 0 {
		s.duration = reader.Duration() - opts.Config.TimeRange.Start
		if s.duration < 0 {
			s.duration = 0
		}
	}

	if err := s.attachVideo(); err != nil {
		s.abortConstruction()
		return nil, err
	}
	if err := s.attachAudio(); err != nil {
		s.abortConstruction()
		return nil, err
	}

	active := 0
	if s.videoSource != nil {
		active++
	}
	if s.audioSource != nil {
		active++
	}
	if active == 0 {
		s.abortConstruction()
		return nil, ErrNoTracks
	}
	s.barrier = newCompletionBarrier(active, s.finalize)

	logger.Info("export session created",
		"output", opts.OutputPath,
		"container", string(opts.Config.Container),
		"tracks", active,
		"duration_ms", s.duration.Milliseconds(),
	)
	return s, nil
}

func (s *Session) attachVideo() error {
	track := s.reader.Track(TrackVideo)
	if track == nil {
		return nil
	}

	outOpts := OutputOptions{}
	if s.cfg.Composition != nil {
		outOpts.Composition = s.cfg.Composition
	} else {
		outOpts.PixelFormat = PixelFormatYUV420
		if track.HasAlpha {
			outOpts.PixelFormat = PixelFormatBGRA
		}
	}

	source, err := s.reader.AddOutput(TrackVideo, outOpts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotAddVideoOutput, err)
	}

	settings := s.cfg.VideoSettings.clone()
	inOpts := InputOptions{}
	if track.Rotation != 0 && s.cfg.Composition == nil {
		// The samples stay un-rotated; carry the rotation as display
		// metadata and counter-rotate the configured dimensions so the
		// encoded intrinsic size matches the samples.
		inOpts.Rotation = track.Rotation
		if track.Rotation == 90 || track.Rotation == 270 {
			w, wok := settings.Int("width")
			h, hok := settings.Int("height")
			if wok && hok {
				settings["width"], settings["height"] = h, w
			}
		}
	}

	sink, err := s.writer.AddInput(TrackVideo, settings, inOpts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotAddVideoInput, err)
	}

	s.videoSource = source
	s.videoSink = sink
	s.progress = newProgressTracker(s.duration, s.cfg.TimeRange.Start)
	return nil
}

func (s *Session) attachAudio() error {
	track := s.reader.Track(TrackAudio)
	if track == nil {
		return nil
	}

	source, err := s.reader.AddOutput(TrackAudio, OutputOptions{Mix: s.cfg.AudioMix})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotAddAudioOutput, err)
	}

	sink, err := s.writer.AddInput(TrackAudio, s.cfg.AudioSettings, InputOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotAddAudioInput, err)
	}

	s.audioSource = source
	s.audioSink = sink
	return nil
}

func (s *Session) abortConstruction() {
	s.writer.Cancel()
	s.reader.Cancel()
	os.Remove(s.outputPath)
}

// Export starts the pumps. The completion callback fires exactly once;
// if the session is not idle, or cancellation was requested before the
// call, it fires with ErrInvalidStatus and nothing else happens.
func (s *Session) Export(onProgress ProgressFunc, onDone CompletionFunc) {
	s.mu.Lock()
	if s.state != StateIdle || s.cancelled {
		s.mu.Unlock()
		go onDone(ErrInvalidStatus)
		return
	}
	s.state = StateExporting
	s.onProgress = onProgress
	s.onDone = onDone
	s.mu.Unlock()

	go s.dispatchLoop()

	if err := s.reader.Start(); err != nil {
		s.logger.Error("reader failed to start", "error", err)
		s.writer.Cancel()
		s.finish(fmt.Errorf("%w: %v", ErrCannotStartReading, err))
		return
	}
	if err := s.writer.Start(s.cfg.TimeRange.Start); err != nil {
		s.logger.Error("writer failed to start", "error", err)
		s.reader.Cancel()
		s.finish(fmt.Errorf("%w: %v", ErrCannotStartWriting, err))
		return
	}

	s.logger.Info("export started")

	if s.videoSource != nil {
		pump := &trackPump{
			kind:    TrackVideo,
			source:  s.videoSource,
			sink:    s.videoSink,
			gate:    s.gate,
			barrier: s.barrier,
			wake:    s.wake,
			observe: s.progress.observe,
		}
		go pump.run()
	}
	if s.audioSource != nil {
		pump := &trackPump{
			kind:    TrackAudio,
			source:  s.audioSource,
			sink:    s.audioSink,
			gate:    s.gate,
			barrier: s.barrier,
			wake:    s.wake,
		}
		go pump.run()
	}
}

// Pause closes the pause gate. It must only be called while the session
// is exporting and not cancelled; anything else is caller misuse and
// panics, in the manner of the sync package.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateExporting || s.cancelled {
		panic("exporter: Pause called while session is not exporting")
	}
	s.state = StatePaused
	s.gate.close()
	s.logger.Info("export paused")
}

// Resume reopens the pause gate. It must only be called while paused
// and not cancelled.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused || s.cancelled {
		panic("exporter: Resume called while session is not paused")
	}
	s.state = StateExporting
	s.gate.open()
	s.logger.Info("export resumed")
}

// Cancel requests cooperative cancellation. It must only be called
// while exporting or paused, and not already cancelled. A paused
// session has its gate reopened so the pumps can observe the cancelled
// reader on their next status check; the outcome is ErrCancelled and
// the partial output is deleted.
func (s *Session) Cancel() {
	s.mu.Lock()
	if (s.state != StateExporting && s.state != StatePaused) || s.cancelled {
		s.mu.Unlock()
		panic("exporter: Cancel called while session is not exporting")
	}
	s.cancelled = true
	if s.state == StatePaused {
		s.state = StateExporting
		s.gate.open()
	}
	s.mu.Unlock()

	s.logger.Info("export cancellation requested")
	go func() {
		s.reader.Cancel()
		// Unpark pumps waiting on sink readiness only after the reader
		// reports cancelled, so the re-check terminates them.
		s.wakeOnce.Do(func() { close(s.wake) })
	}()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancelled reports whether cancellation has been requested.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Progress returns the latest (completed, total) milliseconds. Both are
// zero when the asset has no video track.
func (s *Session) Progress() (completed, total int64) {
	if s.progress == nil {
		return 0, 0
	}
	return s.progress.snapshot()
}

// finalize runs exactly once, on whichever pump goroutine arrives last
// at the completion barrier. It reconciles the reader and writer
// statuses into a single outcome.
func (s *Session) finalize() {
	rs := s.reader.Status()
	ws := s.writer.Status()

	switch {
	case rs == StatusCancelled || ws == StatusCancelled:
		if !s.Cancelled() {
			s.logger.Warn("reader/writer cancelled without a session cancel request",
				"reader_status", rs.String(), "writer_status", ws.String())
		}
		if ws != StatusCancelled {
			s.writer.Cancel()
		}
		if rs != StatusCancelled {
			s.reader.Cancel()
		}
		s.finish(ErrCancelled)

	case ws == StatusFailed:
		s.finish(ws.errOr(s.writer.Err()))

	case rs == StatusFailed:
		s.writer.Cancel()
		s.finish(rs.errOr(s.reader.Err()))

	default:
		s.writer.Finish(func(err error) {
			s.finish(err)
		})
	}
}

// errOr guards against implementations that report a failed status with
// a nil error.
func (st Status) errOr(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("exporter: %s with no error set", st)
}

// finish records the terminal outcome, deletes the partial output on
// any non-success path, and hands the completion callback to the
// dispatch goroutine. Runs at most once per session.
func (s *Session) finish(err error) {
	if err != nil {
		if rmErr := os.Remove(s.outputPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove partial output", "path", s.outputPath, "error", rmErr)
		}
	}

	s.mu.Lock()
	if s.state == StatePaused {
		// Both pumps terminated with the gate closed; reopen it so
		// nothing can stay blocked after teardown.
		s.gate.open()
	}
	s.state = StateCompleted
	done := s.onDone
	s.mu.Unlock()

	s.wakeOnce.Do(func() { close(s.wake) })

	if err != nil {
		s.logger.Info("export finished", "outcome", "error", "error", err)
	} else {
		s.logger.Info("export finished", "outcome", "success", "output", s.outputPath)
	}

	s.doneCh <- func() {
		if done != nil {
			done(err)
		}
	}
}

// dispatchLoop is the single designated callback context: progress and
// completion callbacks are only ever invoked from here, so callers need
// no synchronization of their own.
func (s *Session) dispatchLoop() {
	var ping chan struct{}
	if s.progress != nil {
		ping = s.progress.ping
	}

	for {
		select {
		case <-ping:
			if s.onProgress != nil {
				s.onProgress(s.progress.snapshot())
			}
		case fn := <-s.doneCh:
			// Deliver any progress observed before completion first.
			select {
			case <-ping:
				if s.onProgress != nil {
					s.onProgress(s.progress.snapshot())
				}
			default:
			}
			fn()
			return
		}
	}
}
