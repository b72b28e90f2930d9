package exporter

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var (
	errSinkFailed   = errors.New("encoder choked")
	errReaderFailed = errors.New("demuxer choked")
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sessionHarness struct {
	reader *fakeReader
	writer *fakeWriter
	output string

	mu       sync.Mutex
	progress [][2]int64

	doneCh chan error
}

func newHarness(t *testing.T, reader *fakeReader) *sessionHarness {
	t.Helper()
	return &sessionHarness{
		reader: reader,
		writer: newFakeWriter(),
		output: filepath.Join(t.TempDir(), "out.mp4"),
		doneCh: make(chan error, 1),
	}
}

func (h *sessionHarness) build(t *testing.T, cfg Configuration) (*Session, error) {
	t.Helper()
	return NewSession(SessionOptions{
		OpenReader: func() (AssetReader, error) { return h.reader, nil },
		OpenWriter: func(path string, container ContainerType) (ClipWriter, error) {
			return h.writer.open(path, container)
		},
		Config:     cfg,
		OutputPath: h.output,
	})
}

func (h *sessionHarness) mustBuild(t *testing.T, cfg Configuration) *Session {
	t.Helper()
	s, err := h.build(t, cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func (h *sessionHarness) export(s *Session) {
	s.Export(h.onProgress, func(err error) { h.doneCh <- err })
}

func (h *sessionHarness) onProgress(completed, total int64) {
	h.mu.Lock()
	h.progress = append(h.progress, [2]int64{completed, total})
	h.mu.Unlock()
}

func (h *sessionHarness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.doneCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("export did not complete")
		return nil
	}
}

func (h *sessionHarness) progressSnapshots() [][2]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][2]int64, len(h.progress))
	copy(out, h.progress)
	return out
}

func (h *sessionHarness) outputExists() bool {
	_, err := os.Stat(h.output)
	return err == nil
}

func TestNewSessionNoTracks(t *testing.T) {
	h := newHarness(t, newFakeReader(10*time.Second))

	_, err := h.build(t, Configuration{Container: "mp4"})
	if !errors.Is(err, ErrNoTracks) {
		t.Fatalf("want ErrNoTracks, got %v", err)
	}
	if h.outputExists() {
		t.Error("output file left behind after failed construction")
	}
}

func TestNewSessionOpenReaderFailure(t *testing.T) {
	_, err := NewSession(SessionOptions{
		OpenReader: func() (AssetReader, error) { return nil, errors.New("no such asset") },
		OpenWriter: func(string, ContainerType) (ClipWriter, error) { return newFakeWriter(), nil },
	})
	if !errors.Is(err, ErrCannotStartReading) {
		t.Fatalf("want ErrCannotStartReading, got %v", err)
	}
}

func TestNewSessionAddOutputFailure(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second}, 10, time.Second)
	reader.addErr[TrackVideo] = errors.New("unsupported codec")
	h := newHarness(t, reader)

	_, err := h.build(t, Configuration{Container: "mp4"})
	if !errors.Is(err, ErrCannotAddVideoOutput) {
		t.Fatalf("want ErrCannotAddVideoOutput, got %v", err)
	}
	if h.outputExists() {
		t.Error("output file left behind after failed construction")
	}
}

func TestNewSessionAddAudioInputFailure(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackAudio, TrackInfo{Duration: 10 * time.Second}, 10, time.Second)
	h := newHarness(t, reader)
	h.writer.addErr[TrackAudio] = errors.New("unsupported settings")

	_, err := h.build(t, Configuration{Container: "mp4"})
	if !errors.Is(err, ErrCannotAddAudioInput) {
		t.Fatalf("want ErrCannotAddAudioInput, got %v", err)
	}
}

func TestExportSuccess(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second, Width: 1920, Height: 1080}, 100, 100*time.Millisecond)
	reader.addTrack(TrackAudio, TrackInfo{Duration: 10 * time.Second}, 50, 200*time.Millisecond)
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	if got := s.State(); got != StateIdle {
		t.Fatalf("state after construction = %v, want idle", got)
	}

	h.export(s)
	if err := h.waitDone(t); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if got := s.State(); got != StateCompleted {
		t.Errorf("state after completion = %v, want completed", got)
	}
	if !h.outputExists() {
		t.Fatal("output file missing after successful export")
	}
	data, err := os.ReadFile(h.output)
	if err != nil || len(data) == 0 {
		t.Errorf("output file empty after successful export (err=%v)", err)
	}

	snaps := h.progressSnapshots()
	if len(snaps) == 0 {
		t.Fatal("no progress reported")
	}
	var prev int64 = -1
	for _, p := range snaps {
		if p[1] != 10000 {
			t.Fatalf("total = %d, want 10000", p[1])
		}
		if p[0] < prev {
			t.Fatalf("progress went backwards: %d after %d", p[0], prev)
		}
		if p[0] > p[1] {
			t.Fatalf("progress %d exceeds total %d", p[0], p[1])
		}
		prev = p[0]
	}
	if last := snaps[len(snaps)-1][0]; last < 9000 {
		t.Errorf("final progress = %d, want near 10000", last)
	}

	if !h.writer.sinks[TrackVideo].isFinished() || !h.writer.sinks[TrackAudio].isFinished() {
		t.Error("sinks not marked finished on end of stream")
	}
}

func TestExportAudioOnly(t *testing.T) {
	reader := newFakeReader(5 * time.Second)
	reader.addTrack(TrackAudio, TrackInfo{Duration: 5 * time.Second}, 25, 200*time.Millisecond)
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "m4a"})
	h.export(s)
	if err := h.waitDone(t); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if len(h.progressSnapshots()) != 0 {
		t.Error("progress reported for audio-only export")
	}
	if c, total := s.Progress(); c != 0 || total != 0 {
		t.Errorf("Progress() = (%d, %d), want (0, 0)", c, total)
	}
	if !h.outputExists() {
		t.Error("output file missing")
	}
}

func TestExportCancel(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second}, 10, 100*time.Millisecond)
	reader.addTrack(TrackAudio, TrackInfo{Duration: 10 * time.Second}, 10, 100*time.Millisecond)
	reader.endless = true
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	h.export(s)

	waitFor(t, "pumping to start", func() bool {
		return h.writer.sinks[TrackVideo].pushCount() > 0
	})
	s.Cancel()

	err := h.waitDone(t)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
	if h.outputExists() {
		t.Error("output file left behind after cancellation")
	}
	if got := h.writer.Status(); got != StatusCancelled {
		t.Errorf("writer status = %v, want cancelled", got)
	}
	if got := s.State(); got != StateCompleted {
		t.Errorf("state = %v, want completed", got)
	}
}

func TestExportCancelWhileAwaitingReadiness(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second}, 10, 100*time.Millisecond)
	reader.endless = true
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	h.writer.sinks[TrackVideo].window = 2

	h.export(s)
	waitFor(t, "sink window to fill", func() bool {
		return h.writer.sinks[TrackVideo].pushCount() >= 2
	})

	// The pump is parked on sink readiness; cancellation must still
	// unblock and terminate it.
	s.Cancel()
	if err := h.waitDone(t); !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
}

func TestExportSinkFailure(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second}, 100, 100*time.Millisecond)
	reader.addTrack(TrackAudio, TrackInfo{Duration: 10 * time.Second}, 100, 100*time.Millisecond)
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	h.writer.sinks[TrackVideo].failOn = 3

	h.export(s)
	err := h.waitDone(t)
	if !errors.Is(err, errSinkFailed) {
		t.Fatalf("want sink error, got %v", err)
	}
	if h.outputExists() {
		t.Error("output file left behind after sink failure")
	}
}

func TestExportReaderFailure(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second}, 100, 100*time.Millisecond)
	permits := reader.meter(TrackVideo)
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	h.export(s)

	permits <- struct{}{}
	permits <- struct{}{}
	waitFor(t, "two pushes", func() bool {
		return h.writer.sinks[TrackVideo].pushCount() >= 2
	})

	reader.fail(errReaderFailed)
	permits <- struct{}{}

	err := h.waitDone(t)
	if !errors.Is(err, errReaderFailed) {
		t.Fatalf("want reader error, got %v", err)
	}
	if h.outputExists() {
		t.Error("output file left behind after reader failure")
	}
	if got := h.writer.Status(); got != StatusCancelled {
		t.Errorf("writer status = %v, want cancelled after reader failure", got)
	}
}

func TestExportFinishFailure(t *testing.T) {
	reader := newFakeReader(2 * time.Second)
	reader.addTrack(TrackAudio, TrackInfo{Duration: 2 * time.Second}, 10, 200*time.Millisecond)
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "m4a"})
	h.writer.finishErr = errors.New("moov atom write failed")

	h.export(s)
	err := h.waitDone(t)
	if !errors.Is(err, h.writer.finishErr) {
		t.Fatalf("want finish error, got %v", err)
	}
	if h.outputExists() {
		t.Error("output file left behind after finish failure")
	}
}

func TestExportPauseResume(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second}, 12, 100*time.Millisecond)
	permits := reader.meter(TrackVideo)
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	h.export(s)

	permits <- struct{}{}
	permits <- struct{}{}
	waitFor(t, "two pushes", func() bool {
		return h.writer.sinks[TrackVideo].pushCount() >= 2
	})

	// The pump is now blocked pulling buffer three. Pausing lets that
	// in-flight pull land but must stop the one after it.
	s.Pause()
	if got := s.State(); got != StatePaused {
		t.Fatalf("state = %v, want paused", got)
	}

	// 9 remaining pulls plus the end-of-stream probe also consume permits.
	for i := 0; i < 11; i++ {
		permits <- struct{}{}
	}
	waitFor(t, "in-flight pull to land", func() bool {
		return h.writer.sinks[TrackVideo].pushCount() == 3
	})
	time.Sleep(30 * time.Millisecond)
	if got := h.writer.sinks[TrackVideo].pushCount(); got != 3 {
		t.Fatalf("pushes advanced to %d while paused", got)
	}

	s.Resume()
	if err := h.waitDone(t); err != nil {
		t.Fatalf("export failed after resume: %v", err)
	}
	if got := h.writer.sinks[TrackVideo].pushCount(); got != 12 {
		t.Errorf("pushes = %d after resume, want 12", got)
	}
}

func TestExportCancelWhilePaused(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second}, 10, 100*time.Millisecond)
	reader.endless = true
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	h.export(s)

	waitFor(t, "pumping to start", func() bool {
		return h.writer.sinks[TrackVideo].pushCount() > 0
	})
	s.Pause()

	// Cancelling a paused session reopens the gate so the pumps can
	// observe the cancelled reader and terminate.
	s.Cancel()

	err := h.waitDone(t)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
	if h.outputExists() {
		t.Error("output file left behind after cancellation")
	}
}

func TestExportBackpressureOrdering(t *testing.T) {
	reader := newFakeReader(5 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 5 * time.Second}, 50, 100*time.Millisecond)
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	sink := h.writer.sinks[TrackVideo]
	sink.window = 4

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				sink.drain()
			}
		}
	}()

	h.export(s)
	err := h.waitDone(t)
	close(stop)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if got := sink.pushCount(); got != 50 {
		t.Fatalf("pushes = %d, want 50", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	var prev time.Duration = -1
	for _, buf := range sink.pushed {
		if buf.PTS <= prev {
			t.Fatalf("presentation order violated: %v after %v", buf.PTS, prev)
		}
		prev = buf.PTS
	}
}

func TestExportTwiceReportsInvalidStatus(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second}, 10, 100*time.Millisecond)
	reader.endless = true
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	h.export(s)

	second := make(chan error, 1)
	s.Export(nil, func(err error) { second <- err })
	select {
	case err := <-second:
		if !errors.Is(err, ErrInvalidStatus) {
			t.Fatalf("want ErrInvalidStatus, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second export never reported")
	}

	s.Cancel()
	if err := h.waitDone(t); !errors.Is(err, ErrCancelled) {
		t.Fatalf("first export: want ErrCancelled, got %v", err)
	}
}

func TestPauseOutsideExportingPanics(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second}, 10, time.Second)
	h := newHarness(t, reader)
	s := h.mustBuild(t, Configuration{Container: "mp4"})

	defer func() {
		if recover() == nil {
			t.Fatal("Pause on an idle session did not panic")
		}
	}()
	s.Pause()
}

func TestDoublePausePanics(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second}, 10, time.Second)
	reader.endless = true
	reader.meter(TrackVideo) // never granted: the pump stays blocked
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	h.export(s)
	s.Pause()

	defer func() {
		if recover() == nil {
			t.Fatal("second Pause did not panic")
		}
		s.Resume()
		s.Cancel()
	}()
	s.Pause()
}

func TestResumeWithoutPausePanics(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackAudio, TrackInfo{Duration: 10 * time.Second}, 10, time.Second)
	reader.endless = true
	reader.meter(TrackAudio)
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mp4"})
	h.export(s)

	defer func() {
		if recover() == nil {
			t.Fatal("Resume without Pause did not panic")
		}
		s.Cancel()
	}()
	s.Resume()
}

func TestVideoOrientationCounterRotation(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second, Width: 1080, Height: 1920, Rotation: 90}, 10, time.Second)
	h := newHarness(t, reader)

	h.mustBuild(t, Configuration{
		Container:     "mp4",
		VideoSettings: Settings{"width": 1080, "height": 1920},
	})

	sink := h.writer.sinks[TrackVideo]
	if got := sink.opts.Rotation; got != 90 {
		t.Errorf("sink rotation = %d, want 90", got)
	}
	w, _ := sink.settings.Int("width")
	hgt, _ := sink.settings.Int("height")
	if w != 1920 || hgt != 1080 {
		t.Errorf("settings = %dx%d, want counter-rotated 1920x1080", w, hgt)
	}
}

func TestVideoCompositionSkipsRotationHandling(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second, Rotation: 90, HasAlpha: true}, 10, time.Second)
	h := newHarness(t, reader)

	comp := &VideoComposition{Filters: []string{"scale=1280:720"}}
	h.mustBuild(t, Configuration{
		Container:     "mp4",
		VideoSettings: Settings{"width": 1280, "height": 720},
		Composition:   comp,
	})

	sink := h.writer.sinks[TrackVideo]
	if sink.opts.Rotation != 0 {
		t.Errorf("rotation carried despite composition: %d", sink.opts.Rotation)
	}
	w, _ := sink.settings.Int("width")
	if w != 1280 {
		t.Errorf("settings width = %d, want untouched 1280", w)
	}
}

func TestAlphaTrackSelectsBGRA(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 10 * time.Second, HasAlpha: true}, 10, time.Second)
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{Container: "mov"})
	src := s.videoSource.(*fakeSource)
	if got := src.opts.PixelFormat; got != PixelFormatBGRA {
		t.Errorf("pixel format = %v, want bgra for alpha track", got)
	}
}

func TestEffectiveDurationFromTimeRange(t *testing.T) {
	reader := newFakeReader(60 * time.Second)
	reader.addTrack(TrackVideo, TrackInfo{Duration: 60 * time.Second}, 10, time.Second)
	h := newHarness(t, reader)

	s := h.mustBuild(t, Configuration{
		Container: "mp4",
		TimeRange: TimeRange{Start: 10 * time.Second, Duration: 30 * time.Second},
	})
	if _, total := s.Progress(); total != 30000 {
		t.Errorf("total = %d, want 30000 from configured range", total)
	}

	h2 := newHarness(t, reader)
	s2 := h2.mustBuild(t, Configuration{
		Container: "mp4",
		TimeRange: TimeRange{Start: 10 * time.Second},
	})
	if _, total := s2.Progress(); total != 50000 {
		t.Errorf("total = %d, want 50000 (asset duration minus start)", total)
	}
}

func TestWriterReceivesContainerConfiguration(t *testing.T) {
	reader := newFakeReader(10 * time.Second)
	reader.addTrack(TrackAudio, TrackInfo{Duration: 10 * time.Second}, 10, time.Second)
	h := newHarness(t, reader)

	meta := []MetadataItem{{Key: "title", Value: "clip"}}
	h.mustBuild(t, Configuration{
		Container:             "mp4",
		Metadata:              meta,
		OptimizeForNetworkUse: true,
	})

	if !h.writer.optimize {
		t.Error("network optimization flag not forwarded")
	}
	if len(h.writer.metadata) != 1 || h.writer.metadata[0].Key != "title" {
		t.Errorf("metadata not forwarded: %+v", h.writer.metadata)
	}
	if h.writer.container != "mp4" {
		t.Errorf("container = %q, want mp4", h.writer.container)
	}
}
