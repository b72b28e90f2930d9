// Package media implements passthrough container access for the
// exporter: a FileReader chunks a probed source file into timestamped
// sample buffers per track, and a FileWriter reassembles pushed buffers
// into the output file behind a bounded queue, which is what gives the
// pumps real backpressure. No decoding or encoding happens here.
package media

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/clipmill/clipmill-agent/internal/exporter"
	"github.com/clipmill/clipmill-agent/internal/probe"
)

// DefaultChunkDuration is the sample buffer duration used when the
// caller does not override it.
const DefaultChunkDuration = 200 * time.Millisecond

// audioByteShare is the fraction of the file's bytes attributed to the
// audio track when both tracks are present. Passthrough has no real
// stream map, so the split is nominal.
const audioByteShare = 0.2

// FileReader implements exporter.AssetReader over one probed local file.
type FileReader struct {
	path  string
	info  *probe.Result
	chunk time.Duration

	file *os.File
	size int64

	mu        sync.Mutex
	status    exporter.Status
	err       error
	timeRange exporter.TimeRange
	outputs   map[exporter.TrackKind]*fileSource
}

// NewFileReader opens the source file. The probe result supplies the
// track layout the reader exposes.
func NewFileReader(path string, info *probe.Result, chunk time.Duration) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open source: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cannot stat source: %w", err)
	}
	if chunk <= 0 {
		chunk = DefaultChunkDuration
	}
	return &FileReader{
		path:    path,
		info:    info,
		chunk:   chunk,
		file:    f,
		size:    st.Size(),
		status:  exporter.StatusIdle,
		outputs: make(map[exporter.TrackKind]*fileSource),
	}, nil
}

func (r *FileReader) Duration() time.Duration { return r.info.Duration }

func (r *FileReader) Track(kind exporter.TrackKind) *exporter.TrackInfo {
	switch kind {
	case exporter.TrackVideo:
		if !r.info.HasVideo {
			return nil
		}
		return &exporter.TrackInfo{
			Kind:     exporter.TrackVideo,
			Duration: r.info.Duration,
			Width:    r.info.Width,
			Height:   r.info.Height,
			Rotation: r.info.Rotation,
			HasAlpha: r.info.HasAlpha,
		}
	case exporter.TrackAudio:
		if !r.info.HasAudio {
			return nil
		}
		return &exporter.TrackInfo{Kind: exporter.TrackAudio, Duration: r.info.Duration}
	}
	return nil
}

func (r *FileReader) SetTimeRange(tr exporter.TimeRange) {
	r.mu.Lock()
	r.timeRange = tr
	r.mu.Unlock()
}

func (r *FileReader) AddOutput(kind exporter.TrackKind, opts exporter.OutputOptions) (exporter.DecoderSource, error) {
	if r.Track(kind) == nil {
		return nil, fmt.Errorf("asset has no %s track", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != exporter.StatusIdle {
		return nil, fmt.Errorf("cannot add output after reading started")
	}
	if _, dup := r.outputs[kind]; dup {
		return nil, fmt.Errorf("%s output already attached", kind)
	}
	src := &fileSource{reader: r, kind: kind, opts: opts}
	r.outputs[kind] = src
	return src, nil
}

// Start computes each output's byte region from the time range and
// begins vending buffers.
func (r *FileReader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != exporter.StatusIdle {
		return fmt.Errorf("reader already started")
	}
	if len(r.outputs) == 0 {
		return fmt.Errorf("no outputs attached")
	}

	total := r.info.Duration
	start := r.timeRange.Start
	if start < 0 || start > total {
		return fmt.Errorf("time range start %v outside asset duration %v", start, total)
	}
	dur := r.timeRange.Duration
	if dur <= 0 || start+dur > total {
		dur = total - start
	}

	// Byte regions are proportional slices of the file. Video and
	// audio split the window when both are exported.
	videoBytes, audioBytes := r.size, r.size
	if _, hasV := r.outputs[exporter.TrackVideo]; hasV {
		if _, hasA := r.outputs[exporter.TrackAudio]; hasA {
			audioBytes = int64(float64(r.size) * audioByteShare)
			videoBytes = r.size - audioBytes
		}
	}

	for kind, src := range r.outputs {
		regionLen := videoBytes
		regionBase := int64(0)
		if kind == exporter.TrackAudio {
			if _, hasV := r.outputs[exporter.TrackVideo]; hasV {
				regionLen = audioBytes
				regionBase = videoBytes
			}
		}
		src.init(regionBase, regionLen, total, start, dur, r.chunk)
	}

	r.status = exporter.StatusReading
	return nil
}

func (r *FileReader) Status() exporter.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *FileReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *FileReader) Cancel() {
	r.mu.Lock()
	if r.status == exporter.StatusCompleted || r.status == exporter.StatusCancelled {
		r.mu.Unlock()
		return
	}
	r.status = exporter.StatusCancelled
	r.mu.Unlock()
	r.file.Close()
}

func (r *FileReader) fail(err error) {
	r.mu.Lock()
	if r.status == exporter.StatusReading {
		r.status = exporter.StatusFailed
		r.err = err
	}
	r.mu.Unlock()
}

// outputDone marks one output exhausted; the reader completes when all
// attached outputs are done.
func (r *FileReader) outputDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != exporter.StatusReading {
		return
	}
	for _, src := range r.outputs {
		if !src.done {
			return
		}
	}
	r.status = exporter.StatusCompleted
	r.file.Close()
}

// fileSource vends one track's byte region as fixed-duration chunks.
type fileSource struct {
	reader *FileReader
	kind   exporter.TrackKind
	opts   exporter.OutputOptions

	mu        sync.Mutex
	offset    int64 // next read position, absolute in file
	end       int64 // region end, absolute
	chunkSize int64
	next      int // next chunk index
	ptsBase   time.Duration
	chunk     time.Duration
	done      bool
}

// init maps the selected time window onto the track's byte region.
func (s *fileSource) init(regionBase, regionLen int64, total, start, dur time.Duration, chunk time.Duration) {
	s.chunk = chunk
	s.ptsBase = start

	if total <= 0 || regionLen <= 0 || dur <= 0 {
		s.done = true
		return
	}

	startByte := regionBase + int64(float64(regionLen)*float64(start)/float64(total))
	windowBytes := int64(float64(regionLen) * float64(dur) / float64(total))
	chunks := int64(dur / chunk)
	if dur%chunk != 0 {
		chunks++
	}
	if chunks < 1 {
		chunks = 1
	}
	s.offset = startByte
	s.end = startByte + windowBytes
	s.chunkSize = windowBytes / chunks
	if s.chunkSize < 1 {
		s.chunkSize = 1
	}
}

func (s *fileSource) Status() exporter.Status { return s.reader.Status() }
func (s *fileSource) Err() error              { return s.reader.Err() }
func (s *fileSource) Cancel()                 { s.reader.Cancel() }

func (s *fileSource) NextBuffer() (*exporter.SampleBuffer, bool) {
	if s.reader.Status() != exporter.StatusReading {
		return nil, false
	}

	s.mu.Lock()
	if s.done || s.offset >= s.end {
		s.done = true
		s.mu.Unlock()
		s.reader.outputDone()
		return nil, false
	}

	n := s.chunkSize
	if s.offset+n > s.end {
		n = s.end - s.offset
	}
	buf := make([]byte, n)
	read, err := s.reader.file.ReadAt(buf, s.offset)
	if err != nil && err != io.EOF {
		s.mu.Unlock()
		s.reader.fail(fmt.Errorf("read source: %w", err))
		return nil, false
	}
	buf = buf[:read]
	pts := s.ptsBase + time.Duration(s.next)*s.chunk
	s.offset += int64(read)
	s.next++
	if read == 0 {
		s.done = true
		s.mu.Unlock()
		s.reader.outputDone()
		return nil, false
	}
	s.mu.Unlock()

	return &exporter.SampleBuffer{
		Track:    s.kind,
		PTS:      pts,
		Duration: s.chunk,
		Data:     buf,
	}, true
}
