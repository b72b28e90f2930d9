package exporter

import "time"

// TrackKind distinguishes the two track kinds a session can pump.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// Status is the externally observable state of a reader, writer, or one
// of their per-track outputs/inputs. Readers report StatusReading while
// active, writers report StatusWriting.
type Status int

const (
	StatusIdle Status = iota
	StatusReading
	StatusWriting
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusReading:
		return "reading"
	case StatusWriting:
		return "writing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// PixelFormat selects the decode output pixel format when no
// composition is configured.
type PixelFormat string

const (
	PixelFormatYUV420 PixelFormat = "420v"
	PixelFormatBGRA   PixelFormat = "bgra"
)

// TrackInfo describes one source track as reported by the reader.
type TrackInfo struct {
	Kind     TrackKind
	Duration time.Duration
	Width    int
	Height   int
	Rotation int // display rotation in degrees clockwise: 0, 90, 180 or 270
	HasAlpha bool
}

// SampleBuffer is one timestamped unit of media data: a video frame or
// an audio chunk. It is owned by the source until handed to a sink.
type SampleBuffer struct {
	Track    TrackKind
	PTS      time.Duration
	Duration time.Duration
	Data     []byte
}

// OutputOptions configure a per-track decoder source on the reader.
type OutputOptions struct {
	Composition *VideoComposition
	Mix         *AudioMix
	PixelFormat PixelFormat
}

// InputOptions configure a per-track encoder sink on the writer.
type InputOptions struct {
	// Rotation is carried as display metadata so players re-rotate the
	// encoded, un-rotated samples on playback.
	Rotation int
}

// DecoderSource yields ordered sample buffers for one track.
type DecoderSource interface {
	// Status reflects the owning reader's state.
	Status() Status
	// Err is set iff Status is StatusFailed.
	Err() error
	// NextBuffer returns the next buffer in presentation order, or
	// ok=false when the track is exhausted or the reader stopped.
	NextBuffer() (buf *SampleBuffer, ok bool)
	Cancel()
}

// EncoderSink consumes ordered sample buffers for one track.
//
// Implementations must signal Ready whenever readiness may have changed,
// including when the writer transitions to a terminal status, so a
// parked pump is always unblocked.
type EncoderSink interface {
	// Status reflects the owning writer's state.
	Status() Status
	// Err is set iff Status is StatusFailed.
	Err() error
	ReadyForMoreData() bool
	Ready() <-chan struct{}
	// Push appends a buffer; false means the writer rejected it.
	Push(buf *SampleBuffer) bool
	// MarkFinished tells the writer no more buffers will arrive on this
	// track.
	MarkFinished()
	Cancel()
}

// AssetReader is the container demux side of an export: it owns the
// source asset and hands out one DecoderSource per requested track.
type AssetReader interface {
	Duration() time.Duration
	// Track returns track information for the given kind, or nil if the
	// asset has no such track.
	Track(kind TrackKind) *TrackInfo
	SetTimeRange(r TimeRange)
	AddOutput(kind TrackKind, opts OutputOptions) (DecoderSource, error)
	Start() error
	Status() Status
	Err() error
	Cancel()
}

// ClipWriter is the container mux side of an export: it owns the
// destination file and hands out one EncoderSink per requested track.
type ClipWriter interface {
	AddInput(kind TrackKind, settings Settings, opts InputOptions) (EncoderSink, error)
	SetMetadata(items []MetadataItem)
	SetOptimizeForNetworkUse(optimize bool)
	// Start opens the output session at the given source time.
	Start(at time.Duration) error
	// Finish flushes and closes the output asynchronously; done is
	// called exactly once with the flush result.
	Finish(done func(error))
	Status() Status
	Err() error
	Cancel()
}
