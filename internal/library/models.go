package library

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clipmill/clipmill-agent/internal/probe"
)

// Source is a watched media folder.
type Source struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Asset is a single media file discovered under a source, together with
// the probe metadata gathered for it. ProbedAt is nil until the first
// successful probe.
type Asset struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"source_id"`
	Path       string     `json:"path"`
	Size       int64      `json:"size"`
	ModifiedAt time.Time  `json:"modified_at"`
	Container  string     `json:"container,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	HasVideo   bool       `json:"has_video"`
	HasAudio   bool       `json:"has_audio"`
	Width      int        `json:"width,omitempty"`
	Height     int        `json:"height,omitempty"`
	Rotation   int        `json:"rotation,omitempty"`
	FrameRate  float64    `json:"frame_rate,omitempty"`
	VideoCodec string     `json:"video_codec,omitempty"`
	AudioCodec string     `json:"audio_codec,omitempty"`
	ProbedAt   *time.Time `json:"probed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ProbeResult reconstructs the probe view of the asset from its stored
// columns.
func (a *Asset) ProbeResult() *probe.Result {
	return &probe.Result{
		Container:  a.Container,
		Duration:   time.Duration(a.DurationMs) * time.Millisecond,
		HasVideo:   a.HasVideo,
		HasAudio:   a.HasAudio,
		Width:      a.Width,
		Height:     a.Height,
		Rotation:   a.Rotation,
		FrameRate:  a.FrameRate,
		VideoCodec: a.VideoCodec,
		AudioCodec: a.AudioCodec,
	}
}

const (
	ExportStatusPending   = "pending"
	ExportStatusRunning   = "running"
	ExportStatusPaused    = "paused"
	ExportStatusCompleted = "completed"
	ExportStatusFailed    = "failed"
	ExportStatusCancelled = "cancelled"
)

// Export is one queued or finished export of an asset.
type Export struct {
	ID              string     `json:"id"`
	AssetID         string     `json:"asset_id"`
	OutputPath      string     `json:"output_path"`
	Container       string     `json:"container"`
	RangeStartMs    int64      `json:"range_start_ms,omitempty"`
	RangeDurationMs int64      `json:"range_duration_ms,omitempty"`
	Status          string     `json:"status"`
	Progress        int        `json:"progress"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the export can no longer change status.
func (e *Export) Terminal() bool {
	switch e.Status {
	case ExportStatusCompleted, ExportStatusFailed, ExportStatusCancelled:
		return true
	}
	return false
}

var VideoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".mkv": true,
	".m4v": true,
}

func NewID() string {
	return uuid.NewString()
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}
