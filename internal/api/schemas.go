package api

import (
	"time"

	"github.com/clipmill/clipmill-agent/internal/library"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State          string             `json:"state"`
	LastError      string             `json:"last_error,omitempty"`
	SourcesCount   int                `json:"sources_count"`
	AssetsCount    int                `json:"assets_count"`
	ActiveExport   *ExportResponse    `json:"active_export,omitempty"`
	PendingExports int                `json:"pending_exports"`
	Toolchain      *ToolchainResponse `json:"toolchain,omitempty"`
}

type ToolchainResponse struct {
	HasFFprobe  bool   `json:"has_ffprobe"`
	FFprobePath string `json:"ffprobe_path,omitempty"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

type AddFolderRequest struct {
	Path string `json:"path"`
}

type AddFolderResponse struct {
	SourceID string `json:"source_id"`
}

type SourceResponse struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at"`
}

type SourcesResponse struct {
	Sources []SourceResponse `json:"sources"`
}

type ScanRequest struct {
	SourceID string `json:"source_id,omitempty"`
}

type ScanResponse struct {
	SourceID   string `json:"source_id"`
	FilesFound int    `json:"files_found"`
}

type AssetResponse struct {
	ID         string  `json:"id"`
	SourceID   string  `json:"source_id"`
	Path       string  `json:"path"`
	Size       int64   `json:"size"`
	Container  string  `json:"container,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	HasVideo   bool    `json:"has_video"`
	HasAudio   bool    `json:"has_audio"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Rotation   int     `json:"rotation,omitempty"`
	FrameRate  float64 `json:"frame_rate,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

type AssetsResponse struct {
	Assets []AssetResponse `json:"assets"`
}

type CreateExportRequest struct {
	AssetID         string `json:"asset_id"`
	Container       string `json:"container,omitempty"`
	RangeStartMs    int64  `json:"range_start_ms,omitempty"`
	RangeDurationMs int64  `json:"range_duration_ms,omitempty"`
}

type ExportResponse struct {
	ID              string `json:"id"`
	AssetID         string `json:"asset_id"`
	OutputPath      string `json:"output_path"`
	Container       string `json:"container"`
	RangeStartMs    int64  `json:"range_start_ms,omitempty"`
	RangeDurationMs int64  `json:"range_duration_ms,omitempty"`
	Status          string `json:"status"`
	Progress        int    `json:"progress"`
	Error           string `json:"error,omitempty"`
	CreatedAt       string `json:"created_at"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

type ExportsResponse struct {
	Exports []ExportResponse `json:"exports"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func SourceToResponse(s *library.Source) SourceResponse {
	return SourceResponse{
		ID:        s.ID,
		Path:      s.Path,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
	}
}

func AssetToResponse(a *library.Asset) AssetResponse {
	return AssetResponse{
		ID:         a.ID,
		SourceID:   a.SourceID,
		Path:       a.Path,
		Size:       a.Size,
		Container:  a.Container,
		DurationMs: a.DurationMs,
		HasVideo:   a.HasVideo,
		HasAudio:   a.HasAudio,
		Width:      a.Width,
		Height:     a.Height,
		Rotation:   a.Rotation,
		FrameRate:  a.FrameRate,
		CreatedAt:  a.CreatedAt.Format(time.RFC3339),
	}
}

func ExportToResponse(e *library.Export) ExportResponse {
	resp := ExportResponse{
		ID:              e.ID,
		AssetID:         e.AssetID,
		OutputPath:      e.OutputPath,
		Container:       e.Container,
		RangeStartMs:    e.RangeStartMs,
		RangeDurationMs: e.RangeDurationMs,
		Status:          e.Status,
		Progress:        e.Progress,
		Error:           e.Error,
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
	}
	if e.CompletedAt != nil {
		resp.CompletedAt = e.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
