package cloud

import (
	"context"
	"log/slog"
)

// Client talks to the ClipMill SaaS. The agent works fully offline;
// cloud calls are best-effort extras layered on top of local exports.
type Client interface {
	RegisterDevice(ctx context.Context, deviceID, hostname string) error
	UploadExport(ctx context.Context, upload ExportUpload) error
}

// ExportUpload describes one finished export file to push to the cloud.
type ExportUpload struct {
	ExportID   string `json:"export_id"`
	AssetID    string `json:"asset_id"`
	Container  string `json:"container"`
	SizeBytes  int64  `json:"size_bytes"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	FilePath   string `json:"-"`
}

// StubClient is used when no cloud endpoint is configured.
type StubClient struct {
	logger *slog.Logger
}

func NewStubClient(logger *slog.Logger) *StubClient {
	return &StubClient{logger: logger}
}

func (c *StubClient) RegisterDevice(ctx context.Context, deviceID, hostname string) error {
	c.logger.Info("cloud stub: device registration requested", "device_id", deviceID)
	return nil
}

func (c *StubClient) UploadExport(ctx context.Context, upload ExportUpload) error {
	c.logger.Info("cloud stub: export upload requested", "export_id", upload.ExportID)
	return nil
}
