package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clipmill/clipmill-agent/internal/probe"
)

// LibraryService is the surface the HTTP layer and tray talk to.
type LibraryService interface {
	AddFolder(ctx context.Context, path string) (*Source, error)
	RemoveSource(ctx context.Context, id string) error
	GetSources(ctx context.Context) ([]*Source, error)
	GetSource(ctx context.Context, id string) (*Source, error)
	GetAssets(ctx context.Context, sourceID string) ([]*Asset, error)
	GetAsset(ctx context.Context, id string) (*Asset, error)
	CountAssets(ctx context.Context) (int, error)
	ScanSource(ctx context.Context, sourceID string) (int, error)
	RequestExport(ctx context.Context, req ExportRequest) (*Export, error)
	GetExport(ctx context.Context, id string) (*Export, error)
	GetExports(ctx context.Context, limit int) ([]*Export, error)
}

// ExportRequest describes a new export to queue.
type ExportRequest struct {
	AssetID         string `json:"asset_id"`
	Container       string `json:"container,omitempty"`
	RangeStartMs    int64  `json:"range_start_ms,omitempty"`
	RangeDurationMs int64  `json:"range_duration_ms,omitempty"`
}

type Service struct {
	repo       Repository
	prober     probe.Prober
	exportsDir string
	logger     *slog.Logger
}

func NewService(repo Repository, prober probe.Prober, exportsDir string, logger *slog.Logger) *Service {
	return &Service{repo: repo, prober: prober, exportsDir: exportsDir, logger: logger}
}

func (s *Service) AddFolder(ctx context.Context, path string) (*Source, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory")
	}

	existing, err := s.repo.GetSourceByPath(ctx, absPath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	source := &Source{
		ID:        NewID(),
		Path:      absPath,
		CreatedAt: time.Now(),
	}
	if err := s.repo.CreateSource(ctx, source); err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Info("folder added", "source_id", source.ID, "path", absPath)
	}
	return source, nil
}

func (s *Service) RemoveSource(ctx context.Context, id string) error {
	if err := s.repo.DeleteAssetsBySource(ctx, id); err != nil {
		return err
	}
	return s.repo.DeleteSource(ctx, id)
}

func (s *Service) GetSources(ctx context.Context) ([]*Source, error) {
	return s.repo.ListSources(ctx)
}

func (s *Service) GetSource(ctx context.Context, id string) (*Source, error) {
	return s.repo.GetSource(ctx, id)
}

func (s *Service) GetAssets(ctx context.Context, sourceID string) ([]*Asset, error) {
	if sourceID == "" {
		return s.repo.ListAssets(ctx)
	}
	return s.repo.ListAssetsBySource(ctx, sourceID)
}

func (s *Service) GetAsset(ctx context.Context, id string) (*Asset, error) {
	return s.repo.GetAsset(ctx, id)
}

func (s *Service) CountAssets(ctx context.Context) (int, error) {
	return s.repo.CountAssets(ctx)
}

// ScanSource walks the source folder, upserts every video file found
// and probes new or changed assets. It returns the number of files
// seen. Hidden directories are skipped.
func (s *Service) ScanSource(ctx context.Context, sourceID string) (int, error) {
	source, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if source == nil {
		return 0, fmt.Errorf("source not found")
	}

	var files []string
	err = filepath.WalkDir(source.Path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if !d.IsDir() && IsVideoFile(d.Name()) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.logger != nil {
		s.logger.Info("scan found video files", "source_id", sourceID, "count", len(files))
	}

	for _, filePath := range files {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		if err := s.processFile(ctx, sourceID, filePath); err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to process file", "path", filePath, "error", err)
			}
		}
	}
	return len(files), nil
}

func (s *Service) processFile(ctx context.Context, sourceID, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	existing, err := s.repo.GetAssetByPath(ctx, path)
	if err != nil {
		return err
	}

	now := time.Now()
	asset := &Asset{
		ID:         NewID(),
		SourceID:   sourceID,
		Path:       path,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.UpsertAsset(ctx, asset); err != nil {
		return err
	}

	// Re-probe only new files and files whose size or mtime moved.
	if existing != nil && existing.ProbedAt != nil &&
		existing.Size == info.Size() && existing.ModifiedAt.Equal(info.ModTime()) {
		return nil
	}

	id := asset.ID
	if existing != nil {
		id = existing.ID
	}
	result, err := s.prober.Probe(ctx, path)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	return s.repo.UpdateAssetProbe(ctx, id, result)
}

// RequestExport validates the asset and queues a pending export. The
// output file lands in the exports directory under the export's ID.
func (s *Service) RequestExport(ctx context.Context, req ExportRequest) (*Export, error) {
	asset, err := s.repo.GetAsset(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, fmt.Errorf("asset not found")
	}

	container := req.Container
	if container == "" {
		container = "mp4"
	}
	if req.RangeStartMs < 0 || req.RangeDurationMs < 0 {
		return nil, fmt.Errorf("invalid time range")
	}

	now := time.Now()
	export := &Export{
		ID:              NewID(),
		AssetID:         asset.ID,
		Container:       container,
		RangeStartMs:    req.RangeStartMs,
		RangeDurationMs: req.RangeDurationMs,
		Status:          ExportStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	export.OutputPath = filepath.Join(s.exportsDir, export.ID+"."+container)

	if err := s.repo.CreateExport(ctx, export); err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Info("export queued", "export_id", export.ID, "asset_id", asset.ID)
	}
	return export, nil
}

func (s *Service) GetExport(ctx context.Context, id string) (*Export, error) {
	return s.repo.GetExport(ctx, id)
}

func (s *Service) GetExports(ctx context.Context, limit int) ([]*Export, error) {
	return s.repo.ListExports(ctx, limit)
}
