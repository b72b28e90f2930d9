package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clipmill/clipmill-agent/internal/db"
	"github.com/clipmill/clipmill-agent/internal/probe"
)

func setupTestDB(t *testing.T) (*db.DB, Repository) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := db.New(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return database, NewRepository(database.Conn())
}

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	stub := &probe.StubProber{Result: &probe.Result{
		Container: "mp4",
		Duration:  2 * time.Second,
		HasVideo:  true,
		Width:     1280,
		Height:    720,
	}}
	return NewService(repo, stub, t.TempDir(), nil)
}

func TestService_AddFolder(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := newTestService(t, repo)

	tmpDir := t.TempDir()
	source, err := svc.AddFolder(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("AddFolder() error = %v", err)
	}

	if source.ID == "" {
		t.Error("source.ID is empty")
	}
	if source.Path != tmpDir {
		t.Errorf("source.Path = %s, want %s", source.Path, tmpDir)
	}

	// Adding the same folder again returns the existing source.
	again, err := svc.AddFolder(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("repeat AddFolder() error = %v", err)
	}
	if again.ID != source.ID {
		t.Errorf("repeat AddFolder returned new source %s, want %s", again.ID, source.ID)
	}
}

func TestService_AddFolder_InvalidPath(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := newTestService(t, repo)

	if _, err := svc.AddFolder(context.Background(), "/nonexistent/path"); err == nil {
		t.Error("AddFolder() should return error for nonexistent path")
	}
}

func TestService_AddFolder_NotDirectory(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := newTestService(t, repo)

	tmpFile := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(tmpFile, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.AddFolder(context.Background(), tmpFile); err == nil {
		t.Error("AddFolder() should return error for file path")
	}
}

func TestService_ScanSource(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := newTestService(t, repo)
	ctx := context.Background()

	tmpDir := t.TempDir()
	testVideo := filepath.Join(tmpDir, "clip.mp4")
	if err := os.WriteFile(testVideo, []byte("fake video content"), 0644); err != nil {
		t.Fatal(err)
	}

	source, err := svc.AddFolder(ctx, tmpDir)
	if err != nil {
		t.Fatalf("AddFolder() error = %v", err)
	}

	count, err := svc.ScanSource(ctx, source.ID)
	if err != nil {
		t.Fatalf("ScanSource() error = %v", err)
	}
	if count != 1 {
		t.Errorf("scan count = %d, want 1", count)
	}

	assets, err := svc.GetAssets(ctx, source.ID)
	if err != nil {
		t.Fatalf("GetAssets() error = %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("found %d assets, want 1", len(assets))
	}

	a := assets[0]
	if a.Path != testVideo {
		t.Errorf("asset.Path = %s, want %s", a.Path, testVideo)
	}
	if a.ProbedAt == nil {
		t.Error("asset not probed during scan")
	}
	if !a.HasVideo || a.Width != 1280 {
		t.Errorf("probe metadata not persisted: %+v", a)
	}
}

func TestService_ScanSource_Rescan(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := newTestService(t, repo)
	ctx := context.Background()

	tmpDir := t.TempDir()
	os.WriteFile(filepath.Join(tmpDir, "clip.mp4"), []byte("content"), 0644)

	source, _ := svc.AddFolder(ctx, tmpDir)
	if _, err := svc.ScanSource(ctx, source.ID); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if _, err := svc.ScanSource(ctx, source.ID); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	assets, _ := svc.GetAssets(ctx, source.ID)
	if len(assets) != 1 {
		t.Errorf("rescan duplicated assets: %d rows", len(assets))
	}
}

func TestService_ScanSource_SkipsHiddenDirs(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := newTestService(t, repo)
	ctx := context.Background()

	tmpDir := t.TempDir()
	os.WriteFile(filepath.Join(tmpDir, "visible.mp4"), []byte("visible"), 0644)
	hiddenDir := filepath.Join(tmpDir, ".hidden")
	os.Mkdir(hiddenDir, 0755)
	os.WriteFile(filepath.Join(hiddenDir, "hidden.mp4"), []byte("hidden"), 0644)

	source, _ := svc.AddFolder(ctx, tmpDir)
	svc.ScanSource(ctx, source.ID)

	assets, _ := svc.GetAssets(ctx, source.ID)
	if len(assets) != 1 {
		t.Errorf("found %d assets, want 1 (should skip hidden)", len(assets))
	}
}

func TestService_RequestExport(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := newTestService(t, repo)
	ctx := context.Background()

	tmpDir := t.TempDir()
	os.WriteFile(filepath.Join(tmpDir, "clip.mp4"), []byte("content"), 0644)
	source, _ := svc.AddFolder(ctx, tmpDir)
	svc.ScanSource(ctx, source.ID)
	assets, _ := svc.GetAssets(ctx, source.ID)

	export, err := svc.RequestExport(ctx, ExportRequest{AssetID: assets[0].ID})
	if err != nil {
		t.Fatalf("RequestExport() error = %v", err)
	}

	if export.Status != ExportStatusPending {
		t.Errorf("export.Status = %s, want pending", export.Status)
	}
	if export.Container != "mp4" {
		t.Errorf("export.Container = %s, want mp4 default", export.Container)
	}
	if filepath.Ext(export.OutputPath) != ".mp4" {
		t.Errorf("export.OutputPath = %s, want .mp4 suffix", export.OutputPath)
	}

	pending, err := repo.ListPendingExports(ctx)
	if err != nil {
		t.Fatalf("ListPendingExports() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != export.ID {
		t.Errorf("pending queue = %+v, want the new export", pending)
	}
}

func TestService_RequestExport_UnknownAsset(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := newTestService(t, repo)

	if _, err := svc.RequestExport(context.Background(), ExportRequest{AssetID: "nope"}); err == nil {
		t.Error("RequestExport() should fail for unknown asset")
	}
}

func TestService_RequestExport_InvalidRange(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := newTestService(t, repo)
	ctx := context.Background()

	tmpDir := t.TempDir()
	os.WriteFile(filepath.Join(tmpDir, "clip.mp4"), []byte("content"), 0644)
	source, _ := svc.AddFolder(ctx, tmpDir)
	svc.ScanSource(ctx, source.ID)
	assets, _ := svc.GetAssets(ctx, source.ID)

	_, err := svc.RequestExport(ctx, ExportRequest{AssetID: assets[0].ID, RangeStartMs: -1})
	if err == nil {
		t.Error("RequestExport() should reject negative range start")
	}
}

func TestIsVideoFile(t *testing.T) {
	tests := []struct {
		filename string
		want     bool
	}{
		{"video.mp4", true},
		{"video.MP4", true},
		{"video.mov", true},
		{"video.mkv", true},
		{"video.m4v", true},
		{"video.avi", false},
		{"document.pdf", false},
		{"noextension", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			if got := IsVideoFile(tt.filename); got != tt.want {
				t.Errorf("IsVideoFile(%s) = %v, want %v", tt.filename, got, tt.want)
			}
		})
	}
}
