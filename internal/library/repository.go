package library

import (
	"context"
	"database/sql"
	"time"

	"github.com/clipmill/clipmill-agent/internal/probe"
)

type Repository interface {
	CreateSource(ctx context.Context, source *Source) error
	GetSource(ctx context.Context, id string) (*Source, error)
	GetSourceByPath(ctx context.Context, path string) (*Source, error)
	ListSources(ctx context.Context) ([]*Source, error)
	DeleteSource(ctx context.Context, id string) error

	UpsertAsset(ctx context.Context, asset *Asset) error
	GetAsset(ctx context.Context, id string) (*Asset, error)
	GetAssetByPath(ctx context.Context, path string) (*Asset, error)
	ListAssets(ctx context.Context) ([]*Asset, error)
	ListAssetsBySource(ctx context.Context, sourceID string) ([]*Asset, error)
	DeleteAssetsBySource(ctx context.Context, sourceID string) error
	CountAssets(ctx context.Context) (int, error)
	UpdateAssetProbe(ctx context.Context, id string, result *probe.Result) error

	CreateExport(ctx context.Context, export *Export) error
	GetExport(ctx context.Context, id string) (*Export, error)
	ListExports(ctx context.Context, limit int) ([]*Export, error)
	ListPendingExports(ctx context.Context) ([]*Export, error)
	UpdateExportStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateExportProgress(ctx context.Context, id string, progress int) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) CreateSource(ctx context.Context, s *Source) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sources (id, path, created_at) VALUES (?, ?, ?)
	`, s.ID, s.Path, s.CreatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetSource(ctx context.Context, id string) (*Source, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, path, created_at FROM sources WHERE id = ?", id)
	return scanSource(row)
}

func (r *SQLiteRepository) GetSourceByPath(ctx context.Context, path string) (*Source, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, path, created_at FROM sources WHERE path = ?", path)
	return scanSource(row)
}

func scanSource(row *sql.Row) (*Source, error) {
	var s Source
	var createdAt string
	err := row.Scan(&s.ID, &s.Path, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &s, nil
}

func (r *SQLiteRepository) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, path, created_at FROM sources ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		var s Source
		var createdAt string
		if err := rows.Scan(&s.ID, &s.Path, &createdAt); err != nil {
			return nil, err
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		sources = append(sources, &s)
	}
	return sources, rows.Err()
}

func (r *SQLiteRepository) DeleteSource(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", id)
	return err
}

const assetColumns = `id, source_id, path, size, modified_at, container, duration_ms,
	has_video, has_audio, width, height, rotation, frame_rate,
	video_codec, audio_codec, probed_at, created_at, updated_at`

func (r *SQLiteRepository) UpsertAsset(ctx context.Context, a *Asset) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO assets (id, source_id, path, size, modified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			modified_at = excluded.modified_at,
			updated_at = excluded.updated_at
	`, a.ID, a.SourceID, a.Path, a.Size,
		a.ModifiedAt.Format(time.RFC3339),
		a.CreatedAt.Format(time.RFC3339),
		a.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetAsset(ctx context.Context, id string) (*Asset, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE id = ?", id)
	return scanAssetRow(row)
}

func (r *SQLiteRepository) GetAssetByPath(ctx context.Context, path string) (*Asset, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE path = ?", path)
	return scanAssetRow(row)
}

func scanAssetRow(row *sql.Row) (*Asset, error) {
	a, err := scanAsset(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func scanAsset(scan func(dest ...any) error) (*Asset, error) {
	var a Asset
	var hasVideo, hasAudio int
	var modifiedAt, createdAt, updatedAt string
	var probedAt sql.NullString

	err := scan(&a.ID, &a.SourceID, &a.Path, &a.Size, &modifiedAt, &a.Container,
		&a.DurationMs, &hasVideo, &hasAudio, &a.Width, &a.Height, &a.Rotation,
		&a.FrameRate, &a.VideoCodec, &a.AudioCodec, &probedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	a.HasVideo = hasVideo == 1
	a.HasAudio = hasAudio == 1
	a.ModifiedAt, _ = time.Parse(time.RFC3339, modifiedAt)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt = parseDBTime(updatedAt)
	if probedAt.Valid {
		t := parseDBTime(probedAt.String)
		if !t.IsZero() {
			a.ProbedAt = &t
		}
	}
	return &a, nil
}

func (r *SQLiteRepository) ListAssets(ctx context.Context) ([]*Asset, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+assetColumns+" FROM assets ORDER BY path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssets(rows)
}

func (r *SQLiteRepository) ListAssetsBySource(ctx context.Context, sourceID string) ([]*Asset, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE source_id = ? ORDER BY path", sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssets(rows)
}

func scanAssets(rows *sql.Rows) ([]*Asset, error) {
	var assets []*Asset
	for rows.Next() {
		a, err := scanAsset(rows.Scan)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (r *SQLiteRepository) DeleteAssetsBySource(ctx context.Context, sourceID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM assets WHERE source_id = ?", sourceID)
	return err
}

func (r *SQLiteRepository) CountAssets(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM assets").Scan(&count)
	return count, err
}

func (r *SQLiteRepository) UpdateAssetProbe(ctx context.Context, id string, result *probe.Result) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE assets SET
			container = ?, duration_ms = ?, has_video = ?, has_audio = ?,
			width = ?, height = ?, rotation = ?, frame_rate = ?,
			video_codec = ?, audio_codec = ?,
			probed_at = ?, updated_at = datetime('now')
		WHERE id = ?
	`, result.Container, result.Duration.Milliseconds(),
		boolToInt(result.HasVideo), boolToInt(result.HasAudio),
		result.Width, result.Height, result.Rotation, result.FrameRate,
		result.VideoCodec, result.AudioCodec,
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}

const exportColumns = `id, asset_id, output_path, container, range_start_ms, range_duration_ms,
	status, progress, error, created_at, updated_at, completed_at`

func (r *SQLiteRepository) CreateExport(ctx context.Context, e *Export) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exports (id, asset_id, output_path, container, range_start_ms, range_duration_ms,
			status, progress, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AssetID, e.OutputPath, e.Container, e.RangeStartMs, e.RangeDurationMs,
		e.Status, e.Progress, e.Error,
		e.CreatedAt.Format(time.RFC3339), e.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetExport(ctx context.Context, id string) (*Export, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+exportColumns+" FROM exports WHERE id = ?", id)
	e, err := scanExport(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanExport(scan func(dest ...any) error) (*Export, error) {
	var e Export
	var createdAt, updatedAt string
	var completedAt sql.NullString

	err := scan(&e.ID, &e.AssetID, &e.OutputPath, &e.Container,
		&e.RangeStartMs, &e.RangeDurationMs,
		&e.Status, &e.Progress, &e.Error, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt = parseDBTime(updatedAt)
	if completedAt.Valid {
		t := parseDBTime(completedAt.String)
		if !t.IsZero() {
			e.CompletedAt = &t
		}
	}
	return &e, nil
}

// parseDBTime accepts both RFC3339 stamps written by Go and the
// 'YYYY-MM-DD HH:MM:SS' form produced by sqlite's datetime('now').
func parseDBTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}

func (r *SQLiteRepository) ListExports(ctx context.Context, limit int) ([]*Export, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+exportColumns+" FROM exports ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExports(rows)
}

func (r *SQLiteRepository) ListPendingExports(ctx context.Context) ([]*Export, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+exportColumns+" FROM exports WHERE status = 'pending' ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExports(rows)
}

func scanExports(rows *sql.Rows) ([]*Export, error) {
	var exports []*Export
	for rows.Next() {
		e, err := scanExport(rows.Scan)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

func (r *SQLiteRepository) UpdateExportStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET status = ?, error = ?, updated_at = datetime('now'),
			completed_at = CASE WHEN ? IN ('completed', 'failed', 'cancelled')
				THEN datetime('now') ELSE completed_at END
		WHERE id = ?
	`, status, errorMsg, status, id)
	return err
}

func (r *SQLiteRepository) UpdateExportProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET progress = ?, updated_at = datetime('now') WHERE id = ?
	`, progress, id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
