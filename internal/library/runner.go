package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clipmill/clipmill-agent/internal/exporter"
	"github.com/clipmill/clipmill-agent/internal/media"
	"github.com/clipmill/clipmill-agent/internal/probe"
)

// Runner drains the pending export queue one export at a time. The
// active export can be paused, resumed, or cancelled by ID; terminal
// outcomes are written back to the exports table and published on the
// event bus.
type Runner struct {
	repo         Repository
	prober       probe.Prober
	events       *EventBus
	logger       *slog.Logger
	pollInterval time.Duration
	chunk        time.Duration
	queueDepth   int
	running      atomic.Bool

	mu       sync.Mutex
	activeID string
	active   *exporter.Session
}

type RunnerOptions struct {
	PollInterval time.Duration
	Chunk        time.Duration
	QueueDepth   int
}

func NewRunner(repo Repository, prober probe.Prober, events *EventBus, logger *slog.Logger, opts RunnerOptions) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Chunk <= 0 {
		opts.Chunk = 200 * time.Millisecond
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 16
	}
	return &Runner{
		repo:         repo,
		prober:       prober,
		events:       events,
		logger:       logger,
		pollInterval: opts.PollInterval,
		chunk:        opts.Chunk,
		queueDepth:   opts.QueueDepth,
	}
}

func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("export runner started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("export runner stopping")
			r.running.Store(false)
			return
		case <-ticker.C:
			r.processNextExport(ctx)
		}
	}
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// ActiveExportID returns the ID of the export currently being driven,
// or "" when the runner is idle.
func (r *Runner) ActiveExportID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

func (r *Runner) processNextExport(ctx context.Context) {
	exports, err := r.repo.ListPendingExports(ctx)
	if err != nil {
		r.logger.Error("failed to list pending exports", "error", err)
		return
	}
	if len(exports) == 0 {
		return
	}

	exp := exports[0]
	log := r.logger.With("export_id", exp.ID)
	log.Info("processing export", "asset_id", exp.AssetID)

	asset, err := r.repo.GetAsset(ctx, exp.AssetID)
	if err != nil || asset == nil {
		r.failExport(ctx, exp.ID, "asset not found")
		return
	}

	info := asset.ProbeResult()
	if asset.ProbedAt == nil {
		probed, err := r.prober.Probe(ctx, asset.Path)
		if err != nil {
			r.failExport(ctx, exp.ID, fmt.Sprintf("probe failed: %v", err))
			return
		}
		if err := r.repo.UpdateAssetProbe(ctx, asset.ID, probed); err != nil {
			log.Warn("failed to persist probe result", "error", err)
		}
		info = probed
	}

	cfg := exporter.Configuration{
		Container: exporter.ContainerType(exp.Container),
		TimeRange: exporter.TimeRange{
			Start:    time.Duration(exp.RangeStartMs) * time.Millisecond,
			Duration: time.Duration(exp.RangeDurationMs) * time.Millisecond,
		},
	}

	sess, err := exporter.NewSession(exporter.SessionOptions{
		OpenReader: func() (exporter.AssetReader, error) {
			return media.NewFileReader(asset.Path, info, r.chunk)
		},
		OpenWriter: func(path string, container exporter.ContainerType) (exporter.ClipWriter, error) {
			return media.NewFileWriter(path, container, r.queueDepth)
		},
		Config:     cfg,
		OutputPath: exp.OutputPath,
		Logger:     log,
	})
	if err != nil {
		r.failExport(ctx, exp.ID, fmt.Sprintf("cannot open export: %v", err))
		return
	}

	r.mu.Lock()
	r.activeID = exp.ID
	r.active = sess
	r.mu.Unlock()

	r.repo.UpdateExportStatus(ctx, exp.ID, ExportStatusRunning, "")
	r.publish(ExportEvent{ExportID: exp.ID, Status: ExportStatusRunning})

	var lastPct atomic.Int64
	lastPct.Store(-1)
	done := make(chan error, 1)

	sess.Export(func(completed, total int64) {
		pct := int64(0)
		if total > 0 {
			pct = completed * 100 / total
		}
		if pct == lastPct.Swap(pct) {
			return
		}
		r.repo.UpdateExportProgress(context.Background(), exp.ID, int(pct))
		r.publish(ExportEvent{
			ExportID:    exp.ID,
			Status:      ExportStatusRunning,
			Progress:    int(pct),
			CompletedMs: completed,
			TotalMs:     total,
		})
	}, func(err error) { done <- err })

	var outcome error
	select {
	case outcome = <-done:
	case <-ctx.Done():
		// Agent shutdown. Cancel the in-flight session and wait for it
		// to settle before returning.
		r.cancelActive(exp.ID)
		outcome = <-done
	}

	r.mu.Lock()
	r.activeID = ""
	r.active = nil
	r.mu.Unlock()

	r.recordOutcome(exp.ID, outcome)
}

func (r *Runner) recordOutcome(exportID string, outcome error) {
	// Shutdown may have cancelled the request context; the outcome
	// still has to be durable.
	ctx := context.Background()

	switch {
	case outcome == nil:
		r.repo.UpdateExportProgress(ctx, exportID, 100)
		r.repo.UpdateExportStatus(ctx, exportID, ExportStatusCompleted, "")
		r.publish(ExportEvent{ExportID: exportID, Status: ExportStatusCompleted, Progress: 100})
		r.logger.Info("export completed", "export_id", exportID)
	case errors.Is(outcome, exporter.ErrCancelled):
		r.repo.UpdateExportStatus(ctx, exportID, ExportStatusCancelled, "")
		r.publish(ExportEvent{ExportID: exportID, Status: ExportStatusCancelled})
		r.logger.Info("export cancelled", "export_id", exportID)
	default:
		r.repo.UpdateExportStatus(ctx, exportID, ExportStatusFailed, outcome.Error())
		r.publish(ExportEvent{ExportID: exportID, Status: ExportStatusFailed, Error: outcome.Error()})
		r.logger.Error("export failed", "export_id", exportID, "error", outcome)
	}
}

// PauseExport pauses the active export. It is an error if the given
// export is not the one currently running.
func (r *Runner) PauseExport(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID != id || r.active == nil {
		return fmt.Errorf("export is not active")
	}
	if r.active.State() != exporter.StateExporting || r.active.Cancelled() {
		return fmt.Errorf("export cannot be paused in its current state")
	}
	r.active.Pause()
	r.repo.UpdateExportStatus(ctx, id, ExportStatusPaused, "")
	r.publish(ExportEvent{ExportID: id, Status: ExportStatusPaused})
	return nil
}

// ResumeExport resumes the active export after a pause.
func (r *Runner) ResumeExport(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID != id || r.active == nil {
		return fmt.Errorf("export is not active")
	}
	if r.active.State() != exporter.StatePaused || r.active.Cancelled() {
		return fmt.Errorf("export is not paused")
	}
	r.active.Resume()
	r.repo.UpdateExportStatus(ctx, id, ExportStatusRunning, "")
	r.publish(ExportEvent{ExportID: id, Status: ExportStatusRunning})
	return nil
}

// CancelExport cancels the export. A pending export is cancelled in
// place; the active one is cancelled through its session and settles on
// the runner goroutine.
func (r *Runner) CancelExport(ctx context.Context, id string) error {
	r.mu.Lock()
	if r.activeID == id && r.active != nil {
		sess := r.active
		r.mu.Unlock()
		if sess.Cancelled() {
			return nil
		}
		switch sess.State() {
		case exporter.StateExporting, exporter.StatePaused:
			sess.Cancel()
			return nil
		default:
			return fmt.Errorf("export cannot be cancelled in its current state")
		}
	}
	r.mu.Unlock()

	exp, err := r.repo.GetExport(ctx, id)
	if err != nil {
		return err
	}
	if exp == nil {
		return fmt.Errorf("export not found")
	}
	if exp.Status != ExportStatusPending {
		return fmt.Errorf("export cannot be cancelled in its current state")
	}
	if err := r.repo.UpdateExportStatus(ctx, id, ExportStatusCancelled, ""); err != nil {
		return err
	}
	r.publish(ExportEvent{ExportID: id, Status: ExportStatusCancelled})
	return nil
}

func (r *Runner) cancelActive(id string) {
	r.mu.Lock()
	sess := r.active
	r.mu.Unlock()
	if sess == nil || sess.Cancelled() {
		return
	}
	switch sess.State() {
	case exporter.StateExporting, exporter.StatePaused:
		sess.Cancel()
	}
}

func (r *Runner) failExport(ctx context.Context, id, msg string) {
	r.repo.UpdateExportStatus(ctx, id, ExportStatusFailed, msg)
	r.publish(ExportEvent{ExportID: id, Status: ExportStatusFailed, Error: msg})
	r.logger.Error("export failed", "export_id", id, "error", msg)
}

func (r *Runner) publish(ev ExportEvent) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}

