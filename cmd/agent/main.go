package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/clipmill/clipmill-agent/internal/api"
	"github.com/clipmill/clipmill-agent/internal/cloud"
	"github.com/clipmill/clipmill-agent/internal/config"
	"github.com/clipmill/clipmill-agent/internal/db"
	"github.com/clipmill/clipmill-agent/internal/library"
	"github.com/clipmill/clipmill-agent/internal/logging"
	"github.com/clipmill/clipmill-agent/internal/preview"
	"github.com/clipmill/clipmill-agent/internal/probe"
	"github.com/clipmill/clipmill-agent/internal/ui"
	"github.com/clipmill/clipmill-agent/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ExportsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create exports dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting clipmill agent", "version", config.Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := library.NewRepository(database.Conn())

	deviceID, err := ensureDeviceID(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                    CLIPMILL AGENT v0.1.0                  ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Device ID:  %-45s ║\n", deviceID[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	var prober probe.Prober
	if p, err := probe.NewProber(probe.Config{
		FFprobePath: cfg.FFprobePath(),
		Timeout:     cfg.FFprobeTimeout(),
		Logger:      logger,
	}); err != nil {
		logger.Warn("ffprobe unavailable, media inspection disabled", "error", err)
		prober = &probe.StubProber{Logger: logger}
	} else {
		prober = p
	}

	doctor := probe.NewCachedDoctor(prober, logger)
	initCtx, initCancel := context.WithTimeout(context.Background(), cfg.FFprobeTimeout())
	if caps, err := doctor.Refresh(initCtx); err != nil {
		logger.Warn("initial toolchain probe failed", "error", err)
	} else {
		logger.Info("toolchain probed", "ffprobe", caps.HasFFprobe, "path", caps.FFprobePath)
	}
	initCancel()

	librarySvc := library.NewService(repo, prober, cfg.ExportsDir(), logger)
	previewSvc := preview.NewServer(logger)
	events := library.NewEventBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := library.NewRunner(repo, prober, events, logger, library.RunnerOptions{
		Chunk:      cfg.ChunkDuration(),
		QueueDepth: cfg.WriterQueueDepth(),
	})
	go runner.Start(ctx)

	var cloudClient cloud.Client
	if cfg.CloudEnabled() && cfg.CloudBaseURL() != "" && cfg.CloudToken() != "" {
		httpClient := cloud.NewHTTPClient(cfg.CloudBaseURL(), cfg.CloudToken(), cfg.CloudOrgSlug(), logger)
		httpClient.SetDeviceID(deviceID)
		cloudClient = httpClient
		logger.Info("cloud sync enabled", "base_url", cfg.CloudBaseURL(), "org_slug", cfg.CloudOrgSlug())
	} else {
		cloudClient = cloud.NewStubClient(logger)
	}

	go func() {
		hostname, _ := os.Hostname()
		regCtx, regCancel := context.WithTimeout(ctx, 30*time.Second)
		defer regCancel()
		if err := cloudClient.RegisterDevice(regCtx, deviceID, hostname); err != nil {
			logger.Warn("cloud device registration failed", "error", err)
		}
	}()

	if cfg.CloudEnabled() {
		go uploadFinishedExports(ctx, events, repo, cloudClient, logger)
	}

	go watchSources(ctx, librarySvc, logger)

	apiServer := api.NewServer(api.ServerConfig{
		Port:       cfg.Port(),
		Library:    librarySvc,
		Repository: repo,
		Runner:     runner,
		Events:     events,
		Preview:    previewSvc,
		Doctor:     doctor,
		Logger:     logger,
		StartTime:  startTime,
		DeviceID:   deviceID,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Runner: runner,
			Events: events,
			Logger: logger,
			OnAddFolder: func() error {
				logger.Info("add folder requested from tray (file dialog not implemented in v0)")
				return nil
			},
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// uploadFinishedExports pushes each completed export to the cloud as
// its terminal event arrives. Failures are logged and the export stays
// available locally.
func uploadFinishedExports(ctx context.Context, events *library.EventBus, repo library.Repository, client cloud.Client, logger *slog.Logger) {
	ch, cancel := events.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Status != library.ExportStatusCompleted {
				continue
			}
			export, err := repo.GetExport(ctx, ev.ExportID)
			if err != nil || export == nil {
				continue
			}
			info, err := os.Stat(export.OutputPath)
			if err != nil {
				logger.Warn("completed export missing on disk, skipping upload", "export_id", export.ID)
				continue
			}
			if err := client.UploadExport(ctx, cloud.ExportUpload{
				ExportID:   export.ID,
				AssetID:    export.AssetID,
				Container:  export.Container,
				SizeBytes:  info.Size(),
				DurationMs: export.RangeDurationMs,
				FilePath:   export.OutputPath,
			}); err != nil {
				logger.Warn("cloud export upload failed", "export_id", export.ID, "error", err)
			}
		}
	}
}

// watchSources keeps an fsnotify watch on every library folder and
// rescans a source when video files under it change.
func watchSources(ctx context.Context, svc library.LibraryService, logger *slog.Logger) {
	w, err := watcher.NewFSWatcher(logger, 2*time.Second)
	if err != nil {
		logger.Warn("folder watcher unavailable", "error", err)
		return
	}
	defer w.Stop()

	var mu sync.Mutex
	watched := make(map[string]string) // source path -> source id

	w.OnChange(func(path string, event watcher.EventType) {
		if !library.IsVideoFile(path) {
			return
		}
		logger.Info("library change detected", "path", path, "event", event.String())

		mu.Lock()
		sourceID := ""
		for prefix, id := range watched {
			if strings.HasPrefix(path, prefix) {
				sourceID = id
				break
			}
		}
		mu.Unlock()

		if sourceID == "" {
			return
		}
		if _, err := svc.ScanSource(ctx, sourceID); err != nil {
			logger.Warn("rescan after change failed", "source_id", sourceID, "error", err)
		}
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		sources, err := svc.GetSources(ctx)
		if err == nil {
			for _, s := range sources {
				mu.Lock()
				_, ok := watched[s.Path]
				mu.Unlock()
				if ok {
					continue
				}
				if err := w.Watch(ctx, s.Path); err != nil {
					logger.Warn("failed to watch source", "path", s.Path, "error", err)
					continue
				}
				mu.Lock()
				watched[s.Path] = s.ID
				mu.Unlock()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func ensureDeviceID(repo library.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "device_id")
	if err == nil && existing != "" {
		return existing, nil
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", err
	}
	deviceID := hex.EncodeToString(idBytes)

	if err := repo.SetConfig(ctx, "device_id", deviceID); err != nil {
		return "", err
	}

	return deviceID, nil
}

func ensureAuthToken(repo library.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, "auth_token", token); err != nil {
		return "", err
	}

	return token, nil
}
