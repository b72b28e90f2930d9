package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/clipmill/clipmill-agent/internal/library"
)

// Tray is the agent's menu bar presence: a status line fed by export
// events, a pause/resume toggle for the active export, and quit.
type Tray struct {
	runner *library.Runner
	events *library.EventBus
	logger *slog.Logger

	statusItem  *systray.MenuItem
	sourcesItem *systray.MenuItem
	pauseItem   *systray.MenuItem

	mu     sync.Mutex
	paused bool

	unsubscribe func()
	onAddFolder func() error
	onQuit      func()
}

type TrayConfig struct {
	Runner      *library.Runner
	Events      *library.EventBus
	Logger      *slog.Logger
	OnAddFolder func() error
	OnQuit      func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		runner:      cfg.Runner,
		events:      cfg.Events,
		logger:      cfg.Logger,
		onAddFolder: cfg.OnAddFolder,
		onQuit:      cfg.OnQuit,
	}
}

// Run blocks until the tray exits. Must be called from the main
// goroutine on platforms that require it.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("ClipMill")
	systray.SetTooltip("ClipMill Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current agent status")
	t.statusItem.Disable()

	t.sourcesItem = systray.AddMenuItem("Sources: 0", "Watched folders")
	t.sourcesItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause Export", "Pause the active export")

	addFolderItem := systray.AddMenuItem("Add Folder...", "Add a folder to the library")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit ClipMill Agent")

	if t.events != nil {
		events, cancel := t.events.Subscribe()
		t.unsubscribe = cancel
		go func() {
			for ev := range events {
				t.handleEvent(ev)
			}
		}()
	}

	go func() {
		for {
			select {
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-addFolderItem.ClickedCh:
				t.handleAddFolder()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	t.logger.Info("system tray exiting")
}

func (t *Tray) handleEvent(ev library.ExportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Status {
	case library.ExportStatusRunning:
		t.paused = false
		t.statusItem.SetTitle(fmt.Sprintf("Status: Exporting %d%%", ev.Progress))
		t.pauseItem.SetTitle("Pause Export")
	case library.ExportStatusPaused:
		t.paused = true
		t.statusItem.SetTitle("Status: Export Paused")
		t.pauseItem.SetTitle("Resume Export")
	case library.ExportStatusCompleted, library.ExportStatusFailed, library.ExportStatusCancelled:
		t.paused = false
		t.statusItem.SetTitle("Status: Idle")
		t.pauseItem.SetTitle("Pause Export")
	}
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	paused := t.paused
	t.mu.Unlock()

	if t.runner == nil {
		return
	}
	id := t.runner.ActiveExportID()
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if paused {
		err = t.runner.ResumeExport(ctx, id)
	} else {
		err = t.runner.PauseExport(ctx, id)
	}
	if err != nil {
		t.logger.Warn("tray pause toggle failed", "export_id", id, "error", err)
	}
}

func (t *Tray) handleAddFolder() {
	if t.onAddFolder != nil {
		if err := t.onAddFolder(); err != nil {
			t.logger.Error("failed to add folder", "error", err)
		}
	}
}

func (t *Tray) UpdateSourcesCount(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sourcesItem.SetTitle(fmt.Sprintf("Sources: %d", count))
}

func (t *Tray) Quit() {
	systray.Quit()
}
