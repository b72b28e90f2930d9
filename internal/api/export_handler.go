package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/clipmill/clipmill-agent/internal/library"
)

func createExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateExportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.AssetID == "" {
			WriteError(w, http.StatusBadRequest, "asset_id is required", "BAD_REQUEST")
			return
		}

		export, err := cfg.Library.RequestExport(r.Context(), library.ExportRequest{
			AssetID:         req.AssetID,
			Container:       req.Container,
			RangeStartMs:    req.RangeStartMs,
			RangeDurationMs: req.RangeDurationMs,
		})
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		WriteJSON(w, http.StatusAccepted, ExportToResponse(export))
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exports, err := cfg.Library.GetExports(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list exports", "INTERNAL_ERROR")
			return
		}

		resp := ExportsResponse{Exports: make([]ExportResponse, len(exports))}
		for i, e := range exports {
			resp.Exports[i] = ExportToResponse(e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		export, ok := lookupExport(w, r, cfg)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, ExportToResponse(export))
	}
}

func pauseExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		export, ok := lookupExport(w, r, cfg)
		if !ok {
			return
		}
		if err := cfg.Runner.PauseExport(r.Context(), export.ID); err != nil {
			WriteError(w, http.StatusConflict, err.Error(), "CONFLICT")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func resumeExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		export, ok := lookupExport(w, r, cfg)
		if !ok {
			return
		}
		if err := cfg.Runner.ResumeExport(r.Context(), export.ID); err != nil {
			WriteError(w, http.StatusConflict, err.Error(), "CONFLICT")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		export, ok := lookupExport(w, r, cfg)
		if !ok {
			return
		}
		if err := cfg.Runner.CancelExport(r.Context(), export.ID); err != nil {
			WriteError(w, http.StatusConflict, err.Error(), "CONFLICT")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func downloadExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		export, ok := lookupExport(w, r, cfg)
		if !ok {
			return
		}
		if export.Status != library.ExportStatusCompleted {
			WriteError(w, http.StatusConflict, "export is not completed", "CONFLICT")
			return
		}
		if err := cfg.Preview.ServeFile(w, r, export.OutputPath); err != nil {
			cfg.Logger.Error("download error", "error", err, "export_id", export.ID)
		}
	}
}

// The agent binds to loopback only, so cross-origin upgrades from local
// tooling are fine.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// exportEventsHandler streams status and progress events for one export
// over a websocket until the export reaches a terminal status or the
// client goes away.
func exportEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		export, ok := lookupExport(w, r, cfg)
		if !ok {
			return
		}

		events, cancel := cfg.Events.Subscribe()
		defer cancel()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.Logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		// Snapshot first so the client does not miss events published
		// before it subscribed.
		snapshot := library.ExportEvent{
			ExportID: export.ID,
			Status:   export.Status,
			Progress: export.Progress,
			Error:    export.Error,
		}
		if err := writeEvent(conn, snapshot); err != nil {
			return
		}
		if terminalStatus(export.Status) {
			return
		}

		// Reader goroutine services control frames and detects the
		// client hanging up.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-clientGone:
				return
			case ev, open := <-events:
				if !open {
					return
				}
				if ev.ExportID != export.ID {
					continue
				}
				if err := writeEvent(conn, ev); err != nil {
					return
				}
				if terminalStatus(ev.Status) {
					return
				}
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev library.ExportEvent) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(ev)
}

func terminalStatus(status string) bool {
	switch status {
	case library.ExportStatusCompleted, library.ExportStatusFailed, library.ExportStatusCancelled:
		return true
	}
	return false
}

func lookupExport(w http.ResponseWriter, r *http.Request, cfg ServerConfig) (*library.Export, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "export id required", "BAD_REQUEST")
		return nil, false
	}
	export, err := cfg.Library.GetExport(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return nil, false
	}
	if export == nil {
		WriteError(w, http.StatusNotFound, "export not found", "NOT_FOUND")
		return nil, false
	}
	return export, true
}
