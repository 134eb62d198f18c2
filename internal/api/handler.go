// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/signalnine/remotepower/internal/daemon"
	"github.com/signalnine/remotepower/internal/eventlog"
	"github.com/signalnine/remotepower/internal/listener"
	"github.com/signalnine/remotepower/internal/protocol"
)

// maxBodyBytes bounds PUT /api/config bodies
const maxBodyBytes = 4 << 10

// Controller is the part of daemon.Server the control API drives
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Configure(port uint16, machineID string) error
	ClearLogs()
	Logs() []eventlog.Entry
	IsRunning() bool
	CurrentConfig() daemon.ServerConfig
	PendingActions() int
	CancelPending() int
}

// Handler serves the /api/ routes
type Handler struct {
	ctrl   Controller
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewHandler creates a handler for ctrl
func NewHandler(ctrl Controller, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{ctrl: ctrl, logger: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /api/state", h.state)
	h.mux.HandleFunc("GET /api/logs", h.logs)
	h.mux.HandleFunc("POST /api/logs/clear", h.clearLogs)
	h.mux.HandleFunc("POST /api/start", h.start)
	h.mux.HandleFunc("POST /api/stop", h.stop)
	h.mux.HandleFunc("PUT /api/config", h.configure)
	h.mux.HandleFunc("POST /api/actions/cancel", h.cancelActions)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("control request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.LogsResponse{Entries: h.ctrl.Logs()})
}

func (h *Handler) clearLogs(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ClearLogs()
	writeJSON(w, http.StatusOK, protocol.LogsResponse{Entries: h.ctrl.Logs()})
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	// The listener outlives the request
	err := h.ctrl.Start(context.WithoutCancel(r.Context()))

	var bindErr *listener.BindError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.snapshot())
	case errors.Is(err, daemon.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &bindErr):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("start failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Stop()
	writeJSON(w, http.StatusOK, h.snapshot())
}

func (h *Handler) configure(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > maxBodyBytes {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("failed to read body"))
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return
	}

	var req protocol.ConfigRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}

	// Omitted fields keep their current value
	cur := h.ctrl.CurrentConfig()
	port, id := cur.Port, cur.MachineID
	if req.Port != nil {
		port = *req.Port
	}
	if req.MachineID != nil {
		id = *req.MachineID
	}

	err = h.ctrl.Configure(port, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.snapshot())
	case errors.Is(err, daemon.ErrConfigurationLocked):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, daemon.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) cancelActions(w http.ResponseWriter, r *http.Request) {
	n := h.ctrl.CancelPending()
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (h *Handler) snapshot() protocol.StateResponse {
	cfg := h.ctrl.CurrentConfig()
	return protocol.StateResponse{
		Running:   h.ctrl.IsRunning(),
		Port:      cfg.Port,
		MachineID: cfg.MachineID,
		Commands:  protocol.ExpectedCommands(cfg.MachineID),
		Pending:   h.ctrl.PendingActions(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.ErrorResponse{Error: err.Error()})
}
