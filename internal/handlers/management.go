package handlers

import (
	"log/slog"
	"net/http"

	"github.com/ccrelay/ccrelay/internal/apierr"
)

// ManagementHandler serves the control-plane paths under /api/ (config,
// restart, logs, transformers, update check/perform). None of them mutate
// a running process: each answers 501 Not Implemented rather than
// silently no-op'ing. The CLI subcommands do not call these endpoints.
type ManagementHandler struct {
	logger *slog.Logger
}

func NewManagementHandler(logger *slog.Logger) *ManagementHandler {
	return &ManagementHandler{logger: logger}
}

func (h *ManagementHandler) notImplemented(w http.ResponseWriter, what string) {
	h.logger.Warn("Management endpoint not implemented", "endpoint", what)
	err := apierr.New(apierr.KindInternal, what+" is not implemented")
	err.Status = http.StatusNotImplemented
	writeAPIError(w, err)
}

func (h *ManagementHandler) Config(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "live config editing")
}

func (h *ManagementHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "remote restart")
}

func (h *ManagementHandler) Logs(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "log streaming")
}

func (h *ManagementHandler) Transformers(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "transformer introspection")
}

func (h *ManagementHandler) UpdateCheck(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "update check")
}

func (h *ManagementHandler) UpdatePerform(w http.ResponseWriter, r *http.Request) {
	h.notImplemented(w, "update perform")
}
