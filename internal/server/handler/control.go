package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// DetectionDrainer stops and restarts signal detection.
type DetectionDrainer interface {
	Drain()
	Resume()
	Draining() bool
}

// ExecutionDrainer refuses new arbs and waits out in-flight ones.
type ExecutionDrainer interface {
	Drain(ctx context.Context) error
	Resume()
	Draining() bool
	InFlight() int
}

// ControlHandler serves the mutating operator endpoints.
type ControlHandler struct {
	engine  DetectionDrainer // optional
	exec    ExecutionDrainer // optional
	audit   domain.AuditStore
	alerter Alerter
	logger  *slog.Logger
}

// Alerter mirrors operator-facing notifications; drain is announced so
// whoever is on call knows trading was stopped deliberately.
type Alerter interface {
	Alert(ctx context.Context, title, detail string)
}

// NewControlHandler creates a ControlHandler. audit and alerter may be
// nil.
func NewControlHandler(engine DetectionDrainer, exec ExecutionDrainer, audit domain.AuditStore, alerter Alerter, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{engine: engine, exec: exec, audit: audit, alerter: alerter, logger: logger}
}

// Drain stops detection immediately and lets in-flight arbs finish in
// the background; it never blocks the request on them. Idempotent.
// POST /api/drain
func (h *ControlHandler) Drain(w http.ResponseWriter, r *http.Request) {
	alreadyDraining := h.draining()

	if h.engine != nil {
		h.engine.Drain()
	}
	inflight := 0
	if h.exec != nil {
		inflight = h.exec.InFlight()
		if !alreadyDraining {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				if err := h.exec.Drain(ctx); err != nil {
					h.logger.Warn("drain incomplete", slog.String("error", err.Error()))
				}
			}()
		}
	}

	if !alreadyDraining {
		h.logger.InfoContext(r.Context(), "drain requested",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Int("inflight_arbs", inflight))
		if h.audit != nil {
			if err := h.audit.Log(r.Context(), "drain_requested", map[string]any{
				"remote_addr":   r.RemoteAddr,
				"inflight_arbs": inflight,
			}); err != nil {
				h.logger.Warn("audit log failed", slog.String("error", err.Error()))
			}
		}
		if h.alerter != nil {
			h.alerter.Alert(r.Context(), "drain requested",
				"operator stopped trading; in-flight arbs finishing")
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"draining":      true,
		"inflight_arbs": inflight,
	})
}

// Resume re-enables detection and execution after a drain. Idempotent.
// POST /api/resume
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	wasDraining := h.draining()

	if h.engine != nil {
		h.engine.Resume()
	}
	if h.exec != nil {
		h.exec.Resume()
	}

	if wasDraining {
		h.logger.InfoContext(r.Context(), "resume requested",
			slog.String("remote_addr", r.RemoteAddr))
		if h.audit != nil {
			if err := h.audit.Log(r.Context(), "resume_requested", map[string]any{
				"remote_addr": r.RemoteAddr,
			}); err != nil {
				h.logger.Warn("audit log failed", slog.String("error", err.Error()))
			}
		}
		if h.alerter != nil {
			h.alerter.Alert(r.Context(), "trading resumed",
				"operator re-enabled signal intake")
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"draining": false,
	})
}

func (h *ControlHandler) draining() bool {
	if h.exec != nil {
		return h.exec.Draining()
	}
	if h.engine != nil {
		return h.engine.Draining()
	}
	return false
}
