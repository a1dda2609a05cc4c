package handlers

import (
	"net/http"
	"time"

	"github.com/rosa-flowers/checkout/internal/platform/httpx"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	started time.Time
	ready   func() bool
}

// NewHealthHandlers constructs health handlers. The ready check is optional;
// absent it reports ready once the process is up.
func NewHealthHandlers(ready func() bool) *HealthHandlers {
	return &HealthHandlers{
		started: time.Now(),
		ready:   ready,
	}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.started).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz reports readiness to take traffic.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
