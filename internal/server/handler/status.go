package handler

import (
	"net/http"
	"time"
)

// DeferredCounter reports the length of the router retry queue.
type DeferredCounter interface {
	DeferredLen() int
}

// StatusHandler serves node metadata for dashboards.
type StatusHandler struct {
	mode      string
	marketID  string
	startedAt time.Time
	router    DeferredCounter
}

// NewStatusHandler creates a StatusHandler. router is nil when this process
// does not poll.
func NewStatusHandler(mode, marketID string, startedAt time.Time, router DeferredCounter) *StatusHandler {
	return &StatusHandler{mode: mode, marketID: marketID, startedAt: startedAt, router: router}
}

// GetStatus responds with mode, market, uptime and the deferred queue length.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"market_id":      h.marketID,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"polling":        h.router != nil,
	}
	if h.router != nil {
		resp["deferred"] = h.router.DeferredLen()
	}
	writeJSON(w, http.StatusOK, resp)
}
