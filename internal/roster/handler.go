package roster

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/classpilot/lti-engine/internal/lti"
)

// SyncHandler serves POST /lti/sync/nrps.
func SyncHandler(e *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ContextID  string `json:"contextId"`
			PlatformID string `json:"platformId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContextID == "" {
			lti.WriteError(w, lti.BadRequest("missing contextId", err))
			return
		}
		counts, err := e.Sync(r.Context(), req.ContextID, req.PlatformID)
		if err != nil {
			lti.WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"stats":   counts,
		})
	}
}

// LogsHandler serves GET /lti/sync/logs. Optional query params: platform_id
// and limit (default 50).
func LogsHandler(e *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 500 {
				lti.WriteError(w, lti.BadRequest("invalid limit", err))
				return
			}
			limit = n
		}
		logs, err := e.Logs.ListSyncLogs(r.Context(), r.URL.Query().Get("platform_id"), limit)
		if err != nil {
			lti.WriteError(w, lti.Internal("internal error", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"logs": logs})
	}
}
