package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// maintenanceRequest scopes a clean or dead sweep. OlderThan is a Go duration
// string measured back from now.
type maintenanceRequest struct {
	OlderThan     string `json:"older_than"`
	IncludeFailed *bool  `json:"include_failed"` // clean only; defaults to true
}

func (req *maintenanceRequest) cutoff() (time.Time, bool) {
	d, err := time.ParseDuration(req.OlderThan)
	if err != nil || d < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(-d), true
}

// handleClean deletes terminal tasks older than the requested window.
func (srv *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	before, ok := req.cutoff()
	if !ok {
		writeError(w, http.StatusBadRequest, "older_than must be a non-negative duration")
		return
	}
	includeFailed := true
	if req.IncludeFailed != nil {
		includeFailed = *req.IncludeFailed
	}

	n, err := srv.queue.Clean(r.Context(), before, includeFailed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clean failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleaned": n})
}

// handleDead reaps tasks stuck in processing longer than the requested window.
func (srv *Server) handleDead(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	before, ok := req.cutoff()
	if !ok {
		writeError(w, http.StatusBadRequest, "older_than must be a non-negative duration")
		return
	}

	n, err := srv.queue.Dead(r.Context(), before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dead sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reaped": n})
}
