package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/simon-downes/spl/internal/queue"
)

// maxListLimit caps the list page size regardless of what the client asks for.
const maxListLimit = 500

type dispatchRequest struct {
	Type string         `json:"type"`
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

// handleDispatch creates a new queued task from the request body.
func (srv *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := srv.queue.Dispatch(r.Context(), req.Type, req.Name, req.Data)
	if errors.Is(err, queue.ErrEmptyType) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// handlePeek returns a single task by id, 404 when it does not exist.
func (srv *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	t, err := srv.queue.Peek(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "peek failed")
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleList returns tasks newest-first, filtered by repeatable status= and
// type= query parameters and bounded by limit=.
func (srv *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var statuses []queue.Status
	for _, s := range q["status"] {
		st := queue.Status(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		statuses = append(statuses, st)
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	tasks, err := srv.queue.List(r.Context(), queue.ListFilter{
		Statuses: statuses,
		Types:    q["type"],
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleStatus returns the per-status summary, optionally scoped by type=.
func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := srv.queue.Status(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
