package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jfreed-dev/reach/internal/history"
)

// ListHistory returns a client's command history, newest first.
// Supported query params: limit, offset, search (substring match on the
// command line), status (success or failed).
func ListHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := requireClient(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	status := q.Get("status")
	switch status {
	case "", "success", "failed":
	default:
		writeError(w, http.StatusBadRequest, "status must be success or failed")
		return
	}

	limit := intQuery(q, "limit", history.DefaultLimit)
	offset := intQuery(q, "offset", 0)

	records, total, err := history.ListForClient(c.UUID, history.Query{
		Limit:  limit,
		Offset: offset,
		Search: q.Get("search"),
		Status: status,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": records,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetHistoryRecord returns one command record. Records are scoped to the
// client in the path; an id that belongs to another client is a 404.
func GetHistoryRecord(w http.ResponseWriter, r *http.Request) {
	c, ok := requireClient(w, r)
	if !ok {
		return
	}

	rec, err := history.Get(chi.URLParam(r, "command_id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Command not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.ClientUUID != c.UUID {
		writeError(w, http.StatusNotFound, "Command not found")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ClearHistory deletes all command records for a client.
func ClearHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := requireClient(w, r)
	if !ok {
		return
	}

	deleted, err := history.DeleteForClient(c.UUID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
