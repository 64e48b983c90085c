package handlers

import (
	"net/http"

	"github.com/jfreed-dev/reach/internal/events"
)

// ListEvents returns the recent-activity stream, newest first.
func ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r.URL.Query(), "limit", events.DefaultLimit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": Events.Recent(limit),
	})
}
