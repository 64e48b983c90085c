package handlers

import (
	"net/http"

	"github.com/jfreed-dev/reach/internal/logging"
)

// GetServerLogs tails the server's own log file. ?lines= caps the tail,
// default 200.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := intQuery(r.URL.Query(), "lines", 200)
	if lines == 0 {
		lines = 200
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
