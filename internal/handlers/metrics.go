package handlers

import (
	"net/http"

	"github.com/jfreed-dev/reach/internal/protocol"
)

// GetClientMetrics proxies a system-metrics snapshot from the client's
// agent. ?summary=true requests the reduced form.
func GetClientMetrics(w http.ResponseWriter, r *http.Request) {
	c, ok := requireClient(w, r)
	if !ok {
		return
	}

	params := map[string]any{}
	if r.URL.Query().Get("summary") == "true" {
		params["summary"] = true
	}

	result, ok := callAgent(w, r, c.UUID, protocol.MethodGetMetrics, params)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, result)
}
