package handlers

import (
	"net/http"
	"time"

	"github.com/jfreed-dev/reach/internal/version"
)

// Dashboard returns the fleet summary shown on the landing page.
func Dashboard(w http.ResponseWriter, r *http.Request) {
	online := Reg.OnlineCount()
	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"uptime_seconds": int(time.Since(StartTime).Seconds()),
			"version":        version.Version,
		},
		"clients": map[string]any{
			"online": online,
			"total":  Reg.TotalCount(),
		},
		"tunnels": map[string]any{
			"active": online,
		},
	})
}

func ListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"clients": Reg.Clients(),
	})
}

// ListClientsLegacy serves the pre-v1 listing shape, counts included.
func ListClientsLegacy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"clients":      Reg.Clients(),
		"online_count": Reg.OnlineCount(),
		"total_count":  Reg.TotalCount(),
	})
}

func GetClient(w http.ResponseWriter, r *http.Request) {
	c, ok := requireClient(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}
