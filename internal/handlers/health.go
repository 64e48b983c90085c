package handlers

import "net/http"

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "reach-server",
		"online_clients": Reg.OnlineCount(),
		"total_clients":  Reg.TotalCount(),
	})
}
