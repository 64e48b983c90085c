package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheck(t *testing.T) {
	setupHandlers(t)
	registerClient(t, testUUID, "client-1", 40001, "worker-1")

	w := httptest.NewRecorder()
	HealthCheck(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
	if body["service"] != "reach-server" {
		t.Errorf("service = %v", body["service"])
	}
	if body["online_clients"] != float64(1) || body["total_clients"] != float64(1) {
		t.Errorf("counts = %v / %v", body["online_clients"], body["total_clients"])
	}
}

func TestDashboard(t *testing.T) {
	setupHandlers(t)
	registerClient(t, testUUID, "client-1", 40001, "worker-1")

	w := httptest.NewRecorder()
	Dashboard(w, httptest.NewRequest("GET", "/api/v1/dashboard", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)

	server, _ := body["server"].(map[string]any)
	if server == nil {
		t.Fatalf("missing server section: %v", body)
	}
	if _, ok := server["uptime_seconds"].(float64); !ok {
		t.Errorf("uptime_seconds = %v", server["uptime_seconds"])
	}
	if v, _ := server["version"].(string); v == "" {
		t.Errorf("version missing")
	}

	clients, _ := body["clients"].(map[string]any)
	if clients["online"] != float64(1) || clients["total"] != float64(1) {
		t.Errorf("clients = %v", clients)
	}
	tunnels, _ := body["tunnels"].(map[string]any)
	if tunnels["active"] != float64(1) {
		t.Errorf("tunnels = %v", tunnels)
	}
}

func TestListClients(t *testing.T) {
	setupHandlers(t)
	registerClient(t, testUUID, "client-1", 40001, "worker-1")

	w := httptest.NewRecorder()
	ListClients(w, httptest.NewRequest("GET", "/api/v1/clients", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	clients, _ := body["clients"].([]any)
	if len(clients) != 1 {
		t.Fatalf("clients = %v", body)
	}
	first, _ := clients[0].(map[string]any)
	if first["uuid"] != testUUID {
		t.Errorf("uuid = %v", first["uuid"])
	}
	if first["online"] != true {
		t.Errorf("online = %v", first["online"])
	}
	// The v1 shape carries the list alone; counts live on the dashboard.
	if _, ok := body["online_count"]; ok {
		t.Errorf("v1 listing should not include online_count")
	}
}

func TestListClientsLegacy(t *testing.T) {
	setupHandlers(t)
	registerClient(t, testUUID, "client-1", 40001, "worker-1")

	w := httptest.NewRecorder()
	ListClientsLegacy(w, httptest.NewRequest("GET", "/clients", nil))

	body := decodeBody(t, w)
	if body["online_count"] != float64(1) || body["total_count"] != float64(1) {
		t.Errorf("counts = %v / %v", body["online_count"], body["total_count"])
	}
}

func TestGetClient(t *testing.T) {
	setupHandlers(t)
	registerClient(t, testUUID, "client-1", 40001, "worker-1")

	w := httptest.NewRecorder()
	GetClient(w, newChiRequest("GET", "/api/v1/clients/"+testUUID, map[string]string{"uuid": testUUID}))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["uuid"] != testUUID || body["display_name"] != "worker-1" {
		t.Errorf("body = %v", body)
	}
	conn, _ := body["connection"].(map[string]any)
	if conn == nil || conn["tunnel_port"] != float64(40001) {
		t.Errorf("connection = %v", body["connection"])
	}
}

func TestGetClient_NotFound(t *testing.T) {
	setupHandlers(t)

	w := httptest.NewRecorder()
	GetClient(w, newChiRequest("GET", "/api/v1/clients/nope", map[string]string{"uuid": "nope"}))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "Client not found" {
		t.Errorf("error = %v", body["error"])
	}
}
