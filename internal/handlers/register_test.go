package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInternalRegister(t *testing.T) {
	setupHandlers(t)

	payload := []byte(`{
		"identity": {"uuid": "", "display_name": "fresh-agent", "purpose": "testing"},
		"client_info": {"client_id": "client-9", "hostname": "h", "platform": "linux", "username": "u", "tunnel_port": 41000}
	}`)

	w := httptest.NewRecorder()
	InternalRegister(w, newChiRequestWithBody("POST", "/internal/register", nil, payload))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	uuid, _ := body["registered"].(string)
	if uuid == "" {
		t.Fatalf("no issued uuid in %v", body)
	}
	if body["display_name"] != "fresh-agent" {
		t.Errorf("display_name = %v", body["display_name"])
	}

	if _, ok := Reg.Client(uuid); !ok {
		t.Errorf("registered client not visible in registry")
	}
}

func TestInternalRegister_InvalidJSON(t *testing.T) {
	setupHandlers(t)

	w := httptest.NewRecorder()
	InternalRegister(w, newChiRequestWithBody("POST", "/internal/register", nil, []byte("{nope")))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestInternalRegister_MissingClientID(t *testing.T) {
	setupHandlers(t)

	payload := []byte(`{
		"identity": {"display_name": "x"},
		"client_info": {"tunnel_port": 41000}
	}`)

	w := httptest.NewRecorder()
	InternalRegister(w, newChiRequestWithBody("POST", "/internal/register", nil, payload))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if Reg.TotalCount() != 0 {
		t.Errorf("rejected registration persisted an identity")
	}
}
