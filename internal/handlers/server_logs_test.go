package handlers

import (
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jfreed-dev/reach/internal/logging"
)

func TestServerLogs_TailAndClear(t *testing.T) {
	setupHandlers(t)
	logging.Init(filepath.Join(t.TempDir(), "reach-server.log"))
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	log.Printf("marker line for the log tail test")

	w := httptest.NewRecorder()
	GetServerLogs(w, httptest.NewRequest("GET", "/api/v1/server/logs?lines=50", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	logs, _ := body["logs"].(string)
	if !strings.Contains(logs, "marker line for the log tail test") {
		t.Errorf("tail missing marker: %q", logs)
	}

	w = httptest.NewRecorder()
	ClearServerLogs(w, httptest.NewRequest("DELETE", "/api/v1/server/logs", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	GetServerLogs(w, httptest.NewRequest("GET", "/api/v1/server/logs", nil))
	body = decodeBody(t, w)
	if logs, _ := body["logs"].(string); strings.Contains(logs, "marker line") {
		t.Errorf("logs survived clear: %q", logs)
	}
}
