package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jfreed-dev/reach/internal/events"
	"github.com/jfreed-dev/reach/internal/history"
	"github.com/jfreed-dev/reach/internal/pool"
	"github.com/jfreed-dev/reach/internal/protocol"
)

type runRequest struct {
	Command string  `json:"command"`
	Cwd     string  `json:"cwd"`
	Timeout float64 `json:"timeout"`
}

// RunCommand executes a shell command on the client's agent, appends the
// outcome to command history, and returns the stored record. A transport
// failure is still recorded (returncode -1, error text in stderr) so the
// history shows what the operator asked for, then surfaces as a 503.
func RunCommand(w http.ResponseWriter, r *http.Request) {
	c, ok := requireClient(w, r)
	if !ok {
		return
	}

	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(body.Command) == "" {
		writeError(w, http.StatusBadRequest, "command required")
		return
	}

	params := map[string]any{"cmd": body.Command}
	if body.Cwd != "" {
		params["cwd"] = body.Cwd
	}
	if body.Timeout > 0 {
		params["timeout"] = body.Timeout
	}

	started := time.Now().UTC()
	resp, err := Conns.Call(r.Context(), c.UUID, protocol.MethodRunCommand, params)
	if err != nil {
		rec := history.NewRecord(c.UUID, body.Command, body.Cwd, "", err.Error(), -1, started, time.Now().UTC())
		if aerr := history.Append(rec); aerr != nil {
			log.Printf("[api] record failed command for %s: %v", c.UUID, aerr)
		}
		if errors.Is(err, pool.ErrNoConnection) {
			writeError(w, http.StatusServiceUnavailable, "Client offline")
		} else {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}
	if resp.Error != nil {
		// The agent refused the request, so the command never ran and
		// nothing lands in history.
		writeError(w, rpcStatus(resp.Error.Code), resp.Error.Message)
		return
	}
	completed := time.Now().UTC()

	result, _ := resp.Result.(map[string]any)
	stdout, _ := result["stdout"].(string)
	stderr, _ := result["stderr"].(string)
	returncode := intField(result, "returncode")

	rec := history.NewRecord(c.UUID, body.Command, body.Cwd, stdout, stderr, returncode, started, completed)
	if err := history.Append(rec); err != nil {
		log.Printf("[api] append history for %s: %v", c.UUID, err)
	}

	Events.Add(events.TypeCommandExecuted, c.UUID, c.DisplayName,
		"Executed: "+events.TruncateCommand(body.Command),
		map[string]any{
			"command":    events.TruncateCommand(body.Command),
			"returncode": returncode,
		})

	writeJSON(w, http.StatusOK, rec)
}
