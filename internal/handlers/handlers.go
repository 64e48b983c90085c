// Package handlers implements the operator-facing HTTP and WebSocket
// surface: fleet views, command execution, remote file access, history
// queries, and the real-time event stream. Requests for a specific
// client are proxied to its agent over the tunnel RPC pool.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jfreed-dev/reach/internal/events"
	"github.com/jfreed-dev/reach/internal/pool"
	"github.com/jfreed-dev/reach/internal/protocol"
	"github.com/jfreed-dev/reach/internal/registry"
)

// Reg is set from main.go during init.
var Reg *registry.Registry

// Conns is set from main.go during init.
var Conns *pool.Pool

// Events is set from main.go during init.
var Events *events.Store

// APIKey is set from main.go during init. Empty means the server runs
// unauthenticated; the WebSocket handler checks it directly because the
// route sits outside the bearer middleware group.
var APIKey string

// StartTime feeds the dashboard uptime counter.
var StartTime = time.Now()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireClient resolves the {uuid} route param against the registry and
// writes the 404 itself when the client is unknown.
func requireClient(w http.ResponseWriter, r *http.Request) (registry.Client, bool) {
	c, ok := Reg.Client(chi.URLParam(r, "uuid"))
	if !ok {
		writeError(w, http.StatusNotFound, "Client not found")
		return registry.Client{}, false
	}
	return c, true
}

// rpcStatus maps a tunnel error code to the HTTP status operators see.
func rpcStatus(code int) int {
	switch code {
	case protocol.CodeInvalidParams:
		return http.StatusBadRequest
	case protocol.CodePathDenied:
		return http.StatusForbidden
	case protocol.CodeFileNotFound:
		return http.StatusNotFound
	case protocol.CodeMethodNotFound:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// callAgent performs one RPC against a client's agent and translates
// failures to HTTP responses. An offline or unreachable client is a 503,
// distinct from the 404 of an unknown uuid. Returns the result object
// and false if an error response was already written.
func callAgent(w http.ResponseWriter, r *http.Request, clientUUID, method string, params map[string]any) (map[string]any, bool) {
	resp, err := Conns.Call(r.Context(), clientUUID, method, params)
	if err != nil {
		if errors.Is(err, pool.ErrNoConnection) {
			writeError(w, http.StatusServiceUnavailable, "Client offline")
		} else {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return nil, false
	}
	if resp.Error != nil {
		writeError(w, rpcStatus(resp.Error.Code), resp.Error.Message)
		return nil, false
	}
	result, _ := resp.Result.(map[string]any)
	if result == nil {
		result = map[string]any{}
	}
	return result, true
}

func intQuery(q url.Values, key string, def int) int {
	if s := q.Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// intField reads a numeric field from a decoded JSON object, where
// numbers arrive as float64.
func intField(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}
