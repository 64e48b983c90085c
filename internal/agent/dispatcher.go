// Package agent implements the request dispatcher running on managed
// hosts. Requests arrive over the reverse tunnel as framed JSON-RPC;
// each is routed to a handler for shell execution, file access, host
// metrics, or the interactive SSH session manager.
package agent

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jfreed-dev/reach/internal/metrics"
	"github.com/jfreed-dev/reach/internal/pathpolicy"
	"github.com/jfreed-dev/reach/internal/protocol"
	"github.com/jfreed-dev/reach/internal/sshsession"
)

// Dispatcher routes requests to handlers. Safe for concurrent use; one
// instance serves every tunnel connection of the agent process.
type Dispatcher struct {
	policy   *pathpolicy.Policy
	sessions *sshsession.Manager
}

// NewDispatcher builds a Dispatcher enforcing policy on all path
// parameters.
func NewDispatcher(policy *pathpolicy.Policy) *Dispatcher {
	return &Dispatcher{
		policy:   policy,
		sessions: sshsession.NewManager(),
	}
}

// Sessions exposes the session manager so the agent can close sessions
// at shutdown.
func (d *Dispatcher) Sessions() *sshsession.Manager {
	return d.sessions
}

// Handle processes one request and returns its response. Panics in
// handlers are caught and reported as command failures; the dispatcher
// keeps serving.
func (d *Dispatcher) Handle(req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[agent] panic in %s handler: %v", req.Method, r)
			resp = protocol.Errorf(req.ID, protocol.CodeCommandFailed, "internal error: %v", r)
		}
	}()

	result, err := d.dispatch(req)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return protocol.Result(req.ID, result)
}

func (d *Dispatcher) dispatch(req *protocol.Request) (any, error) {
	switch req.Method {
	case protocol.MethodRunCommand:
		return d.runCommand(req.Params)
	case protocol.MethodReadFile:
		return d.readFile(req.Params)
	case protocol.MethodWriteFile:
		return d.writeFile(req.Params)
	case protocol.MethodListFiles:
		return d.listFiles(req.Params)
	case protocol.MethodHeartbeat:
		return map[string]any{"status": "alive"}, nil
	case protocol.MethodGetMetrics:
		return d.getMetrics(req.Params)
	case protocol.MethodSSHSessionOpen:
		return d.sshSessionOpen(req.Params)
	case protocol.MethodSSHSessionCommand:
		return d.sshSessionCommand(req.Params)
	case protocol.MethodSSHSessionClose:
		return d.sshSessionClose(req.Params)
	case protocol.MethodSSHSessionList:
		return d.sshSessionList()
	default:
		return nil, failf(protocol.CodeMethodNotFound, "Unknown method: %s", req.Method)
	}
}

func (d *Dispatcher) getMetrics(params map[string]any) (any, error) {
	summary, err := boolParam(params, "summary", false)
	if err != nil {
		return nil, err
	}
	snap := metrics.Collect()
	if summary {
		return snap.Summarize(), nil
	}
	return snap, nil
}

// rpcError pins a handler failure to a specific protocol error code.
type rpcError struct {
	code    int
	message string
}

func (e *rpcError) Error() string { return e.message }

func failf(code int, format string, args ...any) error {
	return &rpcError{code: code, message: fmt.Sprintf(format, args...)}
}

// errorResponse maps handler errors onto the protocol error taxonomy.
// Anything unclassified is a generic command failure.
func errorResponse(id *string, err error) *protocol.Response {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return protocol.Errorf(id, rpcErr.code, "%s", rpcErr.message)
	}
	if errors.Is(err, pathpolicy.ErrDenied) {
		return protocol.Errorf(id, protocol.CodePathDenied, "%s", err.Error())
	}
	if errors.Is(err, sshsession.ErrUnknownSession) || errors.Is(err, sshsession.ErrAuth) {
		return protocol.Errorf(id, protocol.CodeInvalidParams, "%s", err.Error())
	}
	return protocol.Errorf(id, protocol.CodeCommandFailed, "%s", err.Error())
}

// Param accessors. JSON objects decode numbers as float64 and leave
// absent keys out of the map; missing required keys and wrong types are
// both invalid-params failures.

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", failf(protocol.CodeInvalidParams, "Missing required parameter: '%s'", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", failf(protocol.CodeInvalidParams, "Parameter '%s' must be a string", key)
	}
	return s, nil
}

func optionalString(params map[string]any, key, fallback string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", failf(protocol.CodeInvalidParams, "Parameter '%s' must be a string", key)
	}
	return s, nil
}

func numberParam(params map[string]any, key string, fallback float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return fallback, nil
	}
	n, ok := v.(float64)
	if !ok {
		return 0, failf(protocol.CodeInvalidParams, "Parameter '%s' must be a number", key)
	}
	return n, nil
}

func boolParam(params map[string]any, key string, fallback bool) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return fallback, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, failf(protocol.CodeInvalidParams, "Parameter '%s' must be a boolean", key)
	}
	return b, nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
