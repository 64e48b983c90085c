package handlers

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/ssh"

	"github.com/jfreed-dev/reach/internal/events"
	"github.com/jfreed-dev/reach/internal/history"
	"github.com/jfreed-dev/reach/internal/pathpolicy"
	"github.com/jfreed-dev/reach/internal/pool"
	"github.com/jfreed-dev/reach/internal/protocol"
	"github.com/jfreed-dev/reach/internal/registry"
	"github.com/jfreed-dev/reach/internal/sftpserver"
)

const testUUID = "11111111-2222-3333-4444-555555555555"

// setupHandlers wires fresh package globals the way main.go does and
// tears them down afterwards.
func setupHandlers(t *testing.T) {
	t.Helper()

	store := events.NewStore()
	reg := registry.New(store)
	conns := pool.New(reg, 5*time.Second)
	reg.SetEvictor(conns)

	Reg = reg
	Conns = conns
	Events = store
	APIKey = ""

	t.Cleanup(func() {
		conns.CloseAll()
		Reg, Conns, Events = nil, nil, nil
	})
}

func setupHistoryDB(t *testing.T) {
	t.Helper()
	if err := history.Init(filepath.Join(t.TempDir(), "history.db")); err != nil {
		t.Fatalf("init history: %v", err)
	}
	t.Cleanup(func() {
		history.Close()
		history.DB = nil
	})
}

// registerClient registers a fixture client whose tunnel endpoint is
// 127.0.0.1:port.
func registerClient(t *testing.T, uuid, clientID string, port int, name string) registry.Client {
	t.Helper()
	c, err := Reg.Register(&protocol.RegisterParams{
		Identity: protocol.Identity{
			UUID:        uuid,
			DisplayName: name,
		},
		ClientInfo: protocol.ClientInfo{
			ClientID:   clientID,
			Hostname:   "host-1",
			Platform:   "linux",
			Username:   "worker",
			TunnelPort: port,
		},
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return c
}

// newChiRequest creates an *http.Request with chi URL params populated.
func newChiRequest(method, path string, params map[string]string) *http.Request {
	return withChiParams(httptest.NewRequest(method, path, nil), params)
}

// newChiRequestWithBody creates an *http.Request with chi URL params and
// a JSON body.
func newChiRequestWithBody(method, path string, params map[string]string, body []byte) *http.Request {
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return withChiParams(r, params)
}

func withChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// httpHandler mounts the WebSocket route the way main.go does.
func httpHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/ws", WebSocketStream)
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

// startAgentRPC runs a fake agent endpoint speaking framed JSON-RPC and
// returns the port it listens on.
func startAgentRPC(t *testing.T, handle func(req *protocol.Request) *protocol.Response) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					body, err := protocol.ReadFrame(c)
					if err != nil {
						return
					}
					req, err := protocol.ParseRequest(body)
					if err != nil {
						return
					}
					resp := handle(req)
					if resp == nil {
						continue
					}
					out, err := protocol.EncodeResponse(resp)
					if err != nil {
						return
					}
					if err := protocol.WriteFrame(c, out); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// deadPort returns a port nothing listens on.
func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// startAgentSFTP stands in for an agent's in-tunnel SSH endpoint: no
// client auth, sftp subsystem only, paths restricted to root.
func startAgentSFTP(t *testing.T, root string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)
	policy := pathpolicy.New([]string{root})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, chans, reqs, err := ssh.NewServerConn(c, cfg)
				if err != nil {
					return
				}
				go ssh.DiscardRequests(reqs)
				for newCh := range chans {
					if newCh.ChannelType() != "session" {
						newCh.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					ch, chReqs, err := newCh.Accept()
					if err != nil {
						continue
					}
					go func() {
						for req := range chReqs {
							ok := req.Type == "subsystem"
							if req.WantReply {
								req.Reply(ok, nil)
							}
							if ok {
								sftpserver.Serve(ch, policy)
								return
							}
						}
					}()
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}
