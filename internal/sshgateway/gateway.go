// Package sshgateway accepts agent SSH connections, binds a loopback
// listener per reverse-forward request, and bridges accepted TCP
// connections back to the agent over forwarded-tcpip channels. The
// registration global request that follows the forward is resolved
// through the Registrar, which in production is the registry.
package sshgateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/jfreed-dev/reach/internal/protocol"
	"github.com/jfreed-dev/reach/internal/registry"
	"github.com/jfreed-dev/reach/internal/version"
)

// handshakeTimeout bounds the window between TCP accept and a completed
// SSH handshake. It is cleared once the agent authenticates.
const handshakeTimeout = 15 * time.Second

// acceptRate and acceptBurst gate new TCP connections ahead of the
// handshake.
const (
	acceptRate  rate.Limit = 10
	acceptBurst            = 20
)

// maxConns caps concurrently served agent connections.
const maxConns = 256

// Registrar records agent registrations and disconnects. The registry
// implements it; tests substitute their own.
type Registrar interface {
	Register(params *protocol.RegisterParams) (registry.Client, error)
	Disconnect(clientID string) (registry.Client, bool)
}

// Config carries the gateway's listen address and dependencies.
type Config struct {
	Addr    string
	HostKey ssh.Signer

	// AuthorizedKeys maps SHA256 fingerprints to their comments. A nil
	// map means no authorized_keys file exists and every key is
	// admitted; an empty map admits none.
	AuthorizedKeys map[string]string

	Registrar Registrar
}

// Gateway is the agent-facing SSH server.
type Gateway struct {
	cfg     Config
	sshCfg  *ssh.ServerConfig
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config) (*Gateway, error) {
	if cfg.HostKey == nil {
		return nil, errors.New("gateway: host key required")
	}
	if cfg.Registrar == nil {
		return nil, errors.New("gateway: registrar required")
	}
	g := &Gateway{
		cfg:     cfg,
		limiter: rate.NewLimiter(acceptRate, acceptBurst),
		sem:     semaphore.NewWeighted(maxConns),
	}
	sshCfg := &ssh.ServerConfig{
		PublicKeyCallback: g.authenticate,
		ServerVersion:     "SSH-2.0-reach-server-" + version.Version,
	}
	sshCfg.AddHostKey(cfg.HostKey)
	g.sshCfg = sshCfg
	return g, nil
}

// authenticate admits keys listed in AuthorizedKeys. With no list
// configured every key is admitted and logged.
func (g *Gateway) authenticate(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	fp := ssh.FingerprintSHA256(key)
	if g.cfg.AuthorizedKeys == nil {
		log.Printf("[gateway] accepting unlisted key %s from %s (no authorized_keys configured)", fp, conn.RemoteAddr())
	} else if _, ok := g.cfg.AuthorizedKeys[fp]; !ok {
		return nil, fmt.Errorf("unknown key %s", fp)
	}
	return &ssh.Permissions{Extensions: map[string]string{"pubkey-fp": fp}}, nil
}

// ListenAndServe accepts agent connections until ctx is cancelled. It
// returns nil on graceful shutdown, and the accept error if the
// listener dies while the context is still live.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.Addr, err)
	}
	g.mu.Lock()
	g.ln = ln
	g.mu.Unlock()
	log.Printf("[gateway] listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("gateway: accept: %w", err)
			}
			// Transient accept error; keep looping.
			continue
		}

		if !g.limiter.Allow() {
			_ = conn.Close()
			continue
		}
		if !g.sem.TryAcquire(1) {
			log.Printf("[gateway] connection limit reached, dropping %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		go func() {
			defer g.sem.Release(1)
			g.handleConn(conn)
		}()
	}
}

// Port reports the bound listener's port, zero before ListenAndServe.
func (g *Gateway) Port() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return 0
	}
	return g.ln.Addr().(*net.TCPAddr).Port
}

func (g *Gateway) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, g.sshCfg)
	if err != nil {
		log.Printf("[gateway] handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	fp := sshConn.Permissions.Extensions["pubkey-fp"]
	log.Printf("[gateway] agent connected from %s (%s)", conn.RemoteAddr(), fp)

	sess := &session{
		gw:          g,
		conn:        sshConn,
		fingerprint: fp,
		forwards:    make(map[uint32]net.Listener),
	}
	defer sess.close()

	// Agents never open channels; the gateway opens forwarded-tcpip.
	go func() {
		for newChan := range chans {
			_ = newChan.Reject(ssh.Prohibited, "reverse forwarding only")
		}
	}()

	sess.handleRequests(reqs)
}

// session is the gateway-side state of one agent connection.
type session struct {
	gw          *Gateway
	conn        *ssh.ServerConn
	fingerprint string

	mu         sync.Mutex
	forwards   map[uint32]net.Listener
	tunnelPort int
	clientID   string
	closed     bool
}

// handleRequests drains the global request channel until the connection
// drops. Requests are handled in arrival order; the agent waits for
// each reply before sending the next, so the forward is always on
// record by the time its registration arrives.
func (s *session) handleRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			s.handleForward(req)
		case "cancel-tcpip-forward":
			s.handleCancelForward(req)
		case protocol.RegisterRequestName:
			s.handleRegister(req)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// tcpipForwardMsg is the payload of "tcpip-forward" and
// "cancel-tcpip-forward" global requests (RFC 4254 §7.1).
type tcpipForwardMsg struct {
	Addr string
	Port uint32
}

func (s *session) handleForward(req *ssh.Request) {
	var msg tcpipForwardMsg
	if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
		log.Printf("[gateway] %s: bad tcpip-forward payload: %v", s.fingerprint, err)
		_ = req.Reply(false, nil)
		return
	}
	if msg.Port != 0 {
		// Tunnel ports are assigned here, never requested.
		log.Printf("[gateway] %s: refusing forward for fixed port %d", s.fingerprint, msg.Port)
		_ = req.Reply(false, nil)
		return
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Printf("[gateway] %s: bind tunnel listener: %v", s.fingerprint, err)
		_ = req.Reply(false, nil)
		return
	}
	port := uint32(ln.Addr().(*net.TCPAddr).Port)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		_ = req.Reply(false, nil)
		return
	}
	s.forwards[port] = ln
	s.tunnelPort = int(port)
	s.mu.Unlock()

	// Reply carries the assigned port so the agent's listener learns it.
	var reply [4]byte
	binary.BigEndian.PutUint32(reply[:], port)
	_ = req.Reply(true, reply[:])
	log.Printf("[gateway] %s: reverse tunnel on 127.0.0.1:%d", s.fingerprint, port)

	go s.runListener(ln, port)
}

func (s *session) handleCancelForward(req *ssh.Request) {
	var msg tcpipForwardMsg
	if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
		_ = req.Reply(false, nil)
		return
	}
	s.mu.Lock()
	ln, ok := s.forwards[msg.Port]
	delete(s.forwards, msg.Port)
	s.mu.Unlock()
	if ok {
		_ = ln.Close()
	}
	_ = req.Reply(ok, nil)
}

// handleRegister resolves a registration request against the Registrar.
// The tunnel port and key fingerprint are filled in here; the agent's
// own claims for either are ignored.
func (s *session) handleRegister(req *ssh.Request) {
	rpcReq, err := protocol.ParseRequest(req.Payload)
	if err != nil {
		log.Printf("[gateway] %s: bad register payload: %v", s.fingerprint, err)
		_ = req.Reply(false, nil)
		return
	}
	params, err := protocol.DecodeRegisterParams(rpcReq.Params)
	if err != nil {
		s.replyRegister(req, protocol.Errorf(rpcReq.ID, protocol.CodeInvalidParams, "%v", err))
		return
	}

	s.mu.Lock()
	port := s.tunnelPort
	s.mu.Unlock()
	if port == 0 {
		s.replyRegister(req, protocol.Errorf(rpcReq.ID, protocol.CodeInvalidParams, "no reverse forward established"))
		return
	}

	params.ClientInfo.TunnelPort = port
	params.Identity.PublicKeyFingerprint = s.fingerprint

	client, err := s.gw.cfg.Registrar.Register(params)
	if err != nil {
		log.Printf("[gateway] %s: registration rejected: %v", s.fingerprint, err)
		s.replyRegister(req, protocol.Errorf(rpcReq.ID, protocol.CodeInvalidParams, "%v", err))
		return
	}

	s.mu.Lock()
	s.clientID = params.ClientInfo.ClientID
	s.mu.Unlock()

	log.Printf("[gateway] registered %s (%s) on port %d", client.UUID, client.DisplayName, port)
	s.replyRegister(req, protocol.Result(rpcReq.ID, protocol.RegisterResult{
		Registered:  client.UUID,
		DisplayName: client.DisplayName,
	}))
}

// replyRegister sends a bare JSON response as the global request's
// reply payload. The SSH packet delimits it, so no length prefix.
func (s *session) replyRegister(req *ssh.Request, resp *protocol.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		_ = req.Reply(false, nil)
		return
	}
	_ = req.Reply(true, body)
}

// runListener accepts TCP connections on a tunnel port and proxies each
// through a forwarded-tcpip channel. In-flight transfers are drained
// before it returns.
func (s *session) runListener(ln net.Listener, port uint32) {
	var proxyWg sync.WaitGroup
	defer proxyWg.Wait()
	for {
		tc, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		proxyWg.Add(1)
		go func() {
			defer proxyWg.Done()
			defer tc.Close()
			s.forwardConn(tc, port)
		}()
	}
}

// forwardedTCPPayload is the wire encoding for a "forwarded-tcpip"
// channel open payload (RFC 4254 §7.2). Addr and Port must match the
// listener the agent requested or its client will reject the channel.
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func (s *session) forwardConn(tc net.Conn, port uint32) {
	originAddr, originPortStr, _ := net.SplitHostPort(tc.RemoteAddr().String())
	originPort := uint32(0)
	fmt.Sscanf(originPortStr, "%d", &originPort)

	payload := ssh.Marshal(forwardedTCPPayload{
		Addr:       "127.0.0.1",
		Port:       port,
		OriginAddr: originAddr,
		OriginPort: originPort,
	})

	ch, reqCh, err := s.conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		log.Printf("[gateway] open forwarded-tcpip for port %d: %v", port, err)
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqCh)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(ch, tc) }()
	go func() { defer wg.Done(); _, _ = io.Copy(tc, ch) }()
	wg.Wait()
}

// close tears the session down once: tunnel listeners first, then the
// SSH connection, then the Registrar. Disconnect is keyed by client id,
// so a session superseded by a reconnect leaves the replacement alone.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := make([]net.Listener, 0, len(s.forwards))
	for _, ln := range s.forwards {
		listeners = append(listeners, ln)
	}
	s.forwards = nil
	clientID := s.clientID
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	_ = s.conn.Close()

	if clientID != "" {
		if c, ok := s.gw.cfg.Registrar.Disconnect(clientID); ok {
			log.Printf("[gateway] %s (%s) disconnected", c.UUID, c.DisplayName)
		}
	}
}
