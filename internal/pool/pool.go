// Package pool maintains the server side of each agent's tunnel: one
// cached framed-RPC stream per uuid, dialed lazily against the agent's
// reverse-forwarded loopback port, plus on-demand SFTP sessions over
// the same port. Entries are tagged with the client id they were
// dialed for, so a reconnect (which changes the client id) invalidates
// them even when the port number is reused.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/jfreed-dev/reach/internal/protocol"
	"github.com/jfreed-dev/reach/internal/registry"
)

const (
	// tunnelHost is where the gateway binds reverse forwards. Only the
	// server itself can reach an agent's tunnel.
	tunnelHost = "127.0.0.1"

	dialTimeout = 10 * time.Second

	// sftpUser is the username presented to the agent's in-tunnel SSH
	// endpoint. The endpoint accepts any user without credentials; the
	// tunnel itself is the trust boundary.
	sftpUser = "reach"

	// DefaultTimeout bounds a single RPC round trip when the caller's
	// context carries no earlier deadline.
	DefaultTimeout = 300 * time.Second
)

// ErrNoConnection reports that the uuid has no live tunnel to dial.
var ErrNoConnection = errors.New("client has no active tunnel")

// ConnectionSource reports the current tunnel endpoint for a uuid.
// Satisfied by *registry.Registry.
type ConnectionSource interface {
	Connection(id string) (registry.Connection, bool)
}

// conn is one cached RPC stream. Its mutex serializes complete
// request/response exchanges; the agent answers frames in order, so
// interleaved writers would corrupt the pairing.
type conn struct {
	mu       sync.Mutex
	netConn  net.Conn
	clientID string
	port     int
}

// Pool caches RPC streams keyed by identity uuid.
type Pool struct {
	source  ConnectionSource
	timeout time.Duration

	mu    sync.RWMutex
	conns map[string]*conn
}

func New(source ConnectionSource, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pool{
		source:  source,
		timeout: timeout,
		conns:   make(map[string]*conn),
	}
}

// Call sends one request down uuid's tunnel and waits for its reply.
// The exchange is serialized per connection; concurrent callers queue.
// A transport failure evicts the cached stream and surfaces the error,
// it never retries the request, which may already have executed.
func (p *Pool) Call(ctx context.Context, id, method string, params map[string]any) (*protocol.Response, error) {
	if params == nil {
		params = map[string]any{}
	}
	reqID := uuid.NewString()
	body, err := protocol.EncodeRequest(&protocol.Request{Method: method, Params: params, ID: &reqID})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	for attempt := 0; ; attempt++ {
		c, err := p.get(ctx, id)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if !p.isCurrent(id, c) {
			// Evicted while we waited for the stream. One fresh dial
			// is safe; nothing was sent yet.
			c.mu.Unlock()
			if attempt == 0 {
				continue
			}
			return nil, ErrNoConnection
		}
		resp, err := p.exchange(ctx, c, body)
		c.mu.Unlock()
		if err != nil {
			p.evict(id, c)
			return nil, fmt.Errorf("%s to client %s: %w", method, shortUUID(id), err)
		}
		if resp.ID == nil || *resp.ID != reqID {
			p.evict(id, c)
			return nil, fmt.Errorf("%s to client %s: response id mismatch", method, shortUUID(id))
		}
		return resp, nil
	}
}

// exchange writes one frame and reads one, under the caller-held conn
// mutex.
func (p *Pool) exchange(ctx context.Context, c *conn, body []byte) (*protocol.Response, error) {
	if err := c.netConn.SetDeadline(p.deadline(ctx)); err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(c.netConn, body); err != nil {
		return nil, err
	}
	frame, err := protocol.ReadFrame(c.netConn)
	if err != nil {
		return nil, err
	}
	_ = c.netConn.SetDeadline(time.Time{})
	return protocol.ParseResponse(frame)
}

// get returns the cached stream for uuid, dialing if the cache is
// empty or tagged with a superseded session.
func (p *Pool) get(ctx context.Context, id string) (*conn, error) {
	endpoint, ok := p.source.Connection(id)
	if !ok {
		return nil, ErrNoConnection
	}

	p.mu.Lock()
	if c, ok := p.conns[id]; ok {
		if c.clientID == endpoint.ClientID && c.port == endpoint.TunnelPort {
			p.mu.Unlock()
			return c, nil
		}
		delete(p.conns, id)
		c.netConn.Close()
	}
	p.mu.Unlock()

	// Dial outside the lock so one slow agent cannot stall calls to
	// every other client.
	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(tunnelHost, strconv.Itoa(endpoint.TunnelPort)))
	if err != nil {
		return nil, fmt.Errorf("dial tunnel for client %s: %w", shortUUID(id), err)
	}

	nc := &conn{netConn: netConn, clientID: endpoint.ClientID, port: endpoint.TunnelPort}
	p.mu.Lock()
	if existing, ok := p.conns[id]; ok {
		if existing.clientID == endpoint.ClientID && existing.port == endpoint.TunnelPort {
			// Lost the dial race to another caller; use theirs.
			p.mu.Unlock()
			netConn.Close()
			return existing, nil
		}
		delete(p.conns, id)
		existing.netConn.Close()
	}
	p.conns[id] = nc
	p.mu.Unlock()

	log.Printf("[pool] dialed tunnel for client %s on port %d", shortUUID(id), endpoint.TunnelPort)
	return nc, nil
}

func (p *Pool) isCurrent(id string, c *conn) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[id] == c
}

// evict drops c from the cache if it is still the current entry.
func (p *Pool) evict(id string, c *conn) {
	p.mu.Lock()
	if p.conns[id] == c {
		delete(p.conns, id)
	}
	p.mu.Unlock()
	c.netConn.Close()
}

// ClearStale closes and forgets every cached stream tagged with
// clientID. The registry calls this inside its critical section before
// publishing a replacement connection, so it must not call back into
// the registry.
func (p *Pool) ClearStale(clientID string) {
	p.mu.Lock()
	var dropped []*conn
	for id, c := range p.conns {
		if c.clientID == clientID {
			dropped = append(dropped, c)
			delete(p.conns, id)
		}
	}
	p.mu.Unlock()

	for _, c := range dropped {
		c.netConn.Close()
	}
	if len(dropped) > 0 {
		log.Printf("[pool] cleared %d stale stream(s) for session %s", len(dropped), clientID)
	}
}

// CloseAll drops every cached stream. Used during shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.netConn.Close()
	}
	if len(conns) > 0 {
		log.Printf("[pool] closed %d tunnel stream(s)", len(conns))
	}
}

func (p *Pool) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(p.timeout)
	if t, ok := ctx.Deadline(); ok && t.Before(d) {
		return t
	}
	return d
}

// SFTPSession is a live SFTP client over one agent's tunnel. Close
// releases both the SFTP session and the SSH connection under it.
type SFTPSession struct {
	*sftp.Client
	sshClient *ssh.Client
}

func (s *SFTPSession) Close() error {
	err := s.Client.Close()
	if cerr := s.sshClient.Close(); err == nil {
		err = cerr
	}
	return err
}

// SFTP opens a fresh SFTP session to uuid's agent. Sessions are not
// cached; callers close them when the transfer finishes.
func (p *Pool) SFTP(ctx context.Context, id string) (*SFTPSession, error) {
	endpoint, ok := p.source.Connection(id)
	if !ok {
		return nil, ErrNoConnection
	}
	addr := net.JoinHostPort(tunnelHost, strconv.Itoa(endpoint.TunnelPort))

	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tunnel for client %s: %w", shortUUID(id), err)
	}

	// The agent's in-tunnel host key is ephemeral, regenerated every
	// start, so there is nothing durable to pin. The dial never leaves
	// the server's loopback.
	cfg := &ssh.ClientConfig{
		User:            sftpUser,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with client %s: %w", shortUUID(id), err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sc, err := sftp.NewClient(client, sftp.UseConcurrentReads(true), sftp.UseConcurrentWrites(true))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open sftp to client %s: %w", shortUUID(id), err)
	}
	return &SFTPSession{Client: sc, sshClient: client}, nil
}

func shortUUID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
