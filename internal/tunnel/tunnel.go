// Package tunnel maintains the agent's control connection to the reach
// server. It dials out over SSH, publishes a reverse listener on the
// server's loopback, registers the agent identity, and then serves every
// stream the server opens back through the tunnel: framed JSON-RPC for
// control requests and a minimal in-process SSH endpoint for SFTP.
package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/jfreed-dev/reach/internal/agent"
	"github.com/jfreed-dev/reach/internal/pathpolicy"
	"github.com/jfreed-dev/reach/internal/protocol"
	"github.com/jfreed-dev/reach/internal/sftpserver"
	"github.com/jfreed-dev/reach/internal/version"
)

const (
	dialTimeout       = 15 * time.Second
	keepaliveInterval = 30 * time.Second
	headerTimeout     = 10 * time.Second
	initialBackoff    = 5 * time.Second
	maxBackoff        = 5 * time.Minute
)

var sshBanner = []byte("SSH-")

// DefaultCapabilities is advertised when the configured identity does
// not name its own set.
var DefaultCapabilities = []string{
	protocol.MethodRunCommand,
	protocol.MethodReadFile,
	protocol.MethodWriteFile,
	protocol.MethodListFiles,
	protocol.MethodHeartbeat,
	protocol.MethodGetMetrics,
	protocol.MethodSSHSessionOpen,
	protocol.MethodSSHSessionCommand,
	protocol.MethodSSHSessionClose,
	protocol.MethodSSHSessionList,
	"sftp",
}

// Config carries everything an Agent needs to reach the server.
type Config struct {
	// ServerAddr is the host:port of the server's SSH gateway.
	ServerAddr string
	// User is the SSH username presented to the gateway. The gateway
	// authenticates by public key and treats the name as advisory.
	User string
	// Signer holds the agent's private key.
	Signer ssh.Signer
	// ServerFingerprint optionally pins the server host key
	// (SHA256:... form). Empty accepts any host key, matching the
	// original client's known_hosts=None behavior.
	ServerFingerprint string
	// Identity is sent at registration. An empty uuid asks the server
	// to issue one.
	Identity protocol.Identity
	// Policy bounds file access for RPC file methods and SFTP.
	Policy *pathpolicy.Policy
	// OnUUIDAssigned is called when the server issues or corrects the
	// agent's uuid, so the caller can persist it. Optional.
	OnUUIDAssigned func(uuid string) error
}

// Agent is the client side of the tunnel. Run blocks until the context
// is canceled, reconnecting with exponential backoff whenever the
// control connection drops.
type Agent struct {
	cfg        Config
	dispatcher *agent.Dispatcher
	clientID   string
	sshConfig  *ssh.ServerConfig

	mu      sync.Mutex
	current *ssh.Client
}

// New validates cfg and prepares an Agent. The in-tunnel SSH endpoint
// gets a fresh ephemeral host key per process.
func New(cfg Config) (*Agent, error) {
	if cfg.ServerAddr == "" {
		return nil, errors.New("tunnel: server address is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("tunnel: agent key is required")
	}
	if cfg.User == "" {
		cfg.User = "agent"
	}
	if cfg.Policy == nil {
		cfg.Policy = pathpolicy.New(nil)
	}
	if len(cfg.Identity.Capabilities) == 0 {
		cfg.Identity.Capabilities = DefaultCapabilities
	}
	cfg.Identity.PublicKeyFingerprint = ssh.FingerprintSHA256(cfg.Signer.PublicKey())

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tunnel: generate host key: %w", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		return nil, fmt.Errorf("tunnel: host key signer: %w", err)
	}

	// The SSH endpoint only ever answers streams arriving through the
	// already-authenticated tunnel, which terminates on the server's
	// loopback, so it does not authenticate again.
	sshConfig := &ssh.ServerConfig{NoClientAuth: true}
	sshConfig.AddHostKey(hostSigner)

	return &Agent{
		cfg:        cfg,
		dispatcher: agent.NewDispatcher(cfg.Policy),
		clientID:   uuid.NewString(),
		sshConfig:  sshConfig,
	}, nil
}

// ClientID reports the per-process connection id sent at registration.
func (a *Agent) ClientID() string { return a.clientID }

// Run connects, registers, and serves tunnel streams until ctx is
// canceled. Backoff starts at 5s, doubles per failed attempt, caps at
// 5min, and resets after any successful registration.
func (a *Agent) Run(ctx context.Context) error {
	defer a.dispatcher.Sessions().CloseAll()

	backoff := initialBackoff
	for {
		registered, err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			backoff = initialBackoff
		}
		log.Printf("tunnel: connection to %s lost: %v (retrying in %s)", a.cfg.ServerAddr, err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// runOnce performs one full connection lifecycle. The bool reports
// whether registration completed, which resets the caller's backoff.
func (a *Agent) runOnce(ctx context.Context) (bool, error) {
	client, err := a.dial(ctx)
	if err != nil {
		return false, err
	}
	a.setCurrent(client)
	defer func() {
		a.setCurrent(nil)
		client.Close()
	}()

	// The server binds a loopback port for us; everything it sends our
	// way arrives as accepted connections on this listener.
	listener, err := client.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return false, fmt.Errorf("reverse listener: %w", err)
	}
	defer listener.Close()
	port := listenerPort(listener.Addr())

	assigned, displayName, err := a.register(client, port)
	if err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	if assigned != "" && assigned != a.cfg.Identity.UUID {
		a.cfg.Identity.UUID = assigned
		if a.cfg.OnUUIDAssigned != nil {
			if err := a.cfg.OnUUIDAssigned(assigned); err != nil {
				log.Printf("tunnel: persist assigned uuid: %v", err)
			}
		}
	}
	log.Printf("tunnel: registered as %q (%s), tunnel port %d", displayName, a.cfg.Identity.UUID, port)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()
	go a.keepalive(client, done)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return true, fmt.Errorf("tunnel accept: %w", err)
		}
		go a.handleConn(conn)
	}
}

func (a *Agent) setCurrent(c *ssh.Client) {
	a.mu.Lock()
	a.current = c
	a.mu.Unlock()
}

// Close drops the live control connection, if any. Run's reconnect loop
// keeps going unless its context is also canceled.
func (a *Agent) Close() error {
	a.mu.Lock()
	c := a.current
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (a *Agent) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", a.cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.cfg.ServerAddr, err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, a.cfg.ServerAddr, a.clientConfig())
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

func (a *Agent) clientConfig() *ssh.ClientConfig {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if pin := a.cfg.ServerFingerprint; pin != "" {
		hostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if got := ssh.FingerprintSHA256(key); got != pin {
				return fmt.Errorf("server key %s does not match pinned %s", got, pin)
			}
			return nil
		}
	}
	return &ssh.ClientConfig{
		User:            a.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(a.cfg.Signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
		ClientVersion:   "SSH-2.0-reach-agent-" + version.Version,
	}
}

// register sends the registration global request and returns the
// canonical uuid plus display name from the server's reply.
func (a *Agent) register(client *ssh.Client, port int) (string, string, error) {
	payload, err := a.registerPayload(port)
	if err != nil {
		return "", "", err
	}
	ok, reply, err := client.SendRequest(protocol.RegisterRequestName, true, payload)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", errors.New("server refused registration request")
	}
	resp, err := protocol.ParseResponse(reply)
	if err != nil {
		return "", "", err
	}
	if resp.Error != nil {
		return "", "", fmt.Errorf("rejected: %s", resp.Error.Message)
	}
	result, _ := resp.Result.(map[string]any)
	assigned, _ := result["registered"].(string)
	displayName, _ := result["display_name"].(string)
	if assigned == "" {
		return "", "", errors.New("reply carries no uuid")
	}
	return assigned, displayName, nil
}

func (a *Agent) registerPayload(port int) ([]byte, error) {
	return protocol.EncodeRegisterRequest(protocol.RegisterParams{
		Identity: a.cfg.Identity,
		ClientInfo: protocol.ClientInfo{
			ClientID:   a.clientID,
			Hostname:   hostname(),
			Platform:   runtime.GOOS,
			Username:   currentUsername(),
			TunnelPort: port,
		},
	}, uuid.NewString())
}

func (a *Agent) keepalive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// A false reply still proves the transport is alive.
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("tunnel: keepalive failed: %v", err)
				client.Close()
				return
			}
		}
	}
}

// handleConn sniffs the first bytes of a tunnel stream to tell an SSH
// handshake (SFTP) from a length-prefixed RPC frame, whose first byte is
// always 0x00 for any frame under 16MiB.
func (a *Agent) handleConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(headerTimeout))
	br := bufio.NewReader(conn)
	head, err := br.Peek(len(sshBanner))
	if err != nil {
		log.Printf("tunnel: stream header from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	stream := &bufferedConn{Conn: conn, r: br}
	if bytes.Equal(head, sshBanner) {
		a.serveSFTP(stream)
		return
	}
	a.serveRPC(stream)
}

// serveRPC answers framed requests one at a time, in arrival order.
func (a *Agent) serveRPC(conn net.Conn) {
	defer conn.Close()
	for {
		body, err := protocol.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("tunnel: rpc read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		req, err := protocol.ParseRequest(body)
		if err != nil {
			resp := protocol.Errorf(nil, protocol.CodeCommandFailed, "invalid request: %v", err)
			if writeResponse(conn, resp) != nil {
				return
			}
			continue
		}
		resp := a.dispatcher.Handle(req)
		if req.ID == nil {
			// Fire-and-forget: the caller does not want a reply.
			continue
		}
		if err := writeResponse(conn, resp); err != nil {
			log.Printf("tunnel: rpc write to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func writeResponse(conn net.Conn, resp *protocol.Response) error {
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

// serveSFTP runs the stream through an SSH handshake and exposes only
// the sftp subsystem on session channels.
func (a *Agent) serveSFTP(conn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, a.sshConfig)
	if err != nil {
		log.Printf("tunnel: sftp handshake from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("tunnel: accept channel: %v", err)
			continue
		}
		go a.serveSession(channel, requests)
	}
}

func (a *Agent) serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		ok := req.Type == "subsystem" && subsystemName(req.Payload) == "sftp"
		if req.WantReply {
			req.Reply(ok, nil)
		}
		if !ok {
			continue
		}
		if err := sftpserver.Serve(channel, a.cfg.Policy); err != nil {
			log.Printf("tunnel: sftp session: %v", err)
		}
		return
	}
}

func subsystemName(payload []byte) string {
	var p struct{ Name string }
	if err := ssh.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Name
}

// bufferedConn replays bytes consumed by the protocol sniff.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func listenerPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
