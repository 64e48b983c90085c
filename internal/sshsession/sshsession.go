// Package sshsession manages persistent outbound SSH sessions the agent
// keeps open on behalf of operators. Each session holds an interactive
// PTY-backed shell; commands are written to the shell and output is
// collected with a quiet-period heuristic, since a shell has no explicit
// end-of-output marker.
package sshsession

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultCommandTimeout bounds a single shell command.
	DefaultCommandTimeout = 300 * time.Second

	keepaliveInterval = 30 * time.Second

	// Terminal geometry requested for the remote PTY. Wide enough that
	// typical tool output does not wrap.
	ptyCols = 200
	ptyRows = 50
)

var (
	// ErrUnknownSession is returned for session ids the manager does not track.
	ErrUnknownSession = errors.New("unknown session")
	// ErrAuth marks SSH authentication failures, as opposed to network errors.
	ErrAuth = errors.New("authentication failed")
)

// Session is one open shell on a remote host. Its output is pumped into
// an internal buffer so commands can poll for accumulated data without
// blocking on the channel.
type Session struct {
	ID        string
	Host      string
	Port      int
	Username  string
	CreatedAt time.Time

	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser

	// cmdMu serializes commands; interleaving writes on one shell would
	// corrupt both outputs.
	cmdMu sync.Mutex

	mu      sync.Mutex
	pending bytes.Buffer
	closed  bool
	done    chan struct{}
}

// take returns and clears everything the shell has produced since the
// last call.
func (s *Session) take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending.String()
	s.pending.Reset()
	return out
}

func (s *Session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close shuts down the shell and the SSH client. Safe to call more than
// once and from multiple goroutines.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.sess.Close()
	return s.client.Close()
}

func (s *Session) pump(stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.pending.Write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			s.Close()
			return
		}
	}
}

func (s *Session) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[ssh-session] %s keepalive failed: %v", s.ID, err)
				s.Close()
				return
			}
		}
	}
}

// OpenOptions carries the optional parts of an open request.
type OpenOptions struct {
	Password string
	KeyFile  string
	Port     int
}

// Manager tracks the agent's open sessions. The timing knobs exist so
// tests can run the quiet-period loop at speed; production code keeps
// the defaults.
type Manager struct {
	// QuietPeriod is how long the shell must stay silent, once some
	// output has arrived, before a command is considered finished.
	QuietPeriod time.Duration
	// PollInterval is the sleep between output polls.
	PollInterval time.Duration
	// DialTimeout bounds the SSH connection attempt.
	DialTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns a Manager with production timing defaults.
func NewManager() *Manager {
	return &Manager{
		QuietPeriod:  2 * time.Second,
		PollInterval: 100 * time.Millisecond,
		DialTimeout:  10 * time.Second,
		sessions:     make(map[string]*Session),
	}
}

// Open dials host, starts an interactive shell, and begins tracking the
// session. The returned string is whatever banner and prompt output the
// shell produced right after startup.
func (m *Manager) Open(host, username string, opts OpenOptions) (*Session, string, error) {
	port := opts.Port
	if port == 0 {
		port = 22
	}

	var auth []ssh.AuthMethod
	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}
	if opts.KeyFile != "" {
		raw, err := os.ReadFile(opts.KeyFile)
		if err != nil {
			return nil, "", fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, "", fmt.Errorf("parse key file %s: %w", opts.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, "", fmt.Errorf("%w: password or key_file required", ErrAuth)
	}

	config := &ssh.ClientConfig{
		User: username,
		Auth: auth,
		// Operator-directed sessions to arbitrary fleet-adjacent hosts;
		// host keys are accepted as presented.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         m.DialTimeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, "", fmt.Errorf("%w for %s@%s: %v", ErrAuth, username, addr, err)
		}
		return nil, "", fmt.Errorf("connect %s: %w", addr, err)
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, "", fmt.Errorf("create session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", ptyRows, ptyCols, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, "", fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, "", fmt.Errorf("stdout pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, "", fmt.Errorf("start shell: %w", err)
	}

	u := uuid.New()
	s := &Session{
		ID:        hex.EncodeToString(u[:4]),
		Host:      host,
		Port:      port,
		Username:  username,
		CreatedAt: time.Now().UTC(),
		client:    client,
		sess:      sess,
		stdin:     stdin,
		done:      make(chan struct{}),
	}

	go s.pump(stdout)
	go s.keepalive()

	// Give the remote shell a moment to print its banner and prompt.
	time.Sleep(500 * time.Millisecond)
	initial := strings.ToValidUTF8(s.take(), "�")

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Printf("[ssh-session] opened %s to %s@%s", s.ID, username, addr)
	return s, initial, nil
}

// Command writes a command line to the session's shell and collects
// output until the deadline or until the shell goes quiet. Reaching the
// deadline is not an error; whatever accumulated is returned.
func (m *Manager) Command(sessionID, command string, timeout time.Duration) (string, error) {
	s := m.Get(sessionID)
	if s == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.take()
	if _, err := io.WriteString(s.stdin, command+"\n"); err != nil {
		return "", fmt.Errorf("write to session %s: %w", sessionID, err)
	}

	var output []byte
	deadline := time.Now().Add(timeout)
	lastData := time.Now()
	for time.Now().Before(deadline) {
		if chunk := s.take(); chunk != "" {
			output = append(output, chunk...)
			lastData = time.Now()
			continue
		}
		if len(output) > 0 && time.Since(lastData) >= m.QuietPeriod {
			break
		}
		if !s.alive() {
			break
		}
		time.Sleep(m.PollInterval)
	}

	return cleanOutput(string(output), command), nil
}

// cleanOutput drops the echoed command line a PTY reflects back and
// trims surrounding whitespace.
func cleanOutput(text, command string) string {
	text = strings.ToValidUTF8(text, "�")
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && strings.Contains(lines[0], command) {
		lines = lines[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Get returns the session for id, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Close tears down a session and stops tracking it. Closing a session
// whose shell already died still succeeds; only unknown ids fail.
func (m *Manager) Close(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if err := s.Close(); err != nil {
		log.Printf("[ssh-session] close %s: %v", sessionID, err)
	}
	return s, nil
}

// List returns tracked sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll tears down every session. Used at agent shutdown; close
// errors are logged and do not stop the sweep.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			log.Printf("[ssh-session] close %s during shutdown: %v", s.ID, err)
		}
	}
}
