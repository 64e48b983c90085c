// Package health runs the heartbeat loop: every interval it probes
// each online client over its tunnel and marks clients offline after
// enough consecutive failures. Fresh registrations get a grace window
// during which failures are not counted, so an agent that is still
// wiring up its listener is not flagged while it settles.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jfreed-dev/reach/internal/protocol"
)

const (
	// DefaultInterval is how often the probe loop sweeps all clients.
	DefaultInterval = 30 * time.Second

	// DefaultGrace is the post-registration window during which probe
	// failures are ignored.
	DefaultGrace = 60 * time.Second

	// DefaultThreshold is the consecutive-failure count that flips a
	// client offline.
	DefaultThreshold = 3

	// DefaultProbeTimeout bounds a single heartbeat round trip.
	DefaultProbeTimeout = 5 * time.Second

	// probeConcurrency caps in-flight probes per sweep so one sweep
	// cannot pile hundreds of tunnel dials onto the server at once.
	probeConcurrency = 8
)

// ClientDirectory is the registry surface the monitor drives.
type ClientDirectory interface {
	OnlineUUIDs() []string
	TouchHeartbeat(id string)
	MarkOffline(id, reason string) bool
}

// Prober issues one RPC over a client's tunnel. Satisfied by
// *pool.Pool.
type Prober interface {
	Call(ctx context.Context, id, method string, params map[string]any) (*protocol.Response, error)
}

// Options tunes the probe loop. Zero fields take the defaults above.
type Options struct {
	Interval     time.Duration
	Grace        time.Duration
	Threshold    int
	ProbeTimeout time.Duration
}

type clientState struct {
	graceDeadline time.Time
	failures      int
}

// Monitor owns the per-uuid heartbeat state. Reset is the only
// cross-task mutator; everything else happens on the probe loop.
type Monitor struct {
	dir    ClientDirectory
	prober Prober
	opts   Options

	mu    sync.Mutex
	state map[string]*clientState

	cancel context.CancelFunc
}

func NewMonitor(dir ClientDirectory, prober Prober, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Grace < 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	return &Monitor{
		dir:    dir,
		prober: prober,
		opts:   opts,
		state:  make(map[string]*clientState),
	}
}

// Reset zeros uuid's failure count and re-arms its grace window. The
// registry calls this inside its critical section before publishing a
// replacement connection, so it must not call back into the registry.
// The superseded session id is informational only; the monitor holds
// no per-session resources.
func (m *Monitor) Reset(id, clientID string) {
	m.mu.Lock()
	m.state[id] = &clientState{graceDeadline: time.Now().Add(m.opts.Grace)}
	m.mu.Unlock()
	if clientID != "" {
		log.Printf("[health] reset %s (replacing session %s)", shortUUID(id), clientID)
	}
}

// Start launches the probe loop. Stop or ctx cancellation ends it
// within one interval.
func (m *Monitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.probeAll(loopCtx)
			}
		}
	}()

	log.Printf("[health] heartbeat monitor started (interval %s, threshold %d, grace %s)",
		m.opts.Interval, m.opts.Threshold, m.opts.Grace)
}

// Stop ends the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// probeAll sweeps every online client once, a bounded number at a
// time.
func (m *Monitor) probeAll(ctx context.Context) {
	online := m.dir.OnlineUUIDs()
	m.prune(online)

	g := new(errgroup.Group)
	g.SetLimit(probeConcurrency)
	for _, id := range online {
		id := id
		g.Go(func() error {
			m.probeOne(ctx, id)
			return nil
		})
	}
	g.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, id string) {
	m.mu.Lock()
	st, ok := m.state[id]
	if !ok {
		// First sight of a client registered before the monitor was
		// tracking it; give it a full grace window.
		st = &clientState{graceDeadline: time.Now().Add(m.opts.Grace)}
		m.state[id] = st
	}
	inGrace := time.Now().Before(st.graceDeadline)
	m.mu.Unlock()
	if inGrace {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	resp, err := m.prober.Call(probeCtx, id, protocol.MethodHeartbeat, nil)
	cancel()

	if err == nil && resp.Error == nil {
		m.mu.Lock()
		st.failures = 0
		m.mu.Unlock()
		m.dir.TouchHeartbeat(id)
		return
	}
	if err == nil {
		err = resp.Error
	}

	m.mu.Lock()
	st.failures++
	n := st.failures
	m.mu.Unlock()
	log.Printf("[health] heartbeat failed for %s (%d/%d): %v", shortUUID(id), n, m.opts.Threshold, err)

	if n >= m.opts.Threshold {
		m.dir.MarkOffline(id, "heartbeat_timeout")
		m.mu.Lock()
		delete(m.state, id)
		m.mu.Unlock()
	}
}

// prune drops state for clients that are no longer online. Entries
// still inside their grace window are kept: Reset runs before the
// registry publishes the new connection, so a freshly re-armed uuid
// may not appear online for another beat.
func (m *Monitor) prune(online []string) {
	keep := make(map[string]bool, len(online))
	for _, id := range online {
		keep[id] = true
	}
	now := time.Now()
	m.mu.Lock()
	for id, st := range m.state {
		if !keep[id] && now.After(st.graceDeadline) {
			delete(m.state, id)
		}
	}
	m.mu.Unlock()
}

func shortUUID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
