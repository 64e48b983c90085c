// Package registry tracks agent identities and their live tunnel
// connections. Identities survive reconnects; connections are replaced
// wholesale whenever the same uuid registers again, with every cache
// keyed by the superseded session evicted before the replacement
// becomes visible to readers.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jfreed-dev/reach/internal/events"
	"github.com/jfreed-dev/reach/internal/protocol"
)

// Identity is the durable record for an agent, keyed by uuid.
type Identity struct {
	UUID                 string    `json:"uuid"`
	DisplayName          string    `json:"display_name"`
	Purpose              string    `json:"purpose,omitempty"`
	Tags                 []string  `json:"tags,omitempty"`
	Capabilities         []string  `json:"capabilities,omitempty"`
	PublicKeyFingerprint string    `json:"public_key_fingerprint,omitempty"`
	CreatedBy            string    `json:"created_by"`
	FirstSeen            time.Time `json:"first_seen"`

	// KeyMismatch flags a registration whose key differed from the one
	// on record. The flag sticks until an operator resolves it.
	KeyMismatch         bool   `json:"key_mismatch,omitempty"`
	PreviousFingerprint string `json:"previous_fingerprint,omitempty"`
}

// Connection is the per-session record for a currently-tunneled agent.
type Connection struct {
	ClientID      string    `json:"client_id"`
	IdentityUUID  string    `json:"identity_uuid"`
	TunnelPort    int       `json:"tunnel_port"`
	Hostname      string    `json:"hostname"`
	Platform      string    `json:"platform"`
	Username      string    `json:"username"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Client is the merged operator view of an identity plus its current
// connection, if any.
type Client struct {
	Identity
	Online     bool        `json:"online"`
	Connection *Connection `json:"connection,omitempty"`
}

// ConnectionEvictor drops cached RPC state keyed by a superseded
// connection's client id. Implementations must not call back into the
// registry; they run inside its critical section.
type ConnectionEvictor interface {
	ClearStale(clientID string)
}

// HealthResetter re-arms heartbeat tracking for a uuid. Implementations
// must not call back into the registry.
type HealthResetter interface {
	Reset(uuid, clientID string)
}

// Registry owns identity and connection records.
type Registry struct {
	mu          sync.RWMutex
	identities  map[string]*Identity
	connections map[string]*Connection

	evictor ConnectionEvictor
	health  HealthResetter
	events  *events.Store
}

func New(store *events.Store) *Registry {
	return &Registry{
		identities:  make(map[string]*Identity),
		connections: make(map[string]*Connection),
		events:      store,
	}
}

// SetEvictor wires the connection pool in after construction.
func (r *Registry) SetEvictor(e ConnectionEvictor) {
	r.mu.Lock()
	r.evictor = e
	r.mu.Unlock()
}

// SetHealthResetter wires the health monitor in after construction.
func (r *Registry) SetHealthResetter(h HealthResetter) {
	r.mu.Lock()
	r.health = h
	r.mu.Unlock()
}

// Register installs or refreshes an identity and atomically swaps in
// the new connection. A uuid the registry has never seen is honored as
// the agent's persisted identity; an empty uuid gets a new one. When
// the uuid is known but the key fingerprint differs, the registration
// is still honored and the identity flagged for the operator.
func (r *Registry) Register(params *protocol.RegisterParams) (Client, error) {
	if params == nil {
		return Client{}, errors.New("nil registration payload")
	}
	info := params.ClientInfo
	if info.ClientID == "" {
		return Client{}, errors.New("registration missing client_id")
	}
	if info.TunnelPort <= 0 {
		return Client{}, fmt.Errorf("registration for %q missing tunnel port", params.Identity.DisplayName)
	}

	r.mu.Lock()

	id := params.Identity.UUID
	ident, known := r.identities[id]
	if id == "" || !known {
		if id == "" {
			id = uuid.NewString()
		}
		ident = &Identity{
			UUID:                 id,
			CreatedBy:            "auto",
			FirstSeen:            time.Now().UTC(),
			PublicKeyFingerprint: params.Identity.PublicKeyFingerprint,
		}
		r.identities[id] = ident
	} else {
		presented := params.Identity.PublicKeyFingerprint
		if presented != "" && ident.PublicKeyFingerprint != "" && presented != ident.PublicKeyFingerprint {
			// The key on record stays authoritative; the mismatching key
			// is parked for the operator to resolve.
			ident.KeyMismatch = true
			ident.PreviousFingerprint = presented
			log.Printf("[registry] key mismatch for %s: presented %s, on record %s",
				shortUUID(id), presented, ident.PublicKeyFingerprint)
		} else if presented != "" {
			ident.PublicKeyFingerprint = presented
		}
	}
	applyIdentity(ident, params.Identity)

	// Evict everything keyed by the superseded session, then reset
	// health, then publish. Readers hold the same lock, so the new
	// connection cannot be observed before the caches are clean.
	prior := r.connections[id]
	priorClientID := ""
	if prior != nil {
		priorClientID = prior.ClientID
		if r.evictor != nil {
			r.evictor.ClearStale(priorClientID)
		}
	}
	if r.health != nil {
		r.health.Reset(id, priorClientID)
	}

	now := time.Now().UTC()
	r.connections[id] = &Connection{
		ClientID:      info.ClientID,
		IdentityUUID:  id,
		TunnelPort:    info.TunnelPort,
		Hostname:      info.Hostname,
		Platform:      info.Platform,
		Username:      info.Username,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	view := r.clientLocked(id)
	name := ident.DisplayName
	r.mu.Unlock()

	log.Printf("[registry] registered %s (%s) on tunnel port %d", name, shortUUID(id), info.TunnelPort)
	if r.events != nil {
		r.events.Add(events.TypeClientConnected, id, name, "Connected", nil)
	}
	return view, nil
}

// applyIdentity refreshes agent-authored metadata. The uuid, creation
// facts, and fingerprint state are managed elsewhere.
func applyIdentity(dst *Identity, src protocol.Identity) {
	if src.DisplayName != "" {
		dst.DisplayName = src.DisplayName
	}
	if src.Purpose != "" {
		dst.Purpose = src.Purpose
	}
	if len(src.Tags) > 0 {
		dst.Tags = append([]string(nil), src.Tags...)
	}
	if len(src.Capabilities) > 0 {
		dst.Capabilities = append([]string(nil), src.Capabilities...)
	}
}

// Disconnect removes the connection matching clientID, if it is still
// current. A replacement session for the same uuid keeps the newer
// record; the late disconnect of the old session is then a no-op.
func (r *Registry) Disconnect(clientID string) (Client, bool) {
	r.mu.Lock()
	var id string
	for uid, conn := range r.connections {
		if conn.ClientID == clientID {
			id = uid
			break
		}
	}
	if id == "" {
		r.mu.Unlock()
		return Client{}, false
	}
	delete(r.connections, id)
	if r.evictor != nil {
		r.evictor.ClearStale(clientID)
	}
	view := r.clientLocked(id)
	r.mu.Unlock()

	log.Printf("[registry] client %s disconnected", shortUUID(id))
	if r.events != nil {
		r.events.Add(events.TypeClientDisconnected, id, view.DisplayName, "Disconnected",
			map[string]any{"reason": "ssh_disconnect"})
	}
	return view, true
}

// MarkOffline drops uuid's connection after repeated heartbeat
// failures.
func (r *Registry) MarkOffline(id, reason string) bool {
	r.mu.Lock()
	conn, ok := r.connections[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.connections, id)
	if r.evictor != nil {
		r.evictor.ClearStale(conn.ClientID)
	}
	view := r.clientLocked(id)
	r.mu.Unlock()

	log.Printf("[registry] client %s marked offline: %s", shortUUID(id), reason)
	if r.events != nil {
		r.events.Add(events.TypeClientDisconnected, id, view.DisplayName, "Disconnected",
			map[string]any{"reason": reason})
	}
	return true
}

// TouchHeartbeat records a successful probe.
func (r *Registry) TouchHeartbeat(id string) {
	r.mu.Lock()
	if conn, ok := r.connections[id]; ok {
		conn.LastHeartbeat = time.Now().UTC()
	}
	r.mu.Unlock()
}

// Client returns the merged view for one uuid.
func (r *Registry) Client(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.identities[id]; !ok {
		return Client{}, false
	}
	return r.clientLocked(id), true
}

// Clients returns every identity, online or not, sorted by display
// name.
func (r *Registry) Clients() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.identities))
	for id := range r.identities {
		out = append(out, r.clientLocked(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

// Connection returns a copy of uuid's live connection record.
func (r *Registry) Connection(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// OnlineUUIDs lists the uuids with a live connection.
func (r *Registry) OnlineUUIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connections))
	for id := range r.connections {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OnlineCount is the number of identities with a live connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// TotalCount is the number of known identities.
func (r *Registry) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

func (r *Registry) clientLocked(id string) Client {
	ident := r.identities[id]
	view := Client{Identity: *ident}
	view.Tags = append([]string(nil), ident.Tags...)
	view.Capabilities = append([]string(nil), ident.Capabilities...)
	if conn, ok := r.connections[id]; ok {
		c := *conn
		view.Online = true
		view.Connection = &c
	}
	return view
}

func shortUUID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
