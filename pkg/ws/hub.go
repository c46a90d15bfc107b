// Package ws maintains live client connections and fans job events out to
// every connection belonging to a user. Delivery is best-effort: a dead or
// slow connection is pruned and its client resynchronizes from the next
// snapshot on reconnect.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"llmarena/pkg/core"
	"llmarena/pkg/security"
)

// Application close codes, distinct so clients can tell rejection reasons apart.
const (
	CloseConnectionLimit = 4001
	CloseIdleTimeout     = 4002
)

// Defaults for the connection policy.
const (
	DefaultMaxPerUser  = 5
	DefaultIdleTimeout = 90 * time.Second
)

// SnapshotFunc builds the events pushed synchronously to a fresh
// connection: the sync snapshot plus reconstructed init events for any
// running jobs, so a client connecting mid-job can rebuild progress state
// without an event log.
type SnapshotFunc func(userID string) []core.Event

// Hub is the connection manager.
type Hub struct {
	mu          sync.Mutex
	conns       map[string]map[*Conn]struct{}
	maxPerUser  int
	idleTimeout time.Duration
	snapshot    SnapshotFunc
	logger      *slog.Logger
	connGauge   func(delta int)
	closed      bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMaxPerUser caps concurrent connections per user.
func WithMaxPerUser(n int) HubOption {
	return func(h *Hub) { h.maxPerUser = security.ClampConnections(n) }
}

// WithIdleTimeout sets the keepalive window; a connection with no client
// traffic inside it is closed with CloseIdleTimeout.
func WithIdleTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.idleTimeout = d
		}
	}
}

// WithSnapshot sets the on-connect snapshot builder.
func WithSnapshot(fn SnapshotFunc) HubOption {
	return func(h *Hub) { h.snapshot = fn }
}

// WithHubLogger sets the logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithConnGauge registers a callback invoked with +1/-1 as connections
// come and go, for metrics.
func WithConnGauge(fn func(delta int)) HubOption {
	return func(h *Hub) { h.connGauge = fn }
}

// NewHub creates a connection manager.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		conns:       make(map[string]map[*Conn]struct{}),
		maxPerUser:  DefaultMaxPerUser,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// register adds a connection, enforcing the per-user cap, and queues the
// snapshot ahead of any fan-out so the client always sees sync first.
func (h *Hub) register(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return core.ErrHubClosed
	}
	if len(h.conns[c.userID]) >= h.maxPerUser {
		return core.ErrConnectionLimit
	}
	if h.conns[c.userID] == nil {
		h.conns[c.userID] = make(map[*Conn]struct{})
	}
	h.conns[c.userID][c] = struct{}{}

	if h.snapshot != nil {
		for _, event := range h.snapshot(c.userID) {
			c.enqueue(mustMarshal(event))
		}
	}
	if h.connGauge != nil {
		h.connGauge(1)
	}
	h.logger.Debug("connection registered", "user_id", c.userID, "conn_id", c.id, "admin", c.admin)
	return nil
}

// remove drops a connection from the set. Safe to call repeatedly.
func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	set, ok := h.conns[c.userID]
	if ok {
		if _, present := set[c]; present {
			delete(set, c)
			if len(set) == 0 {
				delete(h.conns, c.userID)
			}
			if h.connGauge != nil {
				h.connGauge(-1)
			}
		} else {
			ok = false
		}
	}
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Debug("connection removed", "user_id", c.userID, "conn_id", c.id)
	}
}

// SendToUser fans an event out to every connection of the user. A
// connection that cannot accept the event is removed without aborting
// delivery to its siblings.
func (h *Hub) SendToUser(userID string, event core.Event) {
	data := mustMarshal(event)

	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Warn("dropping dead connection", "user_id", userID, "conn_id", c.id)
			h.remove(c)
		}
	}
}

// BroadcastAdmins sends an event to every admin-flagged connection across
// all users.
func (h *Hub) BroadcastAdmins(event core.Event) {
	data := mustMarshal(event)

	h.mu.Lock()
	var targets []*Conn
	for _, set := range h.conns {
		for c := range set {
			if c.admin {
				targets = append(targets, c)
			}
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.remove(c)
		}
	}
}

// CountForUser reports the user's live connection count.
func (h *Hub) CountForUser(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

// Close shuts every connection down and refuses new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.conns = make(map[string]map[*Conn]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func mustMarshal(event core.Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		// Events are our own structs; a marshal failure is a programming error.
		panic(err)
	}
	return data
}
