// Package directory is the in-memory registry of live connections. It
// answers "who is online and how do I reach them" for the fan-out path and
// enforces the admission caps: total connections, connections per source IP,
// and authenticated sessions per account.
package directory

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"safechat/server/internal/protocol"
)

// SendTimeout bounds how long a delivery to one connection may block before
// the envelope is dropped and the drop counted.
const SendTimeout = 50 * time.Millisecond

// DefaultSendBuffer is the per-connection outbound queue depth.
const DefaultSendBuffer = 64

// SlowConsumerStreak is how many consecutive timed-out deliveries a
// connection survives before it is dropped. Any accepted delivery resets
// the streak.
const SlowConsumerStreak = 32

// Admission errors.
var (
	ErrServerBusy       = errors.New("server at connection capacity")
	ErrIPLimit          = errors.New("too many connections from this address")
	ErrUserSessionLimit = errors.New("too many sessions for this account")
)

// Endpoint is the reachability hint a client advertises via heartbeat, served
// back to its contacts in directory lookups.
type Endpoint struct {
	Username  string
	IP        string
	Port      int
	PublicKey string
	UpdatedAt int64 // unix millis
}

// Stats is a point-in-time directory snapshot. Delivered and Dropped reset
// on every call to Stats, matching the metrics ticker's per-interval
// reporting.
type Stats struct {
	Conns     int
	Users     int
	Delivered uint64
	Dropped   uint64
}

// Directory tracks live connections under a single RWMutex, keyed three
// ways: by connection id, by account id, and by username.
type Directory struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	byUserID   map[int64]map[string]*Conn
	byUsername map[string]map[string]*Conn
	endpoints  map[int64]Endpoint
	ipCounts   map[string]int

	maxConns   int
	maxPerIP   int
	maxPerUser int

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New returns an empty directory with the given admission caps. A cap of
// zero or less disables that check.
func New(maxConns, maxPerIP, maxPerUser int) *Directory {
	return &Directory{
		conns:      make(map[string]*Conn),
		byUserID:   make(map[int64]map[string]*Conn),
		byUsername: make(map[string]map[string]*Conn),
		endpoints:  make(map[int64]Endpoint),
		ipCounts:   make(map[string]int),
		maxConns:   maxConns,
		maxPerIP:   maxPerIP,
		maxPerUser: maxPerUser,
	}
}

// Register admits a freshly accepted connection, enforcing the total and
// per-IP caps.
func (d *Directory) Register(c *Conn) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.maxConns > 0 && len(d.conns) >= d.maxConns {
		return ErrServerBusy
	}
	if d.maxPerIP > 0 && d.ipCounts[c.RemoteIP] >= d.maxPerIP {
		return ErrIPLimit
	}
	d.conns[c.ID] = c
	d.ipCounts[c.RemoteIP]++
	return nil
}

// Authenticate binds a registered connection to an account, enforcing the
// per-account session cap. The connection moves to the authenticated state.
func (d *Directory) Authenticate(c *Conn, userID int64, username, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.conns[c.ID]; !ok {
		return errors.New("connection not registered")
	}
	if d.maxPerUser > 0 && len(d.byUserID[userID]) >= d.maxPerUser {
		return ErrUserSessionLimit
	}

	c.setUser(userID, username, token)
	if d.byUserID[userID] == nil {
		d.byUserID[userID] = make(map[string]*Conn)
	}
	d.byUserID[userID][c.ID] = c
	if d.byUsername[username] == nil {
		d.byUsername[username] = make(map[string]*Conn)
	}
	d.byUsername[username][c.ID] = c
	return nil
}

// Deauthenticate unbinds a connection from its account without closing it.
// The connection stays registered and returns to the pre-login state; the
// endpoint hint is cleared when this was the account's last session. Reports
// whether the account still has other live sessions.
func (d *Directory) Deauthenticate(c *Conn) (stillOnline bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	userID := c.UserID()
	if userID == 0 {
		return false
	}
	if peers := d.byUserID[userID]; peers != nil {
		delete(peers, c.ID)
		stillOnline = len(peers) > 0
		if !stillOnline {
			delete(d.byUserID, userID)
			delete(d.endpoints, userID)
		}
	}
	if peers := d.byUsername[c.Username()]; peers != nil {
		delete(peers, c.ID)
		if len(peers) == 0 {
			delete(d.byUsername, c.Username())
		}
	}
	c.clearUser()
	return stillOnline
}

// Drop removes a connection from every index and closes it. The endpoint
// hint survives until the account's last connection is gone. Dropping an
// unknown or already-dropped connection is a no-op.
func (d *Directory) Drop(c *Conn) {
	d.mu.Lock()
	if _, ok := d.conns[c.ID]; !ok {
		d.mu.Unlock()
		c.Close()
		return
	}
	delete(d.conns, c.ID)
	if n := d.ipCounts[c.RemoteIP]; n <= 1 {
		delete(d.ipCounts, c.RemoteIP)
	} else {
		d.ipCounts[c.RemoteIP] = n - 1
	}

	if userID := c.UserID(); userID != 0 {
		if peers := d.byUserID[userID]; peers != nil {
			delete(peers, c.ID)
			if len(peers) == 0 {
				delete(d.byUserID, userID)
				delete(d.endpoints, userID)
			}
		}
		if peers := d.byUsername[c.Username()]; peers != nil {
			delete(peers, c.ID)
			if len(peers) == 0 {
				delete(d.byUsername, c.Username())
			}
		}
	}
	d.mu.Unlock()

	c.Close()
}

// trySend queues env on one connection, giving up after SendTimeout. The
// recover absorbs the race where the connection closes its queue while we
// hold a reference.
func (d *Directory) trySend(c *Conn, env *protocol.Envelope) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.Send <- env:
		c.slowStreak.Store(0)
		d.delivered.Add(1)
		return true
	case <-time.After(SendTimeout):
		c.slowDrops.Add(1)
		d.dropped.Add(1)
		slog.Debug("send timeout, dropping envelope",
			"conn_id", c.ID, "user", c.Username(), "type", env.Type)
		if c.slowStreak.Add(1) >= SlowConsumerStreak {
			slog.Warn("slow consumer, closing connection",
				"conn_id", c.ID, "user", c.Username(), "drops", c.SlowDrops())
			d.Drop(c)
		}
		return false
	}
}

// SendToConn queues env for a single connection.
func (d *Directory) SendToConn(c *Conn, env *protocol.Envelope) bool {
	return d.trySend(c, env)
}

// SendToUser queues env for every connection of one account and returns how
// many deliveries were accepted. Targets are snapshotted under the read lock
// and sent after it is released.
func (d *Directory) SendToUser(userID int64, env *protocol.Envelope) int {
	d.mu.RLock()
	targets := make([]*Conn, 0, len(d.byUserID[userID]))
	for _, c := range d.byUserID[userID] {
		targets = append(targets, c)
	}
	d.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if d.trySend(c, env) {
			sent++
		}
	}
	return sent
}

// SendToUsername queues env for every connection logged in under username.
func (d *Directory) SendToUsername(username string, env *protocol.Envelope) int {
	d.mu.RLock()
	targets := make([]*Conn, 0, len(d.byUsername[username]))
	for _, c := range d.byUsername[username] {
		targets = append(targets, c)
	}
	d.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if d.trySend(c, env) {
			sent++
		}
	}
	return sent
}

// Broadcast queues env on every live connection and returns how many
// deliveries were accepted.
func (d *Directory) Broadcast(env *protocol.Envelope) int {
	d.mu.RLock()
	targets := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		targets = append(targets, c)
	}
	d.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if d.trySend(c, env) {
			sent++
		}
	}
	return sent
}

// CloseAll drops every live connection. Used at shutdown after the
// farewell broadcast; returns how many connections were closed.
func (d *Directory) CloseAll() int {
	d.mu.RLock()
	targets := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		targets = append(targets, c)
	}
	d.mu.RUnlock()

	for _, c := range targets {
		d.Drop(c)
	}
	return len(targets)
}

// IsOnline reports whether the account has at least one live connection.
func (d *Directory) IsOnline(userID int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUserID[userID]) > 0
}

// OnlineUserIDs returns the ids of every account with a live connection.
func (d *Directory) OnlineUserIDs() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]int64, 0, len(d.byUserID))
	for id := range d.byUserID {
		ids = append(ids, id)
	}
	return ids
}

// SetEndpoint stores an account's advertised reachability hint.
func (d *Directory) SetEndpoint(userID int64, ep Endpoint) {
	ep.UpdatedAt = time.Now().UnixMilli()
	d.mu.Lock()
	d.endpoints[userID] = ep
	d.mu.Unlock()
}

// Endpoint returns an account's advertised reachability hint, if any.
func (d *Directory) Endpoint(userID int64) (Endpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.endpoints[userID]
	return ep, ok
}

// Prune drops connections idle longer than maxIdle and returns how many
// were closed. Stale connections are snapshotted under the read lock, then
// dropped one by one.
func (d *Directory) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle).UnixMilli()

	d.mu.RLock()
	stale := make([]*Conn, 0)
	for _, c := range d.conns {
		if c.LastSeen() < cutoff {
			stale = append(stale, c)
		}
	}
	d.mu.RUnlock()

	for _, c := range stale {
		slog.Info("pruning idle connection",
			"conn_id", c.ID, "user", c.Username(),
			"idle", time.Since(time.UnixMilli(c.LastSeen())).Round(time.Second))
		d.Drop(c)
	}
	return len(stale)
}

// ConnCount returns the number of live connections.
func (d *Directory) ConnCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// ConnInfo is one connection's admin-facing view.
type ConnInfo struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	RemoteIP  string `json:"remote_ip"`
	State     string `json:"state"`
	LastSeen  int64  `json:"last_seen"`
	QueueLen  int    `json:"queue_len"`
	SlowDrops uint64 `json:"slow_drops"`
}

// Snapshot returns an admin view of every live connection.
func (d *Directory) Snapshot() []ConnInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]ConnInfo, 0, len(d.conns))
	for _, c := range d.conns {
		out = append(out, ConnInfo{
			ID:        c.ID,
			UserID:    c.UserID(),
			Username:  c.Username(),
			RemoteIP:  c.RemoteIP,
			State:     StateName(c.State()),
			LastSeen:  c.LastSeen(),
			QueueLen:  len(c.Send),
			SlowDrops: c.SlowDrops(),
		})
	}
	return out
}

// Stats snapshots the directory and resets the per-interval delivery
// counters.
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	conns := len(d.conns)
	users := len(d.byUserID)
	d.mu.RUnlock()

	return Stats{
		Conns:     conns,
		Users:     users,
		Delivered: d.delivered.Swap(0),
		Dropped:   d.dropped.Swap(0),
	}
}
