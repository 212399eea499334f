package directory

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"safechat/server/internal/protocol"
)

// Connection lifecycle states.
const (
	StateAccepted int32 = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

// StateName returns the lowercase label for a connection state.
func StateName(s int32) string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is one live client connection. The transport's writer goroutine
// drains Send; everything else may only write to it through the directory's
// delivery methods, which never block longer than SendTimeout.
type Conn struct {
	ID         string
	RemoteIP   string
	RemotePort int // set by the transport before Register, immutable after
	Send       chan *protocol.Envelope

	state      atomic.Int32
	userID     atomic.Int64
	username   atomic.Pointer[string]
	token      atomic.Pointer[string]
	lastSeen   atomic.Int64 // unix millis
	slowDrops  atomic.Uint64
	slowStreak atomic.Uint64

	closeOnce sync.Once
}

// NewConn returns a connection in the accepted state with a fresh id and a
// bounded send queue.
func NewConn(remoteIP string, sendBuffer int) *Conn {
	c := &Conn{
		ID:       uuid.NewString(),
		RemoteIP: remoteIP,
		Send:     make(chan *protocol.Envelope, sendBuffer),
	}
	c.Touch()
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() int32 { return c.state.Load() }

// BeginClose moves the connection to closing exactly once and reports
// whether this call won the transition.
func (c *Conn) BeginClose() bool {
	for {
		s := c.state.Load()
		if s >= StateClosing {
			return false
		}
		if c.state.CompareAndSwap(s, StateClosing) {
			return true
		}
	}
}

// Close marks the connection closed and closes its send queue, waking the
// writer. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(StateClosed)
		close(c.Send)
	})
}

// setUser records the authenticated identity. Called by the directory under
// its lock.
func (c *Conn) setUser(userID int64, username, token string) {
	c.userID.Store(userID)
	c.username.Store(&username)
	c.token.Store(&token)
	c.state.Store(StateAuthenticated)
}

// clearUser drops the authenticated identity and returns the connection to
// the accepted state. Called by the directory under its lock on logout.
func (c *Conn) clearUser() {
	c.userID.Store(0)
	c.username.Store(nil)
	c.token.Store(nil)
	c.state.CompareAndSwap(StateAuthenticated, StateAccepted)
}

// UserID returns the authenticated account id, or 0 before login.
func (c *Conn) UserID() int64 { return c.userID.Load() }

// Username returns the authenticated username, or "" before login.
func (c *Conn) Username() string {
	if p := c.username.Load(); p != nil {
		return *p
	}
	return ""
}

// Token returns the session token bound at login, or "" before login.
func (c *Conn) Token() string {
	if p := c.token.Load(); p != nil {
		return *p
	}
	return ""
}

// Authenticated reports whether the connection has completed login.
func (c *Conn) Authenticated() bool { return c.state.Load() == StateAuthenticated }

// Touch stamps the connection as active now.
func (c *Conn) Touch() { c.lastSeen.Store(time.Now().UnixMilli()) }

// LastSeen returns the last activity stamp as Unix millis.
func (c *Conn) LastSeen() int64 { return c.lastSeen.Load() }

// SlowDrops returns how many envelopes were dropped because this
// connection's send queue stayed full past SendTimeout.
func (c *Conn) SlowDrops() uint64 { return c.slowDrops.Load() }
