package directory

import (
	"errors"
	"testing"
	"time"

	"safechat/server/internal/protocol"
)

func newTestDirectory(maxConns, maxPerIP, maxPerUser int) *Directory {
	return New(maxConns, maxPerIP, maxPerUser)
}

func mustRegister(t *testing.T, d *Directory, ip string) *Conn {
	t.Helper()
	c := NewConn(ip, DefaultSendBuffer)
	if err := d.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return c
}

func mustAuth(t *testing.T, d *Directory, c *Conn, userID int64, username string) {
	t.Helper()
	if err := d.Authenticate(c, userID, username, "tok-"+username); err != nil {
		t.Fatalf("Authenticate(%s): %v", username, err)
	}
}

// ---- admission caps ----

func TestRegisterServerBusy(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(2, 0, 0)

	mustRegister(t, d, "10.0.0.1")
	mustRegister(t, d, "10.0.0.2")

	c := NewConn("10.0.0.3", DefaultSendBuffer)
	if err := d.Register(c); !errors.Is(err, ErrServerBusy) {
		t.Fatalf("third Register err = %v, want ErrServerBusy", err)
	}
	if got := d.ConnCount(); got != 2 {
		t.Fatalf("ConnCount = %d, want 2", got)
	}
}

func TestRegisterPerIPLimit(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 2, 0)

	mustRegister(t, d, "10.0.0.1")
	mustRegister(t, d, "10.0.0.1")

	c := NewConn("10.0.0.1", DefaultSendBuffer)
	if err := d.Register(c); !errors.Is(err, ErrIPLimit) {
		t.Fatalf("Register err = %v, want ErrIPLimit", err)
	}

	// A different address is still admitted.
	mustRegister(t, d, "10.0.0.2")
}

func TestAuthenticatePerUserLimit(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 0, 2)

	c1 := mustRegister(t, d, "10.0.0.1")
	c2 := mustRegister(t, d, "10.0.0.2")
	c3 := mustRegister(t, d, "10.0.0.3")

	mustAuth(t, d, c1, 7, "alice")
	mustAuth(t, d, c2, 7, "alice")

	if err := d.Authenticate(c3, 7, "alice", "tok"); !errors.Is(err, ErrUserSessionLimit) {
		t.Fatalf("third Authenticate err = %v, want ErrUserSessionLimit", err)
	}

	// Dropping one session frees a slot.
	d.Drop(c1)
	mustAuth(t, d, c3, 7, "alice")
}

func TestAuthenticateUnregistered(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 0, 0)

	c := NewConn("10.0.0.1", DefaultSendBuffer)
	if err := d.Authenticate(c, 1, "alice", "tok"); err == nil {
		t.Fatal("Authenticate on unregistered conn succeeded")
	}
}

// ---- delivery ----

func TestSendToUserFanOut(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 0, 0)

	c1 := mustRegister(t, d, "10.0.0.1")
	c2 := mustRegister(t, d, "10.0.0.2")
	mustAuth(t, d, c1, 7, "alice")
	mustAuth(t, d, c2, 7, "alice")

	env := protocol.NewSystemNotification("hello")
	if sent := d.SendToUser(7, env); sent != 2 {
		t.Fatalf("SendToUser sent = %d, want 2", sent)
	}
	for _, c := range []*Conn{c1, c2} {
		select {
		case got := <-c.Send:
			if got.Message != "hello" {
				t.Fatalf("delivered message = %q, want %q", got.Message, "hello")
			}
		default:
			t.Fatalf("conn %s received nothing", c.ID)
		}
	}

	if sent := d.SendToUser(99, env); sent != 0 {
		t.Fatalf("SendToUser(unknown) sent = %d, want 0", sent)
	}
}

func TestSendToUsername(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 0, 0)

	c := mustRegister(t, d, "10.0.0.1")
	mustAuth(t, d, c, 3, "bob")

	if sent := d.SendToUsername("bob", protocol.NewSystemNotification("hi")); sent != 1 {
		t.Fatalf("SendToUsername sent = %d, want 1", sent)
	}
	if sent := d.SendToUsername("nobody", protocol.NewSystemNotification("hi")); sent != 0 {
		t.Fatalf("SendToUsername(unknown) sent = %d, want 0", sent)
	}
}

func TestSlowConsumerDropped(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 0, 0)

	c := NewConn("10.0.0.1", 1)
	if err := d.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mustAuth(t, d, c, 5, "carol")

	env := protocol.NewSystemNotification("x")
	if sent := d.SendToUser(5, env); sent != 1 {
		t.Fatalf("first send = %d, want 1", sent)
	}
	// Queue full and nobody draining: the second send times out.
	if sent := d.SendToUser(5, env); sent != 0 {
		t.Fatalf("second send = %d, want 0", sent)
	}
	if got := c.SlowDrops(); got != 1 {
		t.Fatalf("SlowDrops = %d, want 1", got)
	}

	st := d.Stats()
	if st.Delivered != 1 || st.Dropped != 1 {
		t.Fatalf("Stats = %+v, want Delivered 1 Dropped 1", st)
	}
}

func TestBroadcastSkipsClosedConn(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 0, 0)

	open := mustRegister(t, d, "10.0.0.1")
	closed := mustRegister(t, d, "10.0.0.2")
	closed.Close() // closed but not yet dropped from the directory

	// Must not panic on the closed send queue.
	sent := d.Broadcast(protocol.NewSystemNotification("bye"))
	if sent != 1 {
		t.Fatalf("Broadcast sent = %d, want 1", sent)
	}
	select {
	case <-open.Send:
	default:
		t.Fatal("open conn received nothing")
	}
}

// ---- lifecycle ----

func TestDropReleasesEverything(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 1, 0)

	c := mustRegister(t, d, "10.0.0.1")
	mustAuth(t, d, c, 7, "alice")
	d.SetEndpoint(7, Endpoint{Username: "alice", IP: "1.2.3.4", Port: 9000})

	d.Drop(c)

	if d.IsOnline(7) {
		t.Fatal("user still online after Drop")
	}
	if _, ok := d.Endpoint(7); ok {
		t.Fatal("endpoint survived last conn")
	}
	if got := d.ConnCount(); got != 0 {
		t.Fatalf("ConnCount = %d, want 0", got)
	}
	// The per-IP slot is free again.
	mustRegister(t, d, "10.0.0.1")

	// Dropping twice is harmless.
	d.Drop(c)
}

func TestDeauthenticateReturnsConnToPreAuth(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 0, 0)

	c1 := mustRegister(t, d, "10.0.0.1")
	c2 := mustRegister(t, d, "10.0.0.2")
	mustAuth(t, d, c1, 7, "alice")
	mustAuth(t, d, c2, 7, "alice")
	d.SetEndpoint(7, Endpoint{Username: "alice", IP: "1.2.3.4", Port: 9000})

	if still := d.Deauthenticate(c1); !still {
		t.Fatal("Deauthenticate reported offline while second session lives")
	}
	if c1.Authenticated() {
		t.Fatal("conn still authenticated after Deauthenticate")
	}
	if !d.IsOnline(7) {
		t.Fatal("user offline while second session lives")
	}
	if got := d.ConnCount(); got != 2 {
		t.Fatalf("ConnCount = %d, want 2 (conn stays registered)", got)
	}

	if still := d.Deauthenticate(c2); still {
		t.Fatal("Deauthenticate reported online after last session unbound")
	}
	if _, ok := d.Endpoint(7); ok {
		t.Fatal("endpoint survived last logout")
	}

	// The unbound connection can log in again.
	mustAuth(t, d, c1, 7, "alice")
}

func TestEndpointSurvivesOtherSessions(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 0, 0)

	c1 := mustRegister(t, d, "10.0.0.1")
	c2 := mustRegister(t, d, "10.0.0.2")
	mustAuth(t, d, c1, 7, "alice")
	mustAuth(t, d, c2, 7, "alice")
	d.SetEndpoint(7, Endpoint{Username: "alice", IP: "1.2.3.4", Port: 9000})

	d.Drop(c1)
	if !d.IsOnline(7) {
		t.Fatal("user offline while one session remains")
	}
	ep, ok := d.Endpoint(7)
	if !ok || ep.Port != 9000 {
		t.Fatalf("endpoint = %+v ok=%v, want port 9000", ep, ok)
	}

	d.Drop(c2)
	if _, ok := d.Endpoint(7); ok {
		t.Fatal("endpoint survived after last session dropped")
	}
}

func TestOnlineUserIDs(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 0, 0)

	c1 := mustRegister(t, d, "10.0.0.1")
	c2 := mustRegister(t, d, "10.0.0.2")
	mustAuth(t, d, c1, 1, "alice")
	mustAuth(t, d, c2, 2, "bob")

	ids := d.OnlineUserIDs()
	if len(ids) != 2 {
		t.Fatalf("OnlineUserIDs = %v, want 2 entries", ids)
	}
	seen := map[int64]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("OnlineUserIDs = %v, want {1,2}", ids)
	}
}

func TestPruneIdleConns(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(0, 0, 0)

	stale := mustRegister(t, d, "10.0.0.1")
	fresh := mustRegister(t, d, "10.0.0.2")
	mustAuth(t, d, stale, 1, "alice")
	mustAuth(t, d, fresh, 2, "bob")

	// Age the first connection past the idle window.
	stale.lastSeen.Store(time.Now().Add(-time.Hour).UnixMilli())

	if n := d.Prune(time.Minute); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
	if d.IsOnline(1) {
		t.Fatal("stale user still online")
	}
	if !d.IsOnline(2) {
		t.Fatal("fresh user pruned")
	}
	if stale.State() != StateClosed {
		t.Fatalf("stale conn state = %s, want closed", StateName(stale.State()))
	}
}

// ---- conn state machine ----

func TestConnStateTransitions(t *testing.T) {
	t.Parallel()

	c := NewConn("10.0.0.1", DefaultSendBuffer)
	if c.State() != StateAccepted {
		t.Fatalf("initial state = %s", StateName(c.State()))
	}
	if c.Authenticated() {
		t.Fatal("fresh conn reports authenticated")
	}

	c.setUser(9, "dave", "tok")
	if !c.Authenticated() {
		t.Fatal("conn not authenticated after setUser")
	}
	if c.UserID() != 9 || c.Username() != "dave" || c.Token() != "tok" {
		t.Fatalf("identity = (%d, %q, %q)", c.UserID(), c.Username(), c.Token())
	}

	if !c.BeginClose() {
		t.Fatal("BeginClose returned false on live conn")
	}
	if c.BeginClose() {
		t.Fatal("second BeginClose returned true")
	}

	c.Close()
	c.Close() // idempotent
	if c.State() != StateClosed {
		t.Fatalf("state after Close = %s", StateName(c.State()))
	}
	if _, ok := <-c.Send; ok {
		t.Fatal("send queue still open after Close")
	}
}

func TestConnTouch(t *testing.T) {
	t.Parallel()

	c := NewConn("10.0.0.1", DefaultSendBuffer)
	before := c.LastSeen()
	time.Sleep(5 * time.Millisecond)
	c.Touch()
	if c.LastSeen() <= before {
		t.Fatalf("LastSeen not advanced: before=%d after=%d", before, c.LastSeen())
	}
}
