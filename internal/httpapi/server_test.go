package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"safechat/server/internal/auth"
	"safechat/server/internal/blob"
	"safechat/server/internal/directory"
	"safechat/server/internal/handlers"
	"safechat/server/internal/protocol"
	"safechat/server/internal/router"
	"safechat/server/internal/store"
)

type apiHarness struct {
	st    *store.Store
	am    *auth.Manager
	dir   *directory.Directory
	blobs *blob.Store
	url   string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	temp := t.TempDir()
	st, err := store.Open(filepath.Join(temp, "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := blob.NewStore(filepath.Join(temp, "blobs"), st)
	if err != nil {
		t.Fatalf("create blob store: %v", err)
	}

	d := directory.New(0, 0, 0)
	am := auth.New(st, []byte("test-secret"), time.Hour)
	reg := handlers.New(st, am, d, blobs)
	rt := router.New(d, reg, router.Config{Workers: 1, QueueSize: 16, Version: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)
	t.Cleanup(rt.Wait)

	api := New(ctx, rt, d, st, am, blobs, protocol.NewCodec(false))
	srv := httptest.NewServer(api.Echo())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &apiHarness{st: st, am: am, dir: d, blobs: blobs, url: srv.URL}
}

// bindOnline registers an account and attaches a live directory connection
// for it, the way a logged-in websocket session would.
func (h *apiHarness) bindOnline(t *testing.T, username string) int64 {
	t.Helper()
	u, err := h.am.Register(username, "pw12345678", "", "")
	if err != nil {
		t.Fatalf("register %q: %v", username, err)
	}
	c := directory.NewConn("10.0.0.9", 8)
	if err := h.dir.Register(c); err != nil {
		t.Fatalf("admit conn: %v", err)
	}
	if err := h.dir.Authenticate(c, u.ID, username, "tok-"+username); err != nil {
		t.Fatalf("bind conn: %v", err)
	}
	return u.ID
}

func (h *apiHarness) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(h.url + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthReportsConnections(t *testing.T) {
	h := newAPIHarness(t)
	h.bindOnline(t, "alice")

	var health healthResponse
	if code := h.getJSON(t, "/health", &health); code != http.StatusOK {
		t.Fatalf("GET /health = %d", code)
	}
	if health.Status != "ok" || health.Connections != 1 {
		t.Fatalf("health = %+v", health)
	}
}

func TestStateListsConnectionsAndPresence(t *testing.T) {
	h := newAPIHarness(t)
	aliceID := h.bindOnline(t, "alice")
	h.dir.SetEndpoint(aliceID, directory.Endpoint{
		Username: "alice", IP: "203.0.113.7", Port: 6881, PublicKey: "pk",
	})

	// A connection that never logged in still shows up, just without a user.
	anon := directory.NewConn("10.0.0.10", 8)
	if err := h.dir.Register(anon); err != nil {
		t.Fatalf("admit anon conn: %v", err)
	}

	var state stateResponse
	if code := h.getJSON(t, "/api/state", &state); code != http.StatusOK {
		t.Fatalf("GET /api/state = %d", code)
	}
	if len(state.Connections) != 2 {
		t.Fatalf("connections = %+v", state.Connections)
	}
	byState := map[string]int{}
	for _, ci := range state.Connections {
		byState[ci.State]++
	}
	if byState["authenticated"] != 1 || byState["accepted"] != 1 {
		t.Fatalf("connection states = %v", byState)
	}

	if len(state.Online) != 1 || state.Online[0].Username != "alice" {
		t.Fatalf("online = %+v", state.Online)
	}
	ep := state.Online[0].Endpoint
	if ep == nil || ep.IP != "203.0.113.7" || ep.Port != 6881 || ep.PublicKey != "pk" {
		t.Fatalf("endpoint = %+v", ep)
	}
}

func TestStatsCountsStoreRows(t *testing.T) {
	h := newAPIHarness(t)
	aliceID := h.bindOnline(t, "alice")

	bob, err := h.am.Register("bob", "pw12345678", "", "")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if _, err := h.st.SaveDirectMessage(aliceID, bob.ID, "aGV5", "text", "none", ""); err != nil {
		t.Fatalf("save message: %v", err)
	}
	if err := h.st.CreateGroup("g1", "g1", aliceID); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, _, err := h.am.Login("bob", "pw12345678", "10.0.0.2"); err != nil {
		t.Fatalf("login bob: %v", err)
	}

	var stats statsResponse
	if code := h.getJSON(t, "/api/stats", &stats); code != http.StatusOK {
		t.Fatalf("GET /api/stats = %d", code)
	}
	want := storeTotals{Users: 2, Messages: 1, Groups: 1, Sessions: 1}
	if stats.Totals != want {
		t.Fatalf("totals = %+v, want %+v", stats.Totals, want)
	}
	if stats.Connections != 1 || stats.OnlineUsers != 1 {
		t.Fatalf("live counts = %+v", stats)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	h := newAPIHarness(t)
	if code := h.getJSON(t, "/api/nope", nil); code != http.StatusNotFound {
		t.Fatalf("GET /api/nope = %d", code)
	}
}
