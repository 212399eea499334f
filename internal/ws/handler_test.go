package ws

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"safechat/server/internal/auth"
	"safechat/server/internal/blob"
	"safechat/server/internal/directory"
	"safechat/server/internal/handlers"
	"safechat/server/internal/protocol"
	"safechat/server/internal/router"
	"safechat/server/internal/store"
)

const readWait = 2 * time.Second

type testServer struct {
	dir   *directory.Directory
	st    *store.Store
	codec *protocol.Codec
	url   string
}

func startTestServer(t *testing.T) *testServer {
	return startTestServerCaps(t, 0, false)
}

func startTestServerCaps(t *testing.T, maxConns int, compress bool) *testServer {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"), st)
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}

	d := directory.New(maxConns, 0, 0)
	am := auth.New(st, []byte("test-secret"), time.Hour)
	reg := handlers.New(st, am, d, blobs)
	rt := router.New(d, reg, router.Config{Workers: 2, QueueSize: 64, Version: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)
	t.Cleanup(rt.Wait)

	codec := protocol.NewCodec(compress)
	e := echo.New()
	NewHandler(ctx, rt, codec).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &testServer{
		dir:   d,
		st:    st,
		codec: codec,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

// dialClient connects and consumes the welcome frame.
func (ts *testServer) dialClient(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", ts.url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	welcome := ts.readEnv(t, conn)
	if welcome.Type != protocol.TypeSystemNotification || welcome.Message != "welcome" {
		t.Fatalf("first frame = %+v, want welcome", welcome)
	}
	if welcome.ConnectionID == "" {
		t.Fatal("welcome missing connection_id")
	}
	return conn
}

func (ts *testServer) writeEnv(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	body, err := ts.codec.EncodeBody(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (ts *testServer) readEnv(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := ts.codec.DecodeBody(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func (ts *testServer) login(t *testing.T, conn *websocket.Conn, username string) int64 {
	t.Helper()
	ts.writeEnv(t, conn, &protocol.Envelope{
		Type: protocol.TypeRegister, Username: username, Password: "pw12345678",
	})
	if resp := ts.readEnv(t, conn); !resp.Succeeded() {
		t.Fatalf("register %q: %s", username, resp.Message)
	}
	ts.writeEnv(t, conn, &protocol.Envelope{
		Type: protocol.TypeLogin, Username: username, Password: "pw12345678",
	})
	resp := ts.readEnv(t, conn)
	if !resp.Succeeded() || resp.SessionToken == "" {
		t.Fatalf("login %q: %+v", username, resp)
	}
	id, _ := resp.UserIDInt()
	return id
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestWelcomeOnConnect(t *testing.T) {
	ts := startTestServer(t)
	ts.dialClient(t)
}

func TestMessageDeliveryBetweenClients(t *testing.T) {
	ts := startTestServer(t)

	alice := ts.dialClient(t)
	ts.login(t, alice, "alice")
	bob := ts.dialClient(t)
	bobID := ts.login(t, bob, "bob")

	ts.writeEnv(t, alice, &protocol.Envelope{
		Type:      protocol.TypeTextMessage,
		Recipient: "bob",
		Data:      &protocol.DataPayload{Content: b64("hi bob"), Encryption: "none"},
	})

	resp := ts.readEnv(t, alice)
	if !resp.Succeeded() || resp.MessageID == 0 {
		t.Fatalf("sender response = %+v", resp)
	}

	fwd := ts.readEnv(t, bob)
	if fwd.Type != protocol.TypeTextMessage || !fwd.FromServer || fwd.Sender != "alice" {
		t.Fatalf("forward = %+v", fwd)
	}
	if fwd.Data == nil || fwd.Data.Content != b64("hi bob") {
		t.Fatalf("forward payload = %+v", fwd.Data)
	}
	if !ts.dir.IsOnline(bobID) {
		t.Error("recipient not online")
	}
}

func TestOfflineRecipientStoredNotForwarded(t *testing.T) {
	ts := startTestServer(t)

	alice := ts.dialClient(t)
	ts.login(t, alice, "alice")

	// Bob registers and disconnects.
	bob := ts.dialClient(t)
	ts.login(t, bob, "bob")
	ts.writeEnv(t, bob, &protocol.Envelope{Type: protocol.TypeLogout})
	if resp := ts.readEnv(t, bob); !resp.Succeeded() {
		t.Fatalf("logout: %+v", resp)
	}
	_ = bob.Close()

	ts.writeEnv(t, alice, &protocol.Envelope{
		Type:      protocol.TypeTextMessage,
		Recipient: "bob",
		Data:      &protocol.DataPayload{Content: b64("see you later")},
	})
	if resp := ts.readEnv(t, alice); !resp.Succeeded() {
		t.Fatalf("send to offline recipient = %+v", resp)
	}

	// The row is there for bob's next history fetch.
	ts.writeEnv(t, alice, &protocol.Envelope{
		Type:     protocol.TypeGetHistory,
		ChatType: "single",
		TargetID: protocol.FlexID("bob"),
	})
	hist := ts.readEnv(t, alice)
	if hist.Type != protocol.TypeHistoryResponse || hist.Total != 1 {
		t.Fatalf("history = %+v", hist)
	}
	if hist.Records[0].Content != b64("see you later") {
		t.Errorf("stored record = %+v", hist.Records[0])
	}
}

func TestUnknownRecipientRejectedOverWire(t *testing.T) {
	ts := startTestServer(t)

	alice := ts.dialClient(t)
	ts.login(t, alice, "alice")

	ts.writeEnv(t, alice, &protocol.Envelope{
		Type:      protocol.TypeTextMessage,
		Recipient: "nobody",
		Data:      &protocol.DataPayload{Content: b64("hello?")},
	})
	resp := ts.readEnv(t, alice)
	if resp.Succeeded() || resp.Message != "recipient does not exist" {
		t.Fatalf("response = %+v", resp)
	}
	if n, _ := ts.st.CountMessages(); n != 0 {
		t.Errorf("stored %d rows for unknown recipient", n)
	}
}

func TestGroupFlowOverWire(t *testing.T) {
	ts := startTestServer(t)

	alice := ts.dialClient(t)
	ts.login(t, alice, "alice")
	bob := ts.dialClient(t)
	ts.login(t, bob, "bob")

	// First post auto-creates the group with alice as sole member.
	ts.writeEnv(t, alice, &protocol.Envelope{
		Type:    protocol.TypeGroupMessage,
		GroupID: "g1",
		Data:    &protocol.DataPayload{Content: b64("first")},
	})
	if resp := ts.readEnv(t, alice); !resp.Succeeded() || resp.GroupID != "g1" {
		t.Fatalf("auto-create post = %+v", resp)
	}

	ts.writeEnv(t, bob, &protocol.Envelope{Type: protocol.TypeJoinGroup, GroupID: "g1"})
	if resp := ts.readEnv(t, bob); !resp.Succeeded() || resp.Total != 2 {
		t.Fatalf("join = %+v", resp)
	}

	ts.writeEnv(t, alice, &protocol.Envelope{
		Type:    protocol.TypeGroupMessage,
		GroupID: "g1",
		Data:    &protocol.DataPayload{Content: b64("second")},
	})
	if resp := ts.readEnv(t, alice); !resp.Succeeded() {
		t.Fatalf("post = %+v", resp)
	}

	fwd := ts.readEnv(t, bob)
	if fwd.Type != protocol.TypeGroupMessage || fwd.GroupID != "g1" || fwd.Sender != "alice" {
		t.Fatalf("group forward = %+v", fwd)
	}
	if !fwd.FromServer || fwd.Data == nil || fwd.Data.Content != b64("second") {
		t.Fatalf("group forward payload = %+v", fwd)
	}
}

func TestMalformedBinaryFrame(t *testing.T) {
	ts := startTestServer(t)
	conn := ts.dialClient(t)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("????garbage")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := ts.readEnv(t, conn)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeMalformed {
		t.Fatalf("response = %+v, want malformed error", env)
	}

	// The connection survives a single bad frame.
	ts.writeEnv(t, conn, &protocol.Envelope{Type: protocol.TypeHeartbeat})
	if resp := ts.readEnv(t, conn); !resp.Succeeded() {
		t.Fatalf("heartbeat after bad frame = %+v", resp)
	}
}

func TestOversizeMessageAnsweredBeforeClose(t *testing.T) {
	ts := startTestServer(t)
	conn := ts.dialClient(t)

	// One byte past the cap. The server must still deliver the
	// payload_too_large envelope before hanging up, not just slam the
	// socket shut with a 1009 close.
	big := make([]byte, protocol.MaxPayloadSize+protocol.TagSize+1)
	if err := conn.WriteMessage(websocket.BinaryMessage, big); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := ts.readEnv(t, conn)
	if env.Type != protocol.TypeError || env.Code != protocol.CodePayloadTooLarge {
		t.Fatalf("response = %+v, want payload_too_large error", env)
	}

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("read after oversize: got a frame, want closed connection")
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	ts := startTestServerCaps(t, 0, true)

	alice := ts.dialClient(t)
	ts.login(t, alice, "alice")
	bob := ts.dialClient(t)
	ts.login(t, bob, "bob")

	// Well past the compression threshold once base64-encoded.
	payload := b64(strings.Repeat("all work and no play makes a dull client. ", 200))
	ts.writeEnv(t, alice, &protocol.Envelope{
		Type:      protocol.TypeTextMessage,
		Recipient: "bob",
		Data:      &protocol.DataPayload{Content: payload},
	})
	if resp := ts.readEnv(t, alice); !resp.Succeeded() {
		t.Fatalf("send = %+v", resp)
	}

	fwd := ts.readEnv(t, bob)
	if fwd.Data == nil || fwd.Data.Content != payload {
		t.Fatal("payload mangled through the compressed path")
	}
}

func TestServerBusyOnConnect(t *testing.T) {
	ts := startTestServerCaps(t, 1, false)

	ts.dialClient(t) // occupies the only slot

	conn, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	rej := ts.readEnv(t, conn)
	if rej.Type != protocol.TypeError || rej.Code != protocol.CodeServerBusy {
		t.Fatalf("rejection = %+v, want server_busy", rej)
	}
}
