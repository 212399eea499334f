// Package handlers implements one handler per request tag. A handler
// consumes a decoded envelope from a live connection and produces the
// response for that connection plus a fan-out plan for other recipients.
// Handlers run on router workers and own all storage I/O; they never touch
// the wire directly.
package handlers

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"safechat/server/internal/auth"
	"safechat/server/internal/blob"
	"safechat/server/internal/directory"
	"safechat/server/internal/protocol"
	"safechat/server/internal/store"
)

// Delivery is one planned fan-out: env goes to every live connection of the
// target account.
type Delivery struct {
	UserID int64
	Env    *protocol.Envelope
}

// Result is what a handler produces: the response for the requesting
// connection and zero or more fan-out deliveries.
type Result struct {
	Response *protocol.Envelope
	FanOut   []Delivery
}

type handlerFunc func(*directory.Conn, *protocol.Envelope) Result

// Registry routes request tags to their handlers.
type Registry struct {
	store *store.Store
	auth  *auth.Manager
	dir   *directory.Directory
	blobs *blob.Store

	handlers map[string]handlerFunc
	preAuth  map[string]bool
}

// New builds the registry with every tag wired to its handler.
func New(st *store.Store, am *auth.Manager, dir *directory.Directory, blobs *blob.Store) *Registry {
	r := &Registry{
		store: st,
		auth:  am,
		dir:   dir,
		blobs: blobs,
		preAuth: map[string]bool{
			protocol.TypeRegister:  true,
			protocol.TypeLogin:     true,
			protocol.TypeHeartbeat: true,
			protocol.TypeAlive:     true,
		},
	}
	r.handlers = map[string]handlerFunc{
		protocol.TypeRegister:      r.handleRegister,
		protocol.TypeLogin:         r.handleLogin,
		protocol.TypeLogout:        r.handleLogout,
		protocol.TypeHeartbeat:     r.handleHeartbeat,
		protocol.TypeAlive:         r.handleHeartbeat,
		protocol.TypeGetDirectory:  r.handleGetDirectory,
		protocol.TypeGetHistory:    r.handleGetHistory,
		protocol.TypeGetPublicKey:  r.handleGetPublicKey,
		protocol.TypeBackup:        r.handleBackup,
		protocol.TypeMessage:       r.handleDirectMessage,
		protocol.TypeTextMessage:   r.handleDirectMessage,
		protocol.TypeVoice:         r.handleDirectMessage,
		protocol.TypeVoiceMessage:  r.handleDirectMessage,
		protocol.TypeFile:          r.handleDirectMessage,
		protocol.TypePicture:       r.handleDirectMessage,
		protocol.TypeStegoMessage:  r.handleDirectMessage,
		protocol.TypeGroupMessage:  r.handleGroupMessage,
		protocol.TypeCreateGroup:   r.handleCreateGroup,
		protocol.TypeJoinGroup:     r.handleJoinGroup,
		protocol.TypeGetGroups:     r.handleGetGroups,
		protocol.TypeAddContact:    r.handleAddContact,
		protocol.TypeGetContacts:   r.handleGetContacts,
		protocol.TypeUpdateContact: r.handleUpdateContact,
		protocol.TypeRemoveContact: r.handleRemoveContact,
	}
	return r
}

// PreAuth reports whether tag may be sent before login.
func (r *Registry) PreAuth(tag string) bool { return r.preAuth[tag] }

// Dispatch runs the handler for env.Type. Unknown tags produce a typed error
// envelope; authenticated-only tags on a pre-login connection produce an
// unauthorized error envelope.
func (r *Registry) Dispatch(c *directory.Conn, env *protocol.Envelope) Result {
	h, ok := r.handlers[env.Type]
	if !ok {
		return Result{Response: protocol.NewError(
			protocol.CodeUnknownType,
			fmt.Sprintf("unsupported message type %q", env.Type),
		)}
	}
	if !c.Authenticated() && !r.preAuth[env.Type] {
		return Result{Response: protocol.NewError(
			protocol.CodeUnauthorized,
			"authentication required",
		)}
	}
	return h(c, env)
}

// fail builds a failure response for a request tag.
func fail(reqType, message string) Result {
	return Result{Response: protocol.NewResponse(reqType, false, message)}
}

// failCode builds a failure response carrying a machine-readable code.
func failCode(reqType, code, message string) Result {
	res := fail(reqType, message)
	res.Response.Code = code
	return res
}

// serverError is the generic failure returned when a storage call breaks.
// Details stay in the log.
func serverError(reqType string) Result {
	return failCode(reqType, protocol.CodeInternal, "server error")
}

// metaString reads a string field from the envelope metadata map. Some
// clients carry credentials there instead of in top-level fields.
func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// pick returns the first non-empty value.
func pick(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// remoteAddr renders the connection's observed address for session rows.
func remoteAddr(c *directory.Conn) string {
	return net.JoinHostPort(c.RemoteIP, strconv.Itoa(c.RemotePort))
}

// formatMillis renders a stored Unix-millisecond stamp as an envelope
// timestamp. Zero renders as the empty string.
func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// parseTimestamp reads an envelope timestamp into Unix milliseconds.
func parseTimestamp(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
