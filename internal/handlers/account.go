package handlers

import (
	"errors"
	"log/slog"

	"safechat/server/internal/auth"
	"safechat/server/internal/directory"
	"safechat/server/internal/protocol"
)

// handleRegister creates a new account. Credentials may arrive as top-level
// fields or inside metadata; the older clients use the latter.
func (r *Registry) handleRegister(c *directory.Conn, env *protocol.Envelope) Result {
	username := pick(env.Username, metaString(env.Metadata, "username"))
	password := pick(env.Password, metaString(env.Metadata, "password"))
	email := pick(env.Email, metaString(env.Metadata, "email"))
	publicKey := pick(env.PublicKey, metaString(env.Metadata, "public_key"))

	if username == "" || password == "" {
		return fail(env.Type, "username and password are required")
	}

	user, err := r.auth.Register(username, password, email, publicKey)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			return failCode(env.Type, protocol.CodeConflict, err.Error())
		}
		return fail(env.Type, err.Error())
	}

	resp := protocol.NewResponse(env.Type, true, "registration successful")
	resp.UserID = protocol.Num(user.ID)
	resp.Username = user.Username
	return Result{Response: resp}
}

// handleLogin authenticates the credentials, binds the connection to the
// account, and records presence. Logging in again on an already-bound
// connection first releases the previous identity.
func (r *Registry) handleLogin(c *directory.Conn, env *protocol.Envelope) Result {
	username := pick(env.Username, metaString(env.Metadata, "username"))
	password := pick(env.Password, metaString(env.Metadata, "password"))
	if username == "" || password == "" {
		return fail(env.Type, "username and password are required")
	}

	if c.Authenticated() {
		r.unbind(c)
	}

	user, token, err := r.auth.Login(username, password, remoteAddr(c))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return fail(env.Type, "invalid username or password")
		}
		slog.Error("login failed", "username", username, "err", err)
		return serverError(env.Type)
	}

	if err := r.dir.Authenticate(c, user.ID, user.Username, token); err != nil {
		// The session row was just created; remove it again.
		_ = r.auth.Logout(token)
		if errors.Is(err, directory.ErrUserSessionLimit) {
			return failCode(env.Type, protocol.CodeSessionLimit, "too many sessions for this account")
		}
		slog.Error("bind connection", "username", username, "err", err)
		return serverError(env.Type)
	}

	if err := r.store.SetOnline(user.ID, true, c.RemoteIP, c.RemotePort); err != nil {
		slog.Warn("record online status", "user_id", user.ID, "err", err)
	}
	r.dir.SetEndpoint(user.ID, directory.Endpoint{
		Username:  user.Username,
		IP:        c.RemoteIP,
		Port:      c.RemotePort,
		PublicKey: user.PublicKey,
	})

	resp := protocol.NewResponse(env.Type, true, "login successful")
	resp.UserID = protocol.Num(user.ID)
	resp.Username = user.Username
	resp.SessionToken = token
	resp.PublicKey = user.PublicKey
	return Result{Response: resp}
}

// handleLogout invalidates the session and returns the connection to the
// pre-login state. The account goes offline when this was its last session.
// A session_token in the request kills that session too, matching clients
// that track their token themselves.
func (r *Registry) handleLogout(c *directory.Conn, env *protocol.Envelope) Result {
	if env.SessionToken != "" && env.SessionToken != c.Token() {
		if err := r.auth.Logout(env.SessionToken); err != nil {
			slog.Warn("delete session", "user_id", c.UserID(), "err", err)
		}
	}
	r.unbind(c)
	return Result{Response: protocol.NewResponse(env.Type, true, "logout successful")}
}

// Disconnect releases everything a dead connection held: directory entry,
// session row, and the online flag when it was the account's last session.
// Safe on connections that never authenticated.
func (r *Registry) Disconnect(c *directory.Conn) {
	userID := c.UserID()
	username := c.Username()
	token := c.Token()

	r.dir.Drop(c)
	if userID == 0 {
		return
	}
	if token != "" {
		if err := r.auth.Logout(token); err != nil {
			slog.Warn("delete session", "username", username, "err", err)
		}
	}
	if !r.dir.IsOnline(userID) {
		if err := r.store.SetOnline(userID, false, "", 0); err != nil {
			slog.Warn("record offline status", "user_id", userID, "err", err)
		}
		slog.Info("user offline", "username", username, "user_id", userID)
	}
}

// unbind releases a connection's authenticated identity: session row
// deleted, directory entry cleared, offline status persisted when the last
// session is gone.
func (r *Registry) unbind(c *directory.Conn) {
	userID := c.UserID()
	username := c.Username()
	if token := c.Token(); token != "" {
		if err := r.auth.Logout(token); err != nil {
			slog.Warn("delete session", "username", username, "err", err)
		}
	}
	still := r.dir.Deauthenticate(c)
	if !still && userID != 0 {
		if err := r.store.SetOnline(userID, false, "", 0); err != nil {
			slog.Warn("record offline status", "user_id", userID, "err", err)
		}
		slog.Info("user offline", "username", username, "user_id", userID)
	}
}

// handleHeartbeat answers both heartbeat and alive. It refreshes connection
// and account activity and, when the client advertises an endpoint, stores
// the hint for directory lookups.
func (r *Registry) handleHeartbeat(c *directory.Conn, env *protocol.Envelope) Result {
	c.Touch()

	if userID := c.UserID(); userID != 0 {
		if err := r.store.TouchActivity(userID); err != nil {
			slog.Warn("touch activity", "user_id", userID, "err", err)
		}
		if token := c.Token(); token != "" {
			if err := r.auth.Touch(token); err != nil {
				slog.Warn("touch session", "user_id", userID, "err", err)
			}
		}
		if env.IP != "" || env.Port != 0 || env.PublicKey != "" {
			ep, _ := r.dir.Endpoint(userID)
			ep.Username = c.Username()
			if env.IP != "" {
				ep.IP = env.IP
			}
			if env.Port != 0 {
				ep.Port = env.Port
			}
			if env.PublicKey != "" {
				ep.PublicKey = env.PublicKey
			}
			r.dir.SetEndpoint(userID, ep)
		}
	}

	return Result{Response: protocol.NewResponse(env.Type, true, "heartbeat ok")}
}
