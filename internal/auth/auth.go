// Package auth owns account registration, password verification, and the
// signed session tokens the server hands out at login. Tokens are only half
// of a session: a matching row in the sessions table must exist and must
// have been active within the idle window.
package auth

import (
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"safechat/server/internal/store"
)

// Sentinel errors surfaced to handlers.
var (
	ErrUsernameTaken      = errors.New("username exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrSessionExpired     = errors.New("session expired")
)

// Account constraints.
const (
	MinPasswordLength = 8
	MaxUsernameLength = 50
)

// Manager issues and validates credentials against the store.
type Manager struct {
	store      *store.Store
	secret     []byte
	sessionTTL time.Duration
}

// New returns a Manager signing tokens with secret. Sessions idle longer
// than sessionTTL stop validating and are removed on next use.
func New(st *store.Store, secret []byte, sessionTTL time.Duration) *Manager {
	return &Manager{store: st, secret: secret, sessionTTL: sessionTTL}
}

// validateUsername enforces the account name bounds: non-empty, at most
// MaxUsernameLength characters, no whitespace. Any other character is fine,
// non-ASCII names included.
func validateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return fmt.Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if strings.ContainsFunc(username, unicode.IsSpace) {
		return fmt.Errorf("username must not contain whitespace")
	}
	return nil
}

// Register creates a new account. The password is hashed with Argon2id; an
// empty email defaults to "<username>@demo.com"; a public key, when given,
// must be PEM-encoded.
func (m *Manager) Register(username, password, email, publicKey string) (*store.User, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if publicKey != "" {
		if block, _ := pem.Decode([]byte(publicKey)); block == nil {
			return nil, fmt.Errorf("public key is not valid PEM")
		}
	}
	if email == "" {
		email = username + "@demo.com"
	}

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	hash := HashPassword(password, salt)
	saltB64 := base64.StdEncoding.EncodeToString(salt)

	id, err := m.store.CreateUser(username, hash, saltB64, email, publicKey)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	slog.Info("account registered", "user_id", id, "username", username)
	return m.store.GetUserByID(id)
}

// Login verifies the credentials, issues a token, and records the session.
// A failed login never creates a session row.
func (m *Manager) Login(username, password, remoteAddr string) (*store.User, string, error) {
	user, err := m.store.GetUserByUsername(username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("look up user: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(user.Salt)
	if err != nil {
		return nil, "", fmt.Errorf("stored salt corrupt for %q: %w", username, err)
	}
	ok, err := VerifyPassword(password, salt, user.PasswordHash)
	if err != nil {
		return nil, "", fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		slog.Warn("login rejected", "username", username, "remote", remoteAddr)
		return nil, "", ErrInvalidCredentials
	}

	token, err := m.CreateToken(user.ID, user.Username)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}
	if err := m.store.CreateSession(token, user.ID, remoteAddr); err != nil {
		return nil, "", fmt.Errorf("record session: %w", err)
	}
	if err := m.store.TouchLastLogin(user.ID); err != nil {
		slog.Warn("stamp last login", "user_id", user.ID, "err", err)
	}
	slog.Info("login", "user_id", user.ID, "username", user.Username, "remote", remoteAddr)
	return user, token, nil
}

// Logout drops the session row for token. Unknown tokens are a no-op.
func (m *Manager) Logout(token string) error {
	return m.store.DeleteSession(token)
}

// Authenticate resolves a token to its account. The signature must verify,
// the session row must still exist, and it must have been active within the
// idle window; expired sessions are removed as a side effect. Valid use
// refreshes the activity stamp.
func (m *Manager) Authenticate(token string) (*store.User, error) {
	claims, err := m.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	sess, err := m.store.GetSession(token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no live session", ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("look up session: %w", err)
	}
	if m.sessionTTL > 0 && time.Since(time.UnixMilli(sess.LastActivity)) > m.sessionTTL {
		_ = m.store.DeleteSession(token)
		return nil, ErrSessionExpired
	}
	if err := m.store.TouchSession(token); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("touch session", "err", err)
	}

	user, err := m.store.GetUserByID(claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: account missing", ErrInvalidToken)
	}
	if user.Username != claims.Username {
		return nil, fmt.Errorf("%w: claims do not match account", ErrInvalidToken)
	}
	return user, nil
}

// Touch refreshes the activity stamp for token without a full credential
// check. Used by keepalive traffic on already-authenticated connections.
func (m *Manager) Touch(token string) error {
	return m.store.TouchSession(token)
}
