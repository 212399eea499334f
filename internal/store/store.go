// Package store provides persistent server state backed by an embedded SQLite
// database. It owns the database lifecycle and exposes the account, contact,
// message, group, session, and backup operations used by the rest of the
// server.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
//
// All timestamps are integer Unix milliseconds set by this package so history
// ordering does not depend on SQLite defaults.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Error kinds surfaced to callers. Driver errors never escape raw: lookups
// miss with ErrNotFound, unique violations map to ErrDuplicate, and invalid
// writes map to ErrConstraint.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrDuplicate  = errors.New("store: duplicate")
	ErrConstraint = errors.New("store: constraint violation")
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — user accounts
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		salt          TEXT NOT NULL,
		email         TEXT NOT NULL UNIQUE,
		public_key    TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		last_login    INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL DEFAULT 0,
		is_online     INTEGER NOT NULL DEFAULT 0,
		last_ip       TEXT NOT NULL DEFAULT '',
		last_port     INTEGER NOT NULL DEFAULT 0
	)`,
	// v3 — friendships, reserved for mutual-consent rosters
	`CREATE TABLE IF NOT EXISTS friendships (
		user_id    INTEGER NOT NULL,
		friend_id  INTEGER NOT NULL,
		status     TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, friend_id)
	)`,
	// v4 — one-sided contact book
	`CREATE TABLE IF NOT EXISTS contacts (
		user_id         INTEGER NOT NULL,
		contact_user_id INTEGER NOT NULL,
		alias           TEXT NOT NULL DEFAULT '',
		group_label     TEXT NOT NULL DEFAULT '',
		notes           TEXT NOT NULL DEFAULT '',
		is_favorite     INTEGER NOT NULL DEFAULT 0,
		added_at        INTEGER NOT NULL,
		PRIMARY KEY (user_id, contact_user_id)
	)`,
	// v5 — direct messages
	`CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id    INTEGER NOT NULL,
		receiver_id  INTEGER NOT NULL,
		content      TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'text',
		encryption   TEXT NOT NULL DEFAULT '',
		signature    TEXT NOT NULL DEFAULT '',
		ts           INTEGER NOT NULL
	)`,
	// v6 — groups
	`CREATE TABLE IF NOT EXISTS groups (
		group_id   TEXT PRIMARY KEY,
		group_name TEXT NOT NULL,
		creator_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	// v7 — group membership
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id  TEXT NOT NULL,
		user_id   INTEGER NOT NULL,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (group_id, user_id)
	)`,
	// v8 — group messages
	`CREATE TABLE IF NOT EXISTS group_messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id     TEXT NOT NULL,
		sender_id    INTEGER NOT NULL,
		content      TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'text',
		encryption   TEXT NOT NULL DEFAULT '',
		signature    TEXT NOT NULL DEFAULT '',
		ts           INTEGER NOT NULL
	)`,
	// v9 — authenticated sessions
	`CREATE TABLE IF NOT EXISTS sessions (
		token         TEXT PRIMARY KEY,
		user_id       INTEGER NOT NULL,
		remote_addr   TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	)`,
	// v10 — per-user block list
	`CREATE TABLE IF NOT EXISTS blocked_users (
		user_id         INTEGER NOT NULL,
		blocked_user_id INTEGER NOT NULL,
		created_at      INTEGER NOT NULL,
		PRIMARY KEY (user_id, blocked_user_id)
	)`,
	// v11 — encrypted client backups
	`CREATE TABLE IF NOT EXISTS backups (
		backup_id  TEXT PRIMARY KEY,
		user_id    INTEGER NOT NULL,
		dest_id    INTEGER NOT NULL,
		size       INTEGER NOT NULL,
		disk_path  TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	// v12 — history lookup indexes
	`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, ts)`,
	// v13
	`CREATE INDEX IF NOT EXISTS idx_group_messages_group ON group_messages(group_id, ts)`,
	// v14 — idle-session sweep index
	`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity)`,
	// v15 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes server-state operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Enable WAL mode for concurrent readers.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("sqlite WAL mode", "err", err)
	}
	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("sqlite busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// isUniqueViolation matches the UNIQUE constraint error text produced by the
// sqlite driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error is only returned for real I/O
// failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// User is one account row.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Salt         string
	Email        string
	PublicKey    string
	CreatedAt    int64
	LastLogin    int64
	LastActivity int64
	Online       bool
	LastIP       string
	LastPort     int
}

const userColumns = `id, username, password_hash, salt, email, public_key,
	created_at, last_login, last_activity, is_online, last_ip, last_port`

// CreateUser inserts a new account and returns its id. Returns ErrDuplicate
// when the username or email is already taken.
func (s *Store) CreateUser(username, passwordHash, salt, email, publicKey string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO users(username, password_hash, salt, email, public_key, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		username, passwordHash, salt, email, publicKey, nowMillis(),
	)
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "users.email") {
			return 0, fmt.Errorf("%w: email %q", ErrDuplicate, email)
		}
		return 0, fmt.Errorf("%w: username %q", ErrDuplicate, username)
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var online int
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Salt,
		&u.Email, &u.PublicKey, &u.CreatedAt, &u.LastLogin,
		&u.LastActivity, &online, &u.LastIP, &u.LastPort)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Online = online != 0
	return &u, nil
}

// GetUserByUsername looks up one account by its unique username.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	return scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

// GetUserByID looks up one account by row id.
func (s *Store) GetUserByID(id int64) (*User, error) {
	return scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// SetOnline flips the account's persisted presence flag. Coming online also
// records the observed address; going offline keeps the last known one.
func (s *Store) SetOnline(id int64, online bool, ip string, port int) error {
	var (
		res sql.Result
		err error
	)
	if online {
		res, err = s.db.Exec(
			`UPDATE users SET is_online = 1, last_activity = ?, last_ip = ?, last_port = ?
			 WHERE id = ?`,
			nowMillis(), ip, port, id,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE users SET is_online = 0, last_activity = ? WHERE id = ?`,
			nowMillis(), id,
		)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchActivity stamps the account's last_activity clock.
func (s *Store) TouchActivity(id int64) error {
	res, err := s.db.Exec(`UPDATE users SET last_activity = ? WHERE id = ?`, nowMillis(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetOnlineFlags marks every account offline. Run at startup: presence is
// reconstructed from live connections, so flags left over from a previous
// process are stale.
func (s *Store) ResetOnlineFlags() (int64, error) {
	res, err := s.db.Exec(`UPDATE users SET is_online = 0 WHERE is_online = 1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OnlineUserIDs returns the ids of every account the users table currently
// marks online. The cleanup pass compares this against live connections.
func (s *Store) OnlineUserIDs() ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM users WHERE is_online = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchLastLogin stamps the account's last successful login.
func (s *Store) TouchLastLogin(id int64) error {
	res, err := s.db.Exec(`UPDATE users SET last_login = ? WHERE id = ?`, nowMillis(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers returns every account ordered by id.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var online int
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Salt,
			&u.Email, &u.PublicKey, &u.CreatedAt, &u.LastLogin,
			&u.LastActivity, &online, &u.LastIP, &u.LastPort); err != nil {
			return nil, err
		}
		u.Online = online != 0
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the number of registered accounts.
func (s *Store) CountUsers() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Block list
// ---------------------------------------------------------------------------

// BlockUser records that userID no longer accepts messages from blockedID.
// Blocking twice is a no-op.
func (s *Store) BlockUser(userID, blockedID int64) error {
	if userID == blockedID {
		return fmt.Errorf("%w: cannot block self", ErrConstraint)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO blocked_users(user_id, blocked_user_id, created_at)
		 VALUES(?, ?, ?)`,
		userID, blockedID, nowMillis(),
	)
	return err
}

// UnblockUser removes a block entry. Returns ErrNotFound when none exists.
func (s *Store) UnblockUser(userID, blockedID int64) error {
	res, err := s.db.Exec(
		`DELETE FROM blocked_users WHERE user_id = ? AND blocked_user_id = ?`,
		userID, blockedID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsBlocked reports whether ownerID has blocked otherID.
func (s *Store) IsBlocked(ownerID, otherID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM blocked_users WHERE user_id = ? AND blocked_user_id = ?`,
		ownerID, otherID,
	).Scan(&n)
	return n > 0, err
}

// ListBlocked returns the user ids ownerID has blocked, oldest first.
func (s *Store) ListBlocked(ownerID int64) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT blocked_user_id FROM blocked_users WHERE user_id = ? ORDER BY created_at ASC`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------------------------------------
// Contacts
// ---------------------------------------------------------------------------

// Contact is one contact-book row joined with the contact's account.
type Contact struct {
	UserID    int64 // the contact's account id
	Username  string
	Alias     string
	Group     string
	Notes     string
	Favorite  bool
	AddedAt   int64
	PublicKey string
}

// AddContact adds (or refreshes) contactUsername in userID's contact book.
// Adding an unknown username returns ErrNotFound; adding yourself returns
// ErrConstraint.
func (s *Store) AddContact(userID int64, contactUsername, alias, group string) error {
	contact, err := s.GetUserByUsername(contactUsername)
	if err != nil {
		return err
	}
	if contact.ID == userID {
		return fmt.Errorf("%w: cannot add self as contact", ErrConstraint)
	}
	if alias == "" {
		alias = contact.Username
	}
	if group == "" {
		group = "default"
	}
	_, err = s.db.Exec(
		`INSERT INTO contacts(user_id, contact_user_id, alias, group_label, added_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, contact_user_id)
		 DO UPDATE SET alias = excluded.alias, group_label = excluded.group_label`,
		userID, contact.ID, alias, group, nowMillis(),
	)
	return err
}

// GetContacts returns userID's contact book, favourites first, then by
// alias.
func (s *Store) GetContacts(userID int64) ([]Contact, error) {
	rows, err := s.db.Query(
		`SELECT c.contact_user_id, u.username, c.alias, c.group_label, c.notes,
		        c.is_favorite, c.added_at, u.public_key
		 FROM contacts c JOIN users u ON u.id = c.contact_user_id
		 WHERE c.user_id = ?
		 ORDER BY c.is_favorite DESC, c.alias ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		var fav int
		if err := rows.Scan(&c.UserID, &c.Username, &c.Alias, &c.Group,
			&c.Notes, &fav, &c.AddedAt, &c.PublicKey); err != nil {
			return nil, err
		}
		c.Favorite = fav != 0
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// ContactUpdate carries the optional fields of a contact patch. Nil fields
// keep their stored value.
type ContactUpdate struct {
	Alias    *string
	Group    *string
	Notes    *string
	Favorite *bool
}

// UpdateContact patches one contact-book row. Returns ErrNotFound when the
// contact is not in userID's book.
func (s *Store) UpdateContact(userID, contactUserID int64, upd ContactUpdate) error {
	set := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if upd.Alias != nil {
		set = append(set, "alias = ?")
		args = append(args, *upd.Alias)
	}
	if upd.Group != nil {
		set = append(set, "group_label = ?")
		args = append(args, *upd.Group)
	}
	if upd.Notes != nil {
		set = append(set, "notes = ?")
		args = append(args, *upd.Notes)
	}
	if upd.Favorite != nil {
		fav := 0
		if *upd.Favorite {
			fav = 1
		}
		set = append(set, "is_favorite = ?")
		args = append(args, fav)
	}
	if len(set) == 0 {
		return fmt.Errorf("%w: no fields to update", ErrConstraint)
	}
	args = append(args, userID, contactUserID)
	res, err := s.db.Exec(
		`UPDATE contacts SET `+strings.Join(set, ", ")+
			` WHERE user_id = ? AND contact_user_id = ?`,
		args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveContact deletes one contact-book row. Returns ErrNotFound when the
// contact is not in userID's book.
func (s *Store) RemoveContact(userID, contactUserID int64) error {
	res, err := s.db.Exec(
		`DELETE FROM contacts WHERE user_id = ? AND contact_user_id = ?`,
		userID, contactUserID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// MessageRecord is one stored message row joined with sender and receiver
// names. GroupID is empty for direct messages; ReceiverID is zero for group
// messages.
type MessageRecord struct {
	ID           int64
	SenderID     int64
	SenderName   string
	ReceiverID   int64
	ReceiverName string
	GroupID      string
	Content      string
	ContentType  string
	Encryption   string
	TS           int64
}

// SaveDirectMessage persists one peer-to-peer message and returns its row
// id.
func (s *Store) SaveDirectMessage(senderID, receiverID int64, content, contentType, encryption, signature string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO messages(sender_id, receiver_id, content, content_type, encryption, signature, ts)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		senderID, receiverID, content, contentType, encryption, signature, nowMillis(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// SaveGroupMessage persists one group message and returns its row id.
func (s *Store) SaveGroupMessage(groupID string, senderID int64, content, contentType, encryption, signature string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO group_messages(group_id, sender_id, content, content_type, encryption, signature, ts)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		groupID, senderID, content, contentType, encryption, signature, nowMillis(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert group message: %w", err)
	}
	return res.LastInsertId()
}

// DefaultHistoryLimit caps a history page when the caller does not ask for a
// specific size.
const DefaultHistoryLimit = 50

// HistoryQuery bounds a history fetch. Since and Until are inclusive Unix
// millisecond stamps; zero means unbounded. A non-positive Limit falls back
// to DefaultHistoryLimit.
type HistoryQuery struct {
	Since  int64
	Until  int64
	Limit  int
	Offset int
}

func (q HistoryQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultHistoryLimit
	}
	return q.Limit
}

// tsBounds renders the optional time-window conditions for column col.
func (q HistoryQuery) tsBounds(col string) (string, []any) {
	var (
		cond string
		args []any
	)
	if q.Since > 0 {
		cond += ` AND ` + col + ` >= ?`
		args = append(args, q.Since)
	}
	if q.Until > 0 {
		cond += ` AND ` + col + ` <= ?`
		args = append(args, q.Until)
	}
	return cond, args
}

// DirectHistory returns the conversation between two users, newest first.
// Ties on the millisecond clock break by row id so the order is stable.
func (s *Store) DirectHistory(userID, peerID int64, q HistoryQuery) ([]MessageRecord, error) {
	bounds, boundArgs := q.tsBounds("m.ts")
	args := []any{userID, peerID, peerID, userID}
	args = append(args, boundArgs...)
	args = append(args, q.limit(), q.Offset)

	rows, err := s.db.Query(
		`SELECT m.id, m.sender_id, su.username, m.receiver_id, ru.username,
		        m.content, m.content_type, m.encryption, m.ts
		 FROM messages m
		 JOIN users su ON su.id = m.sender_id
		 JOIN users ru ON ru.id = m.receiver_id
		 WHERE ((m.sender_id = ? AND m.receiver_id = ?)
		    OR  (m.sender_id = ? AND m.receiver_id = ?))`+bounds+`
		 ORDER BY m.ts DESC, m.id DESC
		 LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.SenderID, &r.SenderName, &r.ReceiverID,
			&r.ReceiverName, &r.Content, &r.ContentType, &r.Encryption, &r.TS); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GroupHistory returns a group's messages, newest first.
func (s *Store) GroupHistory(groupID string, q HistoryQuery) ([]MessageRecord, error) {
	bounds, boundArgs := q.tsBounds("m.ts")
	args := []any{groupID}
	args = append(args, boundArgs...)
	args = append(args, q.limit(), q.Offset)

	rows, err := s.db.Query(
		`SELECT m.id, m.sender_id, su.username, m.group_id,
		        m.content, m.content_type, m.encryption, m.ts
		 FROM group_messages m
		 JOIN users su ON su.id = m.sender_id
		 WHERE m.group_id = ?`+bounds+`
		 ORDER BY m.ts DESC, m.id DESC
		 LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.SenderID, &r.SenderName, &r.GroupID,
			&r.Content, &r.ContentType, &r.Encryption, &r.TS); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountMessages returns the total number of stored messages, direct plus
// group.
func (s *Store) CountMessages() (int, error) {
	var direct, group int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&direct); err != nil {
		return 0, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM group_messages`).Scan(&group); err != nil {
		return 0, err
	}
	return direct + group, nil
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

// Group is one chat group.
type Group struct {
	ID          string
	Name        string
	CreatorID   int64
	CreatedAt   int64
	MemberCount int
}

// GroupMembership is a group joined with one member's membership row.
type GroupMembership struct {
	Group
	CreatorName string
	JoinedAt    int64
}

// CreateGroup inserts a new group and enrols the creator as its first
// member, atomically. Returns ErrDuplicate when the group id is taken.
func (s *Store) CreateGroup(groupID, name string, creatorID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := nowMillis()
	_, err = tx.Exec(
		`INSERT INTO groups(group_id, group_name, creator_id, created_at) VALUES(?, ?, ?, ?)`,
		groupID, name, creatorID, now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: group %q", ErrDuplicate, groupID)
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO group_members(group_id, user_id, joined_at) VALUES(?, ?, ?)`,
		groupID, creatorID, now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetGroup returns one group with its current member count.
func (s *Store) GetGroup(groupID string) (*Group, error) {
	var g Group
	err := s.db.QueryRow(
		`SELECT g.group_id, g.group_name, g.creator_id, g.created_at,
		        (SELECT COUNT(*) FROM group_members m WHERE m.group_id = g.group_id)
		 FROM groups g WHERE g.group_id = ?`,
		groupID,
	).Scan(&g.ID, &g.Name, &g.CreatorID, &g.CreatedAt, &g.MemberCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// AddGroupMember enrols userID in groupID. Returns ErrNotFound when the
// group does not exist and ErrDuplicate when the user is already a member.
func (s *Store) AddGroupMember(groupID string, userID int64) error {
	if _, err := s.GetGroup(groupID); err != nil {
		return err
	}
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO group_members(group_id, user_id, joined_at) VALUES(?, ?, ?)`,
		groupID, userID, nowMillis(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: already a member of %q", ErrDuplicate, groupID)
	}
	return nil
}

// IsGroupMember reports whether userID belongs to groupID.
func (s *Store) IsGroupMember(groupID string, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?`,
		groupID, userID,
	).Scan(&n)
	return n > 0, err
}

// GroupMemberIDs returns the user ids of every member of groupID, oldest
// join first.
func (s *Store) GroupMemberIDs(groupID string) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY joined_at ASC`,
		groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GroupMember is one membership row joined with the member's username.
type GroupMember struct {
	UserID   int64
	Username string
	JoinedAt int64
}

// GroupMembers returns every member of groupID with usernames, oldest join
// first.
func (s *Store) GroupMembers(groupID string) ([]GroupMember, error) {
	rows, err := s.db.Query(
		`SELECT m.user_id, u.username, m.joined_at
		 FROM group_members m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.group_id = ?
		 ORDER BY m.joined_at ASC`,
		groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []GroupMember
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.UserID, &m.Username, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// UserGroups returns every group userID belongs to, with creator names and
// member counts, ordered by join time.
func (s *Store) UserGroups(userID int64) ([]GroupMembership, error) {
	rows, err := s.db.Query(
		`SELECT g.group_id, g.group_name, g.creator_id, g.created_at,
		        (SELECT COUNT(*) FROM group_members c WHERE c.group_id = g.group_id),
		        COALESCE(u.username, ''), m.joined_at
		 FROM group_members m
		 JOIN groups g ON g.group_id = m.group_id
		 LEFT JOIN users u ON u.id = g.creator_id
		 WHERE m.user_id = ?
		 ORDER BY m.joined_at ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []GroupMembership
	for rows.Next() {
		var g GroupMembership
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatorID, &g.CreatedAt,
			&g.MemberCount, &g.CreatorName, &g.JoinedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ListGroups returns every group ordered by creation time.
func (s *Store) ListGroups() ([]Group, error) {
	rows, err := s.db.Query(
		`SELECT g.group_id, g.group_name, g.creator_id, g.created_at,
		        (SELECT COUNT(*) FROM group_members m WHERE m.group_id = g.group_id)
		 FROM groups g ORDER BY g.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatorID, &g.CreatedAt, &g.MemberCount); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// CountGroups returns the number of groups.
func (s *Store) CountGroups() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM groups`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// Session is one authenticated session row.
type Session struct {
	Token        string
	UserID       int64
	RemoteAddr   string
	CreatedAt    int64
	LastActivity int64
}

// CreateSession records a freshly issued token.
func (s *Store) CreateSession(token string, userID int64, remoteAddr string) error {
	now := nowMillis()
	_, err := s.db.Exec(
		`INSERT INTO sessions(token, user_id, remote_addr, created_at, last_activity)
		 VALUES(?, ?, ?, ?, ?)`,
		token, userID, remoteAddr, now, now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: session token", ErrDuplicate)
	}
	return err
}

// GetSession returns one session row by token.
func (s *Store) GetSession(token string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(
		`SELECT token, user_id, remote_addr, created_at, last_activity
		 FROM sessions WHERE token = ?`, token,
	).Scan(&sess.Token, &sess.UserID, &sess.RemoteAddr, &sess.CreatedAt, &sess.LastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// TouchSession refreshes a session's last_activity stamp. Returns
// ErrNotFound for unknown tokens.
func (s *Store) TouchSession(token string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET last_activity = ? WHERE token = ?`, nowMillis(), token,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes one session row. Deleting an unknown token is a
// no-op.
func (s *Store) DeleteSession(token string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// DeleteUserSessions removes every session belonging to userID and returns
// how many were dropped.
func (s *Store) DeleteUserSessions(userID int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeSessions removes sessions idle since before cutoff (Unix millis) and
// returns how many were dropped.
func (s *Store) PurgeSessions(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountSessions returns the number of live session rows.
func (s *Store) CountSessions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Backups
// ---------------------------------------------------------------------------

// Backup is the metadata row for one encrypted client backup blob.
type Backup struct {
	ID        string
	UserID    int64
	DestID    int64
	Size      int64
	DiskPath  string
	CreatedAt int64
}

// RecordBackup stores the metadata for a backup blob already written to
// disk.
func (s *Store) RecordBackup(backupID string, userID, destID, size int64, diskPath string) error {
	_, err := s.db.Exec(
		`INSERT INTO backups(backup_id, user_id, dest_id, size, disk_path, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		backupID, userID, destID, size, diskPath, nowMillis(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: backup %q", ErrDuplicate, backupID)
	}
	return err
}

// GetBackup returns one backup's metadata.
func (s *Store) GetBackup(backupID string) (*Backup, error) {
	var b Backup
	err := s.db.QueryRow(
		`SELECT backup_id, user_id, dest_id, size, disk_path, created_at
		 FROM backups WHERE backup_id = ?`, backupID,
	).Scan(&b.ID, &b.UserID, &b.DestID, &b.Size, &b.DiskPath, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBackups returns userID's backups, newest first.
func (s *Store) ListBackups(userID int64) ([]Backup, error) {
	rows, err := s.db.Query(
		`SELECT backup_id, user_id, dest_id, size, disk_path, created_at
		 FROM backups WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backups []Backup
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.UserID, &b.DestID, &b.Size, &b.DiskPath, &b.CreatedAt); err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

// VacuumInto writes a consistent snapshot of the database to path. The
// target file must not already exist.
func (s *Store) VacuumInto(path string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, path)
	return err
}
