// Package blob stores client backup payloads on disk, keyed by uuid, with
// their metadata rows in sqlite.
package blob

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"safechat/server/internal/store"
)

// Store coordinates backup bytes on disk with metadata in sqlite.
type Store struct {
	rootDir string
	meta    *store.Store
}

// NewStore creates a backup blob store rooted at rootDir.
func NewStore(rootDir string, meta *store.Store) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("sqlite metadata store is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	slog.Debug("blob store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir, meta: meta}, nil
}

// Put writes one backup payload to disk under a fresh uuid and records its
// metadata. The payload is opaque to the server; bytes are stored untouched.
func (s *Store) Put(userID, destID int64, payload io.Reader) (*store.Backup, error) {
	if payload == nil {
		return nil, fmt.Errorf("backup payload is required")
	}

	id := uuid.NewString()

	tempFile, err := os.CreateTemp(s.rootDir, ".backup-write-*")
	if err != nil {
		return nil, fmt.Errorf("create temp backup file: %w", err)
	}
	tempPath := tempFile.Name()

	size, copyErr := io.Copy(tempFile, payload)
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("write backup bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("close backup file: %w", closeErr)
	}

	finalPath := filepath.Join(s.rootDir, id)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("move backup into place: %w", err)
	}

	if err := s.meta.RecordBackup(id, userID, destID, size, finalPath); err != nil {
		_ = os.Remove(finalPath)
		return nil, fmt.Errorf("persist backup metadata: %w", err)
	}

	slog.Info("backup stored", "backup_id", id, "user_id", userID, "size", size)
	return s.meta.GetBackup(id)
}

// Open resolves a backup's metadata and opens its on-disk payload. The
// caller owns the returned file.
func (s *Store) Open(backupID string) (*store.Backup, *os.File, error) {
	meta, err := s.meta.GetBackup(backupID)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(meta.DiskPath)
	if err != nil {
		slog.Error("backup file open failed", "backup_id", backupID, "path", meta.DiskPath, "err", err)
		return nil, nil, fmt.Errorf("open backup file: %w", err)
	}

	slog.Debug("backup opened", "backup_id", backupID, "size", meta.Size)
	return meta, f, nil
}
