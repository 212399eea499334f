package blob

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"safechat/server/internal/store"
)

func newTestBlobStore(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	meta, err := store.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })

	bs, err := NewStore(filepath.Join(dir, "blobs"), meta)
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	return bs, meta
}

func TestPutAndOpenRoundTrip(t *testing.T) {
	t.Parallel()
	bs, _ := newTestBlobStore(t)

	payload := []byte("opaque encrypted backup bytes")
	b, err := bs.Put(7, 9, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if b.UserID != 7 || b.DestID != 9 || b.Size != int64(len(payload)) {
		t.Errorf("metadata = %+v", b)
	}

	meta, f, err := bs.Open(b.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if meta.ID != b.ID {
		t.Errorf("metadata id = %q, want %q", meta.ID, b.ID)
	}
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload round trip mismatch: %q", got)
	}
}

func TestPutCleansUpTempFiles(t *testing.T) {
	t.Parallel()
	bs, _ := newTestBlobStore(t)

	if _, err := bs.Put(1, 2, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("put: %v", err)
	}

	entries, err := os.ReadDir(bs.rootDir)
	if err != nil {
		t.Fatalf("read blob dir: %v", err)
	}
	for _, e := range entries {
		if len(e.Name()) > 0 && e.Name()[0] == '.' {
			t.Errorf("leftover temp file %q", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("blob dir holds %d entries, want 1", len(entries))
	}
}

func TestOpenUnknownBackup(t *testing.T) {
	t.Parallel()
	bs, _ := newTestBlobStore(t)

	if _, _, err := bs.Open("no-such-id"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("open unknown err = %v, want store.ErrNotFound", err)
	}
}

func TestListBackupsAfterPut(t *testing.T) {
	t.Parallel()
	bs, meta := newTestBlobStore(t)

	if _, err := bs.Put(7, 8, bytes.NewReader([]byte("one"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := bs.Put(7, 8, bytes.NewReader([]byte("two"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	backups, err := meta.ListBackups(7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("ListBackups = %d rows, want 2", len(backups))
	}
}
