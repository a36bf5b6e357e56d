package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Helper function to create an in-memory store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	if err := store.CreateSchema(); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

// newFileStore creates a file-backed store with a small sales table so copies
// have content to compare.
func newFileStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pos.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("New(%s) failed: %v", path, err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateSchema(); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	mustExec(t, store, `CREATE TABLE sales (id INTEGER PRIMARY KEY, total INTEGER NOT NULL)`)
	mustExec(t, store, `INSERT INTO sales (total) VALUES (1200), (350)`)
	return store
}

func mustExec(t *testing.T, s *Store, query string) {
	t.Helper()
	if _, err := s.db.Exec(query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func countSales(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sales`).Scan(&n); err != nil {
		t.Fatalf("count sales: %v", err)
	}
	return n
}

func TestNew(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store.db should not be nil")
	}
}

func TestCreateSchema(t *testing.T) {
	store := newTestStore(t)

	tables := []string{"backup_settings", "backup_audit"}
	for _, table := range tables {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s not found: %v", table, err)
		}
	}

	indexes := []string{"idx_backup_audit_created", "idx_backup_audit_snapshot"}
	for _, index := range indexes {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&name)
		if err != nil {
			t.Errorf("Index %s not found: %v", index, err)
		}
	}
}

// TestGetSchedule_NoSchema_ReturnsErrNotInitialized verifies that reading the
// schedule from a fresh DB (no CreateSchema) returns ErrNotInitialized.
func TestGetSchedule_NoSchema_ReturnsErrNotInitialized(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	_, err = s.GetSchedule(context.Background())
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetSchedule() error = %v; want errors.Is(err, ErrNotInitialized)", err)
	}
}

func TestErrNotInitialized_ErrorMessage(t *testing.T) {
	if !strings.Contains(ErrNotInitialized.Error(), "posvault") {
		t.Errorf("ErrNotInitialized message %q should mention posvault", ErrNotInitialized.Error())
	}
}

func TestClose_Twice(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
	if _, err := s.GetSchedule(context.Background()); err == nil {
		t.Error("GetSchedule() on closed store should fail")
	}
}

func TestCopyTo(t *testing.T) {
	store := newFileStore(t)
	dest := filepath.Join(t.TempDir(), "copy.db")

	if err := store.CopyTo(context.Background(), dest); err != nil {
		t.Fatalf("CopyTo() error = %v", err)
	}

	copyStore, err := New(dest)
	if err != nil {
		t.Fatalf("open copy: %v", err)
	}
	defer copyStore.Close()

	if got := countSales(t, copyStore); got != 2 {
		t.Errorf("copy has %d sales, want 2", got)
	}
}

func TestCopyTo_DestinationExists(t *testing.T) {
	store := newFileStore(t)
	dest := filepath.Join(t.TempDir(), "copy.db")
	if err := os.WriteFile(dest, []byte("occupied"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := store.CopyTo(context.Background(), dest); err == nil {
		t.Error("CopyTo() onto an existing file should fail")
	}
}

func TestVerify(t *testing.T) {
	store := newFileStore(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.db")
	if err := store.CopyTo(context.Background(), good); err != nil {
		t.Fatalf("CopyTo() error = %v", err)
	}
	if err := Verify(context.Background(), good); err != nil {
		t.Errorf("Verify(good) error = %v", err)
	}

	bad := filepath.Join(dir, "bad.db")
	if err := os.WriteFile(bad, bytes.Repeat([]byte("not a database "), 512), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Verify(context.Background(), bad); err == nil {
		t.Error("Verify(bad) should fail")
	}
}

func TestSwap(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	snapshot := filepath.Join(t.TempDir(), "snap.db")
	if err := store.CopyTo(ctx, snapshot); err != nil {
		t.Fatalf("CopyTo() error = %v", err)
	}
	want, err := os.ReadFile(snapshot)
	if err != nil {
		t.Fatal(err)
	}

	mustExec(t, store, `INSERT INTO sales (total) VALUES (99)`)
	if got := countSales(t, store); got != 3 {
		t.Fatalf("sales before swap = %d, want 3", got)
	}

	replacement := filepath.Join(filepath.Dir(store.Path()), "replacement.db")
	if err := os.WriteFile(replacement, want, 0644); err != nil {
		t.Fatal(err)
	}

	if err := store.Swap(ctx, replacement); err != nil {
		t.Fatalf("Swap() error = %v", err)
	}

	if got := countSales(t, store); got != 2 {
		t.Errorf("sales after swap = %d, want 2", got)
	}
	if _, err := os.Stat(replacement); !os.IsNotExist(err) {
		t.Error("replacement file should have been renamed away")
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("live database is not byte-identical to the snapshot after swap")
	}
}

func TestSwap_MissingReplacementKeepsStoreUsable(t *testing.T) {
	store := newFileStore(t)

	err := store.Swap(context.Background(), filepath.Join(t.TempDir(), "missing.db"))
	if err == nil {
		t.Fatal("Swap() with missing replacement should fail")
	}
	if got := countSales(t, store); got != 2 {
		t.Errorf("sales after failed swap = %d, want 2", got)
	}
}

func TestSwap_InMemory(t *testing.T) {
	store := newTestStore(t)
	if err := store.Swap(context.Background(), "whatever.db"); err == nil {
		t.Error("Swap() on in-memory store should fail")
	}
}

func TestAuditRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []AuditRecord{
		{ID: "a", Kind: "snapshot_created", SnapshotID: "s1", Location: "local", CreatedAt: base},
		{ID: "b", Kind: "upload_failed", SnapshotID: "s1", Location: "remote", Message: "timeout", CreatedAt: base.Add(time.Minute)},
	}
	for _, rec := range records {
		if err := store.InsertAuditRecord(ctx, rec); err != nil {
			t.Fatalf("InsertAuditRecord(%s) error = %v", rec.ID, err)
		}
	}

	got, err := store.ListAuditRecords(ctx, 10)
	if err != nil {
		t.Fatalf("ListAuditRecords() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].ID != "b" || got[0].Message != "timeout" {
		t.Errorf("newest record = %+v, want id b with message", got[0])
	}
	if !got[1].CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got[1].CreatedAt, base)
	}
}
