package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T, retentionDays int) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := Open(path, retentionDays, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAndRead(t *testing.T) {
	db := newTestDB(t, 30)

	if err := db.Append(Entry{Command: "load-xdp", ProgramID: 1, Requester: "alice", Outcome: "ok"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := db.Append(Entry{Command: "unload", ProgramID: 1, Requester: "alice", Outcome: "ok"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := db.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Command != "load-xdp" || entries[1].Command != "unload" {
		t.Fatalf("expected chronological order, got %+v", entries)
	}
}

func TestAppendStampsZeroTimestamp(t *testing.T) {
	db := newTestDB(t, 30)
	before := time.Now().UTC()

	if err := db.Append(Entry{Command: "list", Requester: "alice", Outcome: "ok"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := db.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Timestamp.Before(before) {
		t.Fatalf("expected the stamped timestamp to be at or after the call, got %v < %v", entries[0].Timestamp, before)
	}
}

func TestPruneOldRemovesEntriesPastRetention(t *testing.T) {
	db := newTestDB(t, 1)

	stale := time.Now().UTC().AddDate(0, 0, -5)
	fresh := time.Now().UTC()
	if err := db.Append(Entry{Timestamp: stale, Command: "load-xdp", ProgramID: 1, Outcome: "ok"}); err != nil {
		t.Fatalf("Append stale: %v", err)
	}
	if err := db.Append(Entry{Timestamp: fresh, Command: "load-xdp", ProgramID: 2, Outcome: "ok"}); err != nil {
		t.Fatalf("Append fresh: %v", err)
	}

	deleted, err := db.PruneOld()
	if err != nil {
		t.Fatalf("PruneOld: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 stale entry pruned, got %d", deleted)
	}

	entries, err := db.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 || entries[0].ProgramID != 2 {
		t.Fatalf("expected only the fresh entry to survive, got %+v", entries)
	}
}

func TestOpenAcceptsMatchingSchemaVersionOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := Open(path, 30, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()

	// Reopening the same file with an unchanged schema must succeed.
	db2, err := Open(path, 30, nil)
	if err != nil {
		t.Fatalf("reopening an existing audit database must succeed: %v", err)
	}
	db2.Close()
}
