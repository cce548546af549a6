// Package audit is the ambient, non-authoritative audit trail described
// in SPEC_FULL.md §2.5: an append-only record of every accepted command
// (kind, id, requester, outcome, timestamp), kept in a go.etcd.io/bbolt
// database. It is deliberately secondary — the authoritative
// program/dispatcher state is always the flat-file internal/store;
// this ledger only answers "what happened and when".
//
// Directly grounded on the teacher's internal/storage/bolt.go: the same
// bucket-per-concern layout, ACID Tx.Update/View, RFC3339Nano+id
// sortable keys, and a retention-pruning entry point.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bpfmand/bpfmand/internal/observability"
)

const (
	// DefaultDBPath is the default audit database location.
	DefaultDBPath = "/var/lib/bpfmand/audit.db"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	schemaVersion = "1"

	bucketLedger = "ledger"
	bucketMeta   = "meta"
)

// Entry is one audit record: one accepted (or rejected) command.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	ProgramID uint32    `json:"program_id"`
	Requester string    `json:"requester"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// DB wraps a bbolt instance with typed accessors for the audit ledger.
type DB struct {
	db            *bolt.DB
	retentionDays int
	metrics       *observability.Metrics
}

// Open opens (or creates) the audit database at path. metrics may be
// nil in tests that don't care about bpfmand_audit_write_latency_seconds.
func Open(path string, retentionDays int, metrics *observability.Metrics) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays, metrics: metrics}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(schemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != schemaVersion {
			return fmt.Errorf("audit schema mismatch: database has %q, bpfmand requires %q", string(v), schemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error { return d.db.Close() }

// ledgerKey constructs a sortable key: a fixed-width UTC timestamp with
// all nine fractional-second digits + zero-padded id, so lexicographic
// order equals chronological order (matching the teacher's ledgerKey
// helper).
func ledgerKey(t time.Time, id uint32) []byte {
	return []byte(fmt.Sprintf("%s_%010d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), id))
}

// Append records entry, stamping the timestamp if unset.
func (d *DB) Append(entry Entry) error {
	start := time.Now()
	if d.metrics != nil {
		defer func() { d.metrics.AuditWriteLatency.Observe(time.Since(start).Seconds()) }()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	key := ledgerKey(entry.Timestamp, entry.ProgramID)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).Put(key, data)
	})
}

// PruneOld deletes ledger entries older than the configured retention
// period, returning the number of entries removed.
func (d *DB) PruneOld() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := append([]byte(nil), k...)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Read returns every ledger entry in chronological order, for
// operational inspection. Not called on the manager's command-handling
// hot path.
func (d *DB) Read() ([]Entry, error) {
	var entries []Entry
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}
