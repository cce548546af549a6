package store

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/observability"
)

// Store is the flat-file persistence layer described in spec.md §4.2.
// It has no in-memory cache of its own — registry/mapgroup/dispatcher
// hold the authoritative in-memory state during normal operation and
// call Store only to persist or, at startup, to Rebuild from disk.
type Store struct {
	root    string
	metrics *observability.Metrics
	log     *zap.Logger
}

// New returns a Store rooted at root, creating the directory layout if
// it does not already exist. metrics may be nil in tests that don't
// care about bpfmand_store_write_latency_seconds.
func New(root string, metrics *observability.Metrics, log *zap.Logger) (*Store, error) {
	for _, dir := range []string{
		ProgramsDir(root),
		DispatchersRoot(root),
		filepath.Join(root, mapsDir),
		filepath.Join(root, programPinsDir),
		filepath.Join(root, linkPinsDir),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, model.WrapError(model.CodeInternal, err, "creating store directory %s", dir)
		}
	}
	return &Store{root: root, metrics: metrics, log: log}, nil
}

// observeWrite records a write's latency against StoreWriteLatency, if
// metrics were supplied to New.
func (s *Store) observeWrite(start time.Time) {
	if s.metrics != nil {
		s.metrics.StoreWriteLatency.Observe(time.Since(start).Seconds())
	}
}

// Root returns the storage root directory, used by mapgroup/dispatcher
// to compute pin paths without duplicating layout knowledge.
func (s *Store) Root() string { return s.root }

// writeAtomic writes data to path by creating a temp file in the same
// directory and renaming it over path — atomic on a single filesystem,
// matching spec.md §4.2's explicit requirement and the teacher's
// create-temp-then-rename pattern in internal/storage/bolt.go's
// snapshot export.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// programRecord is the gob-stable on-disk shape for a Program. Kept
// separate from model.Program (an interface) so gob never needs
// interface registration — each concrete attach-info field is a
// pointer, nil unless Kind selects it.
type programRecord struct {
	Kind  model.ProgramKind
	Data  model.ProgramData
	XDP   *model.XDPAttachInfo
	TC    *model.TCAttachInfo
	Trace *model.TracepointAttachInfo
	Kpr   *model.KprobeAttachInfo
	Upr   *model.UprobeAttachInfo
}

func toRecord(p model.Program) programRecord {
	rec := programRecord{Kind: p.Kind(), Data: *p.Data()}
	switch v := p.(type) {
	case *model.XdpProgram:
		a := v.Attach
		rec.XDP = &a
	case *model.TcProgram:
		a := v.Attach
		rec.TC = &a
	case *model.TracepointProgram:
		a := v.Attach
		rec.Trace = &a
	case *model.KprobeProgram:
		a := v.Attach
		rec.Kpr = &a
	case *model.UprobeProgram:
		a := v.Attach
		rec.Upr = &a
	}
	return rec
}

func fromRecord(rec programRecord) (model.Program, error) {
	switch rec.Kind {
	case model.KindXDP:
		if rec.XDP == nil {
			return nil, model.NewError(model.CodeInternal, "xdp record missing attach info")
		}
		return &model.XdpProgram{ProgramData: rec.Data, Attach: *rec.XDP}, nil
	case model.KindTC:
		if rec.TC == nil {
			return nil, model.NewError(model.CodeInternal, "tc record missing attach info")
		}
		return &model.TcProgram{ProgramData: rec.Data, Attach: *rec.TC}, nil
	case model.KindTracepoint:
		if rec.Trace == nil {
			return nil, model.NewError(model.CodeInternal, "tracepoint record missing attach info")
		}
		return &model.TracepointProgram{ProgramData: rec.Data, Attach: *rec.Trace}, nil
	case model.KindKprobe:
		if rec.Kpr == nil {
			return nil, model.NewError(model.CodeInternal, "kprobe record missing attach info")
		}
		return &model.KprobeProgram{ProgramData: rec.Data, Attach: *rec.Kpr}, nil
	case model.KindUprobe:
		if rec.Upr == nil {
			return nil, model.NewError(model.CodeInternal, "uprobe record missing attach info")
		}
		return &model.UprobeProgram{ProgramData: rec.Data, Attach: *rec.Upr}, nil
	default:
		return nil, model.NewError(model.CodeInternal, "unknown program kind %d in record", rec.Kind)
	}
}

// SaveProgram persists p under programs/<id>, atomically.
func (s *Store) SaveProgram(p model.Program) error {
	defer s.observeWrite(time.Now())
	rec := toRecord(p)
	var buf strings.Builder
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return model.WrapError(model.CodeInternal, err, "encoding program %d", p.Data().ID)
	}
	path := ProgramPath(s.root, p.Data().ID)
	if err := writeAtomic(path, []byte(buf.String())); err != nil {
		return model.WrapError(model.CodeInternal, err, "writing program record %s", path)
	}
	return nil
}

// DeleteProgram removes a program's on-disk record. Missing files are
// not an error — Remove may be called after a partial failure already
// cleaned up the file.
func (s *Store) DeleteProgram(id uint32) error {
	if err := os.Remove(ProgramPath(s.root, id)); err != nil && !os.IsNotExist(err) {
		return model.WrapError(model.CodeInternal, err, "deleting program record %d", id)
	}
	return nil
}

// RebuildPrograms walks programs/ and reconstructs every Program record,
// marking each Attached = true without verifying kernel truth — an
// explicit, recorded assumption (DESIGN.md, resolving spec.md §9).
// registry.Add writes the record only after the kernel attach succeeds,
// so a crash between the two leaves an attachment with no record, which
// this walk does not see.
func (s *Store) RebuildPrograms() ([]model.Program, error) {
	dir := ProgramsDir(s.root)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.WrapError(model.CodeInternal, err, "reading programs directory")
	}
	var out []model.Program
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, model.WrapError(model.CodeInternal, err, "opening program record %s", e.Name())
		}
		var rec programRecord
		err = gob.NewDecoder(f).Decode(&rec)
		f.Close()
		if err != nil {
			return nil, model.WrapError(model.CodeInternal, err, "decoding program record %s", e.Name())
		}
		p, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		p.Data().Attached = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Data().ID < out[j].Data().ID })
	return out, nil
}

// SaveDispatcherRevision persists rev atomically under its kind/direction
// directory.
func (s *Store) SaveDispatcherRevision(rev model.DispatcherRevision) error {
	defer s.observeWrite(time.Now())
	var buf strings.Builder
	if err := gob.NewEncoder(&buf).Encode(rev); err != nil {
		return model.WrapError(model.CodeInternal, err, "encoding dispatcher revision %s/%d", rev.Key, rev.Revision)
	}
	path := DispatcherPath(s.root, rev.Key, rev.Revision)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return model.WrapError(model.CodeInternal, err, "creating dispatcher directory for %s", rev.Key)
	}
	if err := writeAtomic(path, []byte(buf.String())); err != nil {
		return model.WrapError(model.CodeInternal, err, "writing dispatcher revision %s", path)
	}
	return nil
}

// DeleteDispatcherRevision removes a revision's on-disk record.
func (s *Store) DeleteDispatcherRevision(key model.DispatcherKey, revision uint64) error {
	path := DispatcherPath(s.root, key, revision)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return model.WrapError(model.CodeInternal, err, "deleting dispatcher revision %s", path)
	}
	return nil
}

// WriteReconcilingMarker writes the crash-recovery marker for key before
// a reconcile begins mutating kernel state.
func (s *Store) WriteReconcilingMarker(key model.DispatcherKey, revision uint64) error {
	path := DispatcherReconcilingMarker(s.root, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return model.WrapError(model.CodeInternal, err, "creating dispatcher directory for %s", key)
	}
	return writeAtomic(path, []byte(strconv.FormatUint(revision, 10)))
}

// ClearReconcilingMarker removes the marker once a reconcile has
// committed or cleanly rolled back.
func (s *Store) ClearReconcilingMarker(key model.DispatcherKey) error {
	if err := os.Remove(DispatcherReconcilingMarker(s.root, key)); err != nil && !os.IsNotExist(err) {
		return model.WrapError(model.CodeInternal, err, "clearing reconcile marker for %s", key)
	}
	return nil
}

// RebuildDispatchers walks dispatchers/ and reconstructs every revision
// record found, along with any stale reconcile marker for crash
// detection by the caller (internal/dispatcher.Rebuild).
func (s *Store) RebuildDispatchers() ([]model.DispatcherRevision, map[string]uint64, error) {
	root := DispatchersRoot(s.root)
	var revisions []model.DispatcherRevision
	markers := map[string]uint64{}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		if strings.HasPrefix(name, ".tmp-") {
			return nil
		}
		if strings.HasSuffix(name, ".reconciling") {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rev, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
			if err != nil {
				return err
			}
			markers[filepath.Dir(path)] = rev
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		var rev model.DispatcherRevision
		if err := gob.NewDecoder(f).Decode(&rev); err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
		revisions = append(revisions, rev)
		return nil
	})
	if err != nil {
		return nil, nil, model.WrapError(model.CodeInternal, err, "walking dispatchers directory")
	}
	return revisions, markers, nil
}
