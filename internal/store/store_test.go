package store

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/bpfmand/bpfmand/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(root, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func xdpProgram(id uint32, ifIndex uint32) *model.XdpProgram {
	return &model.XdpProgram{
		ProgramData: model.ProgramData{ID: id, EntryPoint: "xdp_main", Owner: "alice"},
		Attach:      model.XDPAttachInfo{IfIndex: ifIndex, Priority: 50},
	}
}

func TestSaveAndRebuildProgram(t *testing.T) {
	s := newTestStore(t)
	p := xdpProgram(1, 2)

	if err := s.SaveProgram(p); err != nil {
		t.Fatalf("SaveProgram: %v", err)
	}

	progs, err := s.RebuildPrograms()
	if err != nil {
		t.Fatalf("RebuildPrograms: %v", err)
	}
	if len(progs) != 1 {
		t.Fatalf("expected 1 program, got %d", len(progs))
	}
	got, ok := progs[0].(*model.XdpProgram)
	if !ok {
		t.Fatalf("expected *model.XdpProgram, got %T", progs[0])
	}
	if got.Data().ID != 1 || got.Attach.IfIndex != 2 {
		t.Fatalf("round-tripped program mismatch: %+v", got)
	}
	if !got.Data().Attached {
		t.Fatalf("RebuildPrograms must mark every record Attached=true")
	}
}

func TestDeleteProgramMissingIsNotError(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteProgram(999); err != nil {
		t.Fatalf("deleting a nonexistent record must not error, got %v", err)
	}
}

func TestRebuildProgramsIgnoresTempFiles(t *testing.T) {
	s := newTestStore(t)
	p := xdpProgram(1, 2)
	if err := s.SaveProgram(p); err != nil {
		t.Fatalf("SaveProgram: %v", err)
	}
	stray := filepath.Join(ProgramsDir(s.Root()), ".tmp-stray")
	if err := os.WriteFile(stray, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("writing stray temp file: %v", err)
	}

	progs, err := s.RebuildPrograms()
	if err != nil {
		t.Fatalf("RebuildPrograms: %v", err)
	}
	if len(progs) != 1 {
		t.Fatalf("expected stray .tmp- file to be skipped, got %d programs", len(progs))
	}
}

func TestDispatcherRevisionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := model.DispatcherKey{Kind: model.KindXDP, IfIndex: 7}
	rev := model.DispatcherRevision{
		Key:      key,
		Revision: 1,
		State:    model.RevisionAttached,
		Extensions: []model.ExtensionSlot{
			{ProgramID: 5, Position: 0, Priority: 10},
		},
	}

	if err := s.SaveDispatcherRevision(rev); err != nil {
		t.Fatalf("SaveDispatcherRevision: %v", err)
	}

	revs, markers, err := s.RebuildDispatchers()
	if err != nil {
		t.Fatalf("RebuildDispatchers: %v", err)
	}
	if len(markers) != 0 {
		t.Fatalf("expected no reconcile markers, got %d", len(markers))
	}
	if len(revs) != 1 || revs[0].Revision != 1 || revs[0].Key != key {
		t.Fatalf("unexpected revisions: %+v", revs)
	}

	if err := s.DeleteDispatcherRevision(key, 1); err != nil {
		t.Fatalf("DeleteDispatcherRevision: %v", err)
	}
	revs, _, err = s.RebuildDispatchers()
	if err != nil {
		t.Fatalf("RebuildDispatchers after delete: %v", err)
	}
	if len(revs) != 0 {
		t.Fatalf("expected 0 revisions after delete, got %d", len(revs))
	}
}

func TestReconcilingMarkerDetectedOnRebuild(t *testing.T) {
	s := newTestStore(t)
	key := model.DispatcherKey{Kind: model.KindTC, IfIndex: 3, Direction: model.DirectionIngress}

	if err := s.WriteReconcilingMarker(key, 4); err != nil {
		t.Fatalf("WriteReconcilingMarker: %v", err)
	}

	_, markers, err := s.RebuildDispatchers()
	if err != nil {
		t.Fatalf("RebuildDispatchers: %v", err)
	}
	if len(markers) != 1 {
		t.Fatalf("expected 1 stale marker, got %d", len(markers))
	}
	for _, rev := range markers {
		if rev != 4 {
			t.Fatalf("expected marker revision 4, got %d", rev)
		}
	}

	if err := s.ClearReconcilingMarker(key); err != nil {
		t.Fatalf("ClearReconcilingMarker: %v", err)
	}
	_, markers, err = s.RebuildDispatchers()
	if err != nil {
		t.Fatalf("RebuildDispatchers after clear: %v", err)
	}
	if len(markers) != 0 {
		t.Fatalf("expected marker cleared, got %d", len(markers))
	}
}

func TestWriteAtomicOverwritesAndLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record")

	if err := writeAtomic(path, []byte("first")); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}
	if err := writeAtomic(path, []byte("second")); err != nil {
		t.Fatalf("writeAtomic overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected final content %q, got %q", "second", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Base(e.Name()) != "record" {
			t.Fatalf("leftover temp file after writeAtomic: %s", e.Name())
		}
	}
}
