package mapgroup

import (
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/store"
)

func newTestBookkeeper(t *testing.T) (*Bookkeeper, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return New(s, os.Getgid(), zap.NewNop()), s
}

func TestOwnerPrepareCommitRelease(t *testing.T) {
	b, _ := newTestBookkeeper(t)

	pinPath, err := b.Prepare(1, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := os.Stat(pinPath); err != nil {
		t.Fatalf("expected pin directory to exist: %v", err)
	}

	if err := b.Commit(1, nil, pinPath); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !b.IsSafeToUnload(1, nil) {
		t.Fatalf("owner with no consumers must be safe to unload")
	}

	if err := b.Release(1, nil); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := b.Group(1); ok {
		t.Fatalf("group must be gone after releasing its only member")
	}
	if _, err := os.Stat(pinPath); !os.IsNotExist(err) {
		t.Fatalf("expected pin directory removed, stat err = %v", err)
	}
}

func TestConsumerRequiresExistingGroup(t *testing.T) {
	b, _ := newTestBookkeeper(t)
	owner := uint32(1)

	if _, err := b.Prepare(2, &owner); err == nil {
		t.Fatalf("expected CodeMapGroupMissing for a consumer with no owner group")
	}
}

func TestOwnerUnsafeToUnloadWhileConsumersRemain(t *testing.T) {
	b, _ := newTestBookkeeper(t)
	owner := uint32(1)

	ownerPin, err := b.Prepare(1, nil)
	if err != nil {
		t.Fatalf("Prepare owner: %v", err)
	}
	if err := b.Commit(1, nil, ownerPin); err != nil {
		t.Fatalf("Commit owner: %v", err)
	}

	consumerPin, err := b.Prepare(2, &owner)
	if err != nil {
		t.Fatalf("Prepare consumer: %v", err)
	}
	if err := b.Commit(2, &owner, consumerPin); err != nil {
		t.Fatalf("Commit consumer: %v", err)
	}

	if b.IsSafeToUnload(1, nil) {
		t.Fatalf("owner must not be safe to unload while a consumer references its group")
	}

	if err := b.Release(2, &owner); err != nil {
		t.Fatalf("Release consumer: %v", err)
	}
	if !b.IsSafeToUnload(1, nil) {
		t.Fatalf("owner must be safe to unload once its only consumer releases")
	}
}

func TestCleanupPreparedOnlyRemovesOwnDirectory(t *testing.T) {
	b, _ := newTestBookkeeper(t)

	pinPath, err := b.Prepare(1, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := b.CleanupPrepared(1, nil); err != nil {
		t.Fatalf("CleanupPrepared: %v", err)
	}
	if _, err := os.Stat(pinPath); !os.IsNotExist(err) {
		t.Fatalf("expected prepared directory removed after rollback")
	}

	// Committing then calling CleanupPrepared again must be a no-op.
	pinPath2, err := b.Prepare(2, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := b.Commit(2, nil, pinPath2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := b.CleanupPrepared(2, nil); err != nil {
		t.Fatalf("CleanupPrepared after commit: %v", err)
	}
	if _, err := os.Stat(pinPath2); err != nil {
		t.Fatalf("committed directory must survive a stray CleanupPrepared call: %v", err)
	}
}

func TestRebuildReconstructsOwnerAndConsumerMembership(t *testing.T) {
	b, s := newTestBookkeeper(t)
	owner := uint32(1)

	xdpOwner := &model.XdpProgram{
		ProgramData: model.ProgramData{ID: 1},
		Attach:      model.XDPAttachInfo{IfIndex: 10},
	}
	xdpConsumer := &model.XdpProgram{
		ProgramData: model.ProgramData{ID: 2, MapOwnerID: &owner},
		Attach:      model.XDPAttachInfo{IfIndex: 10},
	}

	b.Rebuild([]model.Program{xdpOwner, xdpConsumer})

	g, ok := b.Group(1)
	if !ok {
		t.Fatalf("expected group 1 to exist after rebuild")
	}
	if len(g.UsedBy) != 2 {
		t.Fatalf("expected owner+consumer in used_by, got %v", g.UsedBy)
	}
	if g.PinPath != store.MapGroupPinDir(s.Root(), 1) {
		t.Fatalf("unexpected pin path %s", g.PinPath)
	}
}
