package registry

import (
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/bpfmand/bpfmand/internal/dispatcher"
	"github.com/bpfmand/bpfmand/internal/kernelfacade"
	"github.com/bpfmand/bpfmand/internal/mapgroup"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/store"
)

type fakeBytecodeSource struct {
	fail bool
}

func (f *fakeBytecodeSource) Load(loc model.Location) ([]byte, error) {
	if f.fail {
		return nil, model.NewError(model.CodeBytecodeError, "simulated load failure")
	}
	return []byte("object"), nil
}

type fakeDispatcherBytecode struct{}

func (fakeDispatcherBytecode) Object(kind model.ProgramKind) ([]byte, string, error) {
	return []byte("dispatcher-object"), "dispatcher", nil
}

func newTestRegistry(t *testing.T) (*Registry, *kernelfacade.FakeFacade, *fakeBytecodeSource) {
	t.Helper()
	s, err := store.New(t.TempDir(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	facade := kernelfacade.NewFakeFacade()
	bc := &fakeBytecodeSource{}
	maps := mapgroup.New(s, 0, zap.NewNop())

	var reg *Registry
	engine := dispatcher.New(facade, s, fakeDispatcherBytecode{}, extensionBytecodeThunk{func(id uint32) (model.Program, bool) { return reg.ProgramByID(id) }}, nil, zap.NewNop())
	reg = New(facade, s, maps, engine, bc, nil, nil, zap.NewNop())
	return reg, facade, bc
}

// extensionBytecodeThunk adapts a lookup closure to dispatcher.ExtensionBytecode
// without needing the Registry constructed before the Engine it depends on,
// mirroring the same forward-reference wiring cmd/bpfmand/main.go uses.
type extensionBytecodeThunk struct {
	lookup func(uint32) (model.Program, bool)
}

func (t extensionBytecodeThunk) Load(programID uint32) ([]byte, string, error) {
	p, ok := t.lookup(programID)
	if !ok {
		return nil, "", model.NewError(model.CodeInvalidID, "no program with id %d", programID)
	}
	return []byte("extension-object"), p.Data().EntryPoint, nil
}

func xdpProg(ifIndex uint32, priority int32, owner string) *model.XdpProgram {
	return &model.XdpProgram{
		ProgramData: model.ProgramData{EntryPoint: "prog", Owner: owner},
		Attach:      model.XDPAttachInfo{IfIndex: ifIndex, Priority: priority},
	}
}

func kprobeProg(owner string) *model.KprobeProgram {
	return &model.KprobeProgram{
		ProgramData: model.ProgramData{EntryPoint: "prog", Owner: owner},
		Attach:      model.KprobeAttachInfo{Function: "do_sys_open"},
	}
}

func TestAddSingleAttachAssignsIDAndPersists(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	p := kprobeProg("alice")

	id, err := reg.Add(p, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first assigned id to be 1, got %d", id)
	}
	if !p.Data().Attached {
		t.Fatalf("expected program marked Attached after a successful add")
	}
	entry, ok, err := reg.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get(%d): ok=%v err=%v", id, ok, err)
	}
	if entry.Program.Data().Owner != "alice" {
		t.Fatalf("unexpected owner in registered entry: %+v", entry.Program.Data())
	}
}

func TestAddRejectsDuplicateCallerSuppliedID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := uint32(5)
	if _, err := reg.Add(kprobeProg("alice"), &id); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := reg.Add(kprobeProg("bob"), &id); err == nil {
		t.Fatalf("expected CodeIDInUse for a duplicate caller-supplied id")
	}
}

func TestAddMultiAttachReconcilesDispatcher(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	p := xdpProg(10, 50, "alice")

	id, err := reg.Add(p, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	entries, err := reg.List(Filter{BpfmanOnly: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Program.Data().ID != id {
		t.Fatalf("expected the multi-attach program to be listed, got %+v", entries)
	}
}

func TestAddMultiAttachRejectsEleventhExtension(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	for i := 0; i < 10; i++ {
		if _, err := reg.Add(xdpProg(10, int32(i), "alice"), nil); err != nil {
			t.Fatalf("Add extension %d: %v", i, err)
		}
	}
	_, err := reg.Add(xdpProg(10, 99, "alice"), nil)
	if err == nil {
		t.Fatalf("expected CodeTooManyPrograms for an 11th extension on the same interface")
	}
	modelErr, ok := err.(*model.Error)
	if !ok || modelErr.Code != model.CodeTooManyPrograms {
		t.Fatalf("expected CodeTooManyPrograms, got %v", err)
	}
}

func TestAddRollsBackMapPrepareOnLoadFailure(t *testing.T) {
	reg, _, bc := newTestRegistry(t)
	bc.fail = true

	if _, err := reg.Add(kprobeProg("alice"), nil); err == nil {
		t.Fatalf("expected the simulated bytecode load failure to surface")
	}
	if _, ok, _ := reg.Get(1); ok {
		t.Fatalf("a failed add must not leave a registered program behind")
	}
	if _, err := os.Stat(store.MapGroupPinDir(reg.store.Root(), 1)); !os.IsNotExist(err) {
		t.Fatalf("a failed add must remove the map group directory it prepared, stat err: %v", err)
	}
}

func TestAddSingleAttachUprobeSucceedsOnFakeFacade(t *testing.T) {
	reg, facade, _ := newTestRegistry(t)
	_ = facade
	p := &model.UprobeProgram{
		ProgramData: model.ProgramData{EntryPoint: "prog", Owner: "alice"},
		Attach:      model.UprobeAttachInfo{Target: "/usr/bin/app"},
	}
	// FakeFacade's handle reports whatever kind TakeProgram was asked
	// for, so this cannot force a probe-kind mismatch; it checks the
	// success path of a uprobe add instead.
	if _, err := reg.Add(p, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestRemoveRequiresOwnerOrSuperuser(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id, err := reg.Add(kprobeProg("alice"), nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := reg.Remove(id, "bob"); err == nil {
		t.Fatalf("expected CodeNotAuthorised for a non-owner, non-superuser requester")
	}
	if err := reg.Remove(id, Superuser); err != nil {
		t.Fatalf("superuser Remove: %v", err)
	}
	if _, ok, _ := reg.Get(id); ok {
		t.Fatalf("expected program gone after a successful Remove")
	}
}

func TestRemoveOwnerSucceeds(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id, err := reg.Add(kprobeProg("alice"), nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Remove(id, "alice"); err != nil {
		t.Fatalf("owner Remove: %v", err)
	}
}

func TestRemoveMapOwnerFailsWhileConsumersRemain(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	owner := kprobeProg("alice")
	ownerID, err := reg.Add(owner, nil)
	if err != nil {
		t.Fatalf("Add owner: %v", err)
	}

	consumer := kprobeProg("alice")
	consumer.Data().MapOwnerID = &ownerID
	if _, err := reg.Add(consumer, nil); err != nil {
		t.Fatalf("Add consumer: %v", err)
	}

	err = reg.Remove(ownerID, "alice")
	if err == nil {
		t.Fatalf("expected CodeMapInUse while a consumer still references the owner's map group")
	}
	modelErr, ok := err.(*model.Error)
	if !ok || modelErr.Code != model.CodeMapInUse {
		t.Fatalf("expected CodeMapInUse, got %v", err)
	}
}

func TestRebuildStateRestoresProgramsAndNextID(t *testing.T) {
	s, err := store.New(t.TempDir(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	saved := &model.KprobeProgram{
		ProgramData: model.ProgramData{ID: 7, EntryPoint: "prog", Owner: "alice"},
		Attach:      model.KprobeAttachInfo{Function: "do_sys_open"},
	}
	if err := s.SaveProgram(saved); err != nil {
		t.Fatalf("SaveProgram: %v", err)
	}

	facade := kernelfacade.NewFakeFacade()
	maps := mapgroup.New(s, 0, zap.NewNop())
	var reg *Registry
	engine := dispatcher.New(facade, s, fakeDispatcherBytecode{}, extensionBytecodeThunk{func(id uint32) (model.Program, bool) { return reg.ProgramByID(id) }}, nil, zap.NewNop())
	reg = New(facade, s, maps, engine, &fakeBytecodeSource{}, nil, nil, zap.NewNop())

	if err := reg.RebuildState(); err != nil {
		t.Fatalf("RebuildState: %v", err)
	}
	if _, ok, _ := reg.Get(7); !ok {
		t.Fatalf("expected program 7 restored after RebuildState")
	}
	nextID, err := reg.Add(kprobeProg("bob"), nil)
	if err != nil {
		t.Fatalf("Add after RebuildState: %v", err)
	}
	if nextID <= 7 {
		t.Fatalf("expected next assigned id to continue past the restored max id 7, got %d", nextID)
	}
}
