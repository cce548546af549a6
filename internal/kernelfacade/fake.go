package kernelfacade

import (
	"fmt"
	"sync"

	"github.com/bpfmand/bpfmand/internal/model"
)

// FakeFacade is an in-memory Facade double, letting registry/dispatcher
// logic be exercised without root or a real kernel — grounded on the
// teacher's habit of exposing its boundary packages (internal/bpf,
// internal/kernel) behind small interfaces that its own tests fake out.
type FakeFacade struct {
	mu sync.Mutex

	nextID      uint32
	nextIface   uint32
	ifaceByName map[string]uint32
	clsact      map[uint32]bool
	pins        map[string]*fakePinned

	// FailAttach, if set, makes every Attach* call fail for the named
	// program (by ProgramHandle.Name()), for exercising rollback paths.
	FailAttach map[string]bool
}

type fakePinned struct {
	kind model.ProgramKind
	name string
}

// NewFakeFacade constructs an empty fake kernel.
func NewFakeFacade() *FakeFacade {
	return &FakeFacade{
		nextID:      1,
		nextIface:   1,
		ifaceByName: map[string]uint32{},
		clsact:      map[uint32]bool{},
		pins:        map[string]*fakePinned{},
		FailAttach:  map[string]bool{},
	}
}

// WithInterface pre-registers a name -> ifindex mapping, so tests can
// control InterfaceIndex resolution deterministically.
func (f *FakeFacade) WithInterface(name string, ifIndex uint32) *FakeFacade {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ifaceByName[name] = ifIndex
	return f
}

type fakeHandle struct {
	name string
	kind model.ProgramKind
	id   uint32
}

func (h *fakeHandle) Name() string { return h.name }
func (h *fakeHandle) ProbeKind() (model.ProgramKind, bool) {
	if h.kind == model.KindKprobe || h.kind == model.KindUprobe {
		return h.kind, true
	}
	return 0, false
}

func (h *fakeHandle) Info() (model.KernelInfo, error) {
	return model.KernelInfo{ID: h.id, Tag: fmt.Sprintf("fake%d", h.id)}, nil
}

type fakeLoaded struct {
	f    *FakeFacade
	kind model.ProgramKind
}

func (l *fakeLoaded) TakeProgram(name string, kind model.ProgramKind) (ProgramHandle, error) {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	id := l.f.nextID
	l.f.nextID++
	return &fakeHandle{name: name, kind: kind, id: id}, nil
}

func (l *fakeLoaded) Close() error { return nil }

type fakeLink struct {
	f    *FakeFacade
	name string
}

func (l *fakeLink) Close() error { return nil }

func (f *FakeFacade) LoadObject(raw []byte, globals map[string][]byte, mapPinDir string) (Loaded, error) {
	if len(raw) == 0 {
		return nil, model.NewError(model.CodeSectionNotValid, "empty object")
	}
	return &fakeLoaded{f: f}, nil
}

func (f *FakeFacade) attachGuard(h ProgramHandle) error {
	fh := h.(*fakeHandle)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAttach[fh.name] {
		return model.NewError(model.CodeAttachFailed, "simulated attach failure for %s", fh.name)
	}
	return nil
}

func (f *FakeFacade) AttachXDP(h ProgramHandle, ifIndex uint32, mode model.XDPMode) (LinkHandle, error) {
	if err := f.attachGuard(h); err != nil {
		return nil, err
	}
	return &fakeLink{f: f, name: h.Name()}, nil
}

func (f *FakeFacade) AttachTC(h ProgramHandle, ifIndex uint32, dir model.Direction, priority int32) (LinkHandle, error) {
	if err := f.attachGuard(h); err != nil {
		return nil, err
	}
	if err := f.AddClsact(ifIndex); err != nil {
		return nil, err
	}
	return &fakeLink{f: f, name: h.Name()}, nil
}

func (f *FakeFacade) AttachTracepoint(h ProgramHandle, category, name string) (LinkHandle, error) {
	if err := f.attachGuard(h); err != nil {
		return nil, err
	}
	return &fakeLink{f: f, name: h.Name()}, nil
}

func (f *FakeFacade) AttachKprobe(h ProgramHandle, fn string, offset uint64, retprobe bool) (LinkHandle, error) {
	if err := f.attachGuard(h); err != nil {
		return nil, err
	}
	if retprobe && offset != 0 {
		return nil, model.NewError(model.CodeKretprobeOffsetInvalid, "kretprobe requires offset == 0, got %d", offset)
	}
	return &fakeLink{f: f, name: h.Name()}, nil
}

func (f *FakeFacade) AttachUprobe(h ProgramHandle, fn string, offset uint64, target string, retprobe bool, pid *int32) (LinkHandle, error) {
	if err := f.attachGuard(h); err != nil {
		return nil, err
	}
	return &fakeLink{f: f, name: h.Name()}, nil
}

func (f *FakeFacade) PinProgram(h ProgramHandle, path string) error {
	fh := h.(*fakeHandle)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[path] = &fakePinned{kind: fh.kind, name: fh.name}
	return nil
}

func (f *FakeFacade) PinLink(l LinkHandle, path string) error {
	fl := l.(*fakeLink)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[path] = &fakePinned{name: fl.name}
	return nil
}

func (f *FakeFacade) RepinExtension(oldPinPath, newPinPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pins[oldPinPath]
	if !ok {
		return model.NewError(model.CodePinLinkFailed, "no pinned link at %s", oldPinPath)
	}
	delete(f.pins, oldPinPath)
	f.pins[newPinPath] = p
	return nil
}

func (f *FakeFacade) EnumerateKernelPrograms() ([]KernelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []KernelRecord
	for path, p := range f.pins {
		out = append(out, KernelRecord{Name: p.name, Kind: p.kind, Tag: path})
	}
	return out, nil
}

func (f *FakeFacade) AddClsact(ifIndex uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clsact[ifIndex] = true
	return nil
}

func (f *FakeFacade) InterfaceIndex(name string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx, ok := f.ifaceByName[name]; ok {
		return idx, nil
	}
	idx := f.nextIface
	f.nextIface++
	f.ifaceByName[name] = idx
	return idx, nil
}
