// Package registry is the program registry from spec.md §4.5: the
// authoritative in-memory set of loaded programs, the per-kind add/remove
// dispatch, and the compensating-action chains from spec.md §7.
package registry

import (
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/bpfmand/bpfmand/internal/dispatcher"
	"github.com/bpfmand/bpfmand/internal/kernelfacade"
	"github.com/bpfmand/bpfmand/internal/mapgroup"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/observability"
	"github.com/bpfmand/bpfmand/internal/store"
)

// Superuser is the operator identity permitted to remove any program
// regardless of Owner, per spec.md §4.5's authorisation rule.
const Superuser = "root"

// BytecodeSource resolves a program's Location to loadable bytes, an
// external collaborator per spec.md §5.7/§6.
type BytecodeSource interface {
	Load(loc model.Location) ([]byte, error)
}

// Filter selects a subset of List's results, per spec.md §4.5.
type Filter struct {
	Kind        *model.ProgramKind
	Metadata    map[string]string
	BpfmanOnly  bool
}

// Entry is one List/Get result: a registered program enriched with its
// map group info, or a kernel-only record absent from the registry.
type Entry struct {
	Program    model.Program
	UsedBy     []uint32
	MapPinPath string
	KernelOnly *kernelfacade.KernelRecord
}

// Registry holds every loaded program, keyed by id.
type Registry struct {
	facade     kernelfacade.Facade
	store      *store.Store
	maps       *mapgroup.Bookkeeper
	engine     *dispatcher.Engine
	bytecode   BytecodeSource
	interfaces map[string]model.XDPMode
	metrics    *observability.Metrics
	log        *zap.Logger

	programs map[uint32]model.Program
	nextID   uint32
}

// New returns an empty Registry. interfaces carries the per-interface
// XDP mode overrides parsed from config.yaml's interfaces section,
// keyed by interface name; metrics may be nil in tests that don't care
// about the bpfmand_registry_* metrics.
func New(facade kernelfacade.Facade, s *store.Store, maps *mapgroup.Bookkeeper, engine *dispatcher.Engine, bc BytecodeSource, interfaces map[string]model.XDPMode, metrics *observability.Metrics, log *zap.Logger) *Registry {
	return &Registry{
		facade:     facade,
		store:      s,
		maps:       maps,
		engine:     engine,
		bytecode:   bc,
		interfaces: interfaces,
		metrics:    metrics,
		log:        log,
		programs:   map[uint32]model.Program{},
		nextID:     1,
	}
}

// resolveIfaceConfig builds the dispatcher.IfaceConfig for key, looking
// up the configured XDP mode override by the member programs' interface
// name. Only XDP keys carry a meaningful mode; TC reconciles always get
// the zero value.
func (r *Registry) resolveIfaceConfig(key model.DispatcherKey, programs []model.Program) dispatcher.IfaceConfig {
	if key.Kind != model.KindXDP {
		return dispatcher.IfaceConfig{}
	}
	for _, p := range programs {
		xp, ok := p.(*model.XdpProgram)
		if !ok || xp.Attach.IfName == "" {
			continue
		}
		return dispatcher.IfaceConfig{XDPMode: r.interfaces[xp.Attach.IfName]}
	}
	return dispatcher.IfaceConfig{}
}

// reportMapGroupStats samples the map bookkeeper into the
// bpfmand_mapgroup_* gauges, called after every Add/Remove.
func (r *Registry) reportMapGroupStats() {
	if r.metrics == nil {
		return
	}
	groups, consumers := r.maps.Stats()
	r.metrics.MapGroupsActive.Set(float64(groups))
	r.metrics.MapGroupConsumersTotal.Set(float64(consumers))
}

// RebuildState reconstructs the registry from persisted program records
// at startup, per spec.md §4.2's rebuild note.
func (r *Registry) RebuildState() error {
	programs, err := r.store.RebuildPrograms()
	if err != nil {
		return err
	}
	r.programs = map[uint32]model.Program{}
	for _, p := range programs {
		r.programs[p.Data().ID] = p
		if p.Data().ID >= r.nextID {
			r.nextID = p.Data().ID + 1
		}
	}
	r.maps.Rebuild(programs)
	return r.engine.Rebuild()
}

// Add assigns an id (or validates a caller-supplied one), then dispatches
// to addMultiAttach or addSingleAttach per spec.md §4.5's add().
func (r *Registry) Add(p model.Program, id *uint32) (uint32, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	var assigned uint32
	if id != nil {
		if _, exists := r.programs[*id]; exists {
			return 0, model.NewError(model.CodeIDInUse, "program id %d already in use", *id)
		}
		assigned = *id
		if assigned >= r.nextID {
			r.nextID = assigned + 1
		}
	} else {
		assigned = r.nextID
		r.nextID++
	}
	p.Data().ID = assigned

	var err error
	if p.Kind().IsMultiAttach() {
		err = r.addMultiAttach(p)
	} else {
		err = r.addSingleAttach(p)
	}
	if err != nil {
		r.maps.CleanupPrepared(assigned, p.Data().MapOwnerID)
		if r.metrics != nil {
			r.metrics.ProgramLoadFailuresTotal.WithLabelValues(p.Kind().String(), string(model.CodeOf(err))).Inc()
		}
		return 0, err
	}
	if r.metrics != nil {
		r.metrics.ProgramsLoadedTotal.WithLabelValues(p.Kind().String()).Inc()
		r.metrics.ProgramsActive.WithLabelValues(p.Kind().String()).Inc()
	}
	r.reportMapGroupStats()
	return assigned, nil
}

func (r *Registry) addMultiAttach(p model.Program) error {
	pinPath, err := r.maps.Prepare(p.Data().ID, p.Data().MapOwnerID)
	if err != nil {
		return err
	}

	// Linkage check only: confirm the entry point resolves, discard the
	// loaded object immediately — the real load happens inside Reconcile.
	raw, err := r.bytecode.Load(p.Data().Location)
	if err != nil {
		return err
	}
	loaded, err := r.facade.LoadObject(raw, p.Data().GlobalBindings, pinPath)
	if err != nil {
		return err
	}
	if _, err := loaded.TakeProgram(p.Data().EntryPoint, p.Kind()); err != nil {
		loaded.Close()
		return err
	}
	loaded.Close()

	key, _ := p.DispatcherKey()
	existing := r.membersOf(key)
	if len(existing) >= 10 {
		return model.NewError(model.CodeTooManyPrograms, "interface %s already has 10 attached programs", key)
	}

	p.Data().Attached = false
	r.programs[p.Data().ID] = p

	members := append(append([]model.Program{}, existing...), p)
	if err := r.engine.Reconcile(key, members, r.resolveIfaceConfig(key, members)); err != nil {
		delete(r.programs, p.Data().ID)
		r.store.DeleteProgram(p.Data().ID)
		return err
	}

	p.Data().Attached = true
	if err := r.store.SaveProgram(p); err != nil {
		return err
	}
	return r.maps.Commit(p.Data().ID, p.Data().MapOwnerID, pinPath)
}

func (r *Registry) addSingleAttach(p model.Program) error {
	pinPath, err := r.maps.Prepare(p.Data().ID, p.Data().MapOwnerID)
	if err != nil {
		return err
	}

	raw, err := r.bytecode.Load(p.Data().Location)
	if err != nil {
		return err
	}
	loaded, err := r.facade.LoadObject(raw, p.Data().GlobalBindings, pinPath)
	if err != nil {
		return err
	}

	handle, err := loaded.TakeProgram(p.Data().EntryPoint, p.Kind())
	if err != nil {
		loaded.Close()
		return err
	}

	if kind, ok := handle.ProbeKind(); ok && kind != p.Kind() {
		loaded.Close()
		return model.NewError(model.CodeProbeKindMismatch, "requested %s, loaded object is %s", p.Kind(), kind)
	}
	if kp, ok := p.(*model.KprobeProgram); ok && kp.Attach.Retprobe && kp.Attach.Offset != 0 {
		loaded.Close()
		return model.NewError(model.CodeKretprobeOffsetInvalid, "kretprobe requires offset == 0, got %d", kp.Attach.Offset)
	}

	info, err := handle.Info()
	if err != nil {
		loaded.Close()
		return err
	}
	p.Data().Kernel = &info
	r.programs[p.Data().ID] = p

	link, err := r.attachSingle(p, handle)
	if err != nil {
		delete(r.programs, p.Data().ID)
		loaded.Close()
		return err
	}

	if err := r.facade.PinProgram(handle, store.ProgramPinPath(r.store.Root(), p.Data().ID)); err != nil {
		link.Close()
		delete(r.programs, p.Data().ID)
		loaded.Close()
		return err
	}
	if err := r.facade.PinLink(link, store.LinkPinPath(r.store.Root(), p.Data().ID)); err != nil {
		link.Close()
		delete(r.programs, p.Data().ID)
		loaded.Close()
		return err
	}

	p.Data().Attached = true
	if err := r.store.SaveProgram(p); err != nil {
		delete(r.programs, p.Data().ID)
		return err
	}
	return r.maps.Commit(p.Data().ID, p.Data().MapOwnerID, pinPath)
}

func (r *Registry) attachSingle(p model.Program, handle kernelfacade.ProgramHandle) (kernelfacade.LinkHandle, error) {
	switch v := p.(type) {
	case *model.TracepointProgram:
		return r.facade.AttachTracepoint(handle, v.Attach.Category, v.Attach.Name)
	case *model.KprobeProgram:
		return r.facade.AttachKprobe(handle, v.Attach.Function, v.Attach.Offset, v.Attach.Retprobe)
	case *model.UprobeProgram:
		return r.facade.AttachUprobe(handle, v.Attach.Function, v.Attach.Offset, v.Attach.Target, v.Attach.Retprobe, v.Attach.PID)
	default:
		return nil, model.NewError(model.CodeInvalidAttach, "unsupported single-attach kind %s", p.Kind())
	}
}

func (r *Registry) membersOf(key model.DispatcherKey) []model.Program {
	var out []model.Program
	for _, p := range r.programs {
		if k, ok := p.DispatcherKey(); ok && k == key {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Data().ID < out[j].Data().ID })
	return out
}

// Remove implements spec.md §4.5's remove(): authorisation check, then
// is_safe_to_unload, then registry/persistence/kernel teardown, then a
// dispatcher reconcile for multi-attach kinds, then map release.
func (r *Registry) Remove(id uint32, requester string) error {
	p, ok := r.programs[id]
	if !ok {
		return model.NewError(model.CodeInvalidID, "no program with id %d", id)
	}
	if p.Data().Owner != requester && requester != Superuser {
		return model.NewError(model.CodeNotAuthorised, "requester %q is not the owner of program %d", requester, id)
	}
	if !r.maps.IsSafeToUnload(id, p.Data().MapOwnerID) {
		return model.NewError(model.CodeMapInUse, "program %d owns a map group still in use", id)
	}

	delete(r.programs, id)
	if err := r.store.DeleteProgram(id); err != nil {
		return err
	}

	if p.Kind().IsMultiAttach() {
		key, _ := p.DispatcherKey()
		members := r.membersOf(key)
		if err := r.engine.Reconcile(key, members, r.resolveIfaceConfig(key, members)); err != nil {
			return err
		}
	}
	if !p.Kind().IsMultiAttach() {
		os.Remove(store.LinkPinPath(r.store.Root(), id))
		os.Remove(store.ProgramPinPath(r.store.Root(), id))
	}

	if err := r.maps.Release(id, p.Data().MapOwnerID); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.ProgramsUnloadedTotal.WithLabelValues(p.Kind().String()).Inc()
		r.metrics.ProgramsActive.WithLabelValues(p.Kind().String()).Dec()
	}
	r.reportMapGroupStats()
	return nil
}

// List returns registered programs matching filter, merged with kernel
// programs absent from the registry unless filter.BpfmanOnly is set —
// the field name mirrors the real bpfman.io wire vocabulary.
func (r *Registry) List(filter Filter) ([]Entry, error) {
	var out []Entry
	seenKernelIDs := map[uint32]bool{}

	for _, p := range r.programs {
		if filter.Kind != nil && p.Kind() != *filter.Kind {
			continue
		}
		if !matchesMetadata(p.Data().Metadata, filter.Metadata) {
			continue
		}
		entry := Entry{Program: p}
		groupID := p.Data().ID
		if p.Data().MapOwnerID != nil {
			groupID = *p.Data().MapOwnerID
		}
		if g, ok := r.maps.Group(groupID); ok {
			entry.UsedBy = append([]uint32{}, g.UsedBy...)
			entry.MapPinPath = g.PinPath
		}
		out = append(out, entry)
		if p.Data().Kernel != nil {
			seenKernelIDs[p.Data().Kernel.ID] = true
		}
	}

	if !filter.BpfmanOnly {
		kernelProgs, err := r.facade.EnumerateKernelPrograms()
		if err != nil {
			return nil, err
		}
		for i := range kernelProgs {
			rec := kernelProgs[i]
			if seenKernelIDs[rec.ID] {
				continue
			}
			out = append(out, Entry{KernelOnly: &rec})
		}
	}
	return out, nil
}

func matchesMetadata(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// ProgramByID returns the raw registered Program for id, used to wire
// internal/bytecode.RegistryExtensionBytecode's lookup callback without
// internal/dispatcher importing internal/registry.
func (r *Registry) ProgramByID(id uint32) (model.Program, bool) {
	p, ok := r.programs[id]
	return p, ok
}

// Get returns the registered program for id, or a kernel-only record if
// id exists only in the kernel.
func (r *Registry) Get(id uint32) (Entry, bool, error) {
	if p, ok := r.programs[id]; ok {
		entry := Entry{Program: p}
		groupID := id
		if p.Data().MapOwnerID != nil {
			groupID = *p.Data().MapOwnerID
		}
		if g, ok := r.maps.Group(groupID); ok {
			entry.UsedBy = append([]uint32{}, g.UsedBy...)
			entry.MapPinPath = g.PinPath
		}
		return entry, true, nil
	}
	kernelProgs, err := r.facade.EnumerateKernelPrograms()
	if err != nil {
		return Entry{}, false, err
	}
	for i := range kernelProgs {
		if kernelProgs[i].ID == id {
			return Entry{KernelOnly: &kernelProgs[i]}, true, nil
		}
	}
	return Entry{}, false, nil
}
