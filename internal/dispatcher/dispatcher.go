// Package dispatcher implements the multi-attach dispatcher engine from
// spec.md §4.4: XDP and TC are single-owner-per-interface in the kernel,
// so bpfmand generates one small dispatcher program per (kind, ifindex,
// direction) that fans out to up to 10 extension slots, and swaps
// revisions in without ever leaving the interface with zero dispatchers
// attached.
//
// The revision lifecycle (Building -> Attached -> Superseded -> Deleted)
// is grounded on the teacher's linear, guard-checked escalation.State
// ladder in internal/escalation/state_machine.go, generalized here from
// a process isolation level to a dispatcher generation.
package dispatcher

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bpfmand/bpfmand/internal/kernelfacade"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/observability"
	"github.com/bpfmand/bpfmand/internal/store"
)

const maxExtensions = 10

// DispatcherBytecode supplies the dispatcher object bytes for a kind,
// and the entry-point name within that object — an external collaborator
// per spec.md §5 (the dispatcher program itself is generated/compiled
// out of band; this package only knows how to load and wire it).
type DispatcherBytecode interface {
	Object(kind model.ProgramKind) ([]byte, string, error)
}

// ExtensionBytecode loads a not-yet-attached extension program's object
// bytes, keyed by the program's id.
type ExtensionBytecode interface {
	Load(programID uint32) ([]byte, string, error)
}

// IfaceConfig carries the per-interface XDP mode override from
// spec.md §6/§2.2.
type IfaceConfig struct {
	XDPMode model.XDPMode
}

// Engine owns every dispatcher's current revision record.
type Engine struct {
	facade    kernelfacade.Facade
	store     *store.Store
	dispatch  DispatcherBytecode
	extension ExtensionBytecode
	metrics   *observability.Metrics
	log       *zap.Logger

	revisions map[model.DispatcherKey]*liveRevision
}

type liveRevision struct {
	rev   model.DispatcherRevision
	link  kernelfacade.LinkHandle
	loaded kernelfacade.Loaded
	// extLinks maps program id to its live extension link handle, kept
	// so Reconcile can re-pin (not reattach) an already-attached
	// program into the next revision.
	extLinks map[uint32]kernelfacade.LinkHandle
}

// New returns an Engine with no live dispatchers; call Rebuild at
// startup to populate it from persisted state. metrics may be nil in
// tests that don't care about the bpfmand_dispatcher_* metrics.
func New(facade kernelfacade.Facade, s *store.Store, db DispatcherBytecode, eb ExtensionBytecode, metrics *observability.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		facade:    facade,
		store:     s,
		dispatch:  db,
		extension: eb,
		metrics:   metrics,
		log:       log,
		revisions: map[model.DispatcherKey]*liveRevision{},
	}
}

// reportExtensionSlots sums the extension link count across every live
// revision and sets DispatcherExtensionSlotsInUse — called after every
// Reconcile outcome so the gauge tracks additions, removals, and
// deletions alike.
func (e *Engine) reportExtensionSlots() {
	if e.metrics == nil {
		return
	}
	var total int
	for _, live := range e.revisions {
		total += len(live.extLinks)
	}
	e.metrics.DispatcherExtensionSlotsInUse.Set(float64(total))
}

// Rebuild reconstructs the engine's live-revision table from the
// highest Attached revision found per key, per spec.md §5.2. Unlike
// RebuildPrograms this does not reattach anything — it only restores
// bookkeeping so the next Reconcile computes the correct next
// revision number and superseded state.
func (e *Engine) Rebuild() error {
	all, markers, err := e.store.RebuildDispatchers()
	if err != nil {
		return err
	}
	best := map[model.DispatcherKey]model.DispatcherRevision{}
	for _, rev := range all {
		if rev.State != model.RevisionAttached {
			continue
		}
		if cur, ok := best[rev.Key]; !ok || rev.Revision > cur.Revision {
			best[rev.Key] = rev
		}
	}
	for key, rev := range best {
		e.revisions[key] = &liveRevision{rev: rev, extLinks: map[uint32]kernelfacade.LinkHandle{}}
	}
	// A stale reconcile marker means the process crashed mid-Reconcile.
	// Rebuild keeps whatever Attached revision it already found above and
	// only reports the marker with a warning; the half-built revision's
	// directory and the marker file are left on disk as they are.
	for dir, rev := range markers {
		e.log.Warn("ignoring incomplete dispatcher revision left by a crash", zap.String("dir", dir), zap.Uint64("revision", rev))
	}
	return nil
}

// Reconcile runs the 9-step algorithm from spec.md §4.4 for key against
// the full, current, desired membership `programs`, recording
// DispatcherReconcileLatency/DispatcherRevisionsBuiltTotal/
// DispatcherExtensionSlotsInUse around the call.
func (e *Engine) Reconcile(key model.DispatcherKey, programs []model.Program, iface IfaceConfig) error {
	start := time.Now()
	err := e.reconcile(key, programs, iface)
	if e.metrics != nil {
		e.metrics.DispatcherReconcileLatency.Observe(time.Since(start).Seconds())
	}
	e.reportExtensionSlots()
	return err
}

func (e *Engine) reconcile(key model.DispatcherKey, programs []model.Program, iface IfaceConfig) error {
	// Step 1: sort by priority ascending, stable by id, assign position.
	sort.SliceStable(programs, func(i, j int) bool {
		pi, _ := programs[i].Priority()
		pj, _ := programs[j].Priority()
		if pi != pj {
			return pi < pj
		}
		return programs[i].Data().ID < programs[j].Data().ID
	})
	for i, p := range programs {
		p.SetPosition(i)
	}

	old := e.revisions[key]

	// Step 2: empty set deletes the dispatcher outright.
	if len(programs) == 0 {
		if old == nil {
			return nil
		}
		if err := e.detach(key, old, true); err != nil {
			return err
		}
		delete(e.revisions, key)
		return e.store.DeleteDispatcherRevision(key, old.rev.Revision)
	}

	// Step 3.
	if len(programs) > maxExtensions {
		return model.NewError(model.CodeTooManyPrograms, "%d programs requested for %s, max %d", len(programs), key, maxExtensions)
	}

	nextRevisionNum := uint64(1)
	if old != nil {
		nextRevisionNum = old.rev.Revision + 1
	}

	if err := e.store.WriteReconcilingMarker(key, nextRevisionNum); err != nil {
		return err
	}

	// Step 4: build per-slot config.
	extensions := make([]model.ExtensionSlot, len(programs))
	for i, p := range programs {
		prio, _ := p.Priority()
		slot := model.ExtensionSlot{ProgramID: p.Data().ID, Position: i, Priority: prio}
		if xp, ok := p.(*model.XdpProgram); ok {
			slot.ProceedOnXDP = xp.Attach.ProceedOn
		}
		if tp, ok := p.(*model.TcProgram); ok {
			slot.ProceedOnTC = tp.Attach.ProceedOn
		}
		extensions[i] = slot
	}

	rev := model.DispatcherRevision{Key: key, Revision: nextRevisionNum, State: model.RevisionBuilding, Extensions: extensions}

	// Step 5: load a fresh dispatcher object with the config baked in.
	objBytes, entry, err := e.dispatch.Object(key.Kind)
	if err != nil {
		e.store.ClearReconcilingMarker(key)
		return err
	}
	globals := encodeDispatcherConfig(extensions)
	loaded, err := e.facade.LoadObject(objBytes, globals, "")
	if err != nil {
		e.store.ClearReconcilingMarker(key)
		return err
	}
	handle, err := loaded.TakeProgram(entry, key.Kind)
	if err != nil {
		loaded.Close()
		e.store.ClearReconcilingMarker(key)
		return err
	}

	extLinks := map[uint32]kernelfacade.LinkHandle{}

	rollback := func(cause error) error {
		for _, l := range extLinks {
			l.Close()
		}
		loaded.Close()
		e.store.ClearReconcilingMarker(key)
		return cause
	}

	// Step 6: wire every extension into the new revision.
	for i, p := range programs {
		pd := p.Data()
		linkPath := store.ExtensionLinkPinPath(e.store.Root(), key, nextRevisionNum, i)
		if pd.Attached && old != nil {
			oldPos := i
			for _, s := range old.rev.Extensions {
				if s.ProgramID == pd.ID {
					oldPos = s.Position
					break
				}
			}
			oldLinkPath := store.ExtensionLinkPinPath(e.store.Root(), key, old.rev.Revision, oldPos)
			if existing, ok := old.extLinks[pd.ID]; ok {
				extLinks[pd.ID] = existing
				if err := e.facade.RepinExtension(oldLinkPath, linkPath); err != nil {
					return rollback(err)
				}
				continue
			}
		}
		extBytes, extEntry, err := e.extension.Load(pd.ID)
		if err != nil {
			return rollback(err)
		}
		extLoaded, err := e.facade.LoadObject(extBytes, pd.GlobalBindings, "")
		if err != nil {
			return rollback(err)
		}
		extHandle, err := extLoaded.TakeProgram(extEntry, p.Kind())
		if err != nil {
			extLoaded.Close()
			return rollback(err)
		}
		if info, err := extHandle.Info(); err == nil {
			pd.Kernel = &info
		}
		var extLink kernelfacade.LinkHandle
		switch key.Kind {
		case model.KindXDP:
			extLink, err = e.facade.AttachXDP(extHandle, key.IfIndex, iface.XDPMode)
		case model.KindTC:
			extLink, err = e.facade.AttachTC(extHandle, key.IfIndex, key.Direction, int32(i))
		}
		if err != nil {
			extLoaded.Close()
			return rollback(err)
		}
		if err := e.facade.PinProgram(extHandle, store.ProgramPinPath(e.store.Root(), pd.ID)); err != nil {
			extLink.Close()
			extLoaded.Close()
			return rollback(err)
		}
		if err := e.facade.PinLink(extLink, linkPath); err != nil {
			extLink.Close()
			extLoaded.Close()
			return rollback(err)
		}
		extLinks[pd.ID] = extLink
		pd.Attached = true
	}

	// Step 7: attach the new dispatcher itself.
	var dispatcherLink kernelfacade.LinkHandle
	switch key.Kind {
	case model.KindXDP:
		dispatcherLink, err = e.facade.AttachXDP(handle, key.IfIndex, iface.XDPMode)
	case model.KindTC:
		dispatcherLink, err = e.facade.AttachTC(handle, key.IfIndex, key.Direction, 0)
	}
	if err != nil {
		return rollback(err)
	}

	if !rev.State.CanTransitionTo(model.RevisionAttached) {
		e.log.Error("invalid dispatcher revision state transition", zap.Stringer("key", key), zap.Stringer("from", rev.State), zap.Stringer("to", model.RevisionAttached))
		return rollback(model.NewError(model.CodeInternal, "invalid revision state transition %s -> %s", rev.State, model.RevisionAttached))
	}
	rev.State = model.RevisionAttached
	live := &liveRevision{rev: rev, link: dispatcherLink, loaded: loaded, extLinks: extLinks}

	// Step 8: retire the old revision, unless the kernel reassigned the
	// same TC filter handle to the new dispatcher — bpfd's multiprog/tc.rs
	// d.handle != self.handle guard, generalized to any dispatcher kind.
	if old != nil {
		if !old.rev.State.CanTransitionTo(model.RevisionSuperseded) {
			e.log.Error("invalid dispatcher revision state transition", zap.Stringer("key", key), zap.Stringer("from", old.rev.State), zap.Stringer("to", model.RevisionSuperseded))
		} else {
			old.rev.State = model.RevisionSuperseded
		}
		if err := e.detach(key, old, !sameHandle(old, live)); err != nil {
			e.log.Warn("failed to retire superseded dispatcher revision", zap.Error(err), zap.Stringer("key", key))
		}
		if err := e.store.DeleteDispatcherRevision(key, old.rev.Revision); err != nil {
			e.log.Warn("failed to remove superseded dispatcher revision record", zap.Error(err))
		}
	}

	// Step 9: persist the new revision.
	if err := e.store.SaveDispatcherRevision(rev); err != nil {
		return rollback(err)
	}
	if err := e.store.ClearReconcilingMarker(key); err != nil {
		e.log.Warn("failed to clear reconcile marker", zap.Error(err))
	}

	if e.metrics != nil {
		e.metrics.DispatcherRevisionsBuiltTotal.WithLabelValues(key.Kind.String()).Inc()
	}
	e.revisions[key] = live
	return nil
}

// sameHandle is a placeholder hook for the TC handle-reassignment check;
// CiliumFacade's LinkHandle does not currently expose the kernel handle
// value, so this conservatively reports false (always do a full detach)
// until that plumbing is added — see DESIGN.md.
func sameHandle(old, latest *liveRevision) bool {
	return false
}

func (e *Engine) detach(key model.DispatcherKey, rev *liveRevision, full bool) error {
	if !full {
		return nil
	}
	var firstErr error
	for _, l := range rev.extLinks {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rev.link != nil {
		if err := rev.link.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rev.loaded != nil {
		rev.loaded.Close()
	}
	return firstErr
}

// encodeDispatcherConfig packs the per-slot proceed_on masks and
// priorities into the raw global-variable bytes the dispatcher object
// expects — the Go-side equivalent of bpfd's
// BpfLoader::set_global("CONFIG", &config, true) in multiprog/tc.rs.
// The wire layout (a little-endian u32 count of enabled slots, then a
// flat array of per-slot u32 masks followed by per-slot i32 priorities)
// is owned by the dispatcher
// object's own build, external to this package; the out-of-scope
// dispatcher bytecode build is what must agree on this layout.
func encodeDispatcherConfig(extensions []model.ExtensionSlot) map[string][]byte {
	const configVar = "CONFIG"
	buf := make([]byte, 0, maxExtensions*8+4)
	numEnabled := uint32(len(extensions))
	buf = appendU32(buf, numEnabled)
	for i := 0; i < maxExtensions; i++ {
		var mask uint32
		if i < len(extensions) {
			mask = actionMask(extensions[i])
		}
		buf = appendU32(buf, mask)
	}
	for i := 0; i < maxExtensions; i++ {
		var prio int32
		if i < len(extensions) {
			prio = extensions[i].Priority
		}
		buf = appendU32(buf, uint32(prio))
	}
	return map[string][]byte{configVar: buf}
}

func actionMask(slot model.ExtensionSlot) uint32 {
	var mask uint32
	for _, a := range slot.ProceedOnXDP {
		mask |= 1 << uint(a)
	}
	for _, a := range slot.ProceedOnTC {
		if a >= 0 {
			mask |= 1 << uint(a)
		}
	}
	return mask
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
