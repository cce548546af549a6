// Package mapgroup is the shared-map bookkeeper from spec.md §4.3: it
// tracks which programs share a pinned-map directory and whether it is
// safe to unload the owner. It is single-threaded by construction — the
// command loop is its only caller — so, unlike the teacher's
// internal/operator.MemRegistry (which needs a sync.RWMutex because it
// is reachable from concurrent gRPC handlers), no locking is used here.
package mapgroup

import (
	"os"

	"go.uber.org/zap"

	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/store"
)

// Bookkeeper tracks map groups in memory, backed by pin directories on
// disk under fs/maps/<group_id>/.
type Bookkeeper struct {
	root       string
	operatorGID int
	log        *zap.Logger

	groups map[uint32]*model.MapGroup
	// prepared tracks group ids whose pin directory was created by
	// Prepare but not yet committed, so CleanupPrepared only removes
	// directories it actually created.
	prepared map[uint32]bool
}

// New returns an empty Bookkeeper rooted at s.Root(), which must match
// the Store used for program persistence.
func New(s *store.Store, operatorGID int, log *zap.Logger) *Bookkeeper {
	return &Bookkeeper{
		root:        s.Root(),
		operatorGID: operatorGID,
		log:         log,
		groups:      map[uint32]*model.MapGroup{},
		prepared:    map[uint32]bool{},
	}
}

// Resolve reports whether programID is the owner of its map group (when
// mapOwnerID is nil) or a consumer referencing mapOwnerID's group, and
// returns that group's id and pin path.
func (b *Bookkeeper) Resolve(programID uint32, mapOwnerID *uint32) (isOwner bool, groupID uint32, pinPath string) {
	if mapOwnerID == nil {
		return true, programID, store.MapGroupPinDir(b.root, programID)
	}
	return false, *mapOwnerID, store.MapGroupPinDir(b.root, *mapOwnerID)
}

// Prepare readies the pin path for a forthcoming kernel load: creating
// the directory if programID is an owner, or validating the group
// already exists if it is a consumer. Must be called before any kernel
// load (spec.md §4.3).
func (b *Bookkeeper) Prepare(programID uint32, mapOwnerID *uint32) (string, error) {
	isOwner, groupID, pinPath := b.Resolve(programID, mapOwnerID)
	if !isOwner {
		if _, ok := b.groups[groupID]; !ok {
			return "", model.NewError(model.CodeMapGroupMissing, "map owner %d has no map group", groupID)
		}
		return pinPath, nil
	}
	if err := os.MkdirAll(pinPath, 0o750); err != nil {
		return "", model.WrapError(model.CodeInternal, err, "creating map pin directory %s", pinPath)
	}
	b.prepared[groupID] = true
	return pinPath, nil
}

// Commit records a successful load: for an owner, a new group with
// used_by=[programID] and directory ownership relaxed to operatorGID;
// for a consumer, programID is appended to the existing group's used_by.
func (b *Bookkeeper) Commit(programID uint32, mapOwnerID *uint32, pinPath string) error {
	isOwner, groupID, _ := b.Resolve(programID, mapOwnerID)
	if isOwner {
		if err := os.Chown(pinPath, -1, b.operatorGID); err != nil && !os.IsPermission(err) {
			return model.WrapError(model.CodeInternal, err, "chown map pin directory %s", pinPath)
		}
		b.groups[groupID] = &model.MapGroup{ID: groupID, PinPath: pinPath, UsedBy: []uint32{programID}}
		delete(b.prepared, groupID)
		return nil
	}
	g, ok := b.groups[groupID]
	if !ok {
		return model.NewError(model.CodeMapGroupMissing, "map owner %d has no map group", groupID)
	}
	if !g.Contains(programID) {
		g.UsedBy = append(g.UsedBy, programID)
	}
	return nil
}

// CleanupPrepared removes the pin directory Prepare created for an
// owner, only if Commit has not already cleared the prepared marker —
// called on every failure path between Prepare and Commit (spec.md §7).
func (b *Bookkeeper) CleanupPrepared(programID uint32, mapOwnerID *uint32) error {
	isOwner, groupID, pinPath := b.Resolve(programID, mapOwnerID)
	if !isOwner || !b.prepared[groupID] {
		return nil
	}
	delete(b.prepared, groupID)
	if err := os.RemoveAll(pinPath); err != nil {
		return model.WrapError(model.CodeInternal, err, "removing prepared map pin directory %s", pinPath)
	}
	return nil
}

// IsSafeToUnload reports whether programID may be unloaded: false only
// when it is the owner and other consumers still reference its group.
func (b *Bookkeeper) IsSafeToUnload(programID uint32, mapOwnerID *uint32) bool {
	isOwner, groupID, _ := b.Resolve(programID, mapOwnerID)
	if !isOwner {
		return true
	}
	g, ok := b.groups[groupID]
	if !ok {
		return true
	}
	return g.IsOwnerOnly()
}

// Release removes programID from its group's used_by list, deleting the
// group and its pin directory once the list is empty.
func (b *Bookkeeper) Release(programID uint32, mapOwnerID *uint32) error {
	_, groupID, _ := b.Resolve(programID, mapOwnerID)
	g, ok := b.groups[groupID]
	if !ok {
		return nil
	}
	filtered := g.UsedBy[:0]
	for _, id := range g.UsedBy {
		if id != programID {
			filtered = append(filtered, id)
		}
	}
	g.UsedBy = filtered
	if len(g.UsedBy) > 0 {
		return nil
	}
	delete(b.groups, groupID)
	if err := os.RemoveAll(g.PinPath); err != nil {
		return model.WrapError(model.CodeInternal, err, "removing map pin directory %s", g.PinPath)
	}
	return nil
}

// Rebuild reconstructs every group's used_by membership from persisted
// program records, called once at startup after store.RebuildPrograms.
// Idempotent: calling it again from an already-populated Bookkeeper
// simply replaces the in-memory table.
func (b *Bookkeeper) Rebuild(programs []model.Program) {
	b.groups = map[uint32]*model.MapGroup{}
	b.prepared = map[uint32]bool{}

	owners := map[uint32]bool{}
	for _, p := range programs {
		if p.Data().MapOwnerID == nil {
			owners[p.Data().ID] = true
		}
	}
	for ownerID := range owners {
		b.groups[ownerID] = &model.MapGroup{
			ID:      ownerID,
			PinPath: store.MapGroupPinDir(b.root, ownerID),
			UsedBy:  []uint32{ownerID},
		}
	}
	for _, p := range programs {
		owner := p.Data().MapOwnerID
		if owner == nil {
			continue
		}
		g, ok := b.groups[*owner]
		if !ok {
			// Owner missing from the persisted set: group pin directory
			// may still exist from a prior run; create a synthetic
			// owner-less group so the consumer's reference is tracked.
			g = &model.MapGroup{ID: *owner, PinPath: store.MapGroupPinDir(b.root, *owner)}
			b.groups[*owner] = g
		}
		if !g.Contains(p.Data().ID) {
			g.UsedBy = append(g.UsedBy, p.Data().ID)
		}
	}
}

// Group returns the group for groupID, if any — used by registry.List
// to enrich a program with its map pin path and used_by set.
func (b *Bookkeeper) Group(groupID uint32) (*model.MapGroup, bool) {
	g, ok := b.groups[groupID]
	return g, ok
}

// Stats returns the current number of map groups and the total consumer
// count across all of them, sampled by registry after every Add/Remove
// for the bpfmand_mapgroup_* gauges.
func (b *Bookkeeper) Stats() (groups int, consumers int) {
	for _, g := range b.groups {
		groups++
		consumers += len(g.UsedBy)
	}
	return groups, consumers
}
