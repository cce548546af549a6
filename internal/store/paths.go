// Package store is the authoritative on-disk persistence layer for
// bpfmand: one file per program and one file per dispatcher revision,
// written atomically (create-temp-then-rename) per spec.md §4.2.
//
// This is deliberately NOT a database — the teacher's bbolt-backed
// internal/storage is repurposed instead as the non-authoritative audit
// trail (internal/audit); program/dispatcher state here is always a
// flat file a human or `find` can inspect directly.
package store

import (
	"fmt"
	"path/filepath"

	"github.com/bpfmand/bpfmand/internal/model"
)

const (
	programsDir    = "programs"
	dispatchersDir = "dispatchers"
	mapsDir        = "fs/maps"
	programPinsDir = "fs/progs"
	linkPinsDir    = "fs/links"
)

// ProgramPath returns the per-program record path under root.
func ProgramPath(root string, id uint32) string {
	return filepath.Join(root, programsDir, fmt.Sprintf("%d", id))
}

// ProgramsDir returns the directory Rebuild walks for program records.
func ProgramsDir(root string) string {
	return filepath.Join(root, programsDir)
}

// DispatcherPath returns the per-revision record path for key/revision.
//
// Layout: dispatchers/<kind>/[<direction>/]<if_index>_<revision>
func DispatcherPath(root string, key model.DispatcherKey, revision uint64) string {
	dir := dispatcherDir(root, key)
	return filepath.Join(dir, fmt.Sprintf("%d_%d", key.IfIndex, revision))
}

// DispatcherReconcilingMarker returns the path of the crash-recovery
// marker file written before a reconcile mutates kernel state and
// removed once the reconcile commits or rolls back cleanly — see
// DESIGN.md's resolution of spec.md §9's "reconcile crash" open question.
func DispatcherReconcilingMarker(root string, key model.DispatcherKey) string {
	return filepath.Join(dispatcherDir(root, key), fmt.Sprintf("%d.reconciling", key.IfIndex))
}

func dispatcherDir(root string, key model.DispatcherKey) string {
	if key.Kind == model.KindTC {
		return filepath.Join(root, dispatchersDir, key.Kind.String(), key.Direction.String())
	}
	return filepath.Join(root, dispatchersDir, key.Kind.String())
}

// DispatchersRoot returns the directory Rebuild walks for dispatcher records.
func DispatchersRoot(root string) string {
	return filepath.Join(root, dispatchersDir)
}

// MapGroupPinDir returns the pin directory for a map group's maps.
func MapGroupPinDir(root string, groupID uint32) string {
	return filepath.Join(root, mapsDir, fmt.Sprintf("%d", groupID))
}

// ProgramPinPath returns the pin path for a loaded program's kernel object.
func ProgramPinPath(root string, id uint32) string {
	return filepath.Join(root, programPinsDir, fmt.Sprintf("%d", id))
}

// LinkPinPath returns the pin path for a program's attach link.
func LinkPinPath(root string, id uint32) string {
	return filepath.Join(root, linkPinsDir, fmt.Sprintf("%d", id))
}

// ExtensionLinkPinPath returns a dispatcher revision's per-slot extension
// link pin path, matching bpfd's `link_{position}` naming in
// multiprog/tc.rs.
func ExtensionLinkPinPath(root string, key model.DispatcherKey, revision uint64, position int) string {
	return filepath.Join(dispatcherDir(root, key), fmt.Sprintf("rev_%d", revision), fmt.Sprintf("link_%d", position))
}
