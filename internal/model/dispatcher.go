package model

// RevisionState is the dispatcher revision lifecycle from spec.md §4.4,
// generalized from the teacher's escalation.State ladder (a linear
// one-way progression with guarded transitions) to a dispatcher
// revision's Building -> Attached -> Superseded -> Deleted path.
type RevisionState uint8

const (
	RevisionBuilding RevisionState = iota
	RevisionAttached
	RevisionSuperseded
	RevisionDeleted
)

func (s RevisionState) String() string {
	switch s {
	case RevisionBuilding:
		return "building"
	case RevisionAttached:
		return "attached"
	case RevisionSuperseded:
		return "superseded"
	case RevisionDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// CanTransitionTo reports whether the one-way ladder allows moving from
// s to next; the dispatcher engine calls this before every state write
// so a programming error trips a loud invariant violation rather than
// silently corrupting the revision record.
func (s RevisionState) CanTransitionTo(next RevisionState) bool {
	switch s {
	case RevisionBuilding:
		return next == RevisionAttached || next == RevisionDeleted
	case RevisionAttached:
		return next == RevisionSuperseded
	case RevisionSuperseded:
		return next == RevisionDeleted
	default:
		return false
	}
}

// ExtensionSlot is one program's position within a dispatcher revision.
type ExtensionSlot struct {
	ProgramID   uint32
	Position    int
	Priority    int32
	ProceedOnXDP []XDPAction
	ProceedOnTC  []TCAction
}

// DispatcherRevision is the persisted state of one dispatcher instance
// generation, per spec.md §3/§4.4.
type DispatcherRevision struct {
	Key       DispatcherKey
	Revision  uint64
	State     RevisionState
	Extensions []ExtensionSlot
	// Handle is a slot for the kernel-assigned TC filter handle
	// (meaningful only for Kind == KindTC). Nothing in bpfmand populates
	// it, and the dispatcher engine's handle-reassignment check
	// (sameHandle) does not read it.
	Handle uint32
}
