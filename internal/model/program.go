package model

import "fmt"

// ProgramKind identifies the kernel hook family a Program attaches to.
// Values mirror the kernel's bpf_prog_type grouping used throughout the
// bpfman ecosystem: kprobe and uprobe share the same underlying kernel
// program type but are distinguished here because their attach
// parameters and validation rules differ.
type ProgramKind uint8

const (
	KindXDP ProgramKind = iota
	KindTC
	KindTracepoint
	KindKprobe
	KindUprobe
)

func (k ProgramKind) String() string {
	switch k {
	case KindXDP:
		return "xdp"
	case KindTC:
		return "tc"
	case KindTracepoint:
		return "tracepoint"
	case KindKprobe:
		return "kprobe"
	case KindUprobe:
		return "uprobe"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// IsMultiAttach reports whether Kind uses the dispatcher engine (XDP, TC)
// as opposed to a direct single-owner kernel attach (tracepoint/probe).
func (k ProgramKind) IsMultiAttach() bool {
	return k == KindXDP || k == KindTC
}

// IsProbe reports whether Kind is one of the two probe kinds — spec.md
// groups kprobe and uprobe together as "probe" throughout §3/§4.
func (k ProgramKind) IsProbe() bool {
	return k == KindKprobe || k == KindUprobe
}

// Direction distinguishes TC ingress from egress. XDP dispatchers carry
// no direction (DirectionNone).
type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionIngress
	DirectionEgress
)

func (d Direction) String() string {
	switch d {
	case DirectionIngress:
		return "ingress"
	case DirectionEgress:
		return "egress"
	default:
		return "none"
	}
}

// XDPMode selects the attach mode requested for an interface.
type XDPMode uint8

const (
	XDPModeUnspecified XDPMode = iota
	XDPModeNative
	XDPModeSKB
	XDPModeOffload
)

// XDPAction is one of the kernel's XDP program return codes. The set is
// used to build a dispatcher slot's proceed_on bitmask.
type XDPAction uint32

const (
	XDPActionAborted XDPAction = iota
	XDPActionDrop
	XDPActionPass
	XDPActionTx
	XDPActionRedirect
	// XDPActionDispatcherReturn is bpfman's synthetic "fall through to
	// the next extension" action, distinct from the kernel's own XDP
	// return codes above.
	XDPActionDispatcherReturn XDPAction = 31
)

// TCAction mirrors the TC classifier action codes relevant to proceed_on.
type TCAction int32

const (
	TCActionUnspec TCAction = -1
	TCActionOK     TCAction = 0
	TCActionReclassify TCAction = 1
	TCActionShot   TCAction = 2
	TCActionPipe   TCAction = 3
	// TCActionDispatcherReturn is bpfman's synthetic fall-through action.
	TCActionDispatcherReturn TCAction = 30
)

// DispatcherKey identifies one multi-attach dispatcher instance.
// TC dispatchers require Direction; XDP dispatchers leave it DirectionNone.
type DispatcherKey struct {
	Kind      ProgramKind
	IfIndex   uint32
	Direction Direction
}

func (k DispatcherKey) String() string {
	if k.Kind == KindTC {
		return fmt.Sprintf("tc/%s/%d", k.Direction, k.IfIndex)
	}
	return fmt.Sprintf("xdp/%d", k.IfIndex)
}

// KernelInfo is populated once the kernel has accepted a program's load.
type KernelInfo struct {
	ID                 uint32
	LoadedAt            int64 // unix nanos
	Tag                 string
	JitedSizeBytes      uint32
	VerifiedInstructions uint32
}

// ProgramData is the set of fields common to every Program kind.
type ProgramData struct {
	ID       uint32
	Location Location
	EntryPoint string
	// GlobalBindings maps a global variable name to its raw byte value,
	// applied at load time. Immutable once the program is created.
	GlobalBindings map[string][]byte
	Metadata       map[string]string
	// MapOwnerID, if set, names another program whose map group this
	// program's maps are shared with.
	MapOwnerID *uint32
	// Owner is the identity of the requester that created this program,
	// used by Remove's authorisation check.
	Owner string

	Attached bool
	Kernel   *KernelInfo
}

// Program is the capability interface every concrete program kind
// implements, lifting the polymorphic operations the registry and
// dispatcher need without a type switch scattered through the codebase.
type Program interface {
	Data() *ProgramData
	Kind() ProgramKind
	// IfIndex returns the attach interface index for multi-attach kinds.
	IfIndex() (uint32, bool)
	// TCDirection returns the TC direction, only meaningful for TC.
	TCDirection() (Direction, bool)
	// DispatcherKey returns the dispatcher key this program belongs to,
	// only meaningful for multi-attach kinds.
	DispatcherKey() (DispatcherKey, bool)
	// Priority is the dispatcher ordering key for multi-attach kinds.
	Priority() (int32, bool)
	// Position returns the current zero-based dispatcher slot index.
	Position() (int, bool)
	// SetPosition is called only by the dispatcher engine during reconcile.
	SetPosition(int)
	// Validate checks kind-specific invariants (e.g. kretprobe offset).
	Validate() error
}

// Location is a bytecode source: either a local file path or an OCI
// reference with a pull policy, per spec.md §6.
type Location struct {
	// LocalPath, if non-empty, is a filesystem path to an ELF object, or
	// a "content://<address>" reference into the local content store.
	LocalPath string
	// OCI reference fields; only meaningful when LocalPath == "".
	OCIReference string
	PullPolicy   PullPolicy
	// Credential is an optional base64 "user:password" string.
	Credential string
}

// PullPolicy controls whether the (external) OCI puller re-fetches an
// image that is already present in the local content store.
type PullPolicy uint8

const (
	PullAlways PullPolicy = iota
	PullIfNotPresent
	PullNever
)
