package model

// XDPAttachInfo is the XDP-specific attach parameter set from spec.md §3.
// Field names follow the real bpfman wire vocabulary (Priority, Iface,
// ProceedOn) rather than an invented scheme.
type XDPAttachInfo struct {
	IfName     string
	IfIndex    uint32
	Priority   int32
	ProceedOn  []XDPAction
	Position   int
	Mode       XDPMode
}

// TCAttachInfo is XDP's fields plus a direction and TC-specific proceed_on
// action set, per spec.md §3.
type TCAttachInfo struct {
	IfName    string
	IfIndex   uint32
	Priority  int32
	ProceedOn []TCAction
	Position  int
	Direction Direction
}

// TracepointAttachInfo names a kernel tracepoint as "category/name".
type TracepointAttachInfo struct {
	Category string
	Name     string
}

// KprobeAttachInfo is a kprobe or kretprobe attach point. The invariant
// retprobe ⇒ offset == 0 is enforced by KprobeProgram.Validate.
type KprobeAttachInfo struct {
	Function  string
	Offset    uint64
	Retprobe  bool
}

// UprobeAttachInfo is a uprobe or uretprobe attach point. Function is
// optional (offset-only attach); Target is the path to the library or
// executable. PID scopes the attach to a single process; Namespace is
// accepted but rejected by Validate — see design note in SPEC_FULL.md §9.
type UprobeAttachInfo struct {
	Function string
	Offset   uint64
	Target   string
	Retprobe bool
	PID      *int32
	Namespace string
}

func (t TracepointAttachInfo) String() string {
	return t.Category + "/" + t.Name
}
