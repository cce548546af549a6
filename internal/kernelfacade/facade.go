// Package kernelfacade wraps the kernel-level eBPF primitives (object
// loading, attach, pinning, interface lookup) behind a narrow typed
// interface, grounded on github.com/cilium/ebpf and
// github.com/cilium/ebpf/link — the same library the teacher's
// internal/bpf package uses for CO-RE loading and LSM attachment.
//
// Every manager component talks to the kernel only through Facade, never
// directly to cilium/ebpf, so registry/dispatcher/mapgroup logic can be
// exercised against FakeFacade without root or a real kernel.
package kernelfacade

import (
	"time"

	"github.com/bpfmand/bpfmand/internal/model"
)

// ProgramHandle identifies a loaded-but-not-yet-attached kernel program
// within a Loaded collection.
type ProgramHandle interface {
	// Name is the ELF section / program name as declared in the object.
	Name() string
	// ProbeKind returns the kind the handle was taken with (the kind
	// passed to TakeProgram), for kprobe/uprobe handles. Neither
	// implementation inspects the object to tell a kprobe from a uprobe,
	// so a caller comparing this against the requested kind does not
	// detect that mix-up.
	ProbeKind() (model.ProgramKind, bool)
	// Info returns the kernel's record for this program once loaded,
	// for the registry to capture into model.ProgramData.Kernel.
	Info() (model.KernelInfo, error)
}

// Loaded is a collection of programs and maps resulting from one
// load_object call.
type Loaded interface {
	// TakeProgram returns the named program handle, failing if its
	// actual kind does not match kind.
	TakeProgram(name string, kind model.ProgramKind) (ProgramHandle, error)
	// Close releases every program in the collection that has not been
	// handed out by TakeProgram. CiliumFacade drops its references to
	// the collection's maps without closing them.
	Close() error
}

// LinkHandle is a live kernel attachment (an attached program + its
// link), kept alive until Close or a successful re-pin to a new
// dispatcher revision.
type LinkHandle interface {
	Close() error
}

// KernelRecord is one entry from EnumerateKernelPrograms: a program the
// kernel knows about, whether or not bpfmand itself loaded it.
type KernelRecord struct {
	ID                   uint32
	Name                 string
	Kind                 model.ProgramKind
	Tag                  string
	LoadedAt             time.Time
	JitedSizeBytes       uint32
	VerifiedInstructions uint32
}

// Facade is the typed kernel boundary described in spec.md §4.1.
type Facade interface {
	// LoadObject loads an ELF object's bytes, applying global variable
	// bindings, and readies its maps to be pinned under mapPinDir.
	LoadObject(bytes []byte, globals map[string][]byte, mapPinDir string) (Loaded, error)

	AttachXDP(h ProgramHandle, ifIndex uint32, mode model.XDPMode) (LinkHandle, error)
	AttachTC(h ProgramHandle, ifIndex uint32, dir model.Direction, priority int32) (LinkHandle, error)
	AttachTracepoint(h ProgramHandle, category, name string) (LinkHandle, error)
	AttachKprobe(h ProgramHandle, fn string, offset uint64, retprobe bool) (LinkHandle, error)
	AttachUprobe(h ProgramHandle, fn string, offset uint64, target string, retprobe bool, pid *int32) (LinkHandle, error)

	PinProgram(h ProgramHandle, path string) error
	PinLink(l LinkHandle, path string) error

	// RepinExtension re-pins an already-attached program's extension FD
	// into a new dispatcher revision directory, used by reconcile step 6
	// for programs whose Attached flag is already true.
	RepinExtension(oldPinPath, newPinPath string) error

	EnumerateKernelPrograms() ([]KernelRecord, error)

	// AddClsact idempotently ensures a clsact qdisc exists on ifIndex.
	AddClsact(ifIndex uint32) error

	// InterfaceIndex resolves a network interface name to its kernel
	// ifindex, returning model.CodeInvalidInterface if unknown.
	InterfaceIndex(name string) (uint32, error)
}
