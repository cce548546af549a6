package kernelfacade

import (
	"bytes"
	"net"
	"strings"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"

	"github.com/bpfmand/bpfmand/internal/model"
)

// CiliumFacade is the production Facade, backed by github.com/cilium/ebpf
// for object loading/pinning and github.com/vishvananda/netlink for the
// TC clsact/filter attach path bpfman itself uses — grounded on the
// teacher's internal/bpf/loader.go CO-RE load/pin/attach sequence and on
// the original Rust source's bpfd/src/multiprog/tc.rs netlink-based
// clsact + filter attach.
type CiliumFacade struct{}

// NewCiliumFacade constructs the production kernel facade.
func NewCiliumFacade() *CiliumFacade { return &CiliumFacade{} }

type ciliumLoaded struct {
	coll *ebpf.Collection
	used map[string]bool
}

type ciliumHandle struct {
	prog *ebpf.Program
	name string
	kind model.ProgramKind
}

func (h *ciliumHandle) Name() string { return h.name }
func (h *ciliumHandle) ProbeKind() (model.ProgramKind, bool) {
	if h.kind == model.KindKprobe || h.kind == model.KindUprobe {
		return h.kind, true
	}
	return 0, false
}

func (h *ciliumHandle) Info() (model.KernelInfo, error) {
	info, err := h.prog.Info()
	if err != nil {
		return model.KernelInfo{}, model.WrapError(model.CodeInternal, err, "fetching program info for %s", h.name)
	}
	tag := ""
	if t, ok := info.Tag(); ok {
		tag = t
	}
	var id ebpf.ProgramID
	if pid, ok := info.ID(); ok {
		id = pid
	}
	jited, _ := info.JitedSize()
	xlated, _ := info.TranslatedSize()
	return model.KernelInfo{
		ID:                   uint32(id),
		Tag:                  tag,
		JitedSizeBytes:       uint32(jited),
		VerifiedInstructions: uint32(xlated),
	}, nil
}

type ciliumLink struct{ l link.Link }

func (l *ciliumLink) Close() error { return l.l.Close() }

// progTypeFor maps a model.ProgramKind to the kernel's bpf_prog_type, so
// TakeProgram can reject a mismatch between the requested and the
// actually-loaded kind (spec.md §4.1's "probe kind requested vs actually
// loaded" distinction). Kprobe and uprobe both map to ebpf.Kprobe, so
// this check does not tell those two kinds apart.
func progTypeFor(kind model.ProgramKind) ebpf.ProgramType {
	switch kind {
	case model.KindXDP:
		return ebpf.XDP
	case model.KindTC:
		return ebpf.SchedCLS
	case model.KindTracepoint:
		return ebpf.TracePoint
	case model.KindKprobe, model.KindUprobe:
		return ebpf.Kprobe
	default:
		return ebpf.UnspecifiedProgram
	}
}

func (f *CiliumFacade) LoadObject(raw []byte, globals map[string][]byte, mapPinDir string) (Loaded, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, model.WrapError(model.CodeSectionNotValid, err, "parsing ELF object")
	}

	for name, value := range globals {
		v, ok := spec.Variables[name]
		if !ok {
			return nil, model.NewError(model.CodeSectionNotValid, "global variable %q not found in object", name)
		}
		if err := v.Set(value); err != nil {
			return nil, model.WrapError(model.CodeSectionNotValid, err, "setting global %q", name)
		}
	}

	for _, m := range spec.Maps {
		if mapPinDir != "" {
			m.Pinning = ebpf.PinByName
		}
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: mapPinDir},
	})
	if err != nil {
		return nil, model.WrapError(model.CodeLoadFailed, err, "loading collection")
	}

	return &ciliumLoaded{coll: coll, used: map[string]bool{}}, nil
}

func (l *ciliumLoaded) TakeProgram(name string, kind model.ProgramKind) (ProgramHandle, error) {
	prog, ok := l.coll.Programs[name]
	if !ok {
		return nil, model.NewError(model.CodeSectionNotValid, "entry point %q not found in object", name)
	}
	if prog.Type() != progTypeFor(kind) {
		return nil, model.NewError(model.CodeProbeKindMismatch,
			"requested kind %s does not match loaded program type %s", kind, prog.Type())
	}
	l.used[name] = true
	return &ciliumHandle{prog: prog, name: name, kind: kind}, nil
}

func (l *ciliumLoaded) Close() error {
	for name, prog := range l.coll.Programs {
		if !l.used[name] {
			prog.Close()
		}
	}
	l.coll.Maps = nil
	return nil
}

func (f *CiliumFacade) AttachXDP(h ProgramHandle, ifIndex uint32, mode model.XDPMode) (LinkHandle, error) {
	ch := h.(*ciliumHandle)
	var flags link.XDPAttachFlags
	switch mode {
	case model.XDPModeNative:
		flags = link.XDPDriverMode
	case model.XDPModeSKB:
		flags = link.XDPGenericMode
	case model.XDPModeOffload:
		flags = link.XDPOffloadMode
	}
	l, err := link.AttachXDP(link.XDPOptions{
		Program:   ch.prog,
		Interface: int(ifIndex),
		Flags:     flags,
	})
	if err != nil {
		return nil, model.WrapError(model.CodeAttachFailed, err, "attaching XDP program")
	}
	return &ciliumLink{l: l}, nil
}

func (f *CiliumFacade) AttachTC(h ProgramHandle, ifIndex uint32, dir model.Direction, priority int32) (LinkHandle, error) {
	ch := h.(*ciliumHandle)

	if err := f.AddClsact(ifIndex); err != nil {
		return nil, err
	}

	parent := netlink.HANDLE_MIN_EGRESS
	if dir == model.DirectionIngress {
		parent = netlink.HANDLE_MIN_INGRESS
	}

	ifaceLink, err := netlink.LinkByIndex(int(ifIndex))
	if err != nil {
		return nil, model.WrapError(model.CodeInvalidInterface, err, "resolving ifindex %d", ifIndex)
	}

	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: ifaceLink.Attrs().Index,
			Parent:    uint32(parent),
			Handle:    netlink.MakeHandle(0, 1),
			Protocol:  3, // unix.ETH_P_ALL (host order handled by netlink)
			Priority:  uint16(priority),
		},
		Fd:           ch.prog.FD(),
		Name:         ch.name,
		DirectAction: true,
	}
	if err := netlink.FilterAdd(filter); err != nil {
		return nil, model.WrapError(model.CodeAttachFailed, err, "attaching TC filter")
	}
	return &tcLink{filter: filter}, nil
}

type tcLink struct{ filter *netlink.BpfFilter }

func (l *tcLink) Close() error { return netlink.FilterDel(l.filter) }

func (f *CiliumFacade) AttachTracepoint(h ProgramHandle, category, name string) (LinkHandle, error) {
	ch := h.(*ciliumHandle)
	l, err := link.Tracepoint(category, name, ch.prog, nil)
	if err != nil {
		return nil, model.WrapError(model.CodeAttachFailed, err, "attaching tracepoint %s/%s", category, name)
	}
	return &ciliumLink{l: l}, nil
}

func (f *CiliumFacade) AttachKprobe(h ProgramHandle, fn string, offset uint64, retprobe bool) (LinkHandle, error) {
	ch := h.(*ciliumHandle)
	opts := &link.KprobeOptions{Offset: offset}
	var l link.Link
	var err error
	if retprobe {
		l, err = link.Kretprobe(fn, ch.prog, opts)
	} else {
		l, err = link.Kprobe(fn, ch.prog, opts)
	}
	if err != nil {
		return nil, model.WrapError(model.CodeAttachFailed, err, "attaching kprobe %s", fn)
	}
	return &ciliumLink{l: l}, nil
}

func (f *CiliumFacade) AttachUprobe(h ProgramHandle, fn string, offset uint64, target string, retprobe bool, pid *int32) (LinkHandle, error) {
	ch := h.(*ciliumHandle)
	ex, err := link.OpenExecutable(target)
	if err != nil {
		return nil, model.WrapError(model.CodeLoadFailed, err, "opening uprobe target %s", target)
	}
	p := -1
	if pid != nil {
		p = int(*pid)
	}
	opts := &link.UprobeOptions{Address: offset, PID: p}
	var l link.Link
	if retprobe {
		l, err = ex.Uretprobe(fn, ch.prog, opts)
	} else {
		l, err = ex.Uprobe(fn, ch.prog, opts)
	}
	if err != nil {
		return nil, model.WrapError(model.CodeAttachFailed, err, "attaching uprobe %s@%s", fn, target)
	}
	return &ciliumLink{l: l}, nil
}

func (f *CiliumFacade) PinProgram(h ProgramHandle, path string) error {
	ch := h.(*ciliumHandle)
	if err := ch.prog.Pin(path); err != nil {
		return model.WrapError(model.CodePinProgramFailed, err, "pinning program to %s", path)
	}
	return nil
}

func (f *CiliumFacade) PinLink(l LinkHandle, path string) error {
	pinner, ok := l.(interface{ Pin(string) error })
	if !ok {
		cl, ok2 := l.(*ciliumLink)
		if !ok2 {
			return model.NewError(model.CodePinLinkFailed, "link handle does not support pinning")
		}
		if err := cl.l.Pin(path); err != nil {
			return model.WrapError(model.CodePinLinkFailed, err, "pinning link to %s", path)
		}
		return nil
	}
	if err := pinner.Pin(path); err != nil {
		return model.WrapError(model.CodePinLinkFailed, err, "pinning link to %s", path)
	}
	return nil
}

func (f *CiliumFacade) RepinExtension(oldPinPath, newPinPath string) error {
	pinned, err := ebpf.LoadPinnedLink(oldPinPath, nil)
	if err != nil {
		return model.WrapError(model.CodePinLinkFailed, err, "loading pinned link %s", oldPinPath)
	}
	defer pinned.Close()
	if err := pinned.Pin(newPinPath); err != nil {
		return model.WrapError(model.CodePinLinkFailed, err, "re-pinning link to %s", newPinPath)
	}
	return nil
}

func (f *CiliumFacade) EnumerateKernelPrograms() ([]KernelRecord, error) {
	var records []KernelRecord
	var id ebpf.ProgramID
	for {
		next, err := ebpf.ProgramGetNextID(id)
		if err != nil {
			break
		}
		id = next
		prog, err := ebpf.NewProgramFromID(id)
		if err != nil {
			continue
		}
		info, err := prog.Info()
		if err != nil {
			prog.Close()
			continue
		}
		tag := ""
		if t, ok := info.Tag(); ok {
			tag = t
		}
		jited, _ := info.JitedSize()
		records = append(records, KernelRecord{
			ID:             uint32(id),
			Name:           info.Name,
			Kind:           kindFromProgType(info.Type),
			Tag:            tag,
			LoadedAt:       time.Now(),
			JitedSizeBytes: uint32(jited),
		})
		prog.Close()
	}
	return records, nil
}

func kindFromProgType(t ebpf.ProgramType) model.ProgramKind {
	switch t {
	case ebpf.XDP:
		return model.KindXDP
	case ebpf.SchedCLS:
		return model.KindTC
	case ebpf.TracePoint:
		return model.KindTracepoint
	case ebpf.Kprobe:
		return model.KindKprobe
	default:
		return model.KindTracepoint
	}
}

func (f *CiliumFacade) AddClsact(ifIndex uint32) error {
	ifaceLink, err := netlink.LinkByIndex(int(ifIndex))
	if err != nil {
		return model.WrapError(model.CodeInvalidInterface, err, "resolving ifindex %d", ifIndex)
	}
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: ifaceLink.Attrs().Index,
			Parent:    netlink.HANDLE_CLSACT,
			Handle:    netlink.MakeHandle(0xffff, 0),
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscAdd(qdisc); err != nil && !isExistsErr(err) {
		return model.WrapError(model.CodeAttachFailed, err, "adding clsact qdisc on ifindex %d", ifIndex)
	}
	return nil
}

func isExistsErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "exist")
}

func (f *CiliumFacade) InterfaceIndex(name string) (uint32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, model.WrapError(model.CodeInvalidInterface, err, "interface %q", name)
	}
	return uint32(iface.Index), nil
}
