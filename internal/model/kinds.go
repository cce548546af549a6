package model

// XdpProgram is an XDP Program: ProgramData plus XDPAttachInfo.
type XdpProgram struct {
	ProgramData
	Attach XDPAttachInfo
}

func (p *XdpProgram) Data() *ProgramData { return &p.ProgramData }
func (p *XdpProgram) Kind() ProgramKind  { return KindXDP }
func (p *XdpProgram) IfIndex() (uint32, bool) {
	if p.Attach.IfIndex == 0 {
		return 0, false
	}
	return p.Attach.IfIndex, true
}
func (p *XdpProgram) TCDirection() (Direction, bool) { return DirectionNone, false }
func (p *XdpProgram) DispatcherKey() (DispatcherKey, bool) {
	idx, ok := p.IfIndex()
	if !ok {
		return DispatcherKey{}, false
	}
	return DispatcherKey{Kind: KindXDP, IfIndex: idx}, true
}
func (p *XdpProgram) Priority() (int32, bool) { return p.Attach.Priority, true }
func (p *XdpProgram) Position() (int, bool)   { return p.Attach.Position, true }
func (p *XdpProgram) SetPosition(pos int)     { p.Attach.Position = pos }
func (p *XdpProgram) Validate() error         { return nil }

// TcProgram is a TC Program: ProgramData plus TCAttachInfo.
type TcProgram struct {
	ProgramData
	Attach TCAttachInfo
}

func (p *TcProgram) Data() *ProgramData { return &p.ProgramData }
func (p *TcProgram) Kind() ProgramKind  { return KindTC }
func (p *TcProgram) IfIndex() (uint32, bool) {
	if p.Attach.IfIndex == 0 {
		return 0, false
	}
	return p.Attach.IfIndex, true
}
func (p *TcProgram) TCDirection() (Direction, bool) { return p.Attach.Direction, true }
func (p *TcProgram) DispatcherKey() (DispatcherKey, bool) {
	idx, ok := p.IfIndex()
	if !ok {
		return DispatcherKey{}, false
	}
	return DispatcherKey{Kind: KindTC, IfIndex: idx, Direction: p.Attach.Direction}, true
}
func (p *TcProgram) Priority() (int32, bool) { return p.Attach.Priority, true }
func (p *TcProgram) Position() (int, bool)   { return p.Attach.Position, true }
func (p *TcProgram) SetPosition(pos int)     { p.Attach.Position = pos }
func (p *TcProgram) Validate() error {
	if p.Attach.Direction != DirectionIngress && p.Attach.Direction != DirectionEgress {
		return NewError(CodeInvalidAttach, "tc attach requires direction ingress or egress")
	}
	return nil
}

// TracepointProgram is a single-attach tracepoint Program.
type TracepointProgram struct {
	ProgramData
	Attach TracepointAttachInfo
}

func (p *TracepointProgram) Data() *ProgramData              { return &p.ProgramData }
func (p *TracepointProgram) Kind() ProgramKind                { return KindTracepoint }
func (p *TracepointProgram) IfIndex() (uint32, bool)          { return 0, false }
func (p *TracepointProgram) TCDirection() (Direction, bool)   { return DirectionNone, false }
func (p *TracepointProgram) DispatcherKey() (DispatcherKey, bool) { return DispatcherKey{}, false }
func (p *TracepointProgram) Priority() (int32, bool)          { return 0, false }
func (p *TracepointProgram) Position() (int, bool)            { return 0, false }
func (p *TracepointProgram) SetPosition(int)                  {}
func (p *TracepointProgram) Validate() error {
	if p.Attach.Category == "" || p.Attach.Name == "" {
		return NewError(CodeInvalidAttach, "tracepoint attach point must be \"category/name\"")
	}
	return nil
}

// KprobeProgram is a single-attach kprobe/kretprobe Program.
type KprobeProgram struct {
	ProgramData
	Attach KprobeAttachInfo
}

func (p *KprobeProgram) Data() *ProgramData              { return &p.ProgramData }
func (p *KprobeProgram) Kind() ProgramKind                { return KindKprobe }
func (p *KprobeProgram) IfIndex() (uint32, bool)          { return 0, false }
func (p *KprobeProgram) TCDirection() (Direction, bool)   { return DirectionNone, false }
func (p *KprobeProgram) DispatcherKey() (DispatcherKey, bool) { return DispatcherKey{}, false }
func (p *KprobeProgram) Priority() (int32, bool)          { return 0, false }
func (p *KprobeProgram) Position() (int, bool)            { return 0, false }
func (p *KprobeProgram) SetPosition(int)                  {}
func (p *KprobeProgram) Validate() error {
	if p.Attach.Retprobe && p.Attach.Offset != 0 {
		return NewError(CodeKretprobeOffsetInvalid, "kretprobe requires offset == 0, got %d", p.Attach.Offset)
	}
	if p.Attach.Function == "" {
		return NewError(CodeInvalidAttach, "kprobe attach requires a function name")
	}
	return nil
}

// UprobeProgram is a single-attach uprobe/uretprobe Program.
type UprobeProgram struct {
	ProgramData
	Attach UprobeAttachInfo
}

func (p *UprobeProgram) Data() *ProgramData              { return &p.ProgramData }
func (p *UprobeProgram) Kind() ProgramKind                { return KindUprobe }
func (p *UprobeProgram) IfIndex() (uint32, bool)          { return 0, false }
func (p *UprobeProgram) TCDirection() (Direction, bool)   { return DirectionNone, false }
func (p *UprobeProgram) DispatcherKey() (DispatcherKey, bool) { return DispatcherKey{}, false }
func (p *UprobeProgram) Priority() (int32, bool)          { return 0, false }
func (p *UprobeProgram) Position() (int, bool)            { return 0, false }
func (p *UprobeProgram) SetPosition(int)                  {}
func (p *UprobeProgram) Validate() error {
	if p.Attach.Namespace != "" {
		return NewError(CodeInvalidAttach, "namespace scoping not implemented")
	}
	if p.Attach.Target == "" {
		return NewError(CodeInvalidAttach, "uprobe attach requires a target path or library")
	}
	return nil
}
