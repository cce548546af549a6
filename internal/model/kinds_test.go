package model

import "testing"

func TestTcProgramValidateRequiresDirection(t *testing.T) {
	p := &TcProgram{Attach: TCAttachInfo{IfIndex: 1}}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected an error when TC direction is unset")
	}
	p.Attach.Direction = DirectionIngress
	if err := p.Validate(); err != nil {
		t.Fatalf("expected ingress to validate, got %v", err)
	}
}

func TestTracepointProgramValidateRequiresCategoryAndName(t *testing.T) {
	p := &TracepointProgram{}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected an error for an empty tracepoint attach point")
	}
	p.Attach = TracepointAttachInfo{Category: "syscalls", Name: "sys_enter_openat"}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected a populated attach point to validate, got %v", err)
	}
	if got := p.Attach.String(); got != "syscalls/sys_enter_openat" {
		t.Fatalf("unexpected String(): %q", got)
	}
}

func TestKprobeProgramValidateRetprobeOffsetInvariant(t *testing.T) {
	p := &KprobeProgram{Attach: KprobeAttachInfo{Function: "do_sys_open", Retprobe: true, Offset: 4}}
	err := p.Validate()
	if err == nil {
		t.Fatalf("expected an error when a kretprobe carries a nonzero offset")
	}
	if CodeOf(err) != CodeKretprobeOffsetInvalid {
		t.Fatalf("expected CodeKretprobeOffsetInvalid, got %s", CodeOf(err))
	}

	p.Attach.Offset = 0
	if err := p.Validate(); err != nil {
		t.Fatalf("kretprobe with offset 0 must validate, got %v", err)
	}
}

func TestKprobeProgramValidateRequiresFunction(t *testing.T) {
	p := &KprobeProgram{}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected an error for an empty function name")
	}
}

func TestUprobeProgramValidateRejectsNamespace(t *testing.T) {
	p := &UprobeProgram{Attach: UprobeAttachInfo{Target: "/usr/bin/app", Namespace: "container-1"}}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected an error since namespace scoping is not implemented")
	}
}

func TestUprobeProgramValidateRequiresTarget(t *testing.T) {
	p := &UprobeProgram{}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected an error for an empty target")
	}
}

func TestXdpProgramIfIndexZeroIsUnset(t *testing.T) {
	p := &XdpProgram{}
	if _, ok := p.IfIndex(); ok {
		t.Fatalf("ifindex 0 must report unset")
	}
	if _, ok := p.DispatcherKey(); ok {
		t.Fatalf("an unset ifindex must not produce a dispatcher key")
	}

	p.Attach.IfIndex = 3
	key, ok := p.DispatcherKey()
	if !ok || key != (DispatcherKey{Kind: KindXDP, IfIndex: 3}) {
		t.Fatalf("unexpected dispatcher key: %+v ok=%v", key, ok)
	}
}

func TestTcProgramDispatcherKeyIncludesDirection(t *testing.T) {
	p := &TcProgram{Attach: TCAttachInfo{IfIndex: 5, Direction: DirectionEgress}}
	key, ok := p.DispatcherKey()
	if !ok || key != (DispatcherKey{Kind: KindTC, IfIndex: 5, Direction: DirectionEgress}) {
		t.Fatalf("unexpected dispatcher key: %+v ok=%v", key, ok)
	}
}
