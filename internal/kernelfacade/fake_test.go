package kernelfacade

import (
	"testing"

	"github.com/bpfmand/bpfmand/internal/model"
)

func TestLoadObjectRejectsEmptyBytes(t *testing.T) {
	f := NewFakeFacade()
	if _, err := f.LoadObject(nil, nil, ""); err == nil {
		t.Fatalf("expected an error for an empty object")
	}
}

func TestInterfaceIndexAssignsAndRemembers(t *testing.T) {
	f := NewFakeFacade()
	idx1, err := f.InterfaceIndex("eth0")
	if err != nil {
		t.Fatalf("InterfaceIndex: %v", err)
	}
	idx2, err := f.InterfaceIndex("eth0")
	if err != nil {
		t.Fatalf("InterfaceIndex (second call): %v", err)
	}
	if idx1 != idx2 {
		t.Fatalf("expected the same ifindex on repeated lookups, got %d then %d", idx1, idx2)
	}

	idx3, err := f.InterfaceIndex("eth1")
	if err != nil {
		t.Fatalf("InterfaceIndex(eth1): %v", err)
	}
	if idx3 == idx1 {
		t.Fatalf("expected distinct interfaces to get distinct ifindexes")
	}
}

func TestWithInterfacePinsIfIndex(t *testing.T) {
	f := NewFakeFacade().WithInterface("eth0", 42)
	idx, err := f.InterfaceIndex("eth0")
	if err != nil {
		t.Fatalf("InterfaceIndex: %v", err)
	}
	if idx != 42 {
		t.Fatalf("expected the pre-registered ifindex 42, got %d", idx)
	}
}

func TestFailAttachSimulatesAttachFailure(t *testing.T) {
	f := NewFakeFacade()
	f.FailAttach["prog"] = true

	loaded, err := f.LoadObject([]byte("obj"), nil, "")
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	handle, err := loaded.TakeProgram("prog", model.KindXDP)
	if err != nil {
		t.Fatalf("TakeProgram: %v", err)
	}
	if _, err := f.AttachXDP(handle, 1, model.XDPModeSKB); err == nil {
		t.Fatalf("expected the simulated attach failure to surface")
	}
}

func TestPinLinkThenRepinExtension(t *testing.T) {
	f := NewFakeFacade()
	loaded, err := f.LoadObject([]byte("obj"), nil, "")
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	handle, err := loaded.TakeProgram("prog", model.KindXDP)
	if err != nil {
		t.Fatalf("TakeProgram: %v", err)
	}
	link, err := f.AttachXDP(handle, 1, model.XDPModeSKB)
	if err != nil {
		t.Fatalf("AttachXDP: %v", err)
	}
	if err := f.PinLink(link, "/fs/links/rev_1/link_0"); err != nil {
		t.Fatalf("PinLink: %v", err)
	}
	if err := f.RepinExtension("/fs/links/rev_1/link_0", "/fs/links/rev_2/link_0"); err != nil {
		t.Fatalf("RepinExtension: %v", err)
	}
	if err := f.RepinExtension("/fs/links/rev_1/link_0", "/fs/links/rev_3/link_0"); err == nil {
		t.Fatalf("expected RepinExtension to fail once the old pin path has moved")
	}
}

func TestAttachTCEnsuresClsact(t *testing.T) {
	f := NewFakeFacade()
	loaded, err := f.LoadObject([]byte("obj"), nil, "")
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	handle, err := loaded.TakeProgram("prog", model.KindTC)
	if err != nil {
		t.Fatalf("TakeProgram: %v", err)
	}
	if _, err := f.AttachTC(handle, 9, model.DirectionIngress, 0); err != nil {
		t.Fatalf("AttachTC: %v", err)
	}
	if !f.clsact[9] {
		t.Fatalf("expected AttachTC to ensure a clsact qdisc on ifindex 9")
	}
	if err := f.AddClsact(9); err != nil {
		t.Fatalf("AddClsact must be idempotent once already added by AttachTC: %v", err)
	}
}

func TestAttachKprobeRejectsNonZeroRetprobeOffset(t *testing.T) {
	f := NewFakeFacade()
	loaded, err := f.LoadObject([]byte("obj"), nil, "")
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	handle, err := loaded.TakeProgram("prog", model.KindKprobe)
	if err != nil {
		t.Fatalf("TakeProgram: %v", err)
	}
	if _, err := f.AttachKprobe(handle, "do_sys_open", 4, true); err == nil {
		t.Fatalf("expected an error for a kretprobe with a nonzero offset")
	}
	if _, err := f.AttachKprobe(handle, "do_sys_open", 0, true); err != nil {
		t.Fatalf("expected a kretprobe with offset 0 to succeed, got %v", err)
	}
}
