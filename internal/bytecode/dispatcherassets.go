package bytecode

import (
	"os"
	"path/filepath"

	"github.com/bpfmand/bpfmand/internal/model"
)

// dispatcherEntryPoint is the fixed ELF entry-point name every
// dispatcher object exposes, regardless of kind.
const dispatcherEntryPoint = "dispatcher"

// FileDispatcherAssets loads the pre-built dispatcher objects for XDP
// and TC from a configured directory (xdp_dispatcher.o / tc_dispatcher.o)
// — the dispatcher programs themselves are compiled out of band, the
// way bpfd ships DISPATCHER_BYTES as a build-time embedded asset in
// multiprog/tc.rs; here they are runtime assets instead, so the
// dispatcher object can be rebuilt/rotated without recompiling bpfmand.
type FileDispatcherAssets struct {
	Dir string
}

// Object implements dispatcher.DispatcherBytecode.
func (a FileDispatcherAssets) Object(kind model.ProgramKind) ([]byte, string, error) {
	var name string
	switch kind {
	case model.KindXDP:
		name = "xdp_dispatcher.o"
	case model.KindTC:
		name = "tc_dispatcher.o"
	default:
		return nil, "", model.NewError(model.CodeBytecodeError, "kind %s has no dispatcher object", kind)
	}
	raw, err := os.ReadFile(filepath.Join(a.Dir, name))
	if err != nil {
		return nil, "", model.WrapError(model.CodeBytecodeError, err, "reading dispatcher asset %s", name)
	}
	return raw, dispatcherEntryPoint, nil
}

// RegistryExtensionBytecode adapts a program-lookup function plus a
// Resolver into dispatcher.ExtensionBytecode, letting the dispatcher
// engine load an extension's bytecode purely from a program id without
// depending on the registry package directly.
type RegistryExtensionBytecode struct {
	Lookup   func(programID uint32) (model.Program, bool)
	Resolver Resolver
}

// Load implements dispatcher.ExtensionBytecode.
func (a RegistryExtensionBytecode) Load(programID uint32) ([]byte, string, error) {
	p, ok := a.Lookup(programID)
	if !ok {
		return nil, "", model.NewError(model.CodeInvalidID, "no program with id %d", programID)
	}
	raw, err := a.Resolver.Load(p.Data().Location)
	if err != nil {
		return nil, "", err
	}
	return raw, p.Data().EntryPoint, nil
}
