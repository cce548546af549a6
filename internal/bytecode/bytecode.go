// Package bytecode resolves a program's bytecode Location to loadable
// ELF bytes, per spec.md §6. The OCI pull and content-addressed store
// are out of scope external collaborators; this package only defines the
// Resolver boundary and a LocalResolver usable standalone and in tests.
package bytecode

import (
	"encoding/base64"
	"os"
	"strings"
	"sync"

	"github.com/bpfmand/bpfmand/internal/model"
)

// contentScheme identifies a Location.LocalPath that names an object
// already materialised in the local content-addressed store rather
// than a plain filesystem path.
const contentScheme = "content://"

// OCIPuller is the external collaborator that resolves an OCI reference
// plus pull policy to a content address, out of scope per spec.md §1.
type OCIPuller interface {
	Pull(reference string, policy model.PullPolicy, credential string) (contentAddress string, err error)
}

// ContentStore is the external collaborator that maps a content address
// to ELF bytes, out of scope per spec.md §1.
type ContentStore interface {
	Get(address string) ([]byte, error)
}

// Resolver loads a Location's bytes, the one operation registry.Add
// needs from the bytecode subsystem.
type Resolver interface {
	Load(loc model.Location) ([]byte, error)
}

// LocalResolver reads local file paths directly and delegates OCI
// references to an OCIPuller + ContentStore pair, caching nothing of
// its own beyond what the content store already does.
type LocalResolver struct {
	Puller OCIPuller
	Store  ContentStore

	mu sync.Mutex
}

// NewLocalResolver returns a Resolver; puller/store may be nil if the
// caller never uses OCI references (e.g. unit tests exercising only
// local paths).
func NewLocalResolver(puller OCIPuller, store ContentStore) *LocalResolver {
	return &LocalResolver{Puller: puller, Store: store}
}

func (r *LocalResolver) Load(loc model.Location) ([]byte, error) {
	if loc.LocalPath != "" {
		if strings.HasPrefix(loc.LocalPath, contentScheme) {
			return r.loadFromContentStore(strings.TrimPrefix(loc.LocalPath, contentScheme))
		}
		raw, err := os.ReadFile(loc.LocalPath)
		if err != nil {
			return nil, model.WrapError(model.CodeBytecodeError, err, "reading local bytecode %s", loc.LocalPath)
		}
		return raw, nil
	}

	if loc.OCIReference == "" {
		return nil, model.NewError(model.CodeBytecodeError, "location has neither a local path nor an OCI reference")
	}
	if r.Puller == nil {
		return nil, model.NewError(model.CodeBytecodeError, "no OCI puller configured for reference %s", loc.OCIReference)
	}

	cred := loc.Credential
	if cred != "" {
		if _, err := base64.StdEncoding.DecodeString(cred); err != nil {
			return nil, model.WrapError(model.CodeBytecodeError, err, "credential is not valid base64")
		}
	}

	r.mu.Lock()
	address, err := r.Puller.Pull(loc.OCIReference, loc.PullPolicy, cred)
	r.mu.Unlock()
	if err != nil {
		return nil, model.WrapError(model.CodeBytecodeError, err, "pulling OCI reference %s", loc.OCIReference)
	}
	return r.loadFromContentStore(address)
}

func (r *LocalResolver) loadFromContentStore(address string) ([]byte, error) {
	if r.Store == nil {
		return nil, model.NewError(model.CodeBytecodeError, "no content store configured for address %s", address)
	}
	raw, err := r.Store.Get(address)
	if err != nil {
		return nil, model.WrapError(model.CodeBytecodeError, err, "reading content-store object %s", address)
	}
	return raw, nil
}
