package cache

import (
	"context"

	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
)

// Compiled is a component binary compiled into executable form.
type Compiled interface {
	Close(ctx context.Context) error
}

// Instance is a live component bound to one grant. Calls on one Instance
// are never concurrent; the cache hands an instance to one holder at a time.
type Instance interface {
	// Call runs the named entry point with an encoded request and returns
	// the encoded response.
	Call(ctx context.Context, entry string, payload []byte) ([]byte, error)
	// Close destroys the instance. It may be called while Call is running
	// to abort it, and more than once.
	Close(ctx context.Context) error
}

// Backend is the virtual machine the cache drives.
type Backend interface {
	Compile(ctx context.Context, desc *component.Descriptor, binary []byte) (Compiled, error)
	Instantiate(ctx context.Context, compiled Compiled, desc *component.Descriptor, grant *capability.Grant) (Instance, error)
}

// Source supplies component binaries.
type Source interface {
	Binary(desc *component.Descriptor) ([]byte, error)
}
