package host

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// instanceState is what host functions know about the calling module.
type instanceState struct {
	checker     *capabilityChecker
	client      *http.Client
	componentID string
}

type instance struct {
	module    api.Module
	backend   *Backend
	closeErr  error
	closeOnce sync.Once
	pages     uint32
}

// Call writes payload into guest memory, runs entry and copies the result out.
func (i *instance) Call(ctx context.Context, entry string, payload []byte) ([]byte, error) {
	fn := i.module.ExportedFunction(entry)
	if fn == nil {
		return nil, fmt.Errorf("function %q not found", entry)
	}

	in, err := writeGuest(ctx, i.module, payload)
	if err != nil {
		return nil, err
	}
	res, err := fn.Call(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("call failed: %w", err)
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("function %q returned %d results", entry, len(res))
	}
	if used := i.module.Memory().Size() / wasmPageSize; used > i.pages {
		return nil, fmt.Errorf("%w: %d pages in use, limit is %d", ErrMemoryLimitExceeded, used, i.pages)
	}
	return readGuest(i.module, res[0])
}

// Close closes the module, interrupting a running call.
func (i *instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.backend.instances.Delete(i.module.Name())
		i.closeErr = i.module.Close(ctx)
	})
	return i.closeErr
}
