package host

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/reglet-graph/component"
)

// PackPtrLen packs a guest pointer and length into the single i64 the
// calling convention passes around.
func PackPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackPtrLen splits a packed pointer and length.
func UnpackPtrLen(packed uint64) (ptr, length uint32) {
	//nolint:gosec // WASM pointers and lengths are 32-bit
	return uint32(packed >> 32), uint32(packed)
}

// readGuest copies a packed region out of guest memory.
func readGuest(mod api.Module, packed uint64) ([]byte, error) {
	ptr, length := UnpackPtrLen(packed)
	if length == 0 {
		return nil, nil
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("module has no memory")
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("region ptr=%d len=%d is out of bounds", ptr, length)
	}
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

// writeGuest allocates guest memory through the allocate export, copies
// data in and returns the packed region.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	allocate := mod.ExportedFunction(component.AllocateExport)
	if allocate == nil {
		return 0, fmt.Errorf("function %q not exported", component.AllocateExport)
	}
	res, err := allocate.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("allocate failed: %w", err)
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("allocate returned %d results", len(res))
	}
	//nolint:gosec // WASM pointers are 32-bit
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes at ptr=%d", len(data), ptr)
	}
	//nolint:gosec // payloads are bounded by guest memory
	return PackPtrLen(ptr, uint32(len(data))), nil
}
