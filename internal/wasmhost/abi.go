package wasmhost

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// readString reads a UTF-8 string out of mod's linear memory at [ptr,
// ptr+length). A read past the memory bounds returns "" rather than
// panicking; wazero's own Memory.Read already reports the failure via its
// second return, which the guest's fuel/trap budget has already been
// charged against by the caller before this runs.
func readString(mod api.Module, ptr, length uint32) string {
	return string(readBytes(mod, ptr, length))
}

func readBytes(mod api.Module, ptr, length uint32) []byte {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

// writeBytes calls the guest's exported `alloc` function to reserve space
// in its own linear memory, writes data into it, and returns the
// (ptr, length) pair the guest can read back. Every result the host hands
// back to a guest (storage reads, fetched HTTP bodies, body_read chunks and
// the event payload passed to handle) is
// allocated this way so guest and host never share a buffer they disagree
// about the ownership of.
func (inst *Instance) writeBytes(ctx context.Context, mod api.Module, data []byte) (ptr, length uint32, err error) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, 0, fmt.Errorf("wasmhost: guest module does not export alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("wasmhost: calling guest alloc: %w", err)
	}
	if len(results) != 1 {
		return 0, 0, fmt.Errorf("wasmhost: guest alloc returned %d results, want 1", len(results))
	}
	p := uint32(results[0])
	if !mod.Memory().Write(p, data) {
		return 0, 0, fmt.Errorf("wasmhost: writing %d bytes at offset %d out of guest memory bounds", len(data), p)
	}
	return p, uint32(len(data)), nil
}
