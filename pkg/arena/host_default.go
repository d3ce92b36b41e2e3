package arena

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/timandy/routine"

	"github.com/rayforge/bvharena/internal/debug"
	"github.com/rayforge/bvharena/internal/xsync"
)

// DefaultHost is the production Host implementation: it backs AlignedHeap
// blocks with pinned Go-heap memory and OSMapped blocks with an anonymous
// mapping (platform-specific, see host_linux.go / host_other.go).
//
// The zero value is ready to use. A DefaultHost must not be copied after
// first use.
type DefaultHost struct {
	monitor func(delta int64, commit bool)

	pinned  xsync.Map[uintptr, *runtime.Pinner]
	mapped  xsync.Map[uintptr, struct{}]
	watched atomic.Int64
}

// NewDefaultHost returns a Host backed by the OS and the Go runtime. monitor
// may be nil, in which case allocation deltas are discarded.
func NewDefaultHost(monitor func(delta int64, commit bool)) *DefaultHost {
	return &DefaultHost{monitor: monitor}
}

// AlignedHeapAlloc implements Host.
func (h *DefaultHost) AlignedHeapAlloc(bytes, align int) ([]byte, error) {
	debug.Assert(align > 0 && align&(align-1) == 0, "align must be a power of two, got %d", align)

	// Over-allocate so we can carve out an aligned region, matching the
	// host allocator's "round up, then slide forward" strategy.
	buf := make([]byte, bytes+align)

	var pinner runtime.Pinner
	pinner.Pin(&buf[0])

	base := uintptr(unsafe.Pointer(&buf[0]))
	offset := int((-base) & uintptr(align-1))

	h.pinned.Store(base, &pinner)

	debug.Log(nil, "aligned-heap alloc", "%d bytes, align %d, offset %d", bytes, align, offset)

	return buf[offset : offset+bytes : offset+bytes], nil
}

// AlignedHeapFree implements Host.
func (h *DefaultHost) AlignedHeapFree(buf []byte) {
	if len(buf) == 0 {
		return
	}

	// The pinner was recorded against the *unsliced* backing array's base
	// address, which we cannot recover from buf alone once it has been
	// re-sliced; callers therefore pass us the exact slice AlignedHeapAlloc
	// handed back, and we scan for the pinner covering it.
	target := uintptr(unsafe.Pointer(&buf[0]))

	h.pinned.All()(func(base uintptr, pinner *runtime.Pinner) bool {
		if target < base || target >= base+uintptr(cap(buf))+MaxAlignment {
			return true
		}
		pinner.Unpin()
		h.pinned.Delete(base)
		return false
	})
}

// ThreadID implements Host.
func (h *DefaultHost) ThreadID() int64 { return routine.Goid() }

// MemoryMonitor implements Host.
func (h *DefaultHost) MemoryMonitor(delta int64, commit bool) {
	h.watched.Add(delta)
	if h.monitor != nil {
		h.monitor(delta, commit)
	}
}

// Watched returns the net number of bytes this host currently believes are
// owned by its arenas, for diagnostics.
func (h *DefaultHost) Watched() int64 { return h.watched.Load() }

func alignedHeapFallback(h Host, bytes int) (unsafe.Pointer, bool, error) {
	buf, err := h.AlignedHeapAlloc(bytes, MaxAlignment)
	if err != nil {
		return nil, false, fmt.Errorf("aligned-heap fallback: %w", err)
	}
	return unsafe.Pointer(&buf[0]), false, nil
}
