//go:build !linux

package arena

import (
	"unsafe"

	"github.com/rayforge/bvharena/internal/debug"
)

// OSMap falls back to a pinned aligned-heap allocation on platforms without
// golang.org/x/sys/unix mmap support. The returned memory is functionally
// identical to an AlignedHeap block; only the Source tag on the Block
// differs, which only affects diagnostics, not correctness.
func (h *DefaultHost) OSMap(bytes int) (unsafe.Pointer, bool, error) {
	ptr, hugePages, err := alignedHeapFallback(h, bytes)
	debug.Log(nil, "os map", "fallback to aligned heap, %d bytes", bytes)
	return ptr, hugePages, err
}

// OSUnmap implements Host for the fallback path.
func (h *DefaultHost) OSUnmap(ptr unsafe.Pointer, bytes int, _ bool) error {
	h.AlignedHeapFree(unsafe.Slice((*byte)(ptr), bytes))
	return nil
}

// OSAdvise is a no-op outside Linux.
func (h *DefaultHost) OSAdvise(unsafe.Pointer, int) {}
