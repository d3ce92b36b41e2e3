//go:build linux

package arena

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rayforge/bvharena/internal/debug"
)

// OSMap implements Host by requesting an anonymous, private mapping.
// Mappings whose size is a multiple of HugePageSize are hinted for
// transparent huge pages and reported as huge-page backed.
func (h *DefaultHost) OSMap(bytes int) (unsafe.Pointer, bool, error) {
	buf, err := unix.Mmap(-1, 0, bytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, false, wrapHostError("mmap", err)
	}

	ptr := unsafe.Pointer(&buf[0])
	h.mapped.Store(uintptr(ptr), struct{}{})

	hugePages := bytes%HugePageSize == 0
	if hugePages {
		h.OSAdvise(ptr, bytes)
	}

	debug.Log(nil, "os map", "%d bytes, huge pages %v", bytes, hugePages)

	return ptr, hugePages, nil
}

// OSUnmap implements Host.
func (h *DefaultHost) OSUnmap(ptr unsafe.Pointer, bytes int, _ bool) error {
	buf := unsafe.Slice((*byte)(ptr), bytes)
	h.mapped.Delete(uintptr(ptr))

	if err := unix.Munmap(buf); err != nil {
		return wrapHostError("munmap", err)
	}
	return nil
}

// OSAdvise implements Host, issuing a MADV_HUGEPAGE hint. Failures are
// logged but not surfaced, matching the host allocator's best-effort
// advisory semantics.
func (h *DefaultHost) OSAdvise(addr unsafe.Pointer, bytes int) {
	buf := unsafe.Slice((*byte)(addr), bytes)
	if err := unix.Madvise(buf, unix.MADV_HUGEPAGE); err != nil {
		debug.Log(nil, "os advise", "madvise(MADV_HUGEPAGE) failed: %s", err)
	}
}
