package arena

import (
	"unsafe"

	"github.com/rayforge/bvharena/internal/debug"
	"github.com/rayforge/bvharena/pkg/xunsafe/layout"
)

// ThreadBumper is a goroutine-private cursor carving small allocations out
// of one Block's payload at a time. It holds no lock; the only
// synchronization it ever needs is with the Arena it escalates to when its
// current slice is exhausted.
//
// A zero-value ThreadBumper is uninitialized (ptr == nil); it becomes valid
// once init is called, which happens the first time its owning ThreadPair
// binds to an Arena.
type ThreadBumper struct {
	parent *ThreadPair

	ptr      unsafe.Pointer
	cur, end int64

	allocBlockSize int64
	bytesUsed      int64
	bytesWasted    int64
}

// init resets the bumper to the empty, unbound state and caches the
// Arena's current default block size for the escalation heuristic.
func (b *ThreadBumper) init(a *Arena) {
	b.ptr = nil
	b.cur = 0
	b.end = 0
	b.bytesUsed = 0
	b.bytesWasted = 0
	b.allocBlockSize = a.defaultBlockSize.Load()
}

// malloc returns a pointer to bytes of memory aligned to align, escalating
// to the arena as needed. align must be <= MaxAlignment; a larger align
// fails with ErrInvalidAlignment. Other errors are ErrAllocationTooLarge,
// surfaced from the Arena, and errors from creating a new block.
func (b *ThreadBumper) malloc(a *Arena, bytes, align int) (unsafe.Pointer, error) {
	debug.Assert(align <= MaxAlignment, "align %d exceeds MaxAlignment", align)
	if align > MaxAlignment {
		return nil, ErrInvalidAlignment
	}
	b.parent.bind(a)

	if p, ok := b.tryMalloc(bytes, align); ok {
		return p, nil
	}

	// Large requests bypass the bumper's slice entirely: carving one out of
	// a fresh block would waste nearly the whole block on a single object.
	// The exact 4x ratio is a heuristic preserved from the source allocator
	// for parity, not a tunable.
	if 4*bytes > int(b.allocBlockSize) {
		n := bytes
		p, err := a.blockAlloc(&n, MaxAlignment, false)
		debug.Log(nil, "bumper bypass", "%d bytes (align block size %d)", bytes, b.allocBlockSize)
		return p, err
	}

	if err := b.installSlice(a, int(b.allocBlockSize), true); err != nil {
		return nil, err
	}
	if p, ok := b.tryMalloc(bytes, align); ok {
		return p, nil
	}

	// The partial slice handed back less than a full allocBlockSize; fall
	// back to a full, non-partial slice, which is guaranteed to be big
	// enough because 4*bytes <= allocBlockSize.
	if err := b.installSlice(a, int(b.allocBlockSize), false); err != nil {
		return nil, err
	}
	p, ok := b.tryMalloc(bytes, align)
	debug.Assert(ok, "retry after full-slice install must succeed")
	return p, nil
}

// tryMalloc attempts to serve bytes out of the bumper's current slice
// without touching the Arena. It is the allocator's entire fast path.
func (b *ThreadBumper) tryMalloc(bytes, align int) (unsafe.Pointer, bool) {
	cur := int64(layout.RoundUp(b.cur, int64(align)))
	ofs := cur - b.cur
	next := cur + int64(bytes)

	if next > b.end {
		return nil, false
	}

	start := cur
	b.cur = next
	b.bytesWasted += ofs
	b.bytesUsed += int64(bytes)

	return unsafe.Add(b.ptr, start), true
}

// installSlice requests a new slice of the given size from the arena
// (asking for a short slice if partial is true) and makes it the bumper's
// current slice, accounting the unused tail of the previous one as wasted.
func (b *ThreadBumper) installSlice(a *Arena, size int, partial bool) error {
	if b.end > b.cur {
		b.bytesWasted += b.end - b.cur
	}

	n := size
	ptr, err := a.blockAlloc(&n, MaxAlignment, partial)
	if err != nil {
		return err
	}

	b.ptr = ptr
	b.cur = 0
	b.end = int64(n)
	return nil
}
