package arena

import "unsafe"

// Allocator is the minimal allocation surface a builder or a helper type
// (such as primref.Vector) needs from an arena.
type Allocator interface {
	// Alloc returns a pointer to bytes of memory aligned to align.
	//
	// A pointer returned by Alloc is valid only until the next
	// Reset/Clear of the arena it came from; a use after that point is
	// not detected.
	Alloc(bytes, align int) (unsafe.Pointer, error)
}

// CachedAllocator is a cheap-to-copy handle bound to one goroutine's
// ThreadPair. Create one per goroutine at the start of a build with
// Arena.CachedAllocator and pass it into builder code; do not share a
// single CachedAllocator value across goroutines.
type CachedAllocator struct {
	arena *Arena
	pair  *ThreadPair
}

var _ Allocator = CachedAllocator{}

// Alloc routes to stream 0 (b0). It implements Allocator.
func (c CachedAllocator) Alloc(bytes, align int) (unsafe.Pointer, error) {
	return c.Alloc0(bytes, align)
}

// Alloc0 allocates from this goroutine's first bump stream.
func (c CachedAllocator) Alloc0(bytes, align int) (unsafe.Pointer, error) {
	return c.pair.b0.malloc(c.arena, bytes, align)
}

// Alloc1 allocates from this goroutine's second bump stream. Under
// singleMode, this is an alias for Alloc0, collapsing the two streams into
// one to reduce footprint for small builds.
func (c CachedAllocator) Alloc1(bytes, align int) (unsafe.Pointer, error) {
	if c.arena.singleMode.Load() {
		return c.Alloc0(bytes, align)
	}
	return c.pair.b1.malloc(c.arena, bytes, align)
}
