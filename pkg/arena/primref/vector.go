// Package primref provides Vector, a slice-like type whose backing storage
// comes from an arena.Allocator rather than the Go heap. It exists so that a
// build can assemble the large, short-lived arrays of primitive records
// (triangle references, bounding boxes, build-node scratch arrays, ...) that
// an acceleration-structure build produces, without a separate Go-heap
// allocation per array: a Vector's elements live in arena blocks, and every
// byte it reaches through is reclaimed in bulk when its owning arena is
// Reset or Cleared.
package primref

import (
	"fmt"
	"unsafe"

	"github.com/rayforge/bvharena/internal/debug"
	"github.com/rayforge/bvharena/pkg/arena"
	"github.com/rayforge/bvharena/pkg/opt"
	"github.com/rayforge/bvharena/pkg/xunsafe"
	"github.com/rayforge/bvharena/pkg/xunsafe/layout"
)

// Vector is a growable slice backed by an arena.Allocator.
//
// Unlike an ordinary slice's backing array, its storage is arena memory
// that the garbage collector does not reclaim on its own: it is reused after
// the owning arena's Reset and freed by Clear, whether or not a Vector still
// points at it. A Vector must not outlive the arena it was allocated from
// (or the Reset/Clear call that released its backing block). This is the same lifetime
// contract as any other pointer arena.Allocator hands out.
type Vector[T any] struct {
	ptr      *T
	len, cap uint32
}

// Static assert that the size of Vector[T] is 16 bytes.
var _ [16]byte = [unsafe.Sizeof(Vector[byte]{})]byte{}

// FromBytes allocates a vector holding a copy of b.
func FromBytes(a arena.Allocator, b []byte) (Vector[byte], error) {
	return Of(a, b...)
}

// FromString allocates a vector holding a copy of s's bytes.
func FromString(a arena.Allocator, s string) (Vector[byte], error) {
	return Of(a, []byte(s)...)
}

// FromParts assembles a vector from its raw components. The caller is
// responsible for ptr/len/cap being consistent with one another.
func FromParts[T any](ptr *T, len, cap uint32) Vector[T] {
	return Vector[T]{ptr, len, cap}
}

// Wrap creates a Vector[T] from an existing Go slice without copying or
// allocating memory. The returned Vector shares the input's backing array,
// so it is only as arena-safe as the slice it wraps: this is meant for
// wrapping slices the caller already knows to be outside the GC heap (e.g.
// one obtained from another Vector's Raw), not ordinary heap slices.
func Wrap[T any](s []T) Vector[T] {
	if len(s) == 0 {
		return Vector[T]{}
	}

	return Vector[T]{xunsafe.Cast[T](unsafe.SliceData(s)), uint32(len(s)), uint32(cap(s))}
}

// Of allocates a vector for the given values, copying them in.
func Of[T any](a arena.Allocator, values ...T) (Vector[T], error) {
	s, err := Make[T](a, len(values))
	if err != nil {
		return Vector[T]{}, err
	}
	copy(s.Raw(), values)
	return s, nil
}

// Clone allocates a new vector on a, copying s's elements into it.
func Clone[T any](a arena.Allocator, s Vector[T]) (Vector[T], error) {
	return Of(a, s.Raw()...)
}

// Make allocates a vector of length n, backed by exactly enough arena
// memory to hold n elements of T.
func Make[T any](a arena.Allocator, n int) (Vector[T], error) {
	size := elemLayout[T]()

	p, err := a.Alloc(size*n, layout.Align[T]())
	if err != nil {
		return Vector[T]{}, err
	}

	return FromParts(xunsafe.Cast[T](p), uint32(n), uint32(n)), nil
}

// Equal returns true if a and b hold equal elements in the same order.
//
//go:nosplit
func Equal[T comparable](a, b Vector[T]) bool {
	if a.Ptr() == nil && b.Ptr() == nil {
		return true
	}

	if a.Ptr() == nil || b.Ptr() == nil {
		return false
	}

	if a.Len() != b.Len() {
		return false
	}

	if a.Ptr() == b.Ptr() {
		return true
	}

	for i := 0; i < a.Len(); i++ {
		if a.unsafeLoad(i) != b.unsafeLoad(i) {
			return false
		}
	}

	return true
}

// EqualTo returns true if a holds the same elements, in order, as b.
//
//go:nosplit
func EqualTo[T comparable](a Vector[T], b []T) bool {
	if a.Len() != len(b) {
		return false
	}

	for i := 0; i < a.Len(); i++ {
		if a.unsafeLoad(i) != b[i] {
			return false
		}
	}

	return true
}

// HasPrefix reports whether a begins with the elements of b.
//
//go:nosplit
func HasPrefix[T comparable](a Vector[T], b []T) bool {
	if a.Len() < len(b) {
		return false
	}

	for i := 0; i < len(b); i++ {
		if a.unsafeLoad(i) != b[i] {
			return false
		}
	}

	return true
}

// Ptr returns this vector's pointer value.
func (s Vector[T]) Ptr() *T { return xunsafe.Cast[T](s.ptr) }

// Empty returns true if this vector is empty.
func (s Vector[_]) Empty() bool { return s.len == 0 }

// Len returns this vector's length.
func (s Vector[_]) Len() int { return int(s.len) }

// SetLen directly sets the length of s. n must not exceed Cap().
func (s Vector[T]) SetLen(n int) Vector[T] {
	debug.Assert(n <= int(s.cap), "SetLen(%v) with Cap() = %v", n, s.cap)
	s.len = uint32(n)
	return s
}

// Cap returns this vector's capacity.
func (s Vector[_]) Cap() int { return int(s.cap) }

// Get returns the pointer to the given index.
func (s Vector[T]) Get(n int) *T {
	if debug.Enabled {
		return &s.Raw()[n]
	}

	return s.unsafeGet(n)
}

// CheckedGet returns the pointer to the given index, or None if out of bounds.
func (s Vector[T]) CheckedGet(n int) opt.Option[*T] {
	if n < 0 || n >= s.Len() {
		return opt.None[*T]()
	}

	return opt.Some(s.unsafeGet(n))
}

func (s Vector[T]) unsafeGet(n int) *T { return xunsafe.Add(s.Ptr(), n) }

// Load loads a value at the given index.
func (s Vector[T]) Load(n int) T {
	if debug.Enabled {
		return s.Raw()[n]
	}

	return s.unsafeLoad(n)
}

// CheckedLoad loads a value at the given index, or None if out of bounds.
func (s Vector[T]) CheckedLoad(n int) opt.Option[T] {
	if n < 0 || n >= s.Len() {
		return opt.None[T]()
	}

	return opt.Some(s.unsafeLoad(n))
}

//go:nosplit
func (s Vector[T]) unsafeLoad(n int) T {
	return xunsafe.Load(s.Ptr(), n)
}

// Store stores a value at the given index.
func (s Vector[T]) Store(n int, v T) {
	if debug.Enabled {
		s.Raw()[n] = v
		return
	}

	xunsafe.Store(s.Ptr(), n, v)
}

// Raw returns the underlying slice for this vector.
//
// The return value must never escape past the lifetime of the owning
// arena: it aliases arena memory, not Go-heap memory.
func (s Vector[T]) Raw() []T {
	if s.ptr == nil || s.len == 0 {
		return nil
	}

	return unsafe.Slice(s.Ptr(), s.cap)[:s.len]
}

// Rest returns the portion of s between the length and the capacity.
func (s Vector[T]) Rest() []T {
	return unsafe.Slice(xunsafe.Add(s.Ptr(), s.len), s.cap-s.len)
}

// Slice returns the portion of s between the given start and end indices,
// with Python-style negative-index and out-of-range clamping.
func (s Vector[T]) Slice(start, end int) Vector[T] {
	if s.len == 0 {
		return Vector[T]{}
	}

	if start < 0 {
		if start >= -int(s.len) {
			start += int(s.len)
		} else {
			start = 0
		}
	} else if start >= int(s.len) {
		return Vector[T]{}
	}

	if end < 0 {
		if end >= -int(s.len) {
			end += int(s.len)
		} else {
			end = 0
		}
	} else if end >= int(s.len) {
		end = int(s.len)
	}

	if start >= end {
		return Vector[T]{}
	}

	cap := s.cap - uint32(start)
	if cap < uint32(end-start) {
		cap = uint32(end - start)
	}

	return Vector[T]{
		ptr: xunsafe.Add(s.ptr, start),
		len: uint32(end - start),
		cap: cap,
	}
}

// SplitAt splits s at index n into two vectors sharing s's backing memory:
// l holds [0:n), r holds [n:len). A negative n counts from the end; n is
// then clamped to [0, s.Len()].
func (s Vector[T]) SplitAt(n int) (l Vector[T], r Vector[T]) {
	if s.len == 0 {
		return
	}

	if n < 0 {
		if n >= -int(s.len) {
			n += int(s.len)
		} else {
			n = 0
		}
	} else if n >= int(s.len) {
		n = int(s.len)
	}

	l = Vector[T]{s.ptr, uint32(n), uint32(n)}
	r = Vector[T]{xunsafe.Add(s.ptr, n), s.len - uint32(n), s.cap - uint32(n)}

	return
}

// Clone allocates a copy of s on a.
func (s Vector[T]) Clone(a arena.Allocator) (Vector[T], error) {
	return Clone(a, s)
}

// Prepend prepends elems to s, growing on a if necessary.
func (s Vector[T]) Prepend(a arena.Allocator, elems ...T) (Vector[T], error) {
	if s.Cap()-s.Len() < len(elems) {
		var err error
		s, err = s.Grow(a, len(elems))
		if err != nil {
			return Vector[T]{}, err
		}
	}

	buf := unsafe.Slice(s.Ptr(), s.cap)

	copy(buf[len(elems):], buf[:s.len])
	copy(buf[:len(elems)], elems)

	s.len += uint32(len(elems))

	return s, nil
}

// Append appends elems to s, growing on a if necessary.
func (s Vector[T]) Append(a arena.Allocator, elems ...T) (Vector[T], error) {
	if s.Cap()-s.Len() < len(elems) {
		var err error
		s, err = s.Grow(a, len(elems))
		if err != nil {
			return Vector[T]{}, err
		}
	}

	copy(s.Rest(), elems)
	s.len += uint32(len(elems))

	return s, nil
}

// AppendOne is an optimized single-element Append.
func (s Vector[T]) AppendOne(a arena.Allocator, elem T) (Vector[T], error) {
	if s.Len() == s.Cap() {
		var err error
		s, err = s.Grow(a, 1)
		if err != nil {
			return Vector[T]{}, err
		}
	}

	xunsafe.Store(s.Ptr(), s.len, elem)
	s.len++
	return s, nil
}

// Grow extends the capacity of s by at least n elements, allocating a fresh
// block on a and copying s's current contents into it.
//
// Unlike a realloc-backed allocator, an arena's bump blocks never shrink or
// extend an existing allocation in place, so Grow always allocates anew:
// there is no way to tell whether the bytes immediately following s.ptr are
// still free, since some other goroutine's bumper may have claimed them.
func (s Vector[T]) Grow(a arena.Allocator, n int) (Vector[T], error) {
	size := elemLayout[T]()

	newCap := growCap(int(s.cap), int(s.cap)+n)

	p, err := a.Alloc(size*newCap, layout.Align[T]())
	if err != nil {
		return Vector[T]{}, err
	}

	if s.ptr != nil && s.len > 0 {
		xunsafe.Copy(xunsafe.Cast[T](p), s.ptr, int(s.len))
	}

	return Vector[T]{xunsafe.Cast[T](p), s.len, uint32(newCap)}, nil
}

// Format implements [fmt.Formatter].
func (s Vector[T]) Format(state fmt.State, v rune) {
	_, _ = fmt.Fprintf(state, fmt.FormatString(state, v), s.Raw())
}

func elemLayout[T any]() int {
	l := layout.Of[T]()
	debug.Assert(l.Align <= arena.MaxAlignment, "over-aligned element type")
	return l.Size
}

// growCap computes the next capacity to use when growing from oldCap to at
// least minCap, doubling like append() does for ordinary Go slices.
func growCap(oldCap, minCap int) int {
	newCap := oldCap * 2
	if newCap < minCap {
		newCap = minCap
	}
	return newCap
}
