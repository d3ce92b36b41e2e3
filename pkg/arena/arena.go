package arena

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rayforge/bvharena/internal/debug"
	"github.com/rayforge/bvharena/internal/xsync"
	"github.com/rayforge/bvharena/pkg/untrust"
	"github.com/rayforge/bvharena/pkg/xunsafe/layout"
)

// Arena owns a three-tier hierarchy of memory: per-goroutine bump pointers
// (ThreadBumper, via ThreadPair), per-slot reserved Blocks, and a global
// pool of used and free Blocks. It is the allocation source for one
// build-scope's worth of short-lived objects; call Reset between builds and
// Clear to release everything back to the host.
//
// Arena must not be copied after first use.
type Arena struct {
	host   Host
	source Source

	mu         sync.Mutex
	usedBlocks atomic.Pointer[Block]
	freeBlocks atomic.Pointer[Block]

	slotBlock  [MaxSlots]atomic.Pointer[Block]
	slotMutex  [MaxSlots]sync.Mutex
	slotBlocks [MaxSlots]*Block
	slotMask   int64

	defaultBlockSize atomic.Int64
	growSize         atomic.Int64
	maxGrowSize      atomic.Int64
	log2GrowScale    atomic.Int64
	singleMode       atomic.Bool

	estimatedSize int64

	bytesUsed   atomic.Int64
	bytesWasted atomic.Int64

	pairs xsync.Map[*ThreadPair, struct{}]

	// shared is the externally-supplied primitive-record vector moved in
	// and out via Share/Unshare. Its concrete type (primref.Vector[T]) is
	// intentionally not known to this package, matching the host
	// allocator's treatment of its primitive array as an opaque payload.
	shared atomic.Pointer[any]
}

// NewArena creates an Arena bound to host, whose Blocks default to source
// (AlignedHeap or OSMapped) unless overridden per-block (e.g. via
// AddBlock, which always creates Shared blocks).
func NewArena(host Host, source Source) *Arena {
	a := &Arena{host: host, source: source}
	a.growSize.Store(PageSize - MaxAlignment)
	a.maxGrowSize.Store(PageSize - MaxAlignment)
	a.defaultBlockSize.Store(128)
	return a
}

// threadSlot returns the contention shard this goroutine should use.
func (a *Arena) threadSlot() int64 {
	return a.host.ThreadID() & a.slotMask
}

// Init configures the arena for a build expected to need roughly
// bytesAllocate bytes, reserving bytesReserve. If called on an arena that
// already has blocks (i.e. has been used before), it behaves like Reset
// instead of re-deriving the sizing policy.
func (a *Arena) Init(ctx context.Context, bytesAllocate, bytesReserve int) error {
	a.internalFixUsedBlocks()

	if a.usedBlocks.Load() != nil || a.freeBlocks.Load() != nil {
		return a.Reset(ctx)
	}

	a.slotMask = MaxSlots - 1

	b, err := createBlock(a.host, bytesAllocate, bytesReserve, nil, a.source)
	if err != nil {
		return err
	}
	a.freeBlocks.Store(b)

	a.initGrowSizeAndNumSlots(int64(bytesAllocate), false)
	return nil
}

// InitEstimate configures the sizing policy from an estimate of total
// bytes needed across the whole build, without eagerly allocating. compact
// disables slot sharding, trading contention resilience for a smaller
// footprint; singleMode collapses CachedAllocator's two streams into one.
func (a *Arena) InitEstimate(ctx context.Context, bytesEst int, singleMode, compact bool) error {
	a.internalFixUsedBlocks()

	if a.usedBlocks.Load() != nil || a.freeBlocks.Load() != nil {
		return a.Reset(ctx)
	}

	a.estimatedSize = int64(bytesEst)
	a.singleMode.Store(singleMode)
	a.initGrowSizeAndNumSlots(int64(bytesEst), compact)
	return nil
}

// initGrowSizeAndNumSlots derives defaultBlockSize, maxGrowSize, growSize,
// singleMode (when not already forced), and slotMask from an estimate of
// total bytes needed, per the sizing policy in the component design.
func (a *Arena) initGrowSizeAndNumSlots(bytesEst int64, compact bool) {
	a.defaultBlockSize.Store(clamp(bytesEst/4, 128, PageSize-MaxAlignment))

	bytesEst = layout.RoundUp(bytesEst, PageSize)

	a.maxGrowSize.Store(clamp(bytesEst/20, PageSize-MaxAlignment, MaxAllocationSize))

	if 2*a.defaultBlockSize.Load() >= bytesEst/100 {
		a.singleMode.Store(true)
	}

	a.growSize.Store(clamp(bytesEst/40, PageSize-MaxAlignment, a.maxGrowSize.Load()))
	a.log2GrowScale.Store(0)

	switch {
	case compact:
		a.slotMask = 0
	case bytesEst > 16*MaxAllocationSize:
		a.slotMask = 7
	case bytesEst > 8*MaxAllocationSize:
		a.slotMask = 3
	case bytesEst > 4*MaxAllocationSize:
		a.slotMask = 1
	default:
		a.slotMask = 0
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// incScale atomically advances the grow-size scale and returns the new
// multiplier, capped at 1<<16. Successive blocks created under sustained
// contention double in size so the number of block creations stays
// logarithmic in total bytes allocated rather than linear.
func (a *Arena) incScale() int64 {
	scale := a.log2GrowScale.Add(1)
	if scale > 16 {
		scale = 16
	}
	return 1 << scale
}

// blockAlloc is the Arena's half of the allocation fast path: it is called
// by a ThreadBumper when its current slice is exhausted, or directly for
// allocations too large to carve out of a bumper slice.
func (a *Arena) blockAlloc(bytesInOut *int, align int, partial bool) (unsafe.Pointer, error) {
	debug.Assert(align <= MaxAlignment, "align %d exceeds MaxAlignment", align)

	for {
		slot := a.threadSlot()
		b := a.slotBlock[slot].Load()
		if b != nil {
			if p := b.malloc(a.host, bytesInOut, align, partial); p != nil {
				return p, nil
			}
		}

		if *bytesInOut > MaxAllocationSize {
			return nil, ErrAllocationTooLarge
		}

		if a.freeBlocks.Load() == nil {
			if err := a.growSlot(slot, b, *bytesInOut); err != nil {
				return nil, err
			}
			continue
		}

		if err := a.growGlobal(slot, b); err != nil {
			return nil, err
		}
	}
}

// growSlot creates a new private block for slot under that slot's own
// mutex, re-checking that another goroutine hasn't already replaced
// prevSlotBlock in the meantime.
func (a *Arena) growSlot(slot int64, prevSlotBlock *Block, bytes int) error {
	a.slotMutex[slot].Lock()
	defer a.slotMutex[slot].Unlock()

	if a.slotBlock[slot].Load() != prevSlotBlock {
		return nil
	}

	size := a.growSize.Load()
	if a.maxGrowSize.Load() < size {
		size = a.maxGrowSize.Load()
	}
	if int64(bytes) > size {
		size = int64(bytes)
	}

	b, err := createBlock(a.host, int(size), int(size), a.slotBlocks[slot], a.source)
	if err != nil {
		return err
	}

	a.slotBlocks[slot] = b
	a.slotBlock[slot].Store(b)
	return nil
}

// growGlobal pops a block off freeBlocks (or creates a scaled-up one if
// that race is lost) under the Arena's global mutex.
func (a *Arena) growGlobal(slot int64, prevSlotBlock *Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.slotBlock[slot].Load() != prevSlotBlock {
		return nil
	}

	if free := a.freeBlocks.Load(); free != nil {
		a.freeBlocks.Store(free.next)
		free.next = a.usedBlocks.Load()
		a.usedBlocks.Store(free)
		a.slotBlock[slot].Store(free)
		return nil
	}

	size := a.growSize.Load() * a.incScale()
	if a.maxGrowSize.Load() < size {
		size = a.maxGrowSize.Load()
	}

	b, err := createBlock(a.host, int(size), int(size), a.usedBlocks.Load(), a.source)
	if err != nil {
		return err
	}

	a.usedBlocks.Store(b)
	a.slotBlock[slot].Store(b)
	return nil
}

// internalFixUsedBlocks splices every per-slot private block list onto the
// front of usedBlocks and clears slot state, so per-slot blocks never leak
// across a build boundary. Callers must not be racing concurrent
// allocation when this runs (see the package's concurrency notes).
func (a *Arena) internalFixUsedBlocks() {
	for i := range a.slotBlocks {
		a.slotMutex[i].Lock()
		head := a.slotBlocks[i]
		if head != nil {
			tail := head
			for tail.next != nil {
				tail = tail.next
			}
			tail.next = a.usedBlocks.Load()
			a.usedBlocks.Store(head)
			a.slotBlocks[i] = nil
		}
		a.slotBlock[i].Store(nil)
		a.slotMutex[i].Unlock()
	}
}

// unbindAllPairs asks every ThreadPair registered with this arena to
// unbind, flushing their counters, and empties the registry.
func (a *Arena) unbindAllPairs() {
	a.pairs.All()(func(p *ThreadPair, _ struct{}) bool {
		p.unbind(a)
		return true
	})
	a.pairs.Clear()
}

func (a *Arena) registerPair(p *ThreadPair) {
	a.pairs.Store(p, struct{}{})
}

// Cleanup fixes up per-slot blocks and unbinds every registered ThreadPair.
// It frees no memory; it is the handoff point at the end of a build, before
// the next build either Resets or re-uses this arena directly.
func (a *Arena) Cleanup(_ context.Context) error {
	a.internalFixUsedBlocks()
	a.unbindAllPairs()
	return nil
}

// Reset returns every block to freeBlocks for reuse by the next build,
// without releasing any memory back to the host. Must only be called
// between builds: any goroutine still bound to this arena when Reset runs
// loses its unflushed bytesUsed/bytesWasted, because Reset unbinds every
// registered ThreadPair (flushing its counters) and then zeroes the
// aggregate counters (see SPEC_FULL.md's Design Notes).
func (a *Arena) Reset(_ context.Context) error {
	a.internalFixUsedBlocks()
	a.unbindAllPairs()

	a.bytesUsed.Store(0)
	a.bytesWasted.Store(0)

	for b := range blocks(a.usedBlocks.Load()) {
		b.resetBlock()
	}

	if used := a.usedBlocks.Load(); used != nil {
		tail := used
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = a.freeBlocks.Load()
		a.freeBlocks.Store(used)
		a.usedBlocks.Store(nil)
	}

	a.freeBlocks.Store(removeSharedBlocks(a.freeBlocks.Load()))

	for i := range a.slotBlock {
		a.slotBlock[i].Store(nil)
		a.slotBlocks[i] = nil
	}

	return nil
}

// Clear tears the arena down completely: it behaves like Cleanup, then
// frees every block back to the host and drops the shared primitive array.
// The arena may be re-configured with Init/InitEstimate afterward.
func (a *Arena) Clear(ctx context.Context) error {
	if err := a.Cleanup(ctx); err != nil {
		return err
	}

	a.bytesUsed.Store(0)
	a.bytesWasted.Store(0)

	for _, head := range []*atomic.Pointer[Block]{&a.usedBlocks, &a.freeBlocks} {
		for b := head.Load(); b != nil; {
			next := b.next
			b.clearBlock(a.host)
			b = next
		}
		head.Store(nil)
	}

	for i := range a.slotBlock {
		a.slotBlock[i].Store(nil)
		a.slotBlocks[i] = nil
	}

	a.shared.Store(nil)
	return nil
}

// AddBlock registers bytes of externally owned memory at ptr as a Shared
// block, pushed onto the head of freeBlocks. The region is aligned forward
// to MaxAlignment and shrunk accordingly; regions smaller than 4096 usable
// bytes are ignored, since the bookkeeping overhead would dominate.
func (a *Arena) AddBlock(ptr unsafe.Pointer, bytes int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	base := uintptr(ptr)
	aligned := layout.RoundUp(base, MaxAlignment)
	shrink := int(aligned - base)

	bytes -= shrink
	if bytes < 4096 {
		return
	}

	b := newSharedBlock(unsafe.Pointer(aligned), bytes, a.freeBlocks.Load())
	a.freeBlocks.Store(b)
}

// ErrEmptyBlockInput is returned by AddBlockInput when passed empty input.
var ErrEmptyBlockInput = errors.New("arena: block input is empty")

// AddBlockInput is like AddBlock, but takes its region as untrusted,
// caller-owned bytes (e.g. a memory-mapped file or a region handed back
// from outside the module) rather than a raw pointer. It refuses empty
// input instead of silently registering a zero-length block.
func (a *Arena) AddBlockInput(in untrust.Input) error {
	if in.Empty() {
		return ErrEmptyBlockInput
	}
	buf := in.AsSliceLessSafe()
	a.AddBlock(unsafe.Pointer(unsafe.SliceData(buf)), in.Len())
	return nil
}

// SpecialAlloc returns the first free block's payload pointer without
// advancing its cursor. It exists for exactly one builder-side use per
// build: the caller must not allocate anything else from this arena
// between calling SpecialAlloc and the next Reset/Clear, since nothing
// prevents that allocation from overlapping the returned pointer.
func (a *Arena) SpecialAlloc(bytes int) unsafe.Pointer {
	b := a.freeBlocks.Load()
	debug.Assert(b != nil, "SpecialAlloc called with no free blocks")
	debug.Assert(b.allocatedBytes() >= int64(bytes), "SpecialAlloc(%d) exceeds free block capacity", bytes)
	return b.payload
}

// Share moves an opaque, externally-owned primitive-record vector into the
// arena, returning whatever was previously shared (if any).
func (a *Arena) Share(v any) (prev any) {
	nv := v
	if old := a.shared.Swap(&nv); old != nil {
		prev = *old
	}
	return prev
}

// Unshare removes and returns the arena's current shared vector.
func (a *Arena) Unshare() (v any) {
	if p := a.shared.Swap(nil); p != nil {
		v = *p
	}
	return v
}

// UsedBytes returns the number of bytes currently claimed by completed
// allocations: all goroutines' flushed counters plus the unflushed
// counters of every ThreadPair currently bound to this arena.
func (a *Arena) UsedBytes() int64 {
	n := a.bytesUsed.Load()
	for p := range a.pairs.All() {
		if p.arena.Load() == a {
			n += p.b0.bytesUsed + p.b1.bytesUsed
		}
	}
	return n
}

// WastedBytes returns the number of bytes lost to alignment padding and
// per-block header overhead across all goroutines' flushed counters.
func (a *Arena) WastedBytes() int64 { return a.bytesWasted.Load() }

// CachedAllocator returns a lightweight, cheaply-copyable handle routed to
// this goroutine's ThreadPair, bound to this arena. Create one per
// goroutine at the start of a build and pass it into builder code.
func (a *Arena) CachedAllocator() CachedAllocator {
	p := currentThreadPair()
	p.bind(a)
	return CachedAllocator{arena: a, pair: p}
}
