package arena

import (
	"sync/atomic"
	"unsafe"

	"github.com/rayforge/bvharena/internal/debug"
	"github.com/rayforge/bvharena/pkg/res"
	"github.com/rayforge/bvharena/pkg/xunsafe/layout"
)

// blockHeaderSize is charged against every block's wasted-bytes accounting;
// it stands in for the metadata the original allocator stores inline ahead
// of the payload. Our Block header lives on the Go heap instead, but we
// still charge it so Statistics match the source allocator's bookkeeping.
const blockHeaderSize = 64

// Block is one contiguous region of memory, bump-allocated from the front.
//
// Block is never copied after creation; all mutation other than cur is
// confined to goroutines that are not concurrently allocating from it
// (reset, clear, statistics snapshots aside, which only read).
type Block struct {
	cur        atomic.Int64
	allocEnd   atomic.Int64
	reserveEnd int64

	next *Block

	payload unsafe.Pointer
	wasted  int64

	source    Source
	hugePages bool

	// buf keeps the AlignedHeap backing slice reachable so it is not
	// collected; nil for OSMapped and Shared blocks.
	buf []byte
}

// createBlock allocates a new Block of at least bytesAllocate bytes,
// reserving bytesReserve, and links it ahead of next.
func createBlock(host Host, bytesAllocate, bytesReserve int, next *Block, source Source) (*Block, error) {
	if bytesReserve < bytesAllocate {
		bytesReserve = bytesAllocate
	}

	bytesAllocate = int(layout.RoundUp(int64(bytesAllocate+blockHeaderSize), PageSize))
	bytesReserve = int(layout.RoundUp(int64(bytesReserve+blockHeaderSize), PageSize))

	// OSMapped only pays off once a block is big enough to be worth its own
	// VMA; smaller requests downgrade to AlignedHeap to avoid fragmenting
	// the process's mapping count.
	if source == OSMapped && bytesAllocate < 2*1024*1024 {
		source = AlignedHeap
	}

	r := createBlockPayload(host, bytesAllocate, bytesReserve, source)
	if r.IsErr() {
		return nil, r.Err
	}
	created := r.Unwrap()

	host.MemoryMonitor(int64(bytesAllocate), false)

	b := &Block{
		reserveEnd: int64(bytesReserve),
		next:       next,
		payload:    created.ptr,
		source:     source,
		hugePages:  created.hugePages,
		buf:        created.buf,
	}
	b.allocEnd.Store(int64(bytesAllocate))

	debug.Log(nil, "create block", "%s, allocate=%d reserve=%d huge=%v", source, bytesAllocate, bytesReserve, created.hugePages)

	return b, nil
}

type blockPayload struct {
	ptr       unsafe.Pointer
	buf       []byte
	hugePages bool
}

func createBlockPayload(host Host, bytesAllocate, bytesReserve int, source Source) res.Result[blockPayload] {
	switch source {
	case OSMapped:
		ptr, hugePages, err := host.OSMap(bytesReserve)
		if err != nil {
			return res.Err[blockPayload](err)
		}
		return res.Ok(blockPayload{ptr: ptr, hugePages: hugePages})

	case Shared:
		debug.Assert(false, "createBlockPayload must not be called for Shared blocks")
		return res.Err[blockPayload](ErrInvalidAlignment)

	default: // AlignedHeap
		buf, err := host.AlignedHeapAlloc(bytesAllocate, MaxAlignment)
		if err != nil {
			return res.Err[blockPayload](err)
		}

		if bytesAllocate == 2*HugePageSize {
			base := unsafe.Pointer(&buf[0])
			host.OSAdvise(base, bytesAllocate)
		}

		return res.Ok(blockPayload{ptr: unsafe.Pointer(&buf[0]), buf: buf})
	}
}

// newSharedBlock wraps a host-donated region as a non-owning Shared block.
func newSharedBlock(ptr unsafe.Pointer, bytes int, next *Block) *Block {
	b := &Block{
		reserveEnd: int64(bytes),
		next:       next,
		payload:    ptr,
		source:     Shared,
	}
	b.allocEnd.Store(int64(bytes))
	return b
}

// malloc reserves [i, i+bytes) from the block's cursor. bytes is rounded up
// to align first. If partial is false, the reservation must fit entirely
// within reserveEnd or the call fails. If partial is true, a short slice may
// be returned; *bytes is updated to the number of bytes actually reserved.
//
// Thread-safe: at most one caller ever observes any given byte, because cur
// is only ever advanced by an atomic fetch-add.
func (b *Block) malloc(host Host, bytes *int, align int, partial bool) unsafe.Pointer {
	debug.Assert(align <= MaxAlignment, "align %d exceeds MaxAlignment", align)

	n := int64(layout.RoundUp(int64(*bytes), int64(align)))

	i := b.cur.Add(n) - n
	if i+n > b.reserveEnd && !partial {
		return nil
	}

	if i >= b.reserveEnd {
		// Another goroutine already exhausted the block between our read
		// of reserveEnd and the fetch-add; roll nothing back, there is
		// nothing to give back (cur only ever grows).
		return nil
	}

	if partial && i+n > b.reserveEnd {
		n = b.reserveEnd - i
		*bytes = int(n)
	}

	if end := i + n; end > b.allocEnd.Load() {
		prev := b.allocEnd.Load()
		committed := end - max64(i, prev)
		if committed > 0 {
			host.MemoryMonitor(committed, true)
		}
	}

	return unsafe.Add(b.payload, i)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// resetBlock makes the block's whole allocated extent available for reuse
// without releasing memory back to the host. Must not be called while
// allocations targeting this block are in flight.
func (b *Block) resetBlock() {
	cur := b.cur.Load()
	if end := b.allocEnd.Load(); cur > end {
		b.allocEnd.Store(cur)
	}
	b.cur.Store(0)
}

// clearBlock releases the block's memory back to its source. Shared blocks
// are a no-op, since the Arena never owned that memory.
func (b *Block) clearBlock(host Host) {
	switch b.source {
	case OSMapped:
		_ = host.OSUnmap(b.payload, int(b.reserveEnd), b.hugePages)
		host.MemoryMonitor(-b.allocEnd.Load(), false)
	case AlignedHeap:
		host.AlignedHeapFree(b.buf)
		host.MemoryMonitor(-b.allocEnd.Load(), false)
	case Shared:
		// Non-owning; nothing to release.
	}
}

// usedBytes returns the portion of the block actually claimed by a
// completed or in-flight allocation.
func (b *Block) usedBytes() int64 {
	return min64(b.cur.Load(), b.reserveEnd)
}

// allocatedBytes returns the portion of the block committed by the host,
// whether or not it has been handed out yet.
func (b *Block) allocatedBytes() int64 {
	return min64(max64(b.allocEnd.Load(), b.cur.Load()), b.reserveEnd)
}

// freeBytes returns the committed-but-unused portion of the block.
func (b *Block) freeBytes() int64 {
	return b.allocatedBytes() - b.usedBytes()
}

// wastedBytes returns bytes lost to front-of-block alignment padding plus
// the notional header charge.
func (b *Block) wastedBytes() int64 {
	return blockHeaderSize + b.wasted
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// removeSharedBlocks unlinks every Shared block from the list headed by
// head, returning the new head.
func removeSharedBlocks(head *Block) *Block {
	for head != nil && head.source == Shared {
		head = head.next
	}
	if head == nil {
		return nil
	}

	for cur := head; cur.next != nil; {
		if cur.next.source == Shared {
			cur.next = cur.next.next
		} else {
			cur = cur.next
		}
	}
	return head
}

// blocks returns an iterator over a singly-linked block list, head first.
func blocks(head *Block) func(yield func(*Block) bool) {
	return func(yield func(*Block) bool) {
		for b := head; b != nil; b = b.next {
			if !yield(b) {
				return
			}
		}
	}
}
