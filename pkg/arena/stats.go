package arena

import (
	"fmt"
	"io"

	"github.com/rayforge/bvharena/pkg/opt"
)

// BlockStats is a read-only byte-accounting snapshot over some subset of an
// arena's blocks.
type BlockStats struct {
	Used, Free, Wasted, Allocated int64
	Blocks                        int
}

func (s BlockStats) add(b *Block) BlockStats {
	s.Used += b.usedBytes()
	s.Free += b.freeBytes()
	s.Wasted += b.wastedBytes()
	s.Allocated += b.allocatedBytes()
	s.Blocks++
	return s
}

// allBlocks walks every block in both usedBlocks and freeBlocks.
func (a *Arena) allBlocks() func(yield func(*Block) bool) {
	return func(yield func(*Block) bool) {
		for b := range blocks(a.usedBlocks.Load()) {
			if !yield(b) {
				return
			}
		}
		for b := range blocks(a.freeBlocks.Load()) {
			if !yield(b) {
				return
			}
		}
	}
}

// Statistics walks both block lists and sums byte accounting for blocks
// matching source and hugePages.
func (a *Arena) Statistics(source Source, hugePages bool) BlockStats {
	var out BlockStats
	for b := range a.allBlocks() {
		if b.source == source && b.hugePages == hugePages {
			out = out.add(b)
		}
	}
	return out
}

// CategoryStats is like Statistics, but returns None instead of a
// BlockStats with every field zero when the category has no blocks at all,
// letting callers tell "empty category" apart from "category doesn't
// exist yet".
func (a *Arena) CategoryStats(source Source, hugePages bool) opt.Option[BlockStats] {
	s := a.Statistics(source, hugePages)
	if s.Blocks == 0 {
		return opt.None[BlockStats]()
	}
	return opt.Some(s)
}

// AllStats is a multi-category snapshot, mirroring the source allocator's
// all/aligned-heap/OS-4K/OS-2M/shared breakdown.
type AllStats struct {
	All, AlignedHeap, OSMapped4K, OSMapped2M, Shared BlockStats
}

// AllStatistics computes every category in one pass over the block lists.
func (a *Arena) AllStatistics() AllStats {
	var out AllStats
	for b := range a.allBlocks() {
		out.All = out.All.add(b)
		switch {
		case b.source == AlignedHeap:
			out.AlignedHeap = out.AlignedHeap.add(b)
		case b.source == OSMapped && b.hugePages:
			out.OSMapped2M = out.OSMapped2M.add(b)
		case b.source == OSMapped:
			out.OSMapped4K = out.OSMapped4K.add(b)
		case b.source == Shared:
			out.Shared = out.Shared.add(b)
		}
	}
	return out
}

// PrintBlocks writes a human-readable diagnostic dump of every block to w:
// its source, the range of bytes used, its allocated extent, and its
// wasted-bytes charge.
func (a *Arena) PrintBlocks(w io.Writer) {
	i := 0
	for b := range a.allBlocks() {
		_, _ = fmt.Fprintf(w, "block %d: %s huge=%v used=[0:%d) allocated=%d wasted=%d\n",
			i, b.source, b.hugePages, b.usedBytes(), b.allocatedBytes(), b.wastedBytes())
		i++
	}
}
