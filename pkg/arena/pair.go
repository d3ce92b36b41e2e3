package arena

import (
	"sync"
	"sync/atomic"

	"github.com/timandy/routine"

	"github.com/rayforge/bvharena/internal/debug"
)

// ThreadPair holds the two independent bump streams ("b0" and "b1") a
// builder uses within one goroutine, plus the current Arena binding. There
// is exactly one ThreadPair per goroutine, created lazily on first touch
// and never moved; see threadPairs below.
type ThreadPair struct {
	mu    sync.Mutex
	arena atomic.Pointer[Arena]

	b0, b1 ThreadBumper
}

// threadPairs is the goroutine-local registry of ThreadPair values, one per
// goroutine that has ever allocated. It mirrors the source allocator's use
// of a thread-local pointer: the pair is owned by the goroutine, and an
// Arena being torn down asks it to unbind via its own weak registry
// (Arena.pairs) rather than reaching into goroutine-local storage itself.
var threadPairs = routine.NewThreadLocal[*ThreadPair]()

// currentThreadPair returns this goroutine's ThreadPair, creating it on
// first access.
func currentThreadPair() *ThreadPair {
	if p := threadPairs.Get(); p != nil {
		return p
	}

	p := &ThreadPair{}
	p.b0.parent = p
	p.b1.parent = p
	threadPairs.Set(p)
	return p
}

// bind ensures this pair is bound to a, flushing any counters accumulated
// against a previous binding first. Already being bound to a is a lock-free
// no-op, matching the source allocator's fast path.
func (p *ThreadPair) bind(a *Arena) {
	if p.arena.Load() == a {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena.Load() == a {
		return
	}

	if prev := p.arena.Load(); prev != nil {
		p.flushLocked(prev)
	}

	p.b0.init(a)
	p.b1.init(a)
	p.arena.Store(a)

	a.registerPair(p)

	debug.Log(nil, "bind", "pair %p -> arena %p", p, a)
}

// unbind releases this pair's binding to a, flushing its counters into a.
// Intended to be called by a during Reset/Cleanup, potentially from a
// different goroutine than the one that owns p; the double-checked lock
// guards against a concurrent rebind elsewhere.
func (p *ThreadPair) unbind(a *Arena) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena.Load() != a {
		return
	}

	p.flushLocked(a)

	p.b0 = ThreadBumper{parent: p}
	p.b1 = ThreadBumper{parent: p}
	p.arena.Store(nil)

	debug.Log(nil, "unbind", "pair %p <- arena %p", p, a)
}

// flushLocked credits this pair's accumulated bumper counters to a's
// aggregate totals. Callers must hold p.mu.
func (p *ThreadPair) flushLocked(a *Arena) {
	used := p.b0.bytesUsed + p.b1.bytesUsed
	wasted := p.b0.bytesWasted + p.b1.bytesWasted

	if used != 0 {
		a.bytesUsed.Add(used)
	}
	if wasted != 0 {
		a.bytesWasted.Add(wasted)
	}
}
