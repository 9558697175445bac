// Copyright 2024 The comet-go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package minimark is a two-generation collector: a nursery and an old
// generation, each a pkg/immix space, connected by a write-barrier-fed
// remembered set of old-to-young pointer slots. Every object that
// survives a minor collection is promoted to the old generation
// unconditionally (no per-object age counter) — the same policy PyPy's
// minimark collector this package is named after uses.
//
// The remembered set itself is grounded on
// original_source/src/card_table.rs's CARD_SIZE-granularity dirty
// tracking; CardTable here marks the card of every recorded store and is
// cleared after each collection, but no collection reads it. The precise
// set of dirty field addresses (needed so a minor trace can
// rewrite them in place when their target is promoted) is tracked
// directly, since pkg/gcabi has no per-object scan-by-offset machinery
// to walk a dirty card's contents generically.
package minimark

import (
	"sync"
	"unsafe"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/gcerr"
	"github.com/Starlight-JS/comet-sub001/pkg/immix"
	"github.com/Starlight-JS/comet-sub001/pkg/log"
	"github.com/Starlight-JS/comet-sub001/pkg/rootstack"
	"github.com/Starlight-JS/comet-sub001/pkg/safepoint"
	"github.com/Starlight-JS/comet-sub001/pkg/tracer"
)

// CardSize matches the original's CARD_SIZE/CARD_SIZE_BITS.
const CardSize = 512

// CardTable is a coarse byte-per-card dirty map over the old generation's
// address range. Marking is deliberately a plain, unsynchronized byte
// store: concurrent writers racing to dirty the same card converge on the
// same value, so the race is benign, the standard justification for
// non-atomic card marking in production collectors.
type CardTable struct {
	heapBegin gcabi.Addr
	heapSize  uintptr
	cards     []byte
}

// NewCardTable allocates a card table covering [heapBegin, heapBegin+heapSize).
func NewCardTable(heapBegin gcabi.Addr, heapSize uintptr) *CardTable {
	return &CardTable{
		heapBegin: heapBegin,
		heapSize:  heapSize,
		cards:     make([]byte, (heapSize+CardSize-1)/CardSize),
	}
}

func (c *CardTable) index(addr gcabi.Addr) int {
	return int(uintptr(addr-c.heapBegin) / CardSize)
}

// MarkDirty marks the card containing addr.
func (c *CardTable) MarkDirty(addr gcabi.Addr) {
	if addr < c.heapBegin || addr >= c.heapBegin.Add(c.heapSize) {
		return
	}
	c.cards[c.index(addr)] = 1
}

// IsDirty reports whether the card containing addr is marked.
func (c *CardTable) IsDirty(addr gcabi.Addr) bool {
	if addr < c.heapBegin || addr >= c.heapBegin.Add(c.heapSize) {
		return false
	}
	return c.cards[c.index(addr)] != 0
}

// Clear resets every card to clean, called once per minor collection
// since the remembered set it backs is fully rebuilt by the write barrier
// between cycles.
func (c *CardTable) Clear() {
	for i := range c.cards {
		c.cards[i] = 0
	}
}

// Heap is the two-generation collector driver.
type Heap struct {
	young *immix.Space
	old   *immix.Space

	cards *CardTable

	remSetMu sync.Mutex
	remSet   map[*gcabi.Addr]struct{}

	nurseryMu    sync.Mutex
	nurseryBlock *immix.Block

	promoMu    sync.Mutex
	promoBlock *immix.Block

	group *safepoint.Group

	mutMu    sync.Mutex
	mutators []*Mutator

	cycleMu sync.Mutex
}

// NewHeap constructs an empty nursery and old generation. cardHeapBegin
// and cardHeapSize describe the address range the remembered set's card
// table covers; callers typically size this to their
// MaxHeapSize configuration.
func NewHeap(cardHeapBegin gcabi.Addr, cardHeapSize uintptr) *Heap {
	return &Heap{
		young:  immix.NewSpace(),
		old:    immix.NewSpace(),
		cards:  NewCardTable(cardHeapBegin, cardHeapSize),
		remSet: make(map[*gcabi.Addr]struct{}),
		group:  safepoint.NewGroup(),
	}
}

// Mutator is minimark's allocation and rooting handle.
type Mutator struct {
	heap  *Heap
	stack *rootstack.Stack
}

// SpawnMutator attaches a new managed thread.
func (h *Heap) SpawnMutator() *Mutator {
	m := &Mutator{heap: h, stack: rootstack.New()}
	h.group.Join()
	h.mutMu.Lock()
	h.mutators = append(h.mutators, m)
	h.mutMu.Unlock()
	return m
}

// Join detaches m.
func (h *Heap) Join(m *Mutator) {
	h.mutMu.Lock()
	for i, cur := range h.mutators {
		if cur == m {
			h.mutators = append(h.mutators[:i], h.mutators[i+1:]...)
			break
		}
	}
	h.mutMu.Unlock()
	h.group.Leave()
}

// ShadowStack returns m's scoped-root handle.
func (m *Mutator) ShadowStack() *rootstack.Stack { return m.stack }

// Safepoint polls the heap's barrier.
func (m *Mutator) Safepoint() bool { return m.heap.group.Barrier().Poll() }

// Allocate always bump-allocates out of the nursery; minimark has no
// separate large-object space, so an oversized request simply forces a
// minor collection before retrying once.
func (m *Mutator) Allocate(vtableID uint32, size uintptr) (gcabi.Addr, error) {
	return m.heap.allocate(vtableID, size)
}

// WriteBarrier must be called whenever the mutator stores a pointer into
// fieldAddr, which lives inside the object at containerPayload. If the
// container is old and the newly written value targets the nursery, the
// slot is recorded so the next minor collection treats it as a root and
// keeps the field up to date across promotion.
func (m *Mutator) WriteBarrier(containerPayload gcabi.Addr, fieldAddr *gcabi.Addr) {
	m.heap.writeBarrier(containerPayload, fieldAddr)
}

// AllocateWeak always rejects: only pkg/semispace implements weak
// references (spec Open Question resolution).
func (m *Mutator) AllocateWeak(uint32, *gcabi.Addr) (gcabi.Addr, error) {
	return 0, gcerr.ErrUnsupported
}

// Collect forces a minor collection.
func (m *Mutator) Collect(additionalRoots []*gcabi.Addr) {
	roots := append(append([]*gcabi.Addr(nil), m.stack.Roots()...), additionalRoots...)
	m.heap.minorCollect(roots)
}

func (h *Heap) writeBarrier(containerPayload gcabi.Addr, fieldAddr *gcabi.Addr) {
	if !h.old.Owns(containerPayload.Sub(gcabi.HeaderSize)) {
		return
	}
	newValue := *fieldAddr
	if newValue.IsZero() || !h.young.Owns(newValue.Sub(gcabi.HeaderSize)) {
		return
	}
	h.cards.MarkDirty(containerPayload)
	h.remSetMu.Lock()
	h.remSet[fieldAddr] = struct{}{}
	h.remSetMu.Unlock()
}

// allocate bump-allocates out of a single shared nursery cursor block,
// forcing a minor collection and retrying once if the current block (and
// a freshly acquired one) can't satisfy the request.
func (h *Heap) allocate(vtableID uint32, size uintptr) (gcabi.Addr, error) {
	total := alignUp(gcabi.HeaderSize+size, immix.MinAllocation)
	for attempt := 0; attempt < 2; attempt++ {
		h.nurseryMu.Lock()
		addr, ok := h.allocateNurseryLocked(total)
		h.nurseryMu.Unlock()
		if ok {
			hdr := gcabi.HeaderAt(addr)
			hdr.Reset(vtableID)
			hdr.SetSize(size)
			return addr.Add(gcabi.HeaderSize), nil
		}
		h.minorCollect(nil)
	}
	return 0, gcerr.ErrAllocationFailure
}

// allocateNurseryLocked is the nursery's bump-allocation slow path,
// mirroring pkg/mutator's block-acquisition loop but against a single
// heap-wide cursor rather than a per-mutator one (the nursery here is
// shared, not thread-private). Caller holds h.nurseryMu.
func (h *Heap) allocateNurseryLocked(total uintptr) (gcabi.Addr, bool) {
	for {
		if h.nurseryBlock == nil {
			h.nurseryBlock = h.young.AcquireBlock()
			if h.nurseryBlock == nil {
				return 0, false
			}
		}
		if addr, ok := h.nurseryBlock.Allocate(total); ok {
			return addr, true
		}
		if h.nurseryBlock.FindNextHole() {
			continue
		}
		h.young.RetireBlock(h.nurseryBlock)
		h.nurseryBlock = nil
		return 0, false
	}
}

// minorCollect stops the world, traces the nursery plus the remembered
// set, promotes every survivor into the old generation, sweeps the
// nursery, and clears the remembered set (self-healing: any still-live
// old-to-young edge is re-recorded by the write barrier the next time it
// fires, and edges that became old-to-old because their target was
// promoted no longer need tracking).
func (h *Heap) minorCollect(extraRoots []*gcabi.Addr) {
	h.cycleMu.Lock()
	defer h.cycleMu.Unlock()

	h.mutMu.Lock()
	mutators := append([]*Mutator(nil), h.mutators...)
	h.mutMu.Unlock()
	running := len(mutators)
	if running > 0 {
		running--
	}

	barrier := h.group.Barrier()
	barrier.Arm()
	barrier.WaitUntilStopped(running)

	h.young.PrepareCycle()

	var roots []*gcabi.Addr
	for _, m := range mutators {
		roots = append(roots, m.stack.Roots()...)
	}
	roots = append(roots, extraRoots...)

	h.remSetMu.Lock()
	for field := range h.remSet {
		roots = append(roots, field)
	}
	h.remSet = make(map[*gcabi.Addr]struct{})
	h.remSetMu.Unlock()
	h.cards.Clear()

	workers := len(mutators)
	if workers < 1 {
		workers = 1
	}
	tracer.Trace(roots, h, workers)

	h.young.SweepCycle()
	h.promoMu.Lock()
	h.promoBlock = nil
	h.promoMu.Unlock()
	h.nurseryMu.Lock()
	h.nurseryBlock = nil
	h.nurseryMu.Unlock()

	barrier.Disarm()
}

// Discover implements tracer.Space. Every nursery object reached during a
// trace is unconditionally promoted; an object already in the old
// generation is handled by its own Space, which marks it in place (or
// evacuates it, during a major collection that also prepared the old
// space).
func (h *Heap) Discover(headerAddr gcabi.Addr) gcabi.Addr {
	if h.young.Owns(headerAddr) {
		return h.promote(headerAddr)
	}
	return h.old.Discover(headerAddr)
}

// promote copies a surviving nursery object into the old generation and
// forwards its nursery header, mirroring pkg/mutator's slow-path
// block-acquisition loop but targeting a different space than the one the
// object currently lives in.
func (h *Heap) promote(headerAddr gcabi.Addr) gcabi.Addr {
	hdr := gcabi.HeaderAt(headerAddr)
	size := hdr.Size()
	total := alignUp(gcabi.HeaderSize+size, immix.MinAllocation)

	h.promoMu.Lock()
	newHeaderAddr, blk := h.allocateOldLocked(total)
	h.promoMu.Unlock()

	copyBytes(newHeaderAddr.Add(gcabi.HeaderSize), headerAddr.Add(gcabi.HeaderSize), size)
	newHdr := gcabi.HeaderAt(newHeaderAddr)
	newHdr.Reset(hdr.VTable())
	newHdr.SetSize(size)

	if !hdr.TryForward(newHeaderAddr) {
		return hdr.ForwardingAddress().Add(gcabi.HeaderSize)
	}

	blk.MarkObjectLines(newHeaderAddr, total)
	blk.NoteLive(newHeaderAddr)
	return newHeaderAddr.Add(gcabi.HeaderSize)
}

// allocateOldLocked bump-allocates total bytes for a promotion from a
// dedicated cursor block in the old generation, pulling fresh blocks as
// needed. Caller holds h.promoMu.
func (h *Heap) allocateOldLocked(total uintptr) (gcabi.Addr, *immix.Block) {
	for {
		if h.promoBlock == nil {
			h.promoBlock = h.old.AcquireBlock()
		}
		if addr, ok := h.promoBlock.Allocate(total); ok {
			return addr, h.promoBlock
		}
		if h.promoBlock.FindNextHole() {
			continue
		}
		h.old.RetireBlock(h.promoBlock)
		h.promoBlock = h.old.AcquireBlock()
	}
}

// MajorCollect traces both generations: the old generation's own
// evacuation/mark-in-place policy applies to whatever it already holds,
// and any remaining nursery object reachable only from old-generation
// roots is promoted exactly as in a minor cycle.
func (h *Heap) MajorCollect(extraRoots []*gcabi.Addr) {
	h.cycleMu.Lock()
	defer h.cycleMu.Unlock()

	h.mutMu.Lock()
	mutators := append([]*Mutator(nil), h.mutators...)
	h.mutMu.Unlock()
	running := len(mutators)
	if running > 0 {
		running--
	}

	barrier := h.group.Barrier()
	barrier.Arm()
	barrier.WaitUntilStopped(running)

	h.young.PrepareCycle()
	h.old.PrepareCycle()

	var roots []*gcabi.Addr
	for _, m := range mutators {
		roots = append(roots, m.stack.Roots()...)
	}
	roots = append(roots, extraRoots...)

	h.remSetMu.Lock()
	h.remSet = make(map[*gcabi.Addr]struct{})
	h.remSetMu.Unlock()
	h.cards.Clear()

	workers := len(mutators)
	if workers < 1 {
		workers = 1
	}
	tracer.Trace(roots, h, workers)

	h.young.SweepCycle()
	h.old.SweepCycle()
	h.promoMu.Lock()
	h.promoBlock = nil
	h.promoMu.Unlock()
	h.nurseryMu.Lock()
	h.nurseryBlock = nil
	h.nurseryMu.Unlock()

	barrier.Disarm()
	log.Debugf("minimark: major collection complete, old=%+v young=%+v", h.old.Stats(), h.young.Stats())
}

func alignUp(n, align uintptr) uintptr { return (n + align - 1) &^ (align - 1) }

func copyBytes(dst, src gcabi.Addr, n uintptr) {
	if n == 0 {
		return
	}
	dstSlice := unsafe.Slice((*byte)(dst.Pointer()), n)
	srcSlice := unsafe.Slice((*byte)(src.Pointer()), n)
	copy(dstSlice, srcSlice)
}
