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

package immix

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/google/btree"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/log"
	"github.com/Starlight-JS/comet-sub001/pkg/vmem"
)

// chunkEntry is the btree payload used to answer "which chunk owns this
// address" in O(log n) rather than scanning every chunk. Grounded on the
// retrieved pack's use of google/btree for interval-ish address lookups.
type chunkEntry struct {
	base  gcabi.Addr
	chunk *Chunk
}

func chunkEntryLess(a, b chunkEntry) bool { return a.base < b.base }

// Space is the Immix mark-region space (component F): the set of chunks
// that make up the heap, their free/recyclable/unavailable block lists,
// and the evacuation-candidate selection and copy logic the tracer's
// Space interface calls into during a trace.
//
// Space implements tracer.Space.
type Space struct {
	mu   sync.Mutex
	tree *btree.BTreeG[chunkEntry]

	chunks []*Chunk

	free        []*Block
	recyclable  []*Block
	unavailable []*Block
	candidates  []*Block

	evacCursor *Block
	evacUsed   []*Block

	evacFailures int
}

// NewSpace returns an empty space with no chunks; call Grow to reserve the
// first one.
func NewSpace() *Space {
	return &Space{tree: btree.NewG(32, chunkEntryLess)}
}

// Stats summarizes the space's block accounting for diagnostics and the
// driver's heuristics.
type Stats struct {
	Chunks               int
	FreeBlocks           int
	RecyclableBlocks     int
	UnavailableBlocks    int
	EvacuationCandidates int
	EvacuationFailures   int
}

// Stats returns a snapshot of the space's current block accounting.
func (s *Space) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Chunks:               len(s.chunks),
		FreeBlocks:           len(s.free),
		RecyclableBlocks:     len(s.recyclable),
		UnavailableBlocks:    len(s.unavailable),
		EvacuationCandidates: len(s.candidates),
		EvacuationFailures:   s.evacFailures,
	}
}

// Grow reserves and commits one more chunk from the OS and adds its blocks
// to the free list.
func (s *Space) Grow() error {
	region, err := vmem.Reserve(ChunkSize, ChunkSize)
	if err != nil {
		return err
	}
	if err := region.Commit(0, ChunkSize); err != nil {
		return err
	}
	chunk := NewChunk(region)

	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.tree.ReplaceOrInsert(chunkEntry{base: chunk.Base(), chunk: chunk})
	s.free = append(s.free, chunk.Blocks()...)
	s.mu.Unlock()

	log.WithFields(log.Fields{"base": chunk.Base().String(), "bytes": ChunkSize}).Debugf("immix: grew space by one chunk")
	return nil
}

// chunkFor returns the chunk containing addr, or nil if addr isn't backed
// by this space (e.g. a large object living in pkg/largeobj).
func (s *Space) chunkFor(addr gcabi.Addr) *Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkForLocked(addr)
}

// chunkForLocked is chunkFor without acquiring s.mu, for callers that
// already hold it.
func (s *Space) chunkForLocked(addr gcabi.Addr) *Chunk {
	var found chunkEntry
	ok := false
	s.tree.DescendLessOrEqual(chunkEntry{base: addr}, func(item chunkEntry) bool {
		found = item
		ok = true
		return false
	})
	if !ok || !found.chunk.Contains(addr) {
		return nil
	}
	return found.chunk
}

func (s *Space) blockFor(addr gcabi.Addr) *Block {
	c := s.chunkFor(addr)
	if c == nil {
		return nil
	}
	return c.BlockFor(addr)
}

// Owns reports whether addr falls within one of this space's chunks.
func (s *Space) Owns(addr gcabi.Addr) bool { return s.chunkFor(addr) != nil }

// AcquireBlock hands a mutator a block to bump-allocate from, preferring a
// recyclable block (reusing a partially-live block's holes) over a fresh
// free one per the Immix allocation policy, growing the space if both
// lists are empty. Returns nil only if Grow also fails; the mutator must
// then report an allocation failure.
func (s *Space) AcquireBlock() *Block {
	if b := s.takeBlock(); b != nil {
		return b
	}
	if err := s.Grow(); err != nil {
		log.Errorf("immix: failed to grow space: %v", err)
		return nil
	}
	return s.takeBlock()
}

func (s *Space) takeBlock() *Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recyclable) > 0 {
		n := len(s.recyclable) - 1
		b := s.recyclable[n]
		s.recyclable = s.recyclable[:n]
		s.ensureCommittedLocked(b)
		b.FindNextHole()
		return b
	}
	if len(s.free) > 0 {
		n := len(s.free) - 1
		b := s.free[n]
		s.free = s.free[:n]
		s.ensureCommittedLocked(b)
		b.FindNextHole() // a cleared block is one hole spanning it entirely
		return b
	}
	return nil
}

// ensureCommittedLocked recommits b's memory if the elastic-decommit pass
// had returned it to the OS while it sat idle. Caller holds s.mu.
func (s *Space) ensureCommittedLocked(b *Block) {
	if !b.Decommitted() {
		return
	}
	c := s.chunkForLocked(b.Base())
	if c == nil {
		return
	}
	if err := c.CommitBlock(b); err != nil {
		log.Errorf("immix: failed to recommit block %s: %v", b.Base(), err)
	}
}

// RetireBlock returns a block a mutator has exhausted (FindNextHole
// returned false) to the space's bookkeeping. Its real classification is
// recomputed at the next sweep; until then it's simply unavailable.
func (s *Space) RetireBlock(b *Block) {
	s.mu.Lock()
	b.SetState(StateUnavailable)
	s.unavailable = append(s.unavailable, b)
	s.mu.Unlock()
}

// PrepareCycle clears every chunk's line marks ahead of a trace (spec
// §4.M phase 2, "unmark").
func (s *Space) PrepareCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chunks {
		c.Prepare()
	}
}

// SelectEvacuationCandidates ranks recyclable blocks by hole count
// (descending, ties broken by ascending address for determinism) and
// marks enough of them as evacuation candidates to cover headroomBytes
// worth of reclaimable space, per spec §4.F's opportunistic evacuation
// policy. Must be called after a sweep and before the next trace.
func (s *Space) SelectEvacuationCandidates(headroomBytes uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked := append([]*Block(nil), s.recyclable...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Holes() != ranked[j].Holes() {
			return ranked[i].Holes() > ranked[j].Holes()
		}
		return ranked[i].Base() < ranked[j].Base()
	})

	var used uintptr
	chosen := make([]*Block, 0, len(ranked))
	chosenSet := make(map[*Block]bool, len(ranked))
	for _, b := range ranked {
		if used >= headroomBytes {
			break
		}
		b.SetState(StateEvacuationCandidate)
		chosen = append(chosen, b)
		chosenSet[b] = true
		used += BlockSize
	}

	remaining := s.recyclable[:0]
	for _, b := range s.recyclable {
		if !chosenSet[b] {
			remaining = append(remaining, b)
		}
	}
	s.recyclable = remaining
	s.candidates = chosen

	log.WithFields(log.Fields{"blocks": len(chosen), "bytes": used}).Debugf("immix: selected evacuation candidates")
}

// SweepCycle sweeps every chunk after a trace completes, rebuilding the
// free/recyclable/unavailable lists from scratch (spec §4.M phase 4).
func (s *Space) SweepCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evacCursor != nil {
		s.evacUsed = append(s.evacUsed, s.evacCursor)
		s.evacCursor = nil
	}
	s.candidates = nil

	s.free = s.free[:0]
	s.recyclable = s.recyclable[:0]
	s.unavailable = s.unavailable[:0]
	s.evacUsed = nil

	for _, c := range s.chunks {
		free, recyclable := c.Sweep()
		s.free = append(s.free, free...)
		s.recyclable = append(s.recyclable, recyclable...)
		for _, b := range c.Blocks() {
			if b.State() == StateUnavailable {
				s.unavailable = append(s.unavailable, b)
			}
		}
	}
}

// DecommitFree returns the physical memory of idle free blocks to the OS,
// keeping minFreeBlocks committed as a ready reserve so the next
// allocation doesn't always pay a recommit. Decommitted blocks are
// recommitted transparently the next time takeBlock hands them out.
// Implements spec.md's decommit_unused operation (spec §4.M phase 6,
// "decommit excess pages if over soft target").
func (s *Space) DecommitFree(minFreeBlocks int) (decommitted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i+minFreeBlocks < len(s.free); i++ {
		b := s.free[i]
		if b.Decommitted() {
			continue
		}
		c := s.chunkForLocked(b.Base())
		if c == nil {
			continue
		}
		if err := c.DecommitBlock(b); err != nil {
			log.Warnf("immix: decommit of block %s failed: %v", b.Base(), err)
			continue
		}
		decommitted++
	}
	return decommitted
}

// ConservativeLookup checks whether payload could be the payload-start
// address of a live object, for the driver's opt-in ambiguous-root scan
// (config.HeapOptions.ConservativeRoots). It must land in a block that is
// neither free nor currently decommitted, and at an offset from the
// block's base that bump allocation could actually have produced (the
// header always starts MinAllocation-aligned, since every allocation's
// total size is rounded up to MinAllocation and holes begin line-aligned).
// False positives only pin harmless data; ruling out free/decommitted
// blocks is what keeps this from ever touching unmapped memory. Precise
// roots from pkg/rootstack never go through here.
func (s *Space) ConservativeLookup(payload gcabi.Addr) (headerAddr gcabi.Addr, ok bool) {
	blk := s.blockFor(payload)
	if blk == nil || blk.State() == StateFree || blk.Decommitted() {
		return 0, false
	}
	if payload < blk.Base().Add(gcabi.HeaderSize) {
		return 0, false
	}
	headerAddr = payload.Sub(gcabi.HeaderSize)
	if uintptr(headerAddr-blk.Base())%MinAllocation != 0 {
		return 0, false
	}
	return headerAddr, true
}

// Discover implements tracer.Space: it is called the instant an object's
// color transitions White->Grey. If the object lives in an evacuation
// candidate block and isn't pinned, it is copied into a non-candidate
// block and forwarded; otherwise it is marked in place. Either way the
// returned address is what the tracer rewrites the discovering pointer
// to.
func (s *Space) Discover(headerAddr gcabi.Addr) gcabi.Addr {
	hdr := gcabi.HeaderAt(headerAddr)
	size := hdr.Size()

	blk := s.blockFor(headerAddr)
	if blk != nil && blk.State() == StateEvacuationCandidate && !hdr.Pinned() {
		if newPayload, ok := s.evacuate(headerAddr, size, hdr); ok {
			return newPayload
		}
		s.mu.Lock()
		s.evacFailures++
		s.mu.Unlock()
		log.Warnf("immix: evacuation failed for %s, marking in place", headerAddr)
	}

	if blk != nil {
		blk.MarkObjectLines(headerAddr, gcabi.HeaderSize+size)
		blk.NoteLive(headerAddr)
	}
	return headerAddr.Add(gcabi.HeaderSize)
}

// evacuate copies the object at headerAddr into a fresh block and
// installs a forwarding pointer. Returns ok=false if no block has room,
// in which case the caller falls back to marking in place (spec's
// evacuation-failure path).
func (s *Space) evacuate(headerAddr gcabi.Addr, size uintptr, hdr *gcabi.Header) (gcabi.Addr, bool) {
	total := gcabi.HeaderSize + size

	s.mu.Lock()
	newHeaderAddr, ok := s.allocateForEvacuationLocked(total)
	s.mu.Unlock()
	if !ok {
		return 0, false
	}

	copyBytes(newHeaderAddr.Add(gcabi.HeaderSize), headerAddr.Add(gcabi.HeaderSize), size)

	newHdr := gcabi.HeaderAt(newHeaderAddr)
	newHdr.Reset(hdr.VTable())
	newHdr.SetSize(size)

	if !hdr.TryForward(newHeaderAddr) {
		// Another path through the graph forwarded this object first; the
		// copy we just made is wasted but harmless, since the block it
		// lives in is swept normally (it has no marked lines pointing
		// into it and is reclaimed next cycle).
		return hdr.ForwardingAddress().Add(gcabi.HeaderSize), true
	}

	if blk := s.blockFor(newHeaderAddr); blk != nil {
		blk.MarkObjectLines(newHeaderAddr, total)
		blk.NoteLive(newHeaderAddr)
	}
	return newHeaderAddr.Add(gcabi.HeaderSize), true
}

// allocateForEvacuationLocked bump-allocates total bytes from the
// evacuation cursor block, pulling fresh free blocks as needed. Caller
// holds s.mu.
func (s *Space) allocateForEvacuationLocked(total uintptr) (gcabi.Addr, bool) {
	for {
		if s.evacCursor != nil {
			if addr, ok := s.evacCursor.Allocate(total); ok {
				return addr, true
			}
			if !s.evacCursor.FindNextHole() {
				s.evacUsed = append(s.evacUsed, s.evacCursor)
				s.evacCursor = nil
				continue
			}
			continue
		}
		if len(s.free) == 0 {
			return 0, false
		}
		n := len(s.free) - 1
		next := s.free[n]
		s.free = s.free[:n]
		s.ensureCommittedLocked(next)
		if !next.FindNextHole() {
			continue
		}
		s.evacCursor = next
	}
}

func copyBytes(dst, src gcabi.Addr, n uintptr) {
	if n == 0 {
		return
	}
	dstSlice := unsafe.Slice((*byte)(dst.Pointer()), n)
	srcSlice := unsafe.Slice((*byte)(src.Pointer()), n)
	copy(dstSlice, srcSlice)
}
