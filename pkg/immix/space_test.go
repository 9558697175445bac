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
	"testing"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
)

func newTestSpace(t *testing.T) *Space {
	t.Helper()
	s := NewSpace()
	if err := s.Grow(); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	return s
}

func TestSpaceAcquireBlockTakesFreeBlockFromFreshSpace(t *testing.T) {
	s := newTestSpace(t)
	b := s.AcquireBlock()
	if b == nil {
		t.Fatalf("AcquireBlock on a freshly grown space should succeed")
	}
	if b.State() != StateFree {
		t.Fatalf("block taken from the free list should still report Free until the owner sweeps it")
	}
}

func TestSpaceOwnsAndBlockFor(t *testing.T) {
	s := newTestSpace(t)
	c := s.chunks[0]
	addr := c.Base().Add(16)
	if !s.Owns(addr) {
		t.Fatalf("space should own an address inside its only chunk")
	}
	if s.blockFor(addr) != c.Blocks()[0] {
		t.Fatalf("blockFor should resolve to the first block")
	}
	if s.Owns(0xdeadbeef) {
		t.Fatalf("space should not own an address outside any chunk")
	}
}

func allocLive(t *testing.T, blk *Block, size uintptr) gcabi.Addr {
	t.Helper()
	addr, ok := blk.Allocate(gcabi.HeaderSize + size)
	if !ok {
		t.Fatalf("test allocation of %d bytes failed", size)
	}
	hdr := gcabi.HeaderAt(addr)
	hdr.Reset(1)
	hdr.SetSize(size)
	return addr
}

func TestSpaceDiscoverMarksInPlaceOutsideEvacuation(t *testing.T) {
	s := newTestSpace(t)
	blk := s.AcquireBlock()
	headerAddr := allocLive(t, blk, 32)

	surviving := s.Discover(headerAddr)
	if surviving != headerAddr.Add(gcabi.HeaderSize) {
		t.Fatalf("Discover without evacuation should return the same payload address")
	}
	if gcabi.HeaderAt(headerAddr).IsForwarded() {
		t.Fatalf("object should not be forwarded when its block is not an evacuation candidate")
	}
}

func TestSpaceEvacuatesFromCandidateBlock(t *testing.T) {
	s := newTestSpace(t)
	src := s.AcquireBlock()
	headerAddr := allocLive(t, src, 64)
	src.SetState(StateEvacuationCandidate)

	// A second, clean block the evacuator can copy into.
	dst := s.AcquireBlock()
	_ = dst

	surviving := s.Discover(headerAddr)
	hdr := gcabi.HeaderAt(headerAddr)
	if !hdr.IsForwarded() {
		t.Fatalf("object in an evacuation-candidate block should be forwarded")
	}
	if surviving != hdr.ForwardingAddress().Add(gcabi.HeaderSize) {
		t.Fatalf("Discover should return the forwarded payload address")
	}
	if surviving == headerAddr.Add(gcabi.HeaderSize) {
		t.Fatalf("evacuated object should live at a new address")
	}
}

func TestSpacePinnedObjectNeverEvacuates(t *testing.T) {
	s := newTestSpace(t)
	src := s.AcquireBlock()
	headerAddr := allocLive(t, src, 48)
	gcabi.HeaderAt(headerAddr).SetPinned(true)
	src.SetState(StateEvacuationCandidate)

	dst := s.AcquireBlock()
	_ = dst

	surviving := s.Discover(headerAddr)
	if surviving != headerAddr.Add(gcabi.HeaderSize) {
		t.Fatalf("a pinned object must retain its address even in an evacuation-candidate block")
	}
	if gcabi.HeaderAt(headerAddr).IsForwarded() {
		t.Fatalf("a pinned object must never be forwarded")
	}
}

func TestSpaceDecommitFreeReturnsBlocksAndRecommitsOnAcquire(t *testing.T) {
	s := newTestSpace(t)

	n := s.DecommitFree(0)
	if n != BlocksPerChunk {
		t.Fatalf("DecommitFree(0) on a freshly grown chunk decommitted %d blocks, want %d", n, BlocksPerChunk)
	}
	for _, b := range s.free {
		if !b.Decommitted() {
			t.Fatalf("every free block should be decommitted after DecommitFree(0)")
		}
	}

	blk := s.AcquireBlock()
	if blk == nil {
		t.Fatalf("AcquireBlock should still succeed after decommit")
	}
	if blk.Decommitted() {
		t.Fatalf("AcquireBlock must recommit a decommitted block before handing it out")
	}
}

func TestSpaceDecommitFreeKeepsReserve(t *testing.T) {
	s := newTestSpace(t)

	reserve := len(s.free) - 1
	n := s.DecommitFree(reserve)
	if n != 1 {
		t.Fatalf("DecommitFree(%d) decommitted %d blocks, want 1", reserve, n)
	}
}

func TestSpaceConservativeLookupAcceptsHeaderAlignedPayload(t *testing.T) {
	s := newTestSpace(t)
	blk := s.AcquireBlock()
	headerAddr := allocLive(t, blk, 32)
	payload := headerAddr.Add(gcabi.HeaderSize)

	got, ok := s.ConservativeLookup(payload)
	if !ok {
		t.Fatalf("ConservativeLookup should accept a real object's payload address")
	}
	if got != headerAddr {
		t.Fatalf("ConservativeLookup returned header %s, want %s", got, headerAddr)
	}
}

func TestSpaceConservativeLookupRejectsFreeBlock(t *testing.T) {
	s := newTestSpace(t)
	c := s.chunks[0]
	addr := c.Base().Add(gcabi.HeaderSize + MinAllocation)

	if _, ok := s.ConservativeLookup(addr); ok {
		t.Fatalf("ConservativeLookup must reject an address in a free block")
	}
}

func TestSpaceConservativeLookupRejectsMisalignedOffset(t *testing.T) {
	s := newTestSpace(t)
	blk := s.AcquireBlock()
	headerAddr := allocLive(t, blk, 32)
	misaligned := headerAddr.Add(gcabi.HeaderSize).Add(1)

	if _, ok := s.ConservativeLookup(misaligned); ok {
		t.Fatalf("ConservativeLookup must reject a non-MinAllocation-aligned offset")
	}
}

func TestSpaceConservativeLookupRejectsDecommittedBlock(t *testing.T) {
	s := newTestSpace(t)
	c := s.chunks[0]
	blk := c.Blocks()[0]
	if err := c.DecommitBlock(blk); err != nil {
		t.Fatalf("DecommitBlock: %v", err)
	}
	addr := blk.Base().Add(gcabi.HeaderSize)

	if _, ok := s.ConservativeLookup(addr); ok {
		t.Fatalf("ConservativeLookup must reject an address in a decommitted block")
	}
}

func TestSpaceSelectEvacuationCandidatesRanksByHoles(t *testing.T) {
	s := NewSpace()
	if err := s.Grow(); err != nil {
		t.Fatalf("Grow: %v", err)
	}

	// Build two recyclable blocks with different hole counts by marking
	// different line patterns, then sweep to populate s.recyclable.
	blocks := s.chunks[0].Blocks()
	// block 0: one big hole after a small marked prefix (1 hole).
	for i := blocks[0].lineStart; i < blocks[0].lineStart+4; i++ {
		s.chunks[0].lines.Mark(i)
	}
	// block 1: alternate marked/unmarked lines to create many holes.
	for i := blocks[1].lineStart; i < blocks[1].lineStart+20; i += 2 {
		s.chunks[0].lines.Mark(i)
	}

	s.SweepCycle()
	if len(s.recyclable) == 0 {
		t.Fatalf("expected at least one recyclable block after sweep")
	}

	s.SelectEvacuationCandidates(uintptr(len(s.recyclable)) * BlockSize)
	if len(s.candidates) == 0 {
		t.Fatalf("expected evacuation candidates to be selected")
	}
	// Highest hole count must be selected first; verify candidates are
	// sorted by descending Holes().
	for i := 1; i < len(s.candidates); i++ {
		if s.candidates[i-1].Holes() < s.candidates[i].Holes() {
			t.Fatalf("candidates not ranked by descending hole count")
		}
	}
}
