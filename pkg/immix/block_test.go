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
	"unsafe"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/linemap"
)

// newTestBlock backs a Block with an ordinary Go-heap buffer instead of a
// vmem.Region, so block-level unit tests don't need real mmap. The buffer
// is never freed back to the OS, which is fine at test scope.
func newTestBlock() *Block {
	buf := make([]byte, BlockSize)
	base := gcabi.AddrOf(unsafe.Pointer(&buf[0]))
	lines := linemap.New(LinesPerBlock)
	b := NewBlock(base, lines, 0)
	b.FindNextHole()
	return b
}

func TestBlockAllocateBumpsCursor(t *testing.T) {
	b := newTestBlock()
	a1, ok := b.Allocate(32)
	if !ok {
		t.Fatalf("first allocate in a fresh block should succeed")
	}
	a2, ok := b.Allocate(32)
	if !ok {
		t.Fatalf("second allocate should succeed")
	}
	if a2 != a1.Add(32) {
		t.Fatalf("cursor should advance by the aligned size: a1=%v a2=%v", a1, a2)
	}
}

func TestBlockAllocateFailsPastLimit(t *testing.T) {
	b := newTestBlock()
	if _, ok := b.Allocate(BlockSize + MinAllocation); ok {
		t.Fatalf("allocate larger than the block's single hole should fail")
	}
}

func TestBlockFindNextHoleSkipsMarkedLines(t *testing.T) {
	b := newTestBlock()
	// Mark the first two lines as live, leaving the rest as one hole.
	b.lineTable.Mark(0)
	b.lineTable.Mark(1)
	b.cursor, b.limit = 0, 0

	if !b.FindNextHole() {
		t.Fatalf("block should still have a hole after only 2/%d lines marked", LinesPerBlock)
	}
	if got := b.lineIndex(b.cursor); got != 2 {
		t.Fatalf("hole should start at line 2, got %d", got)
	}
}

func TestBlockFindNextHoleNoneLeft(t *testing.T) {
	b := newTestBlock()
	for i := 0; i < LinesPerBlock; i++ {
		b.lineTable.Mark(i)
	}
	b.cursor, b.limit = 0, 0
	if b.FindNextHole() {
		t.Fatalf("fully marked block should report no hole")
	}
}

func TestBlockSweepFullyUnmarkedReturnsToFree(t *testing.T) {
	b := newTestBlock()
	fullyUnmarked := b.Sweep()
	if !fullyUnmarked {
		t.Fatalf("a block with no marks should sweep as fully unmarked")
	}
	if b.State() != StateFree {
		t.Fatalf("fully unmarked block should become Free, got %s", b.State())
	}
	if b.Holes() != 0 {
		t.Fatalf("Holes() = %d, want 0", b.Holes())
	}
}

func TestBlockSweepRecyclable(t *testing.T) {
	b := newTestBlock()
	// Mark a prefix of lines live, leaving the remainder as one hole:
	// the block should come back Recyclable with exactly one hole.
	for i := 0; i < 10; i++ {
		b.lineTable.Mark(i)
	}
	fullyUnmarked := b.Sweep()
	if fullyUnmarked {
		t.Fatalf("partially marked block should not be fully unmarked")
	}
	if b.State() != StateRecyclable {
		t.Fatalf("block with unmarked lines should be Recyclable, got %s", b.State())
	}
	if b.Holes() != 1 {
		t.Fatalf("Holes() = %d, want 1", b.Holes())
	}
}

func TestBlockSweepUnavailableWhenNoHoles(t *testing.T) {
	b := newTestBlock()
	for i := 0; i < LinesPerBlock; i++ {
		b.lineTable.Mark(i)
	}
	fullyUnmarked := b.Sweep()
	if fullyUnmarked {
		t.Fatalf("fully marked block should not be fully unmarked")
	}
	if b.State() != StateUnavailable {
		t.Fatalf("fully marked block should be Unavailable, got %s", b.State())
	}
}

func TestMarkObjectLinesConservativeRule(t *testing.T) {
	b := newTestBlock()
	// An object spanning exactly 2 lines should also mark the line right
	// after it (the conservative-mark rule, spec §4.D), but not the one
	// after that.
	size := uintptr(2*LineSize - 8)
	b.MarkObjectLines(b.base, size)

	startLine := b.lineIndex(b.base)
	endLine := b.lineIndex(b.base.Add(size-1)) + 1
	for i := startLine; i < endLine; i++ {
		if !b.lineTable.IsMarked(i) {
			t.Fatalf("line %d overlapping the object should be marked", i)
		}
	}
	if !b.lineTable.IsMarked(endLine) {
		t.Fatalf("line %d immediately after a multi-line object should be conservatively marked", endLine)
	}
	if b.lineTable.IsMarked(endLine + 1) {
		t.Fatalf("line %d two past the object should not be marked", endLine+1)
	}
}

func TestMarkObjectLinesSingleLineNoConservativeNeighbor(t *testing.T) {
	b := newTestBlock()
	b.MarkObjectLines(b.base, 16)
	if !b.lineTable.IsMarked(0) {
		t.Fatalf("the object's own line should be marked")
	}
	if b.lineTable.IsMarked(1) {
		t.Fatalf("a single-line object should not conservatively mark its neighbor")
	}
}

func TestResetColorsClearsRecordedObjects(t *testing.T) {
	b := newTestBlock()
	addr, _ := b.Allocate(32)
	hdr := gcabi.HeaderAt(addr)
	hdr.Reset(1)
	hdr.SetColor(gcabi.White, gcabi.Grey)
	hdr.SetColor(gcabi.Grey, gcabi.Black)
	b.NoteLive(addr)

	b.ResetColors()
	if hdr.IsMarked() {
		t.Fatalf("ResetColors should clear the recorded object's color back to White")
	}
	if len(b.objects) != 0 {
		t.Fatalf("ResetColors should forget the object record, got %d remaining", len(b.objects))
	}
}
