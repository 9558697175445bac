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

// Package cms is a skeleton of a concurrent mark-sweep collector:
// fixed-size cell blocks (grounded on
// original_source/crates/comet/src/cms/block.rs) and a marker fed by a
// pair of worklists, one for the initial root scan and one fed by
// pkg/barrier's retreating-wavefront write barrier (grounded on
// original_source/crates/comet/src/cms/marking_worklist.rs).
//
// This package demonstrates how the write barrier's worklist plugs into
// a marker; it does not implement a full concurrent collection cycle
// (background marking thread, SATB snapshot, concurrent sweep) — the
// original this is grounded on leaves Block and Marker themselves as
// empty impls, so the scope here is deliberately the same shape, not a
// complete collector. See DESIGN.md.
package cms

import (
	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/tracer"
)

// BlockSize and AtomSize match the original's BLOCK_SIZE/ATOM_SIZE: cells
// are allocated in AtomSize multiples out of a BlockSize arena.
const (
	BlockSize = 16 * 1024
	AtomSize  = 16
)

// Block is a fixed-cell-size arena: every live cell in it is cellSize
// bytes, threaded onto freeList via the header's free-entry fields
// (pkg/gcabi.Header.SetFree/SetFreeListNext) exactly like pkg/largeobj's
// free lists. Carving a Block into cells and refilling it from the OS is
// out of scope for this skeleton (see package doc); Block exists to show
// the shape a full cell allocator would take.
type Block struct {
	base     gcabi.Addr
	cellSize uintptr
	freeHead gcabi.Addr
}

// NewBlock wraps a BlockSize-aligned region as an empty arena of
// cellSize-byte cells; callers needing an actual populated free list must
// carve it by repeatedly calling Add over [base, base+BlockSize).
func NewBlock(base gcabi.Addr, cellSize uintptr) *Block {
	return &Block{base: base, cellSize: cellSize}
}

// Base returns the block's starting address.
func (b *Block) Base() gcabi.Addr { return b.base }

// CellSize returns the fixed size of every cell this block hands out.
func (b *Block) CellSize() uintptr { return b.cellSize }

// Add pushes the cell at entry onto the free list.
func (b *Block) Add(entry gcabi.Addr) {
	hdr := gcabi.HeaderAt(entry)
	hdr.SetFree()
	hdr.SetFreeListNext(b.freeHead)
	b.freeHead = entry
}

// Take pops a cell off the free list, returning (0, false) if empty.
func (b *Block) Take() (gcabi.Addr, bool) {
	if b.freeHead.IsZero() {
		return 0, false
	}
	entry := b.freeHead
	b.freeHead = gcabi.HeaderAt(entry).FreeListNext()
	return entry, true
}

// MarkingWorklists pairs the main root-scan worklist with the separate
// worklist pkg/barrier's write barrier pushes onto, mirroring the
// original's SegQueue pair. Keeping them distinct lets a marker drain the
// write-barrier queue preferentially to keep pace with mutators
// darkening objects concurrently with the root scan.
type MarkingWorklists struct {
	main         *tracer.Worklist
	writeBarrier *tracer.Worklist
}

// NewMarkingWorklists returns an empty pair.
func NewMarkingWorklists() *MarkingWorklists {
	return &MarkingWorklists{main: tracer.NewWorklist(), writeBarrier: tracer.NewWorklist()}
}

// Main returns the root-scan worklist.
func (w *MarkingWorklists) Main() *tracer.Worklist { return w.main }

// WriteBarrierWorklist returns the worklist pkg/barrier.Barrier pushes
// re-greyed containers onto.
func (w *MarkingWorklists) WriteBarrierWorklist() *tracer.Worklist { return w.writeBarrier }

// Marker owns a MarkingWorklists pair and the is-marking flag a real
// concurrent cycle would use to gate the write barrier (pkg/barrier's
// Enable/Disable). Mark traces from the roots with tracer.Trace, which
// keeps its own worklist (the Main worklist is not read by Mark), then
// drains the write-barrier worklist against space until it is empty, which
// is the terminating condition for a stop-the-world approximation of the
// protocol; a true concurrent implementation would
// instead drain the write-barrier worklist on a dedicated goroutine for
// the lifetime of the cycle and terminate via a SATB handshake, which is
// out of scope here.
type Marker struct {
	worklists *MarkingWorklists
	isMarking bool
}

// NewMarker returns a marker over a fresh worklist pair.
func NewMarker() *Marker {
	return &Marker{worklists: NewMarkingWorklists()}
}

// MarkingWorklists exposes the underlying worklist pair.
func (m *Marker) MarkingWorklists() *MarkingWorklists { return m.worklists }

// IsMarking reports whether a cycle is in progress.
func (m *Marker) IsMarking() bool { return m.isMarking }

// Mark runs the root scan, then repeatedly drains the write-barrier
// worklist against space, retracing from the containers on it, until a
// pass finds it empty.
func (m *Marker) Mark(roots []*gcabi.Addr, space tracer.Space, workers int) {
	m.isMarking = true
	defer func() { m.isMarking = false }()

	tracer.Trace(roots, space, workers)

	for {
		if m.worklists.writeBarrier.Len() == 0 {
			return
		}
		drained := m.drainWriteBarrier(space, workers)
		if drained == 0 {
			return
		}
	}
}

// drainWriteBarrier pops every address currently queued on the
// write-barrier worklist and feeds them back through a fresh root scan
// so the container fields they re-greyed get retraced. Returns the
// number of containers retraced.
func (m *Marker) drainWriteBarrier(space tracer.Space, workers int) int {
	if m.worklists.writeBarrier.Len() == 0 {
		return 0
	}
	var extra []*gcabi.Addr
	m.worklists.writeBarrier.Drain(1, func(addr gcabi.Addr) {
		v := addr
		extra = append(extra, &v)
	})
	if len(extra) == 0 {
		return 0
	}
	tracer.Trace(extra, space, workers)
	return len(extra)
}
