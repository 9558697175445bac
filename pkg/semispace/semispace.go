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

// Package semispace is the bump-pointer flip-and-copy collector: two
// vmem.Region-backed halves, a lock-free CAS bump allocator, and the only
// collector in this repository wiring pkg/weakref. Grounded on
// original_source/src/bump_pointer_space.rs.
//
// Unlike pkg/immix, this collector has no block/line structure for
// pkg/mutator's allocator to carve holes from, so it defines its own thin
// Mutator reusing only the truly collector-agnostic substrate:
// pkg/rootstack for scoped roots and pkg/safepoint for the STW protocol.
package semispace

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/gcerr"
	"github.com/Starlight-JS/comet-sub001/pkg/log"
	"github.com/Starlight-JS/comet-sub001/pkg/rootstack"
	"github.com/Starlight-JS/comet-sub001/pkg/safepoint"
	"github.com/Starlight-JS/comet-sub001/pkg/tracer"
	"github.com/Starlight-JS/comet-sub001/pkg/vmem"
	"github.com/Starlight-JS/comet-sub001/pkg/weakref"
)

// MinAllocation matches pkg/immix's bump-pointer granularity.
const MinAllocation = 16

func alignUp(n, align uintptr) uintptr { return (n + align - 1) &^ (align - 1) }

// half is one of the two committed regions the collector copies between.
type half struct {
	region *vmem.Region
	start  gcabi.Addr
	end    gcabi.Addr
	cursor atomic.Uintptr
}

func newHalf(size uintptr) (*half, error) {
	region, err := vmem.Reserve(size, MinAllocation)
	if err != nil {
		return nil, err
	}
	if err := region.Commit(0, size); err != nil {
		return nil, err
	}
	h := &half{region: region, start: region.Base(), end: region.Base().Add(size)}
	h.cursor.Store(uintptr(h.start))
	return h, nil
}

func (h *half) contains(addr gcabi.Addr) bool { return addr >= h.start && addr < h.end }

func (h *half) reset() { h.cursor.Store(uintptr(h.start)) }

// used returns the high-water mark: everything between start and here was
// allocated at some point since the last reset.
func (h *half) used() gcabi.Addr { return gcabi.Addr(h.cursor.Load()) }

func (h *half) bumpAlloc(size uintptr) (gcabi.Addr, bool) {
	for {
		old := h.cursor.Load()
		newCursor := old + size
		if gcabi.Addr(newCursor) > h.end {
			return 0, false
		}
		if h.cursor.CompareAndSwap(old, newCursor) {
			return gcabi.Addr(old), true
		}
	}
}

// Heap is the semispace collector driver.
type Heap struct {
	mu       sync.Mutex
	from, to *half
	weak     *weakref.Table

	group *safepoint.Group

	mutMu    sync.Mutex
	mutators []*Mutator

	cycleMu sync.Mutex
}

// NewHeap reserves two halves of halfSize bytes each.
func NewHeap(halfSize uintptr) (*Heap, error) {
	a, err := newHalf(halfSize)
	if err != nil {
		return nil, gcerr.NewReservationError("semispace reserve half A", halfSize, err)
	}
	b, err := newHalf(halfSize)
	if err != nil {
		return nil, gcerr.NewReservationError("semispace reserve half B", halfSize, err)
	}
	return &Heap{from: a, to: b, weak: weakref.New(), group: safepoint.NewGroup()}, nil
}

// Mutator is semispace's allocation and rooting handle.
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

// Allocate bump-allocates a fresh object from the current to-space,
// triggering (at most once) a flip-and-copy collection if the space is
// exhausted.
func (m *Mutator) Allocate(vtableID uint32, size uintptr) (gcabi.Addr, error) {
	return m.heap.allocate(vtableID, size)
}

// AllocateWeak returns a weak reference to target. Unlike Allocate, this
// doesn't consume to-space: a Ref is a plain Go value the weak table
// tracks and clears at the end of whichever cycle finds target
// unreachable.
func (m *Mutator) AllocateWeak(target gcabi.Addr) *weakref.Ref {
	return m.heap.weak.Track(target)
}

// Collect explicitly requests a flip-and-copy cycle and blocks until it
// completes.
func (m *Mutator) Collect(additionalRoots []*gcabi.Addr) {
	roots := append(append([]*gcabi.Addr(nil), m.stack.Roots()...), additionalRoots...)
	m.heap.collect(roots)
}

func (h *Heap) allocate(vtableID uint32, size uintptr) (gcabi.Addr, error) {
	total := alignUp(gcabi.HeaderSize+size, MinAllocation)
	for attempt := 0; attempt < 2; attempt++ {
		h.mu.Lock()
		to := h.to
		h.mu.Unlock()

		if headerAddr, ok := to.bumpAlloc(total); ok {
			hdr := gcabi.HeaderAt(headerAddr)
			hdr.Reset(vtableID)
			hdr.SetSize(size)
			return headerAddr.Add(gcabi.HeaderSize), nil
		}
		if attempt == 0 {
			h.collect(nil)
		}
	}
	return 0, gcerr.ErrAllocationFailure
}

// collect runs one flip-and-copy cycle: stop the world, swap from/to,
// trace roots copying survivors into the fresh to-space, process weak
// refs, run finalizers over whatever in the old from-space was never
// copied, and resume.
func (h *Heap) collect(extraRoots []*gcabi.Addr) {
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

	h.mu.Lock()
	oldFrom := h.to // everything allocated since the last flip
	freshTo := h.from
	freshTo.reset()
	lastUsed := oldFrom.used()
	h.to, h.from = freshTo, oldFrom
	h.mu.Unlock()

	var roots []*gcabi.Addr
	for _, m := range mutators {
		roots = append(roots, m.stack.Roots()...)
	}
	roots = append(roots, extraRoots...)

	workers := len(mutators)
	if workers < 1 {
		workers = 1
	}
	tracer.Trace(roots, h, workers)

	h.weak.Process(func(target gcabi.Addr) (gcabi.Addr, bool) {
		hdr := gcabi.HeaderAt(target.Sub(gcabi.HeaderSize))
		if hdr.IsForwarded() {
			return hdr.ForwardingAddress().Add(gcabi.HeaderSize), true
		}
		return 0, false
	})

	h.finalizeUnreached(oldFrom, lastUsed)

	barrier.Disarm()
}

// Discover implements tracer.Space: every reachable object is
// unconditionally copied into the current to-space and forwarded from
// its old header.
func (h *Heap) Discover(headerAddr gcabi.Addr) gcabi.Addr {
	hdr := gcabi.HeaderAt(headerAddr)
	size := hdr.Size()
	total := gcabi.HeaderSize + size

	h.mu.Lock()
	to := h.to
	h.mu.Unlock()

	newAddr, ok := to.bumpAlloc(total)
	if !ok {
		// A copying collector that runs out of to-space mid-cycle has no
		// fallback: the heap is undersized for its live set.
		panic("semispace: to-space exhausted during collection, heap undersized")
	}

	copyBytes(newAddr.Add(gcabi.HeaderSize), headerAddr.Add(gcabi.HeaderSize), size)
	newHdr := gcabi.HeaderAt(newAddr)
	newHdr.Reset(hdr.VTable())
	newHdr.SetSize(size)

	if !hdr.TryForward(newAddr) {
		return hdr.ForwardingAddress().Add(gcabi.HeaderSize)
	}
	return newAddr.Add(gcabi.HeaderSize)
}

// finalizeUnreached walks the old from-space linearly from start to
// lastUsed (its high-water mark before the flip): any header that was
// never forwarded this cycle didn't survive, so its finalizer (if any)
// runs now, before the space is reused by a future flip.
func (h *Heap) finalizeUnreached(from *half, lastUsed gcabi.Addr) {
	addr := from.start
	for addr < lastUsed {
		hdr := gcabi.HeaderAt(addr)
		var size uintptr
		if hdr.IsForwarded() {
			// A forwarded header's size bits hold part of the forwarding
			// address; the size is read from the copy instead.
			size = gcabi.HeaderAt(hdr.ForwardingAddress()).Size()
		} else {
			size = hdr.Size()
		}
		total := alignUp(gcabi.HeaderSize+size, MinAllocation)

		if !hdr.IsForwarded() {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Errorf("semispace: finalizer panic: %v", r)
					}
				}()
				vt := gcabi.VTableFor(hdr.VTable())
				if vt.Finalize != nil {
					vt.Finalize(addr.Add(gcabi.HeaderSize))
				}
			}()
		}
		addr = addr.Add(total)
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
