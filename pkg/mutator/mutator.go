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

// Package mutator is the per-thread allocation handle (component H): a
// thread-private bump allocator over the block its owner currently holds,
// falling back to the driver for a new block, a large-object allocation,
// or a collection. Grounded on
// original_source/src/local_allocator.rs's current_block fast/slow split.
package mutator

import (
	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/gcerr"
	"github.com/Starlight-JS/comet-sub001/pkg/immix"
	"github.com/Starlight-JS/comet-sub001/pkg/rootstack"
	"github.com/Starlight-JS/comet-sub001/pkg/safepoint"
)

// Host is the driver-side surface a Mutator needs. pkg/heap implements it
// for the Immix collector. No other collector in this module implements
// it: pkg/semispace and pkg/minimark define their own Mutator types, and
// pkg/cms and pkg/shenandoah have no mutator.
type Host interface {
	AcquireBlock() *immix.Block
	RetireBlock(b *immix.Block)
	AllocateLarge(vtableID uint32, size uintptr) (gcabi.Addr, error)
	AllocateWeak(vtableID uint32, target *gcabi.Addr) (gcabi.Addr, error)
	NotifyAllocated(bytes uintptr)
	RegisterFinalizer(headerAddr gcabi.Addr)
	Collect(additionalRoots []*gcabi.Addr)
	Barrier() *safepoint.Barrier
	MediumThreshold() uintptr
}

// Mutator is one managed thread's allocation and rooting handle.
//
// Fast-path invariant: Allocate's happy path touches only m.block's
// thread-private cursor; no safepoint poll, no atomic op. Slow-path
// invariant: any path that may acquire a new block polls the safepoint
// first.
type Mutator struct {
	host  Host
	block *immix.Block
	stack *rootstack.Stack
}

// New returns a mutator attached to host, with an empty shadow stack and
// no current block (the first allocation takes the slow path).
func New(host Host) *Mutator {
	return &Mutator{host: host, stack: rootstack.New()}
}

// ShadowStack returns the handle scoped roots are registered against.
func (m *Mutator) ShadowStack() *rootstack.Stack { return m.stack }

// Safepoint polls the driver's barrier. If armed, the calling goroutine
// parks until the in-progress cycle releases it; the return value reports
// whether it parked.
func (m *Mutator) Safepoint() bool { return m.host.Barrier().Poll() }

// Allocate returns a fresh object of the given vtable and payload size.
// Requests at or above the host's medium threshold are routed to the
// large-object space; everything else bump-allocates from the current
// Immix block, falling back to acquiring a new block when the current
// one is exhausted.
func (m *Mutator) Allocate(vtableID uint32, size uintptr) (gcabi.Addr, error) {
	if size >= m.host.MediumThreshold() {
		payload, err := m.host.AllocateLarge(vtableID, size)
		if err != nil {
			return 0, err
		}
		m.host.NotifyAllocated(gcabi.HeaderSize + size)
		if vt := gcabi.VTableFor(vtableID); vt.Finalize != nil {
			m.host.RegisterFinalizer(payload.Sub(gcabi.HeaderSize))
		}
		return payload, nil
	}

	total := alignUp(gcabi.HeaderSize+size, immix.MinAllocation)

	if m.block != nil {
		if addr, ok := m.block.Allocate(total); ok {
			return m.finish(addr, vtableID, size, total)
		}
	}
	return m.allocateSlow(vtableID, size, total)
}

func (m *Mutator) registerAndReturn(headerAddr gcabi.Addr, vtableID uint32) gcabi.Addr {
	if vt := gcabi.VTableFor(vtableID); vt.Finalize != nil {
		m.host.RegisterFinalizer(headerAddr)
	}
	return headerAddr.Add(gcabi.HeaderSize)
}

func (m *Mutator) finish(headerAddr gcabi.Addr, vtableID uint32, size, total uintptr) (gcabi.Addr, error) {
	hdr := gcabi.HeaderAt(headerAddr)
	hdr.Reset(vtableID)
	hdr.SetSize(size)
	m.host.NotifyAllocated(total)
	return m.registerAndReturn(headerAddr, vtableID), nil
}

func (m *Mutator) allocateSlow(vtableID uint32, size, total uintptr) (gcabi.Addr, error) {
	for {
		if m.block != nil {
			for m.block.FindNextHole() {
				if addr, ok := m.block.Allocate(total); ok {
					return m.finish(addr, vtableID, size, total)
				}
			}
			m.host.RetireBlock(m.block)
			m.block = nil
		}

		m.Safepoint()

		m.block = m.host.AcquireBlock()
		if m.block == nil {
			return 0, gcerr.ErrAllocationFailure
		}
	}
}

// AllocateWeak records a weak reference to target, if the host's
// collector supports weak references; otherwise it returns
// gcerr.ErrUnsupported (only pkg/semispace currently upgrades this).
func (m *Mutator) AllocateWeak(vtableID uint32, target *gcabi.Addr) (gcabi.Addr, error) {
	return m.host.AllocateWeak(vtableID, target)
}

// Collect explicitly requests a collection and blocks until the cycle
// completes, rooting additionalRoots (e.g. a value not yet reachable from
// the shadow stack) alongside this mutator's own roots.
func (m *Mutator) Collect(additionalRoots []*gcabi.Addr) {
	roots := append(append([]*gcabi.Addr(nil), m.stack.Roots()...), additionalRoots...)
	m.host.Collect(roots)
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
