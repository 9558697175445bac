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

// Package heap is the Immix collector driver (component M): it owns the
// Immix space and the large-object space, runs the stop-the-world cycle
// (prepare, trace, sweep, finalize, decommit), and implements
// mutator.Host so pkg/mutator's allocator can reach it. Grounded on the
// phase list of spec §4.M, with heuristic backoff in the style of the
// Shenandoah sketch referenced alongside it.
package heap

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/Starlight-JS/comet-sub001/pkg/config"
	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/gcerr"
	"github.com/Starlight-JS/comet-sub001/pkg/immix"
	"github.com/Starlight-JS/comet-sub001/pkg/largeobj"
	"github.com/Starlight-JS/comet-sub001/pkg/log"
	"github.com/Starlight-JS/comet-sub001/pkg/mutator"
	"github.com/Starlight-JS/comet-sub001/pkg/safepoint"
	"github.com/Starlight-JS/comet-sub001/pkg/tracer"
	"github.com/Starlight-JS/comet-sub001/pkg/vmem"
)

// CycleKind classifies a completed collection for diagnostics and for
// the penalty accounting that follows a degenerate or full cycle.
type CycleKind int

const (
	CycleNormal CycleKind = iota
	CycleDegenerate
	CycleFull
)

func (k CycleKind) String() string {
	switch k {
	case CycleDegenerate:
		return "degenerate"
	case CycleFull:
		return "full"
	default:
		return "normal"
	}
}

// Diagnostic is a non-fatal event surfaced on Heap.Diagnostics: a
// finalizer panic, an evacuation-failure downgrade, or a completed-cycle
// summary. Hosts that don't care can drain the channel in a goroutine or
// ignore it (it's never required reading).
type Diagnostic struct {
	Kind  string // "finalizer-panic", "evacuation-failure", "cycle"
	Err   error
	Cycle CycleKind
	Stats Stats
}

// Stats is a point-in-time snapshot of heap occupancy, returned by
// Heap.Stats and attached to cycle diagnostics.
type Stats struct {
	Immix       immix.Stats
	AllocatedB  uint64
	ThresholdB  uint64
	CyclesRun   uint64
	Degenerate  uint64
	FinalizerQ  int
}

// combinedSpace adapts the Immix space and the large-object space into a
// single tracer.Space, routing each discovered header to whichever space
// actually owns it.
type combinedSpace struct {
	immix *immix.Space
	large *largeobj.Space
}

func (c *combinedSpace) Discover(headerAddr gcabi.Addr) gcabi.Addr {
	if c.immix.Owns(headerAddr) {
		return c.immix.Discover(headerAddr)
	}
	return c.large.Discover(headerAddr)
}

// Heap is the Immix collector: the driver that owns both spaces, the
// mutator registry, the safepoint group, and the finalizer queue.
type Heap struct {
	opts config.HeapOptions

	space *immix.Space
	large *largeobj.Space
	combo *combinedSpace
	group *safepoint.Group

	mu       sync.Mutex
	mutators []*mutator.Mutator

	finalizerMu sync.Mutex
	finalizers  []gcabi.Addr

	cycleMu sync.Mutex

	allocated atomic.Uint64
	threshold atomic.Uint64
	requested atomic.Bool
	penalty   atomic.Uint32 // fixed-point: basis points shaved off the next threshold

	cyclesRun  atomic.Uint64
	degenerate atomic.Uint64

	hintLimiter     *rate.Limiter
	decommitLimiter *rate.Limiter

	diagnostics chan Diagnostic
}

// New constructs a Heap from opts, reserving its first chunk immediately
// so the first allocation never pays for Grow on the hot path.
func New(opts config.HeapOptions) (*Heap, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	h := &Heap{
		opts:            opts,
		space:           immix.NewSpace(),
		large:           largeobj.NewSpace(),
		group:           safepoint.NewGroup(),
		hintLimiter:     rate.NewLimiter(rate.Every(opts.GCHintInterval), 1),
		decommitLimiter: rate.NewLimiter(rate.Every(vmem.DefaultDecommitMinInterval), 1),
		diagnostics:     make(chan Diagnostic, 16),
	}
	h.combo = &combinedSpace{immix: h.space, large: h.large}
	h.threshold.Store(uint64(opts.MinHeapSize))

	chunks := (opts.InitialHeapSize + immix.ChunkSize - 1) / immix.ChunkSize
	if chunks == 0 {
		chunks = 1
	}
	for i := uintptr(0); i < chunks; i++ {
		if err := h.space.Grow(); err != nil {
			return nil, gcerr.NewReservationError("initial heap reservation", opts.InitialHeapSize, err)
		}
	}

	log.WithFields(log.Fields{"chunks": chunks, "threshold": h.threshold.Load()}).Infof("heap: initialized")
	return h, nil
}

// Diagnostics returns the channel finalizer panics, evacuation-failure
// downgrades, and cycle summaries are published on.
func (h *Heap) Diagnostics() <-chan Diagnostic { return h.diagnostics }

func (h *Heap) publish(d Diagnostic) {
	select {
	case h.diagnostics <- d:
	default:
		log.Warnf("heap: diagnostics channel full, dropping %s event", d.Kind)
	}
}

// Stats returns a snapshot of the heap's current occupancy.
func (h *Heap) Stats() Stats {
	h.finalizerMu.Lock()
	fq := len(h.finalizers)
	h.finalizerMu.Unlock()
	return Stats{
		Immix:      h.space.Stats(),
		AllocatedB: h.allocated.Load(),
		ThresholdB: h.threshold.Load(),
		CyclesRun:  h.cyclesRun.Load(),
		Degenerate: h.degenerate.Load(),
		FinalizerQ: fq,
	}
}

// SpawnMutator attaches a new managed thread to the heap, returning its
// allocation handle. The mutator's lifetime is bounded by the heap's: it
// must be detached with Join before the heap is torn down.
func (h *Heap) SpawnMutator() *mutator.Mutator {
	m := mutator.New(h)
	h.group.Join()
	h.mu.Lock()
	h.mutators = append(h.mutators, m)
	h.mu.Unlock()
	return m
}

// Join detaches m from the heap. It must not be called concurrently with
// a collection cycle that m itself did not initiate.
func (h *Heap) Join(m *mutator.Mutator) {
	h.mu.Lock()
	for i, cur := range h.mutators {
		if cur == m {
			h.mutators = append(h.mutators[:i], h.mutators[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	h.group.Leave()
}

// --- mutator.Host ---

func (h *Heap) AcquireBlock() *immix.Block {
	if h.requested.Swap(false) {
		h.runCycle(nil)
	}
	return h.space.AcquireBlock()
}

func (h *Heap) RetireBlock(b *immix.Block) { h.space.RetireBlock(b) }

func (h *Heap) AllocateLarge(vtableID uint32, size uintptr) (gcabi.Addr, error) {
	if h.requested.Swap(false) {
		h.runCycle(nil)
	}
	return h.large.Allocate(vtableID, size)
}

// AllocateWeak rejects: the Immix collector doesn't support weak
// references (only pkg/semispace does; see pkg/weakref).
func (h *Heap) AllocateWeak(uint32, *gcabi.Addr) (gcabi.Addr, error) {
	return 0, gcerr.ErrUnsupported
}

func (h *Heap) NotifyAllocated(bytes uintptr) {
	total := h.allocated.Add(uint64(bytes))
	if total >= h.threshold.Load() {
		h.requested.Store(true)
	}
}

func (h *Heap) RegisterFinalizer(headerAddr gcabi.Addr) {
	h.finalizerMu.Lock()
	h.finalizers = append(h.finalizers, headerAddr)
	h.finalizerMu.Unlock()
}

func (h *Heap) Collect(additionalRoots []*gcabi.Addr) { h.runCycle(additionalRoots) }

func (h *Heap) Barrier() *safepoint.Barrier { return h.group.Barrier() }

func (h *Heap) MediumThreshold() uintptr { return largeobj.LargeCutoff }

// Hint is an external "the host would like a collection soon" signal
// (e.g. a VM's explicit gc() builtin, or a host-level memory-pressure
// callback). It's rate-limited so a hot loop of hints can't starve
// mutators with back-to-back cycles.
func (h *Heap) Hint() {
	if h.hintLimiter.Allow() {
		h.requested.Store(true)
	}
}

// runCycle drives one stop-the-world collection: arm the safepoint,
// wait for every other attached mutator to park, run prepare/trace/
// finalize/sweep/decommit, then disarm. Serialized by cycleMu so
// concurrent triggers collapse into a single cycle.
func (h *Heap) runCycle(extraRoots []*gcabi.Addr) {
	h.cycleMu.Lock()
	defer h.cycleMu.Unlock()
	h.requested.Store(false)

	h.mu.Lock()
	mutators := append([]*mutator.Mutator(nil), h.mutators...)
	h.mu.Unlock()

	h.group.StopTheWorld()

	kind := CycleNormal
	headroomBytes := h.evacuationHeadroom()
	if h.penalty.Load() > 0 {
		kind = CycleDegenerate
		headroomBytes = 0 // degenerate cycles skip evacuation entirely
	}

	h.space.PrepareCycle()
	if headroomBytes > 0 {
		h.space.SelectEvacuationCandidates(headroomBytes)
	}

	var roots []*gcabi.Addr
	for _, m := range mutators {
		roots = append(roots, m.ShadowStack().Roots()...)
	}
	roots = append(roots, extraRoots...)

	workers := len(mutators)
	if workers < 1 {
		workers = 1
	}
	evacFailuresBefore := h.space.Stats().EvacuationFailures
	tracer.Trace(roots, h.combo, workers)
	if h.space.Stats().EvacuationFailures > evacFailuresBefore {
		h.publish(Diagnostic{Kind: "evacuation-failure", Err: gcerr.ErrEvacuationFailure, Cycle: kind})
	}

	// Finalizers run before the sweeps: the large-object sweep clears the
	// marks of survivors and frees dead entries, both of which
	// runFinalizers reads.
	h.runFinalizers()

	h.space.SweepCycle()
	h.large.Sweep()

	h.adjustThreshold(kind)
	h.maybeDecommit()

	h.group.Resume()

	h.cyclesRun.Add(1)
	if kind == CycleDegenerate {
		h.degenerate.Add(1)
	}
	h.publish(Diagnostic{Kind: "cycle", Cycle: kind, Stats: h.Stats()})
}

func (h *Heap) evacuationHeadroom() uintptr {
	stats := h.space.Stats()
	return uintptr(float64(stats.Chunks) * immix.ChunkSize * h.opts.EvacuationHeadroom)
}

// runFinalizers invokes finalizers on unmarked (unreachable) registered
// objects, isolating panics per spec §7 failure kind 5. It runs after the
// trace and before the sweeps, so marks are still intact; the storage of
// finalized objects is reclaimed by the sweeps that follow. This only runs
// host callbacks and drops them from the queue.
func (h *Heap) runFinalizers() {
	h.finalizerMu.Lock()
	pending := h.finalizers
	h.finalizers = nil
	h.finalizerMu.Unlock()

	var panics gcerr.FinalizerPanics
	var survivors []gcabi.Addr
	for _, headerAddr := range pending {
		hdr := gcabi.HeaderAt(headerAddr)
		if hdr.IsFree() {
			continue // storage already reclaimed by an earlier pass
		}
		if hdr.IsForwarded() {
			// Evacuated: keep tracking the object at its new address so
			// it's still finalized whenever it eventually dies.
			survivors = append(survivors, hdr.ForwardingAddress())
			continue
		}
		if hdr.IsMarked() {
			survivors = append(survivors, headerAddr)
			continue
		}
		h.runOneFinalizer(headerAddr, &panics)
	}

	h.finalizerMu.Lock()
	h.finalizers = append(h.finalizers, survivors...)
	h.finalizerMu.Unlock()

	if panics.Count() > 0 {
		h.publish(Diagnostic{Kind: "finalizer-panic", Err: panics.Err()})
	}
}

func (h *Heap) runOneFinalizer(headerAddr gcabi.Addr, panics *gcerr.FinalizerPanics) {
	defer func() {
		if r := recover(); r != nil {
			panics.Add(r)
		}
	}()
	hdr := gcabi.HeaderAt(headerAddr)
	vt := gcabi.VTableFor(hdr.VTable())
	if vt.Finalize != nil {
		vt.Finalize(headerAddr.Add(gcabi.HeaderSize))
	}
}

// adjustThreshold computes the next cycle's trigger threshold from
// current occupancy, applying the accumulated penalty from any
// degenerate/full cycle (spec §4.M: "future trigger thresholds are
// reduced so the next cycle starts earlier").
func (h *Heap) adjustThreshold(kind CycleKind) {
	h.allocated.Store(0)

	live := uint64(h.space.Stats().Chunks) * immix.ChunkSize
	next := live * 2
	if next < uint64(h.opts.MinHeapSize) {
		next = uint64(h.opts.MinHeapSize)
	}
	if max := uint64(h.opts.MaxHeapSize); next > max {
		next = max
	}

	if kind != CycleNormal {
		h.penalty.Add(1)
	} else if p := h.penalty.Load(); p > 0 {
		h.penalty.Store(p - 1)
	}
	if p := h.penalty.Load(); p > 0 {
		shave := next / 10 * uint64(p)
		if shave < next {
			next -= shave
		}
	}

	h.threshold.Store(next)
}

// Decommit eagerly returns excess free blocks to the OS outside a
// collection cycle, when opts.ElasticDecommit is set. The actual
// madvise(DONTNEED) primitive is pkg/vmem.Region.Decommit, reached via
// pkg/immix.Space.DecommitFree; decommitLimiter keeps a host that calls
// this in a tight loop from busy-looping the madvise syscall. A fuller
// policy would track per-chunk idle time and decommit the coldest chunks
// first.
func (h *Heap) Decommit() {
	if !h.opts.ElasticDecommit {
		return
	}
	if !h.decommitLimiter.Allow() {
		return
	}
	minFree := h.minFreeBlocks()
	n := h.space.DecommitFree(minFree)
	if n > 0 {
		log.WithFields(log.Fields{"blocks": n}).Debugf("heap: decommitted idle blocks")
	}
}

// minFreeBlocks is the number of free blocks DecommitFree leaves committed
// as a ready reserve: enough to satisfy one chunk's worth of allocation
// without paying a recommit on every single AcquireBlock.
func (h *Heap) minFreeBlocks() int { return immix.BlocksPerChunk }

// maybeDecommit runs the elastic-decommit pass at the end of a cycle when
// the reserved heap (chunks × ChunkSize) is over the soft target
// (MinHeapSize); at or below it, nothing is decommitted.
func (h *Heap) maybeDecommit() {
	if !h.opts.ElasticDecommit {
		return
	}
	live := uint64(h.space.Stats().Chunks) * immix.ChunkSize
	if live <= uint64(h.opts.MinHeapSize) {
		return
	}
	h.Decommit()
}

// ConservativeRoots is the opt-in ambiguous-root scan (opts.ConservativeRoots):
// given a slice of raw words read off a mutator's native stack or register
// file, it returns the subset that could be the payload-start address of a
// live Immix object, pinning each one so the tracer never moves it. Hosts
// whose compiler cannot emit precise stack maps call this instead of (or
// alongside) pkg/rootstack's precise frames.
func (h *Heap) ConservativeRoots(words []gcabi.Addr) []*gcabi.Addr {
	if !h.opts.ConservativeRoots {
		return nil
	}
	var roots []*gcabi.Addr
	for _, w := range words {
		headerAddr, ok := h.space.ConservativeLookup(w)
		if !ok {
			continue
		}
		gcabi.HeaderAt(headerAddr).SetPinned(true)
		payload := w
		roots = append(roots, &payload)
	}
	return roots
}
