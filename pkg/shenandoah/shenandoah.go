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

// Package shenandoah is a skeleton of a region-based, mostly-concurrent
// collector: a region free set split into mutator- and collector-owned
// bitmaps (grounded on original_source/src/shenandoah/free_set.rs) and a
// Heuristics contract (grounded on
// original_source/src/shenandoah/heuristics.rs) that decides when a cycle
// should start and how badly a degenerate or full cycle should penalize
// future scheduling.
//
// Region evacuation, the concurrent mark/update-references protocol, and
// the collection-set copy itself are out of scope — the original leaves
// ShenandoahFreeSet and ShenandoahHeap as near-empty structs too, so this
// package's scope matches: the Heuristics interface is the part of the
// design complete enough to wire into pkg/heap's threshold/penalty
// accounting (see DESIGN.md).
package shenandoah

import (
	"time"

	"github.com/Starlight-JS/comet-sub001/pkg/linemap"
)

// RegionSize is the fixed span of one Shenandoah region.
const RegionSize = 4 * 1024 * 1024

// RegionData is the per-region bookkeeping the collection-set heuristic
// ranks by: how many garbage bytes a region holds, grounded on the
// original's RegionData{region, garbage}.
type RegionData struct {
	Index   int
	Garbage uintptr
}

// FreeSet splits a heap's regions into two pools: one mutators bump-
// allocate from directly, one reserved for the collector's own
// evacuation copies, each tracked as a bitmap over region index so
// leftmost/rightmost scans stay cheap. Grounded on
// ShenandoahFreeSet{mutator_free_bitmap, collector_free_bitmap, ...}.
type FreeSet struct {
	mutatorFree   *linemap.Table
	collectorFree *linemap.Table

	regions int
	max     uintptr

	mutatorLeftmost, mutatorRightmost     int
	collectorLeftmost, collectorRightmost int

	capacity uintptr
	used     uintptr
}

// NewFreeSet allocates a free set over the given region count, with every
// region initially unassigned to either pool.
func NewFreeSet(regions int, capacity uintptr) *FreeSet {
	return &FreeSet{
		mutatorFree:       linemap.New(regions),
		collectorFree:     linemap.New(regions),
		regions:           regions,
		capacity:          capacity,
		mutatorLeftmost:   regions,
		collectorLeftmost: regions,
	}
}

// AssignMutator marks region idx as mutator-owned free space.
func (f *FreeSet) AssignMutator(idx int) {
	f.mutatorFree.Mark(idx)
	if idx < f.mutatorLeftmost {
		f.mutatorLeftmost = idx
	}
	if idx > f.mutatorRightmost {
		f.mutatorRightmost = idx
	}
}

// AssignCollector marks region idx as reserved for evacuation copies.
func (f *FreeSet) AssignCollector(idx int) {
	f.collectorFree.Mark(idx)
	if idx < f.collectorLeftmost {
		f.collectorLeftmost = idx
	}
	if idx > f.collectorRightmost {
		f.collectorRightmost = idx
	}
}

// IsMutatorFree reports whether region idx is in the mutator pool.
func (f *FreeSet) IsMutatorFree(idx int) bool { return f.mutatorFree.IsMarked(idx) }

// IsCollectorFree reports whether region idx is reserved for the collector.
func (f *FreeSet) IsCollectorFree(idx int) bool { return f.collectorFree.IsMarked(idx) }

// Use records bytes as consumed out of the free set's capacity.
func (f *FreeSet) Use(bytes uintptr) { f.used += bytes }

// Used returns bytes consumed so far.
func (f *FreeSet) Used() uintptr { return f.used }

// Capacity returns the free set's total byte budget.
func (f *FreeSet) Capacity() uintptr { return f.capacity }

// Heuristics decides when a cycle should start and tracks the running
// penalty a degenerate or full cycle imposes on future scheduling,
// grounded on the ShenandoahHeuristics trait.
type Heuristics interface {
	// ShouldStartGC reports whether a new cycle should begin given that
	// guaranteedInterval has elapsed since the last one started.
	ShouldStartGC(guaranteedInterval time.Duration) bool

	// ChooseCollectionSet ranks data by reclaimable garbage (descending)
	// and returns as many regions as fit within free bytes of headroom.
	ChooseCollectionSet(data []RegionData, free uintptr) []RegionData

	// RecordCycle updates the penalty and streak counters after a cycle
	// of the given kind completes.
	RecordCycle(kind CycleKind, duration time.Duration)

	// Penalty returns the current accumulated scheduling penalty.
	Penalty() int
}

// CycleKind distinguishes a normal concurrent cycle from the degraded
// modes a collector falls back to under memory pressure.
type CycleKind int

const (
	CycleConcurrent CycleKind = iota
	CycleDegenerate
	CycleFull
)

// Penalty constants, bit-exact with the original's associated consts.
const (
	ConcurrentAdjust  = -1
	DegeneratePenalty = 10
	FullPenalty       = 20
)

// Adaptive is the default Heuristics implementation: it starts a cycle
// once guaranteedInterval has elapsed since the last one began, and
// shaves or grows that interval by a running penalty that rises sharply
// after degenerate/full cycles and relaxes by ConcurrentAdjust after each
// clean concurrent one.
type Adaptive struct {
	degeneratedCyclesInARow int
	successfulCyclesInARow int

	cycleStart   time.Time
	lastCycleEnd time.Time

	gcTimesLearned  int
	gcTimePenalties int
}

// NewAdaptive returns a heuristics tracker with no history.
func NewAdaptive() *Adaptive {
	now := time.Now()
	return &Adaptive{cycleStart: now, lastCycleEnd: now}
}

// ShouldStartGC reports whether guaranteedInterval (shaved by the current
// penalty) has elapsed since the last cycle began.
func (a *Adaptive) ShouldStartGC(guaranteedInterval time.Duration) bool {
	shave := time.Duration(a.gcTimePenalties) * time.Millisecond
	interval := guaranteedInterval - shave
	if interval < 0 {
		interval = 0
	}
	return time.Since(a.cycleStart) >= interval
}

// ChooseCollectionSet ranks data by Garbage descending and takes regions
// until their combined size would exceed free.
func (a *Adaptive) ChooseCollectionSet(data []RegionData, free uintptr) []RegionData {
	ranked := append([]RegionData(nil), data...)
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].Garbage > ranked[j-1].Garbage; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	var used uintptr
	var chosen []RegionData
	for _, r := range ranked {
		if used+RegionSize > free {
			break
		}
		chosen = append(chosen, r)
		used += RegionSize
	}
	return chosen
}

// RecordCycle updates the penalty and streak counters for a completed
// cycle of the given kind, then marks a fresh cycle as started.
func (a *Adaptive) RecordCycle(kind CycleKind, duration time.Duration) {
	switch kind {
	case CycleDegenerate:
		a.gcTimePenalties += DegeneratePenalty
		a.degeneratedCyclesInARow++
		a.successfulCyclesInARow = 0
	case CycleFull:
		a.gcTimePenalties += FullPenalty
		a.degeneratedCyclesInARow = 0
		a.successfulCyclesInARow = 0
	default:
		a.gcTimePenalties += ConcurrentAdjust
		if a.gcTimePenalties < 0 {
			a.gcTimePenalties = 0
		}
		a.degeneratedCyclesInARow = 0
		a.successfulCyclesInARow++
	}
	a.gcTimesLearned++
	a.lastCycleEnd = time.Now()
	a.cycleStart = a.lastCycleEnd
}

// Penalty returns the current accumulated scheduling penalty in
// milliseconds of interval shaved off ShouldStartGC's threshold.
func (a *Adaptive) Penalty() int { return a.gcTimePenalties }

// DegeneratedCyclesInARow returns the current degenerate-cycle streak.
func (a *Adaptive) DegeneratedCyclesInARow() int { return a.degeneratedCyclesInARow }

// SuccessfulCyclesInARow returns the current clean-cycle streak.
func (a *Adaptive) SuccessfulCyclesInARow() int { return a.successfulCyclesInARow }

// GCTimesLearned returns how many cycles have contributed to the running
// penalty estimate.
func (a *Adaptive) GCTimesLearned() int { return a.gcTimesLearned }

var _ Heuristics = (*Adaptive)(nil)
