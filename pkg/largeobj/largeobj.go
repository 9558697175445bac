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

// Package largeobj is the segregated-fit large-object space (component G):
// objects too big for the Immix space's bump allocator live here, in
// pages carved into fixed-size segregated free lists. Grounded on
// original_source/src/segregated_space/{size_class,free_list,page}.rs.
package largeobj

import (
	"math"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/log"
	"github.com/Starlight-JS/comet-sub001/pkg/vmem"
)

// Numeric constants, bit-exact with spec §6 and the original's page.rs /
// size_class.rs (scaled from a 128 KiB page there to the same here).
const (
	PageSize      = 128 * 1024
	SizeStep      = 16
	PreciseCutoff = 80
	LargeCutoff   = (PageSize / 2) &^ (SizeStep - 1)
	NumSizeClasses = LargeCutoff/SizeStep + 1
)

// sizeClassProgression is the geometric ratio used to generate size
// classes above PreciseCutoff. The original leaves this a tuning
// parameter; 1.4 matches the spacing jemalloc/tcmalloc-style allocators
// commonly use between PreciseCutoff and LargeCutoff.
const sizeClassProgression = 1.4

func roundUpToStep(x uintptr) uintptr {
	return (x + SizeStep - 1) &^ (SizeStep - 1)
}

// generateSizeClasses reproduces size_class.rs's size_classes(): a
// precise run of every 16-byte multiple below PreciseCutoff, then a
// geometric run up to LargeCutoff, plus a mandatory 256-byte class,
// deduplicated and sorted.
func generateSizeClasses() []uintptr {
	var out []uintptr
	seen := map[uintptr]bool{}
	add := func(sz uintptr) {
		sz = roundUpToStep(sz)
		if seen[sz] {
			return
		}
		seen[sz] = true
		out = append(out, sz)
	}

	for sz := uintptr(SizeStep); sz < PreciseCutoff; sz += SizeStep {
		add(sz)
	}
	for i := 0; ; i++ {
		approx := float64(PreciseCutoff) * math.Pow(sizeClassProgression, float64(i))
		if uintptr(approx) > LargeCutoff {
			break
		}
		add(uintptr(approx))
	}
	add(256)

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// classIndexFor returns the index into Space.classes of the smallest
// size class that fits a size-byte payload.
func classIndexFor(classes []uintptr, size uintptr) int {
	return sort.Search(len(classes), func(i int) bool { return classes[i] >= size })
}

// freeList is one size class's singly-linked list of free entries,
// threaded through the free headers themselves (spec §4.A: a free header
// repurposes its payload word as the next pointer).
type freeList struct {
	mu   sync.Mutex
	size uintptr
	head gcabi.Addr
}

func (fl *freeList) take() (gcabi.Addr, bool) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.head.IsZero() {
		return 0, false
	}
	headerAddr := fl.head
	fl.head = gcabi.HeaderAt(headerAddr).FreeListNext()
	return headerAddr, true
}

func (fl *freeList) add(headerAddr gcabi.Addr) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	hdr := gcabi.HeaderAt(headerAddr)
	hdr.SetFree()
	hdr.SetFreeListNext(fl.head)
	fl.head = headerAddr
}

// page is one PageSize region committed from the OS and carved into a
// single size class's entries.
type page struct {
	region     *vmem.Region
	base       gcabi.Addr
	classIndex int
	stride     uintptr
	count      int
}

func (p *page) end() gcabi.Addr { return p.base.Add(uintptr(p.count) * p.stride) }

func (p *page) contains(addr gcabi.Addr) bool { return addr >= p.base && addr < p.end() }

// Space is the large-object space: one freeList per size class, backed
// by pages reserved from the OS on demand. Space implements tracer.Space.
type Space struct {
	classes []uintptr
	lists   []*freeList

	mu    sync.Mutex
	pages []*page
	tree  *btree.BTreeG[pageEntry]
}

type pageEntry struct {
	base gcabi.Addr
	p    *page
}

func pageEntryLess(a, b pageEntry) bool { return a.base < b.base }

// NewSpace returns an empty large-object space.
func NewSpace() *Space {
	classes := generateSizeClasses()
	lists := make([]*freeList, len(classes))
	for i, sz := range classes {
		lists[i] = &freeList{size: sz}
	}
	return &Space{classes: classes, lists: lists, tree: btree.NewG(32, pageEntryLess)}
}

// SizeClasses returns the space's generated size classes, smallest first.
// Exposed for diagnostics and tests.
func (s *Space) SizeClasses() []uintptr { return append([]uintptr(nil), s.classes...) }

// Owns reports whether addr was allocated from this space.
func (s *Space) Owns(addr gcabi.Addr) bool { return s.pageFor(addr) != nil }

func (s *Space) pageFor(addr gcabi.Addr) *page {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found pageEntry
	ok := false
	s.tree.DescendLessOrEqual(pageEntry{base: addr}, func(item pageEntry) bool {
		found = item
		ok = true
		return false
	})
	if !ok || !found.p.contains(addr) {
		return nil
	}
	return found.p
}

// Allocate returns a fresh object of the given vtable and payload size,
// rounding up to the object's size class. Never returns objects with
// payload larger than LargeCutoff; the mutator is responsible for routing
// only oversized requests here.
func (s *Space) Allocate(vtableID uint32, size uintptr) (gcabi.Addr, error) {
	idx := classIndexFor(s.classes, size)
	if idx == len(s.classes) {
		idx = len(s.classes) - 1
	}
	fl := s.lists[idx]

	headerAddr, ok := fl.take()
	if !ok {
		var err error
		headerAddr, err = s.refill(idx)
		if err != nil {
			return 0, err
		}
	}

	hdr := gcabi.HeaderAt(headerAddr)
	hdr.Reset(vtableID)
	hdr.SetSize(size)
	return headerAddr.Add(gcabi.HeaderSize), nil
}

// refill commits a fresh page, carves it into class-sized entries, and
// returns one (the rest seed the class's free list).
func (s *Space) refill(idx int) (gcabi.Addr, error) {
	region, err := vmem.Reserve(PageSize, PageSize)
	if err != nil {
		return 0, err
	}
	if err := region.Commit(0, PageSize); err != nil {
		return 0, err
	}
	stride := gcabi.HeaderSize + s.classes[idx]
	count := PageSize / int(stride)

	p := &page{region: region, base: region.Base(), classIndex: idx, stride: stride, count: count}

	s.mu.Lock()
	s.pages = append(s.pages, p)
	s.tree.ReplaceOrInsert(pageEntry{base: p.base, p: p})
	s.mu.Unlock()

	fl := s.lists[idx]
	first := p.base
	for i := 1; i < count; i++ {
		fl.add(p.base.Add(uintptr(i) * stride))
	}

	log.WithFields(log.Fields{"class": s.classes[idx], "entries": count}).Debugf("largeobj: refilled page")
	return first, nil
}

// Discover implements tracer.Space: large objects never move.
func (s *Space) Discover(headerAddr gcabi.Addr) gcabi.Addr {
	return headerAddr.Add(gcabi.HeaderSize)
}

// Sweep walks every page's entries, re-threading unmarked (dead) objects
// back onto their size class's free list and clearing the mark bit of
// survivors ahead of the next cycle.
func (s *Space) Sweep() {
	s.mu.Lock()
	pages := append([]*page(nil), s.pages...)
	s.mu.Unlock()

	for _, p := range pages {
		fl := s.lists[p.classIndex]
		for i := 0; i < p.count; i++ {
			headerAddr := p.base.Add(uintptr(i) * p.stride)
			hdr := gcabi.HeaderAt(headerAddr)
			if hdr.IsFree() {
				continue
			}
			if hdr.IsMarked() {
				hdr.ResetMark()
				continue
			}
			fl.add(headerAddr)
		}
	}
}
