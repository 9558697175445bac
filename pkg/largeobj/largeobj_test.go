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

package largeobj

import (
	"sort"
	"testing"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
)

func TestSizeClassesAreSortedAndCoverPreciseRun(t *testing.T) {
	classes := generateSizeClasses()
	if !sort.SliceIsSorted(classes, func(i, j int) bool { return classes[i] < classes[j] }) {
		t.Fatalf("size classes must be sorted ascending")
	}
	seen := map[uintptr]bool{}
	for _, sz := range classes {
		if seen[sz] {
			t.Fatalf("duplicate size class %d", sz)
		}
		seen[sz] = true
		if sz%SizeStep != 0 {
			t.Fatalf("size class %d is not a multiple of SizeStep", sz)
		}
	}
	if !seen[SizeStep] {
		t.Fatalf("expected the smallest precise size class (%d) to be present", SizeStep)
	}
	if classes[len(classes)-1] > LargeCutoff {
		t.Fatalf("largest size class %d exceeds LargeCutoff %d", classes[len(classes)-1], LargeCutoff)
	}
}

func TestClassIndexForPicksSmallestFit(t *testing.T) {
	classes := []uintptr{16, 32, 48, 80}
	if got := classIndexFor(classes, 20); got != 1 {
		t.Fatalf("classIndexFor(20) = %d, want 1 (class 32)", got)
	}
	if got := classIndexFor(classes, 16); got != 0 {
		t.Fatalf("classIndexFor(16) = %d, want 0 (exact fit)", got)
	}
}

func TestSpaceAllocateRoundTrip(t *testing.T) {
	s := NewSpace()
	addr, err := s.Allocate(9, 100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	hdr := gcabi.HeaderAt(addr.Sub(gcabi.HeaderSize))
	if hdr.VTable() != 9 {
		t.Fatalf("VTable() = %d, want 9", hdr.VTable())
	}
	if hdr.Size() != 100 {
		t.Fatalf("Size() = %d, want 100", hdr.Size())
	}
	if !s.Owns(addr.Sub(gcabi.HeaderSize)) {
		t.Fatalf("space should own an address it just allocated")
	}
}

func TestSpaceAllocateRefillsFreeListFromPage(t *testing.T) {
	s := NewSpace()
	var addrs []gcabi.Addr
	for i := 0; i < 64; i++ {
		addr, err := s.Allocate(1, 50)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}
	seen := map[gcabi.Addr]bool{}
	for _, a := range addrs {
		if seen[a] {
			t.Fatalf("allocate returned the same address twice: %v", a)
		}
		seen[a] = true
	}
}

func TestSweepReclaimsUnmarkedAndKeepsMarked(t *testing.T) {
	s := NewSpace()
	live, err := s.Allocate(1, 40)
	if err != nil {
		t.Fatalf("Allocate live: %v", err)
	}
	dead, err := s.Allocate(1, 40)
	if err != nil {
		t.Fatalf("Allocate dead: %v", err)
	}

	gcabi.HeaderAt(live.Sub(gcabi.HeaderSize)).Mark()
	// dead is left unmarked.

	s.Sweep()

	if gcabi.HeaderAt(live.Sub(gcabi.HeaderSize)).IsMarked() {
		t.Fatalf("surviving object's mark bit should be reset after sweep")
	}
	if !gcabi.HeaderAt(dead.Sub(gcabi.HeaderSize)).IsFree() {
		t.Fatalf("unmarked object should be re-threaded onto the free list as free")
	}

	// Re-allocating the same size class should reuse the freed entry.
	reused, err := s.Allocate(2, 40)
	if err != nil {
		t.Fatalf("Allocate after sweep: %v", err)
	}
	if gcabi.HeaderAt(reused.Sub(gcabi.HeaderSize)).IsFree() {
		t.Fatalf("reused entry should no longer report free")
	}
}

func TestDiscoverNeverMovesLargeObjects(t *testing.T) {
	s := NewSpace()
	addr, err := s.Allocate(1, 200)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	headerAddr := addr.Sub(gcabi.HeaderSize)
	if got := s.Discover(headerAddr); got != addr {
		t.Fatalf("Discover on large-object space must return the same address, got %v want %v", got, addr)
	}
}
