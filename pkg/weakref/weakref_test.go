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

package weakref

import (
	"testing"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
)

func TestUpgradeBeforeProcessReturnsOriginalTarget(t *testing.T) {
	table := New()
	ref := table.Track(0x1000)

	addr, ok := ref.Upgrade()
	if !ok || addr != 0x1000 {
		t.Fatalf("Upgrade = (%v, %v), want (0x1000, true)", addr, ok)
	}
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}
}

func TestProcessClearsUnforwarded(t *testing.T) {
	table := New()
	ref := table.Track(0x1000)

	table.Process(func(addr gcabi.Addr) (gcabi.Addr, bool) {
		return 0, false
	})

	if _, ok := ref.Upgrade(); ok {
		t.Fatalf("a ref whose target was not forwarded should be cleared after Process")
	}
	if table.Len() != 0 {
		t.Fatalf("a cleared ref should not be re-tracked for the next cycle, Len() = %d", table.Len())
	}
}

func TestProcessUpdatesForwardedRefsAndKeepsTracking(t *testing.T) {
	table := New()
	ref := table.Track(0x1000)

	table.Process(func(addr gcabi.Addr) (gcabi.Addr, bool) {
		if addr == 0x1000 {
			return 0x2000, true
		}
		return 0, false
	})

	addr, ok := ref.Upgrade()
	if !ok || addr != 0x2000 {
		t.Fatalf("Upgrade after forwarding = (%v, %v), want (0x2000, true)", addr, ok)
	}
	if table.Len() != 1 {
		t.Fatalf("a forwarded ref should remain tracked for the next cycle, Len() = %d", table.Len())
	}
}

func TestProcessIgnoresAlreadyClearedRefs(t *testing.T) {
	table := New()
	ref := table.Track(0x1000)
	table.Process(func(gcabi.Addr) (gcabi.Addr, bool) { return 0, false })

	// A second cycle over an already-empty table must not panic or revive
	// the cleared ref.
	table.Process(func(gcabi.Addr) (gcabi.Addr, bool) { return 0x9999, true })

	if _, ok := ref.Upgrade(); ok {
		t.Fatalf("a ref cleared in an earlier cycle must stay cleared")
	}
}
