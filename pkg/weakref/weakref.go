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

// Package weakref is the weak-reference capability (spec §4.N). Per the
// spec's Open Question resolution, only a copying collector can cheaply
// tell "did this survive" from "was this forwarded" — so only
// pkg/semispace wires this package in; the Immix collector (pkg/heap) and
// pkg/minimark reject AllocateWeak with gcerr.ErrUnsupported, and
// pkg/cms/pkg/shenandoah have no AllocateWeak.
package weakref

import (
	"sync"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
)

// Ref is a weak handle to a managed object: Upgrade returns the object's
// current address as long as it survived the most recent collection that
// processed this table, and the zero value forever after it didn't.
type Ref struct {
	mu     sync.Mutex
	target gcabi.Addr // zero once cleared
}

// Upgrade returns the referent's current address, or ok=false if it has
// been cleared (the object did not survive a collection).
func (r *Ref) Upgrade() (addr gcabi.Addr, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target.IsZero() {
		return 0, false
	}
	return r.target, true
}

// Table is the set of weak references a collector must process once per
// cycle, after tracing completes and before the from-space is reclaimed.
type Table struct {
	mu   sync.Mutex
	refs []*Ref
}

// New returns an empty weak-reference table.
func New() *Table { return &Table{} }

// Track creates a Ref to target and registers it for processing at the
// end of the current (or next) cycle.
func (t *Table) Track(target gcabi.Addr) *Ref {
	r := &Ref{target: target}
	t.mu.Lock()
	t.refs = append(t.refs, r)
	t.mu.Unlock()
	return r
}

// Process walks every tracked ref after a trace completes. isForwarded
// reports whether the object originally at addr survived by being
// forwarded, in which case forwardedTo gives its new address; a ref whose
// referent wasn't forwarded is cleared. Cleared refs are dropped from the
// table; forwarded refs stay tracked at their new address and are checked
// again by the next Process.
func (t *Table) Process(isForwarded func(addr gcabi.Addr) (forwardedTo gcabi.Addr, ok bool)) {
	t.mu.Lock()
	refs := append([]*Ref(nil), t.refs...)
	t.refs = t.refs[:0]
	t.mu.Unlock()

	for _, r := range refs {
		r.mu.Lock()
		if !r.target.IsZero() {
			if newAddr, ok := isForwarded(r.target); ok {
				r.target = newAddr
				t.mu.Lock()
				t.refs = append(t.refs, r)
				t.mu.Unlock()
			} else {
				r.target = 0
			}
		}
		r.mu.Unlock()
	}
}

// Len reports the number of refs currently tracked. Exposed for tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}
