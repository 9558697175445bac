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

// Package barrier is the retreating-wavefront write barrier (component
// L) used by concurrent-marking collectors: a store into an already-black
// object re-greys it so the new field value is picked up by the
// concurrent marker instead of being missed by a wavefront that has
// already swept past it. Grounded on
// original_source/crates/comet/src/cms/write_barrier.rs.
package barrier

import (
	"sync/atomic"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/tracer"
)

// Barrier is disabled outside a concurrent marking cycle: stop-the-world
// collectors never enable it, since nothing mutates while marking runs.
type Barrier struct {
	wl      *tracer.Worklist
	enabled atomic.Bool
}

// New returns a barrier that pushes re-greyed objects onto wl.
func New(wl *tracer.Worklist) *Barrier {
	return &Barrier{wl: wl}
}

// Enable arms the barrier for the duration of a concurrent marking cycle.
func (b *Barrier) Enable() { b.enabled.Store(true) }

// Disable turns the barrier back off once marking has reached a fixpoint.
func (b *Barrier) Disable() { b.enabled.Store(false) }

// IsEnabled reports whether the barrier is currently active.
func (b *Barrier) IsEnabled() bool { return b.enabled.Load() }

// OnWrite must be called whenever a mutator stores a managed pointer into
// a field of containerHeaderAddr's object, before or after the store (the
// barrier only cares about the container's color, not the value
// written). If the container was already scanned (Black) this cycle, it's
// re-greyed and pushed back onto the marking worklist so the concurrent
// marker revisits it and picks up the new field value; if marking hasn't
// reached it yet, or the barrier is disabled, this is a no-op.
func (b *Barrier) OnWrite(containerHeaderAddr gcabi.Addr) {
	if !b.enabled.Load() {
		return
	}
	hdr := gcabi.HeaderAt(containerHeaderAddr)
	if hdr.SetColor(gcabi.Black, gcabi.Grey) {
		b.wl.Push(containerHeaderAddr.Add(gcabi.HeaderSize))
	}
}
