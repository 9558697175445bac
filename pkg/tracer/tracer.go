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

package tracer

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
)

// Space is the per-collector hook the tracer needs beyond the generic
// worklist/vtable machinery: turning a discovered pointer into a
// (possibly rewritten) surviving pointer. pkg/immix, pkg/semispace, and
// pkg/minimark each provide one.
type Space interface {
	// Discover is called exactly once per object the instant its color
	// transitions White->Grey. It implements the mark-only or evacuation
	// path of spec §4.K and returns the address that should replace the
	// field being traced (identical to headerAddr's payload unless the
	// object was evacuated or was already forwarded).
	Discover(headerAddr gcabi.Addr) (survivingPayload gcabi.Addr)
}

// visitor adapts a Space and a Worklist into a gcabi.Visitor: it is handed
// to every object's Trace method and to the root scan.
type visitor struct {
	space Space
	wl    *Worklist
}

func (v *visitor) Visit(field *gcabi.Addr) {
	target := *field
	if target.IsZero() {
		return
	}
	headerAddr := target.Sub(gcabi.HeaderSize)
	hdr := gcabi.HeaderAt(headerAddr)

	if hdr.IsForwarded() {
		*field = hdr.ForwardingAddress().Add(gcabi.HeaderSize)
		return
	}

	if !hdr.SetColor(gcabi.White, gcabi.Grey) {
		// Already grey or black: either another thread is ahead of us in
		// the race, or the old field value already points at a live
		// object we've seen before along another path in the graph.
		// Forwarding may still have completed concurrently; re-check.
		if hdr.IsForwarded() {
			*field = hdr.ForwardingAddress().Add(gcabi.HeaderSize)
		}
		return
	}

	surviving := v.space.Discover(headerAddr)
	*field = surviving
	v.wl.Push(surviving)
}

// Trace runs the transitive closure: it visits every root (rewriting
// forwarded pointers and seeding the worklist), then drains the worklist
// with workers goroutines, invoking each discovered object's registered
// Trace method through gcabi's vtable registry and transitioning it
// Grey->Black once scanned.
//
// workers <= 0 means GOMAXPROCS goroutines; most stop-the-world cycles use
// a handful since the work is memory-bandwidth, not CPU, bound.
func Trace(roots []*gcabi.Addr, space Space, workers int) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	wl := NewWorklist()
	v := &visitor{space: space, wl: wl}

	for _, root := range roots {
		v.Visit(root)
	}

	wl.Drain(workers, func(payload gcabi.Addr) {
		headerAddr := payload.Sub(gcabi.HeaderSize)
		hdr := gcabi.HeaderAt(headerAddr)
		vt := gcabi.VTableFor(hdr.VTable())
		vt.Trace(payload, v)
		hdr.SetColor(gcabi.Grey, gcabi.Black)
	})
}

// TraceConcurrent is the same closure but run via an errgroup. Its workers
// report no errors, so it returns nil once the worklist drains; a panic in
// a worker is not converted into an error.
func TraceConcurrent(roots []*gcabi.Addr, space Space, workers int) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	wl := NewWorklist()
	v := &visitor{space: space, wl: wl}
	for _, root := range roots {
		v.Visit(root)
	}

	g := new(errgroup.Group)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			wl.workerLoop(func(payload gcabi.Addr) {
				headerAddr := payload.Sub(gcabi.HeaderSize)
				hdr := gcabi.HeaderAt(headerAddr)
				vt := gcabi.VTableFor(hdr.VTable())
				vt.Trace(payload, v)
				hdr.SetColor(gcabi.Grey, gcabi.Black)
			})
			return nil
		})
	}
	return g.Wait()
}
