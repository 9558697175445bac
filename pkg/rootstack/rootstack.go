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

// Package rootstack is the per-mutator shadow stack (component I): a LIFO
// chain of scoped frames, each holding the addresses of locally-rooted
// objects. Grounded on original_source/src/stack.rs's LocalScope/Local
// pair, reshaped from Rust Drop-based RAII into explicit Go frames since
// Go has no destructors to hook a scope's exit.
package rootstack

import (
	"sync"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
)

// Frame is one scope's worth of roots: every call that wants the GC to
// keep an object alive while it runs pushes a Frame, registers the
// object's address, and pops the frame (via defer) on return.
//
// A Frame must only be used by the goroutine that created it; the shadow
// stack it belongs to is read by the collector only while that mutator
// is parked at a safepoint.
type Frame struct {
	stack *Stack
	roots []*gcabi.Addr
}

// Root registers addr as a live root for the lifetime of the frame. addr
// must point at a field the caller owns (a local variable, typically);
// the tracer may rewrite *addr in place if the object is evacuated, so
// callers must always read the managed pointer back through addr rather
// than caching a copy.
func (f *Frame) Root(addr *gcabi.Addr) {
	f.roots = append(f.roots, addr)
}

// Pop removes the frame from its stack. Frames must be popped in the
// reverse order they were pushed (the scope discipline the spec's
// rooting invariant assumes); Pop panics if called out of order.
func (f *Frame) Pop() {
	f.stack.mu.Lock()
	defer f.stack.mu.Unlock()

	n := len(f.stack.frames)
	if n == 0 || f.stack.frames[n-1] != f {
		panic("rootstack: frames popped out of LIFO order")
	}
	f.stack.frames = f.stack.frames[:n-1]
}

// Stack is a mutator's shadow stack: the chain of frames currently open
// on that mutator's call stack.
type Stack struct {
	mu     sync.Mutex
	frames []*Frame
}

// New returns an empty shadow stack for one mutator.
func New() *Stack {
	return &Stack{}
}

// PushFrame opens a new scope at the top of the stack.
func (s *Stack) PushFrame() *Frame {
	f := &Frame{stack: s}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return f
}

// Roots returns every root currently registered across all open frames,
// outermost first. Called by the collector only while the owning mutator
// is parked at a safepoint (see pkg/safepoint); the result aliases the
// frames' internal slices and must not be retained past the scan.
func (s *Stack) Roots() []*gcabi.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gcabi.Addr
	for _, f := range s.frames {
		out = append(out, f.roots...)
	}
	return out
}

// Depth reports the number of open frames. Exposed for tests and for
// catching scope leaks (a mutator that never unwinds to zero between
// top-level calls is holding roots it shouldn't).
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
