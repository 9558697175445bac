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

package rootstack

import (
	"testing"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
)

func TestPushFrameAndRootsOutermostFirst(t *testing.T) {
	s := New()
	f1 := s.PushFrame()
	var a gcabi.Addr = 0x1000
	f1.Root(&a)

	f2 := s.PushFrame()
	var b gcabi.Addr = 0x2000
	f2.Root(&b)

	roots := s.Roots()
	if len(roots) != 2 {
		t.Fatalf("Roots() len = %d, want 2", len(roots))
	}
	if *roots[0] != a || *roots[1] != b {
		t.Fatalf("roots not in outermost-first order")
	}

	f2.Pop()
	f1.Pop()
	if s.Depth() != 0 {
		t.Fatalf("Depth() after popping every frame = %d, want 0", s.Depth())
	}
}

func TestFrameRootSeesRewrite(t *testing.T) {
	s := New()
	f := s.PushFrame()
	addr := gcabi.Addr(0x42)
	f.Root(&addr)

	roots := s.Roots()
	*roots[0] = gcabi.Addr(0x99)
	if addr != 0x99 {
		t.Fatalf("a tracer rewriting the rooted field should be visible through the original variable")
	}
	f.Pop()
}

func TestPopOutOfLIFOOrderPanics(t *testing.T) {
	s := New()
	f1 := s.PushFrame()
	f2 := s.PushFrame()
	_ = f2

	defer func() {
		if recover() == nil {
			t.Fatalf("popping out of LIFO order should panic")
		}
	}()
	f1.Pop()
}

func TestDepthTracksOpenFrames(t *testing.T) {
	s := New()
	if s.Depth() != 0 {
		t.Fatalf("fresh stack should have depth 0")
	}
	f1 := s.PushFrame()
	if s.Depth() != 1 {
		t.Fatalf("depth after one push = %d, want 1", s.Depth())
	}
	f2 := s.PushFrame()
	if s.Depth() != 2 {
		t.Fatalf("depth after two pushes = %d, want 2", s.Depth())
	}
	f2.Pop()
	f1.Pop()
	if s.Depth() != 0 {
		t.Fatalf("depth after popping both = %d, want 0", s.Depth())
	}
}
