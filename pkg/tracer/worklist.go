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

// Package tracer is the worklist-driven transitive closure (component K)
// shared by every collector: stop-the-world collectors drain a single
// Worklist; the concurrent-mark-sketch (pkg/cms) traces from its roots the
// same way and then drains the write barrier's separate worklist
// (pkg/barrier), grounded on
// comet's crates/comet/src/cms/marking_worklist.rs pairing of a main
// SegQueue with a write_barrier_worklist.
package tracer

import (
	"sync"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
)

// Worklist is a LIFO stack of grey objects awaiting a scan, safe for
// concurrent Push/Drain from multiple marker goroutines. Draining uses an
// active-worker count to detect termination: the worklist is exhausted
// only once it's empty AND no worker is mid-scan (a scan may push more
// work before it finishes).
type Worklist struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []gcabi.Addr
	active int
}

// NewWorklist returns an empty worklist.
func NewWorklist() *Worklist {
	w := &Worklist{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Push adds addr to the worklist. Called by a Visitor when it discovers a
// grey object, and by Drain's caller to seed roots.
func (w *Worklist) Push(addr gcabi.Addr) {
	w.mu.Lock()
	w.items = append(w.items, addr)
	w.cond.Signal()
	w.mu.Unlock()
}

// Len reports the number of items currently queued (not counting items
// mid-scan). Exposed for tests and statistics.
func (w *Worklist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Drain runs n worker goroutines (n>=1) calling scan once per popped
// item, until the worklist is exhausted and every worker is idle. Drain
// blocks until all workers exit.
func (w *Worklist) Drain(n int, scan func(gcabi.Addr)) {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			w.workerLoop(scan)
		}()
	}
	wg.Wait()
}

func (w *Worklist) workerLoop(scan func(gcabi.Addr)) {
	for {
		w.mu.Lock()
		for len(w.items) == 0 && w.active > 0 {
			w.cond.Wait()
		}
		if len(w.items) == 0 && w.active == 0 {
			w.cond.Broadcast() // wake siblings blocked in Wait so they can observe termination
			w.mu.Unlock()
			return
		}
		n := len(w.items) - 1
		addr := w.items[n]
		w.items = w.items[:n]
		w.active++
		w.mu.Unlock()

		scan(addr)

		w.mu.Lock()
		w.active--
		if w.active == 0 {
			w.cond.Broadcast()
		}
		w.mu.Unlock()
	}
}
