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

// Package safepoint is the cooperative stop-the-world protocol (component
// J): an armed/disarmed barrier that every mutator polls, and a registry
// the driver uses to know how many mutators must reach it before a cycle
// may proceed. Grounded on original_source/src/safepoint.rs's
// GlobalSafepoint/Barrier pair, translated from parking_lot's Condvar to
// sync.Cond.
package safepoint

import "sync"

// Barrier is the armed/disarmed gate mutators poll at a safepoint. Arm
// blocks no one by itself; it's the combination of Arm + each mutator's
// Poll that brings every running mutator to a stop.
type Barrier struct {
	mu        sync.Mutex
	armed     bool
	stopped   int
	cvResume  *sync.Cond
	cvStopped *sync.Cond
}

// NewBarrier returns a disarmed barrier.
func NewBarrier() *Barrier {
	b := &Barrier{}
	b.cvResume = sync.NewCond(&b.mu)
	b.cvStopped = sync.NewCond(&b.mu)
	return b
}

// Arm opens the barrier: subsequent Poll calls from any mutator will
// park until Disarm. Must not be called while already armed.
func (b *Barrier) Arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed {
		panic("safepoint: Arm called while already armed")
	}
	b.armed = true
	b.stopped = 0
}

// Disarm releases every parked mutator and closes the barrier.
func (b *Barrier) Disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed = false
	b.stopped = 0
	b.cvResume.Broadcast()
}

// IsArmed reports whether the barrier currently parks pollers.
func (b *Barrier) IsArmed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.armed
}

// WaitUntilStopped blocks until at least running mutators have called
// Poll since the last Arm. Called by the thread that armed the barrier,
// after Arm, before it's safe to scan roots or mutate line-mark state.
func (b *Barrier) WaitUntilStopped(running int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.stopped < running {
		b.cvStopped.Wait()
	}
}

// Poll is called by a mutator at a safepoint-eligible program point (the
// slow path of allocation, a backward branch, or an explicit yield). If
// the barrier is armed it counts itself as stopped, wakes the waiter, and
// parks until Disarm; it returns whether it parked.
func (b *Barrier) Poll() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		return false
	}
	b.stopped++
	b.cvStopped.Signal()
	for b.armed {
		b.cvResume.Wait()
	}
	return true
}

// Group tracks the set of mutators currently attached to a heap, so the
// driver knows how many must reach the barrier before a stop-the-world
// phase may proceed.
type Group struct {
	mu      sync.Mutex
	barrier *Barrier
	count   int
}

// NewGroup returns an empty mutator group with its own barrier.
func NewGroup() *Group {
	return &Group{barrier: NewBarrier()}
}

// Barrier returns the group's shared barrier, for mutators to Poll.
func (g *Group) Barrier() *Barrier { return g.barrier }

// Join registers one more mutator (spawn_mutator in the spec).
func (g *Group) Join() {
	g.mu.Lock()
	g.count++
	g.mu.Unlock()
}

// Leave deregisters a mutator (its join handle returned). Must not be
// called from inside a stop-the-world phase.
func (g *Group) Leave() {
	g.mu.Lock()
	g.count--
	g.mu.Unlock()
}

// StopTheWorld arms the barrier and blocks until every joined mutator other
// than the caller has polled into it. The caller is assumed to be one of
// the group's own joined mutators, driving the collection itself; since it
// isn't parked anywhere else, it is excluded from the count it waits on.
func (g *Group) StopTheWorld() {
	g.mu.Lock()
	running := g.count
	g.mu.Unlock()
	if running > 0 {
		running--
	}

	g.barrier.Arm()
	g.barrier.WaitUntilStopped(running)
}

// Resume disarms the barrier, releasing every parked mutator.
func (g *Group) Resume() { g.barrier.Disarm() }
