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

// Package gcerr is the failure taxonomy described by the collector's error
// handling design: allocation failure, VM reservation failure, contract
// violation, evacuation failure, and finalizer panic. Recoverable failures
// are returned; fatal failures are wrapped with call-site context via
// github.com/pkg/errors before the caller decides whether to panic.
package gcerr

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ErrAllocationFailure is returned to the mutator when an allocation
// request still cannot be satisfied after a collection cycle. The host
// decides between panicking, backpressure, or resizing the heap.
var ErrAllocationFailure = errors.New("comet: allocation failed after collection")

// ErrUnsupported is returned by collectors that do not implement an
// operation, rather than defining it with undefined behavior. The Immix
// collector (pkg/heap) and minimark return this from AllocateWeak; the cms
// and shenandoah skeletons have no AllocateWeak, and only semispace
// implements weak references (spec Open Question resolution).
var ErrUnsupported = errors.New("comet: operation not supported by this collector")

// ErrEvacuationFailure indicates the current cycle could not find a clean
// block to evacuate into. It is always recovered from by downgrading the
// copy to an in-place mark; the failure is counted in
// immix.Stats.EvacuationFailures and reported on Heap.Diagnostics. The
// driver does not change the kind of the next cycle in response. Callers
// should not treat this as fatal.
var ErrEvacuationFailure = errors.New("comet: evacuation target exhausted")

// ReservationError wraps a failure to reserve, commit, or decommit a region
// of virtual memory. It is always fatal: the heap's size invariants cannot
// be guaranteed once a reservation has failed partway through.
type ReservationError struct {
	Op    string
	Bytes uintptr
	cause error
}

func NewReservationError(op string, bytes uintptr, cause error) *ReservationError {
	return &ReservationError{Op: op, Bytes: bytes, cause: errors.WithStack(cause)}
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("comet: %s failed for %d bytes: %v", e.Op, e.Bytes, e.cause)
}

func (e *ReservationError) Unwrap() error { return e.cause }

// ContractViolation reports a broken invariant the host's code is
// responsible for: tracing an uninitialized field, rooting discipline
// broken, or using a weak reference with an unsupported collector. These
// are host bugs; per spec §7 the library is free to abort, so constructors
// of ContractViolation are typically passed straight to panic.
type ContractViolation struct {
	Detail string
}

func NewContractViolation(format string, args ...any) *ContractViolation {
	return &ContractViolation{Detail: fmt.Sprintf(format, args...)}
}

func (e *ContractViolation) Error() string {
	return "comet: contract violation: " + e.Detail
}

// FinalizerPanics aggregates every finalizer panic recovered during a
// single finalize phase (§7 failure kind 5: isolated, reported, finalization
// of other objects continues). A nil *FinalizerPanics means no finalizer
// panicked this cycle.
type FinalizerPanics struct {
	errs *multierror.Error
}

// Add records one recovered finalizer panic.
func (f *FinalizerPanics) Add(recovered any) *FinalizerPanics {
	if f == nil {
		f = &FinalizerPanics{}
	}
	f.errs = multierror.Append(f.errs, fmt.Errorf("finalizer panicked: %v", recovered))
	return f
}

// Err returns nil if no finalizer panicked, else the aggregated error.
func (f *FinalizerPanics) Err() error {
	if f == nil || f.errs == nil {
		return nil
	}
	return f.errs.ErrorOrNil()
}

// Count returns the number of recovered panics.
func (f *FinalizerPanics) Count() int {
	if f == nil || f.errs == nil {
		return 0
	}
	return len(f.errs.Errors)
}
