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

package gcerr

import (
	"errors"
	"strings"
	"testing"
)

func TestReservationErrorWrapsCause(t *testing.T) {
	cause := errors.New("mmap: cannot allocate memory")
	err := NewReservationError("reserve chunk", 4096, cause)

	if !strings.Contains(err.Error(), "reserve chunk") || !strings.Contains(err.Error(), "4096") {
		t.Fatalf("Error() = %q, want it to mention the op and byte count", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true via Unwrap")
	}
}

func TestContractViolationFormatsDetail(t *testing.T) {
	err := NewContractViolation("field %d uninitialized", 3)
	want := "comet: contract violation: field 3 uninitialized"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestFinalizerPanicsNilIsSafe(t *testing.T) {
	var f *FinalizerPanics
	if err := f.Err(); err != nil {
		t.Fatalf("nil *FinalizerPanics.Err() = %v, want nil", err)
	}
	if n := f.Count(); n != 0 {
		t.Fatalf("nil *FinalizerPanics.Count() = %d, want 0", n)
	}
}

func TestFinalizerPanicsAccumulates(t *testing.T) {
	var f *FinalizerPanics
	f = f.Add("boom 1")
	f = f.Add("boom 2")

	if f.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", f.Count())
	}
	err := f.Err()
	if err == nil {
		t.Fatalf("Err() should be non-nil after recording panics")
	}
	if !strings.Contains(err.Error(), "boom 1") || !strings.Contains(err.Error(), "boom 2") {
		t.Fatalf("Err() = %q, want it to mention both recovered panics", err.Error())
	}
}
