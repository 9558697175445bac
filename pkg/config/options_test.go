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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate, got %v", err)
	}
}

func TestValidateRejectsMinAboveMax(t *testing.T) {
	o := Default()
	o.MinHeapSize = o.MaxHeapSize + 1
	if err := o.Validate(); err == nil {
		t.Fatalf("expected an error when min_heap_size exceeds max_heap_size")
	}
}

func TestValidateRejectsInitialAboveMax(t *testing.T) {
	o := Default()
	o.InitialHeapSize = o.MaxHeapSize + 1
	if err := o.Validate(); err == nil {
		t.Fatalf("expected an error when initial_heap_size exceeds max_heap_size")
	}
}

func TestValidateRejectsEvacuationHeadroomOutOfRange(t *testing.T) {
	for _, bad := range []float64{0, 1, -0.1, 1.5} {
		o := Default()
		o.EvacuationHeadroom = bad
		if err := o.Validate(); err == nil {
			t.Fatalf("evacuation_headroom=%v should be rejected", bad)
		}
	}
}

func TestLoadFileOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heap.toml")
	contents := "verbose = 2\nmax_heap_size = 2147483648\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if opts.Verbose != 2 {
		t.Fatalf("Verbose = %d, want 2", opts.Verbose)
	}
	if opts.MaxHeapSize != 2147483648 {
		t.Fatalf("MaxHeapSize = %d, want 2147483648", opts.MaxHeapSize)
	}

	// Every field the file didn't mention should retain its Default() value;
	// diff the whole struct with the two overridden fields patched back in,
	// so any unintended drift on an untouched field shows up by name.
	want := Default()
	want.Verbose = 2
	want.MaxHeapSize = 2147483648
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Fatalf("LoadFile() result mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileRejectsInvalidOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("min_heap_size = 99999999999\nmax_heap_size = 100\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("LoadFile should reject a file producing an invalid combination")
	}
}

func TestLoadFileMissingPath(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("LoadFile should error on a missing file")
	}
}
