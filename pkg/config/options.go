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

// Package config holds the options a host passes when constructing a heap,
// and an optional TOML file loader for hosts that prefer file-based tuning
// over programmatic construction.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// HeapOptions configures a Heap at construction time. Zero value is not
// valid on its own; use Default() and override fields.
type HeapOptions struct {
	// InitialHeapSize is the number of bytes reserved and committed
	// up-front.
	InitialHeapSize uintptr `toml:"initial_heap_size"`
	// MinHeapSize is the floor the collector will not decommit below.
	MinHeapSize uintptr `toml:"min_heap_size"`
	// MaxHeapSize is the ceiling enforced by the allocation slow path and
	// the trigger heuristic.
	MaxHeapSize uintptr `toml:"max_heap_size"`
	// Verbose is 0 (warnings only) through 3 (trace-level).
	Verbose int `toml:"verbose"`
	// ConservativeRoots enables an opt-in ambiguous stack scan that pins
	// any object whose address appears on an OS stack, for hosts whose
	// compiler cannot produce precise stack maps. It reduces evacuation
	// opportunities but never affects correctness.
	ConservativeRoots bool `toml:"conservative_roots"`
	// ElasticDecommit allows the collector to return excess free blocks to
	// the OS after a cycle when usage is well under MaxHeapSize.
	ElasticDecommit bool `toml:"elastic_decommit"`
	// EvacuationHeadroom is the fraction (0, 1) of the heap's free-block
	// budget the evacuation policy is allowed to spend selecting
	// candidates (see Immix space's evacuation policy).
	EvacuationHeadroom float64 `toml:"evacuation_headroom"`
	// GCHintInterval bounds how often an external "GC hint" from the host
	// is honored; hints arriving faster than this are dropped rather than
	// triggering back-to-back cycles.
	GCHintInterval time.Duration `toml:"gc_hint_interval"`
}

// Default returns the options used when a host does not supply its own.
func Default() HeapOptions {
	return HeapOptions{
		InitialHeapSize:    32 << 20,
		MinHeapSize:        16 << 20,
		MaxHeapSize:        1 << 30,
		Verbose:            0,
		ConservativeRoots:  false,
		ElasticDecommit:    true,
		EvacuationHeadroom: 0.25,
		GCHintInterval:     10 * time.Millisecond,
	}
}

// Validate rejects option combinations the driver cannot act on safely.
func (o HeapOptions) Validate() error {
	if o.MinHeapSize > o.MaxHeapSize {
		return errors.Errorf("config: min_heap_size %d exceeds max_heap_size %d", o.MinHeapSize, o.MaxHeapSize)
	}
	if o.InitialHeapSize > o.MaxHeapSize {
		return errors.Errorf("config: initial_heap_size %d exceeds max_heap_size %d", o.InitialHeapSize, o.MaxHeapSize)
	}
	if o.EvacuationHeadroom <= 0 || o.EvacuationHeadroom >= 1 {
		return errors.Errorf("config: evacuation_headroom %f must be in (0, 1)", o.EvacuationHeadroom)
	}
	return nil
}

// LoadFile decodes a TOML heap-configuration file on top of Default(),
// letting the file override only the fields it sets.
func LoadFile(path string) (HeapOptions, error) {
	opts := Default()
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return HeapOptions{}, errors.Wrapf(err, "config: loading %s", path)
	}
	if err := opts.Validate(); err != nil {
		return HeapOptions{}, err
	}
	return opts, nil
}
