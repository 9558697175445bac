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

// Package vmem is the virtual-memory shim (component B): reserve, commit,
// decommit aligned regions. Every space (Immix, large-object) carves its
// blocks, chunks, and pages out of a Region.
package vmem

import (
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/gcerr"
	"github.com/Starlight-JS/comet-sub001/pkg/log"
)

// Region is a contiguous span of address space reserved from the OS. A
// freshly reserved region is PROT_NONE everywhere; callers must Commit the
// sub-ranges they intend to touch.
type Region struct {
	base uintptr
	size uintptr
}

// byteView returns a []byte over an arbitrary sub-range of reserved
// address space, for passing to unix.Mprotect/Madvise/Munmap, which all
// take a []byte rather than a raw pointer.
func byteView(addr, length uintptr) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// Reserve reserves size bytes of address space, aligned to align (which
// must be a power of two). The region is reserved but not committed: no
// physical memory backs it until Commit is called.
//
// Transient mmap failures (ENOMEM/EAGAIN, observed under allocator
// pressure from other processes) are retried with bounded exponential
// backoff; a failure that persists through the backoff budget is fatal
// per spec §7 failure kind 2.
func Reserve(size, align uintptr) (*Region, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, gcerr.NewContractViolation("vmem: alignment %d is not a power of two", align)
	}

	// Over-allocate so we can trim to an aligned sub-range, then shrink
	// the reservation back down with two munmaps (classic aligned-mmap
	// idiom).
	padded := size + align

	var mapping []byte
	op := func() error {
		m, err := unix.Mmap(-1, 0, int(padded), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			if err == unix.ENOMEM || err == unix.EAGAIN {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		mapping = m
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, gcerr.NewReservationError("mmap reserve", padded, err)
	}

	base := uintptr(unsafe.Pointer(&mapping[0]))
	aligned := (base + align - 1) &^ (align - 1)

	// Trim the slack before and after the aligned window. These are
	// best-effort: a failed trim leaves extra PROT_NONE address space
	// mapped, which wastes no physical memory and is not fatal.
	if lead := aligned - base; lead > 0 {
		if err := unix.Munmap(byteView(base, lead)); err != nil {
			log.Warnf("vmem: trimming leading %d bytes failed: %v", lead, err)
		}
	}
	tailStart := aligned + size
	tailLen := (base + padded) - tailStart
	if tailLen > 0 {
		if err := unix.Munmap(byteView(tailStart, tailLen)); err != nil {
			log.Warnf("vmem: trimming trailing %d bytes failed: %v", tailLen, err)
		}
	}

	log.Debugf("vmem: reserved %d bytes aligned to %d at %#x", size, align, aligned)
	return &Region{base: aligned, size: size}, nil
}

// Base returns the region's starting address.
func (r *Region) Base() gcabi.Addr { return gcabi.Addr(r.base) }

// Size returns the region's length in bytes.
func (r *Region) Size() uintptr { return r.size }

// Contains reports whether addr falls within the region.
func (r *Region) Contains(addr gcabi.Addr) bool {
	a := uintptr(addr)
	return a >= r.base && a < r.base+r.size
}

// Commit makes [offset, offset+length) within the region readable and
// writable, backing it with physical memory on first touch.
func (r *Region) Commit(offset, length uintptr) error {
	if offset+length > r.size {
		return gcerr.NewContractViolation("vmem: commit range [%d,%d) exceeds region size %d", offset, offset+length, r.size)
	}
	if length == 0 {
		return nil
	}
	err := unix.Mprotect(byteView(r.base+offset, length), unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return gcerr.NewReservationError("mprotect commit", length, err)
	}
	return nil
}

// Decommit releases the physical backing of [offset, offset+length) back
// to the OS (MADV_DONTNEED) and restores PROT_NONE, without releasing the
// address-space reservation itself. Used by the driver's elastic-decommit
// policy, through pkg/immix's Chunk.DecommitBlock.
func (r *Region) Decommit(offset, length uintptr) error {
	if offset+length > r.size {
		return gcerr.NewContractViolation("vmem: decommit range [%d,%d) exceeds region size %d", offset, offset+length, r.size)
	}
	if length == 0 {
		return nil
	}
	view := byteView(r.base+offset, length)
	if err := unix.Madvise(view, unix.MADV_DONTNEED); err != nil {
		log.Warnf("vmem: madvise(DONTNEED, %#x, %d) failed: %v", r.base+offset, length, err)
	}
	if err := unix.Mprotect(view, unix.PROT_NONE); err != nil {
		return gcerr.NewReservationError("mprotect decommit", length, err)
	}
	return nil
}

// Release returns the entire region's address space to the OS. The Region
// must not be used afterward.
func (r *Region) Release() error {
	if err := unix.Munmap(byteView(r.base, r.size)); err != nil {
		return gcerr.NewReservationError("munmap release", r.size, err)
	}
	return nil
}

// DefaultDecommitMinInterval is the minimum spacing the driver enforces
// between elastic-decommit attempts (see pkg/heap), so a host oscillating
// around the decommit threshold doesn't thrash madvise/mprotect.
var DefaultDecommitMinInterval = 50 * time.Millisecond
