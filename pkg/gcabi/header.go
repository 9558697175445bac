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

// Package gcabi is the object header and capability contract shared by
// every collector: the single GC word described by spec §3/§4.A, the
// vtable registry that stands in for a per-type dispatch pointer, and the
// Addr type used throughout the substrate to name raw heap addresses.
//
// Managed objects live in memory reserved directly from the OS (see
// pkg/vmem), outside the Go runtime's own heap and garbage collector, so
// addresses here are deliberately raw (uintptr-based) rather than Go
// pointers: this package is the foreign-object boundary, analogous to how
// gVisor's pkg/hostarch models guest addresses as plain integers rather
// than *byte.
package gcabi

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Addr is a raw address into a managed heap.
type Addr uintptr

// Pointer reinterprets the address as an unsafe.Pointer for memory access.
func (a Addr) Pointer() unsafe.Pointer { return unsafe.Pointer(a) }

// Add returns a+n.
func (a Addr) Add(n uintptr) Addr { return a + Addr(n) }

// Sub returns a-n.
func (a Addr) Sub(n uintptr) Addr { return a - Addr(n) }

// IsZero reports whether a is the nil address.
func (a Addr) IsZero() bool { return a == 0 }

func (a Addr) String() string { return fmt.Sprintf("0x%x", uintptr(a)) }

// AddrOf returns the Addr naming the storage at p.
func AddrOf(p unsafe.Pointer) Addr { return Addr(uintptr(p)) }

// Color is an object's tri-color marking state. Stop-the-world collectors
// only ever use White and Black; Grey exists for the concurrent write
// barrier (pkg/barrier), where it marks "discovered but not yet scanned,
// currently on a worklist".
type Color uint8

const (
	White Color = iota
	Grey
	Black
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Grey:
		return "grey"
	case Black:
		return "black"
	default:
		return "invalid"
	}
}

// Header packing. Bits [0:2) are a state tag that unambiguously
// distinguishes the three header interpretations (spec §3 invariant); the
// remaining 62 bits are interpreted according to the tag.
//
//	tag == stateLive:
//	  bits [2:34)  vtable id   (32 bits)
//	  bits [34:47) size        (13 bits, 0..sizeOverflow-1; sizeOverflow means "see side table")
//	  bit  47      mark/color bit 0
//	  bit  48      color bit 1 (color = bits [47:49), see Color)
//	  bit  49      pinned
//	  bit  50      parent-known
//	  bits [51:64) reserved
//	tag == stateFree:
//	  bits [2:64)  address of next free entry (0 = end of list)
//	tag == stateForwarded:
//	  bits [2:64)  forwarding address
const (
	tagBits  = 2
	tagMask  = uint64(1)<<tagBits - 1
	tagShift = 0

	stateLive      = 0
	stateFree      = 1
	stateForwarded = 2

	vtableShift = tagBits
	vtableBits  = 32
	vtableMask  = uint64(1)<<vtableBits - 1

	sizeShift = vtableShift + vtableBits
	sizeBits  = 13
	sizeMask  = uint64(1)<<sizeBits - 1

	colorShift = sizeShift + sizeBits
	colorBits  = 2
	colorMask  = uint64(1)<<colorBits - 1

	pinnedShift = colorShift + colorBits
	pinnedBit   = uint64(1) << pinnedShift

	parentKnownShift = pinnedShift + 1
	parentKnownBit   = uint64(1) << parentKnownShift

	payloadShift = tagBits
	payloadMask  = ^uint64(0) >> payloadShift // low (64-tagBits) bits set

	// SizeOverflow is the sentinel stored in the inline size field when an
	// object's true size doesn't fit 13 bits; the real size lives in the
	// overflow side table, keyed by header address.
	SizeOverflow = uint32(sizeMask)
	// MaxInlineSize is the largest size the header can encode directly.
	MaxInlineSize = uint32(sizeMask) - 1

	// FreeVTable is the reserved vtable id meaning "this header has never
	// been assigned a real type". It is never handed out by Register.
	FreeVTable = uint32(0)
)

var (
	overflowMu sync.RWMutex
	overflow   = map[Addr]uintptr{}
)

// Header is the single machine word at the start of every managed object.
// It is always accessed atomically: mark/forward transitions race against
// concurrent mutators and, in concurrent configurations, a background
// marker.
type Header struct {
	word atomic.Uint64
}

// HeaderAt reinterprets the memory at addr as a *Header. Callers must hold
// addr from an allocation or a trace visit; this is the one place the
// substrate trusts a raw address without further validation.
func HeaderAt(addr Addr) *Header {
	return (*Header)(addr.Pointer())
}

func tagOf(w uint64) uint64 { return (w >> tagShift) & tagMask }

func payload(w uint64) uint64 { return w >> payloadShift }

func withPayload(tag uint64, p uint64) uint64 {
	return (tag & tagMask) | ((p & payloadMask) << payloadShift)
}

// Reset initializes the header to a live object with the given vtable id,
// zero size, White color, and no pinned/parent-known bits.
func (h *Header) Reset(vtableID uint32) {
	w := (uint64(vtableID) & vtableMask) << vtableShift
	w |= uint64(stateLive) << tagShift
	h.word.Store(w)
}

// IsFree reports whether this header currently describes a free-list
// entry.
func (h *Header) IsFree() bool { return tagOf(h.word.Load()) == stateFree }

// IsForwarded reports whether this header has been overwritten with a
// forwarding address by evacuation.
func (h *Header) IsForwarded() bool { return tagOf(h.word.Load()) == stateForwarded }

// IsLive is the complement of IsFree and IsForwarded: a normal object
// header with vtable/size/color/pinned fields.
func (h *Header) IsLive() bool { return tagOf(h.word.Load()) == stateLive }

// SetFree converts the header into a free-list entry with no successor.
// Use SetFreeListNext to link it into a list.
func (h *Header) SetFree() {
	h.word.Store(uint64(stateFree))
}

// FreeListNext returns the address of the next free entry, or the zero
// Addr at the end of the list.
func (h *Header) FreeListNext() Addr {
	w := h.word.Load()
	if tagOf(w) != stateFree {
		panic("gcabi: FreeListNext on non-free header")
	}
	return Addr(payload(w))
}

// SetFreeListNext links this free entry to next.
func (h *Header) SetFreeListNext(next Addr) {
	h.word.Store(withPayload(stateFree, uint64(next)))
}

// SetForwarded overwrites the header with a forwarding address. Per the
// data-model invariant, this discards the vtable/size/color fields
// entirely — the forwarding address is looked up via the new header
// instead.
func (h *Header) SetForwarded(addr Addr) {
	h.word.Store(withPayload(stateForwarded, uint64(addr)))
}

// ForwardingAddress returns the address this header was forwarded to.
// Forwarding is idempotent by construction: the returned header is always
// a normal live (or itself-forwarded, transiently, during a race) header,
// and following it terminates in at most one step because evacuation never
// copies an already-forwarded object.
func (h *Header) ForwardingAddress() Addr {
	w := h.word.Load()
	if tagOf(w) != stateForwarded {
		panic("gcabi: ForwardingAddress on non-forwarded header")
	}
	return Addr(payload(w))
}

// TryForward attempts to transition a live header to forwarded, racing
// against any other thread evacuating the same object. Returns true if
// this call installed the forwarding address; false means another thread
// won the race and the caller should read ForwardingAddress instead.
func (h *Header) TryForward(newAddr Addr) bool {
	for {
		old := h.word.Load()
		if tagOf(old) != stateLive {
			return false
		}
		nw := withPayload(stateForwarded, uint64(newAddr))
		if h.word.CompareAndSwap(old, nw) {
			return true
		}
	}
}

// VTable returns the live header's vtable id.
func (h *Header) VTable() uint32 {
	w := h.word.Load()
	return uint32((w >> vtableShift) & vtableMask)
}

// SetVTable changes the live header's vtable id without disturbing other
// fields.
func (h *Header) SetVTable(id uint32) {
	for {
		old := h.word.Load()
		nw := (old &^ (vtableMask << vtableShift)) | ((uint64(id) & vtableMask) << vtableShift)
		if h.word.CompareAndSwap(old, nw) {
			return
		}
	}
}

// Size returns the object's byte size, consulting the overflow side table
// transparently for objects too large to encode inline.
func (h *Header) Size() uintptr {
	w := h.word.Load()
	inline := uint32((w >> sizeShift) & sizeMask)
	if inline != SizeOverflow {
		return uintptr(inline)
	}
	overflowMu.RLock()
	defer overflowMu.RUnlock()
	return overflow[AddrOf(unsafe.Pointer(h))]
}

// SetSize records the object's byte size, spilling to the overflow side
// table when it doesn't fit the inline 13-bit field.
func (h *Header) SetSize(size uintptr) {
	addr := AddrOf(unsafe.Pointer(h))
	var inline uint32
	if size > uintptr(MaxInlineSize) {
		inline = SizeOverflow
		overflowMu.Lock()
		overflow[addr] = size
		overflowMu.Unlock()
	} else {
		inline = uint32(size)
		overflowMu.Lock()
		delete(overflow, addr)
		overflowMu.Unlock()
	}
	for {
		old := h.word.Load()
		nw := (old &^ (sizeMask << sizeShift)) | (uint64(inline) << sizeShift)
		if h.word.CompareAndSwap(old, nw) {
			return
		}
	}
}

// forgetOverflow removes any side-table entry for this header. Called when
// a block is swept and the header's storage is about to be reused for an
// unrelated object, so a stale overflow entry can't leak onto a new
// object's Size() by address coincidence.
func (h *Header) forgetOverflow() {
	overflowMu.Lock()
	delete(overflow, AddrOf(unsafe.Pointer(h)))
	overflowMu.Unlock()
}

// Color returns the live header's current tri-color state.
func (h *Header) Color() Color {
	w := h.word.Load()
	return Color((w >> colorShift) & colorMask)
}

// IsMarked reports whether the object survived the last mark: Grey or
// Black both count, since Grey means "on the worklist, not yet scanned"
// rather than "unreached".
func (h *Header) IsMarked() bool { return h.Color() != White }

// SetColor performs the CAS-based color transition described by spec
// §4.A: WHITE->GREY (discovered), GREY->BLACK (scanned), BLACK->GREY
// (write-barrier re-enqueue). Returns whether this call performed the
// transition; false means the header was not in state old when observed.
func (h *Header) SetColor(old, new Color) bool {
	for {
		w := h.word.Load()
		if tagOf(w) != stateLive {
			return false
		}
		if Color((w>>colorShift)&colorMask) != old {
			return false
		}
		nw := (w &^ (colorMask << colorShift)) | (uint64(new) << colorShift)
		if h.word.CompareAndSwap(w, nw) {
			return true
		}
	}
}

// Mark sets the header directly to Black, for stop-the-world collectors
// where the grey state is implicit (the object is simply on the
// worklist). Returns false if the header was already marked.
func (h *Header) Mark() bool { return h.SetColor(White, Black) }

// ResetMark clears the header back to White at the start of a cycle's
// line-mark/bitmap reset; used by collectors that toggle a single mark bit
// per cycle rather than retaining tri-color state across cycles.
func (h *Header) ResetMark() {
	for {
		w := h.word.Load()
		if tagOf(w) != stateLive {
			return
		}
		nw := w &^ (colorMask << colorShift)
		if h.word.CompareAndSwap(w, nw) {
			return
		}
	}
}

// Pinned reports whether the object may never be evacuated.
func (h *Header) Pinned() bool { return h.word.Load()&pinnedBit != 0 }

// SetPinned sets or clears the pinned bit. Once set by a conservative
// stack scan it is typically never cleared for the object's lifetime.
func (h *Header) SetPinned(v bool) {
	for {
		old := h.word.Load()
		var nw uint64
		if v {
			nw = old | pinnedBit
		} else {
			nw = old &^ pinnedBit
		}
		if h.word.CompareAndSwap(old, nw) {
			return
		}
	}
}

// ParentKnown reports the parent-known bit, used by collectors whose write
// barrier needs to distinguish objects whose containing object is already
// tracked from ones requiring a slow-path lookup.
func (h *Header) ParentKnown() bool { return h.word.Load()&parentKnownBit != 0 }

// SetParentKnown sets or clears the parent-known bit.
func (h *Header) SetParentKnown(v bool) {
	for {
		old := h.word.Load()
		var nw uint64
		if v {
			nw = old | parentKnownBit
		} else {
			nw = old &^ parentKnownBit
		}
		if h.word.CompareAndSwap(old, nw) {
			return
		}
	}
}

// HeaderSize is the size in bytes of the header itself; object payloads
// begin immediately after it.
const HeaderSize = unsafe.Sizeof(Header{})
