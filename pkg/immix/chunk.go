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

package immix

import (
	"github.com/Starlight-JS/comet-sub001/pkg/gcabi"
	"github.com/Starlight-JS/comet-sub001/pkg/linemap"
	"github.com/Starlight-JS/comet-sub001/pkg/vmem"
)

// ChunkSize is the unit the space reserves and commits memory in (spec §6).
const ChunkSize = 4 * 1024 * 1024

// BlocksPerChunk is the number of blocks carved out of one chunk.
const BlocksPerChunk = ChunkSize / BlockSize

// linesPerChunk is the line-mark table size backing one chunk.
const linesPerChunk = ChunkSize / LineSize

// Chunk is a 4 MiB committed region of the Immix space, holding
// BlocksPerChunk blocks and the single line-mark table they share. Chunks
// are the unit of OS memory commit/decommit; blocks are the unit of
// allocation and sweeping.
type Chunk struct {
	region *vmem.Region
	base   gcabi.Addr
	lines  *linemap.Table
	blocks [BlocksPerChunk]*Block
}

// NewChunk carves a freshly committed region into BlocksPerChunk blocks
// sharing one line-mark table.
func NewChunk(region *vmem.Region) *Chunk {
	c := &Chunk{
		region: region,
		base:   region.Base(),
		lines:  linemap.New(linesPerChunk),
	}
	for i := range c.blocks {
		blockBase := c.base.Add(uintptr(i) * BlockSize)
		lineStart := i * LinesPerBlock
		c.blocks[i] = NewBlock(blockBase, c.lines, lineStart)
	}
	return c
}

// Base returns the chunk's starting address.
func (c *Chunk) Base() gcabi.Addr { return c.base }

// End returns the address one past the chunk's last byte.
func (c *Chunk) End() gcabi.Addr { return c.base.Add(ChunkSize) }

// Contains reports whether addr falls within this chunk.
func (c *Chunk) Contains(addr gcabi.Addr) bool {
	return addr >= c.base && addr < c.End()
}

// Blocks returns the chunk's blocks in address order.
func (c *Chunk) Blocks() []*Block { return c.blocks[:] }

// BlockFor returns the block containing addr. Panics if addr is outside
// the chunk; callers must check Contains (or go through Space.blockFor,
// which does) first.
func (c *Chunk) BlockFor(addr gcabi.Addr) *Block {
	idx := uintptr(addr-c.base) / BlockSize
	return c.blocks[idx]
}

// Prepare resets every line in the chunk to unmarked and every block's
// recorded live-object colors to White, ahead of a new trace (spec §4.M
// phase 2).
func (c *Chunk) Prepare() {
	c.lines.Clear()
	for _, b := range c.blocks {
		b.ResetColors()
	}
}

// Sweep sweeps every block in the chunk, returning the set of blocks that
// came back fully unmarked (to be recycled as free) and the set that have
// at least one hole (recyclable, candidates for the next evacuation
// ranking).
func (c *Chunk) Sweep() (free, recyclable []*Block) {
	for _, b := range c.blocks {
		if fullyUnmarked := b.Sweep(); fullyUnmarked {
			free = append(free, b)
		} else if b.State() == StateRecyclable {
			recyclable = append(recyclable, b)
		}
	}
	return free, recyclable
}

// Release returns the chunk's backing memory to the OS.
func (c *Chunk) Release() error { return c.region.Release() }

// offsetOf returns b's byte offset within the chunk's backing region.
func (c *Chunk) offsetOf(b *Block) uintptr { return uintptr(b.Base() - c.base) }

// DecommitBlock returns one idle block's physical memory to the OS via
// vmem.Region.Decommit, leaving the address space reserved. No-op if the
// block is already decommitted.
func (c *Chunk) DecommitBlock(b *Block) error {
	if b.Decommitted() {
		return nil
	}
	if err := c.region.Decommit(c.offsetOf(b), BlockSize); err != nil {
		return err
	}
	b.SetDecommitted(true)
	return nil
}

// CommitBlock restores the physical backing of a previously decommitted
// block. No-op if the block was never decommitted.
func (c *Chunk) CommitBlock(b *Block) error {
	if !b.Decommitted() {
		return nil
	}
	if err := c.region.Commit(c.offsetOf(b), BlockSize); err != nil {
		return err
	}
	b.SetDecommitted(false)
	return nil
}
