// Copyright The Intel GPU Backports Authors. All Rights Reserved.
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

// Package buddy implements a power-of-two buddy allocator over a linear
// address range.
//
// The range is decomposed greedily into the minimal set of power-of-two
// sized root blocks, so the range itself does not need to be a power of
// two. Allocation splits larger free blocks into buddy halves as needed
// and freeing eagerly coalesces free buddies back into their parent.
// Specific sub-ranges can be reserved with AllocRange, which is used
// for carve-outs that must never be handed out to regular allocations.
//
// The allocator knows nothing about objects or device state. It assumes
// single-threaded access; concurrent callers must serialize externally.
package buddy

import (
	"fmt"
	"math/bits"
)

var (
	ErrNoSpace          = fmt.Errorf("buddy: not enough free space")
	ErrRangeOverlap     = fmt.Errorf("buddy: range overlaps an allocated block")
	ErrRangeOutside     = fmt.Errorf("buddy: range outside managed span")
	ErrInvalidChunkSize = fmt.Errorf("buddy: invalid chunk size")
	ErrInvalidRange     = fmt.Errorf("buddy: invalid address range")
)

// Allocator manages the address range [start, end) as power-of-two
// blocks in units of a minimum chunk size.
type Allocator struct {
	start     uint64
	end       uint64
	chunkSize uint64
	maxOrder  int
	freeList  [][]*Block
	roots     []*Block
	allocated uint64
}

// New creates an allocator for the range [start, end) with the given
// minimum chunk size. The chunk size must be a power of two and the
// range size must be a non-zero multiple of it.
func New(start, end, chunkSize uint64) (*Allocator, error) {
	if chunkSize == 0 || chunkSize&(chunkSize-1) != 0 {
		return nil, fmt.Errorf("%w: %d is not a power of two", ErrInvalidChunkSize, chunkSize)
	}
	if end <= start {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrInvalidRange, start, end)
	}

	size := end - start
	if size%chunkSize != 0 {
		return nil, fmt.Errorf("%w: size %#x not a multiple of chunk size %#x",
			ErrInvalidRange, size, chunkSize)
	}

	a := &Allocator{
		start:     start,
		end:       end,
		chunkSize: chunkSize,
		maxOrder:  log2(size / chunkSize),
	}
	a.freeList = make([][]*Block, a.maxOrder+1)

	// Greedy largest-block-first decomposition of the span. The span
	// need not be a power of two, so it may take several root blocks
	// of decreasing order to cover it exactly.
	offset, chunks := start, size/chunkSize
	for chunks > 0 {
		order := log2(chunks)
		root := &Block{
			a:      a,
			order:  order,
			offset: offset,
			state:  blockFree,
		}
		a.roots = append(a.roots, root)
		a.listAdd(root)

		offset += chunkSize << order
		chunks -= 1 << order
	}

	return a, nil
}

// Alloc returns one free block of exactly the given order, splitting a
// larger free block if necessary. It fails with ErrNoSpace if no block
// of the given order or larger exists anywhere.
func (a *Allocator) Alloc(order int) (*Block, error) {
	if order < 0 || order > a.maxOrder {
		return nil, fmt.Errorf("%w: order %d out of range [0, %d]", ErrNoSpace, order, a.maxOrder)
	}

	var block *Block
	for o := order; o <= a.maxOrder; o++ {
		if n := len(a.freeList[o]); n > 0 {
			block = a.freeList[o][n-1]
			break
		}
	}
	if block == nil {
		return nil, fmt.Errorf("%w: no free block of order >= %d", ErrNoSpace, order)
	}

	// split owns the free list bookkeeping: it delists the block it
	// splits and lists both halves, so only the final exact-order
	// block is delisted here.
	for block.order > order {
		block, _ = a.split(block)
	}
	a.listDel(block)

	block.state = blockAllocated
	a.allocated += block.Size()

	return block, nil
}

// Free returns a block to the allocator, eagerly coalescing it with
// its buddy whenever both halves of a parent are free. Freeing a block
// which is not allocated is a programming error and panics.
func (a *Allocator) Free(block *Block) {
	if block == nil || block.a != a {
		panic("buddy: freeing a foreign block")
	}
	if block.state != blockAllocated {
		panic(fmt.Sprintf("buddy: double free of block at %#x (order %d)",
			block.offset, block.order))
	}

	a.allocated -= block.Size()
	block.state = blockFree

	// Coalescing stops at root blocks: at non-power-of-two range
	// boundaries the buddy position of a root does not correspond
	// to a real block.
	for block.parent != nil {
		var (
			parent  = block.parent
			sibling = block.sibling()
		)
		if sibling.state != blockFree {
			break
		}

		a.listDel(sibling)

		parent.state = blockFree
		parent.clear = parent.left.clear && parent.right.clear
		parent.fence = mergeFences(parent.left.fence, parent.right.fence)
		parent.left = nil
		parent.right = nil

		block = parent
	}

	a.listAdd(block)
}

// AllocRange reserves the explicit sub-range [rangeStart, rangeStart+size)
// as the minimal covering set of power-of-two blocks. The range must lie
// within the managed span and must not overlap any allocated block. The
// returned blocks are marked allocated and must eventually be freed
// individually.
func (a *Allocator) AllocRange(rangeStart, size uint64) ([]*Block, error) {
	if size == 0 || rangeStart < a.start || rangeStart+size > a.end {
		return nil, fmt.Errorf("%w: [%#x, %#x) not within [%#x, %#x)",
			ErrRangeOutside, rangeStart, rangeStart+size, a.start, a.end)
	}

	var (
		rangeEnd = rangeStart + size
		blocks   []*Block
	)

	for _, root := range a.roots {
		taken, err := a.allocRangeBlock(root, rangeStart, rangeEnd)
		blocks = append(blocks, taken...)
		if err != nil {
			for _, b := range blocks {
				a.Free(b)
			}
			return nil, err
		}
	}

	return blocks, nil
}

// Fini tears the allocator down. A non-empty allocator indicates a
// block leak, which is a programming error and panics.
func (a *Allocator) Fini() {
	if a.allocated != 0 {
		panic(fmt.Sprintf("buddy: %d bytes still allocated at teardown", a.allocated))
	}
	a.freeList = nil
	a.roots = nil
}

// Size returns the total size of the managed range in bytes.
func (a *Allocator) Size() uint64 {
	return a.end - a.start
}

// ChunkSize returns the minimum allocation granularity in bytes.
func (a *Allocator) ChunkSize() uint64 {
	return a.chunkSize
}

// MaxOrder returns the largest allocation order the range supports.
func (a *Allocator) MaxOrder() int {
	return a.maxOrder
}

// Available returns the number of free bytes.
func (a *Allocator) Available() uint64 {
	return a.Size() - a.allocated
}

// Allocated returns the number of allocated bytes.
func (a *Allocator) Allocated() uint64 {
	return a.allocated
}

// split turns a free block into its two free buddy halves. The halves
// inherit the clear flag and completion token of their parent.
func (a *Allocator) split(block *Block) (*Block, *Block) {
	a.listDel(block)
	block.state = blockSplit

	half := a.chunkSize << (block.order - 1)
	block.left = &Block{
		a:      a,
		order:  block.order - 1,
		offset: block.offset,
		parent: block,
		state:  blockFree,
		clear:  block.clear,
		fence:  block.fence,
	}
	block.right = &Block{
		a:      a,
		order:  block.order - 1,
		offset: block.offset + half,
		parent: block,
		state:  blockFree,
		clear:  block.clear,
		fence:  block.fence,
	}

	a.listAdd(block.left)
	a.listAdd(block.right)

	return block.left, block.right
}

func (a *Allocator) allocRangeBlock(block *Block, rangeStart, rangeEnd uint64) ([]*Block, error) {
	var (
		blockStart = block.offset
		blockEnd   = block.offset + block.Size()
	)

	if rangeEnd <= blockStart || blockEnd <= rangeStart {
		return nil, nil
	}

	switch block.state {
	case blockAllocated:
		return nil, fmt.Errorf("%w: block at %#x already allocated", ErrRangeOverlap, blockStart)

	case blockFree:
		// Take the block whole if it is fully covered, or if it is
		// already at minimum granularity: the covering set rounds
		// partial overlap out to chunk boundaries.
		if (rangeStart <= blockStart && blockEnd <= rangeEnd) || block.order == 0 {
			a.listDel(block)
			block.state = blockAllocated
			a.allocated += block.Size()
			return []*Block{block}, nil
		}
		a.split(block)
	}

	blocks, err := a.allocRangeBlock(block.left, rangeStart, rangeEnd)
	if err != nil {
		return blocks, err
	}

	taken, err := a.allocRangeBlock(block.right, rangeStart, rangeEnd)
	blocks = append(blocks, taken...)

	return blocks, err
}

func (a *Allocator) listAdd(block *Block) {
	block.flIndex = len(a.freeList[block.order])
	a.freeList[block.order] = append(a.freeList[block.order], block)
}

func (a *Allocator) listDel(block *Block) {
	list := a.freeList[block.order]
	last := len(list) - 1

	list[last], list[block.flIndex] = list[block.flIndex], list[last]
	list[block.flIndex].flIndex = block.flIndex
	a.freeList[block.order] = list[:last]
	block.flIndex = -1
}

func log2(n uint64) int {
	return bits.Len64(n) - 1
}
