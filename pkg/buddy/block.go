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

package buddy

import (
	"fmt"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/fence"
)

// blockState tracks the lifecycle of a block within the split tree.
type blockState int

const (
	blockFree blockState = iota
	blockAllocated
	blockSplit
)

// Block is one power-of-two aligned, power-of-two sized span of the
// allocator's address range. A block is created by splitting a parent
// block, or as one of the root blocks covering the range at init, and
// is destroyed when it and its buddy coalesce back into their parent.
//
// A block carries a clear flag (its content is known to be zero) and
// an attached completion token for the last asynchronous operation
// which touched its span. Neither is interpreted by the allocator;
// both survive splits and coalescing so the region layer can order
// block reuse behind in-flight device work.
type Block struct {
	a       *Allocator
	order   int
	offset  uint64
	parent  *Block
	left    *Block
	right   *Block
	state   blockState
	flIndex int
	clear   bool
	fence   *fence.Fence
}

// Order returns the order of the block, the log2 of its size in
// allocator chunk units.
func (b *Block) Order() int {
	return b.order
}

// Offset returns the address of the first byte of the block.
func (b *Block) Offset() uint64 {
	return b.offset
}

// Size returns the size of the block in bytes.
func (b *Block) Size() uint64 {
	return b.a.chunkSize << b.order
}

// IsClear returns true if the content of the block is known to be zero.
func (b *Block) IsClear() bool {
	return b.clear
}

// SetClear marks the content of the block as known-zero or dirty.
func (b *Block) SetClear(clear bool) {
	b.clear = clear
}

// Fence returns the completion token of the last asynchronous operation
// which touched the block, or nil.
func (b *Block) Fence() *fence.Fence {
	return b.fence
}

// SetFence attaches a completion token to the block.
func (b *Block) SetFence(f *fence.Fence) {
	b.fence = f
}

// String returns a string representation of the block.
func (b *Block) String() string {
	return fmt.Sprintf("block{offset %#x, order %d, size %#x}", b.offset, b.order, b.Size())
}

// sibling returns the buddy of the block, the other half of its parent.
func (b *Block) sibling() *Block {
	if b.parent == nil {
		return nil
	}
	if b.parent.left == b {
		return b.parent.right
	}
	return b.parent.left
}

func mergeFences(f1, f2 *fence.Fence) *fence.Fence {
	switch {
	case f1 == nil || f1 == f2:
		return f2
	case f2 == nil:
		return f1
	}
	return fence.Merge(f1, f2)
}
