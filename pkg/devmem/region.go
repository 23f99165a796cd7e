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

package devmem

import (
	"context"
	"fmt"
	"math/bits"
	"sync"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/buddy"
)

// Class identifies a physical memory class.
type Class int

const (
	// ClassSystem is system memory used as a fallback.
	ClassSystem Class = iota
	// ClassLocal is device-local memory.
	ClassLocal
	// ClassStolen is memory stolen from the system map for the
	// device, typically with a reserved carve-out.
	ClassStolen
)

var classToString = map[Class]string{
	ClassSystem: "system",
	ClassLocal:  "local",
	ClassStolen: "stolen",
}

// String returns a string representation of the memory class.
func (c Class) String() string {
	if str, ok := classToString[c]; ok {
		return str
	}
	return fmt.Sprintf("%%!(devmem:Bad-Class %d)", int(c))
}

// DefaultChunkSize is the default minimum allocation granularity.
const DefaultChunkSize = 4096

// Region is one memory region: the policy layer over a buddy
// allocator for a single physical memory class. The allocator and the
// available-byte counter are guarded by the region mutex; the object
// lists are guarded by their own lock so eviction candidate selection
// does not serialize against allocation.
type Region struct {
	name  string
	class Class
	cfg   *Config

	mu    sync.Mutex
	alloc *buddy.Allocator
	avail uint64
	total uint64

	objMu     sync.Mutex
	normal    objectList
	purgeable objectList
	ageStamp  int64

	engine   Engine
	reserved []*buddy.Block
	stats    regionStats
}

// RegionOption is an opaque option for a Region.
type RegionOption func(*Region) error

// WithConfig is an option to set the policy configuration of a region.
func WithConfig(cfg *Config) RegionOption {
	return func(r *Region) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		r.cfg = cfg
		return nil
	}
}

// WithEngine is an option to set the blit engine of a region.
func WithEngine(e Engine) RegionOption {
	return func(r *Region) error {
		r.engine = e
		return nil
	}
}

// WithReservedRange is an option to reserve an explicit sub-range of
// the region at init, used for stolen-memory carve-outs. The reserved
// range is never handed out and is excluded from the available-byte
// accounting.
func WithReservedRange(start, size uint64) RegionOption {
	return func(r *Region) error {
		blocks, err := r.alloc.AllocRange(start, size)
		if err != nil {
			return err
		}
		r.reserved = append(r.reserved, blocks...)
		for _, b := range blocks {
			r.avail -= b.Size()
		}
		return nil
	}
}

// NewRegion creates a memory region of the given class over the range
// [start, start+size) with the given chunk size.
func NewRegion(name string, class Class, start, size, chunkSize uint64, options ...RegionOption) (*Region, error) {
	alloc, err := buddy.New(start, start+size, chunkSize)
	if err != nil {
		return nil, err
	}

	r := &Region{
		name:  name,
		class: class,
		cfg:   DefaultConfig(),
		alloc: alloc,
		avail: size,
		total: size,
	}

	for _, o := range options {
		if err := o(r); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	if r.engine == nil {
		r.engine = NewSoftEngine(start, size)
	}

	log.Info("region %s (%s): %s at %#x, chunk size %s", r.name, r.class,
		prettySize(size), start, prettySize(chunkSize))

	return r, nil
}

// Name returns the name of the region.
func (r *Region) Name() string {
	return r.name
}

// Class returns the physical memory class of the region.
func (r *Region) Class() Class {
	return r.class
}

// AvailableBytes returns the number of bytes currently available for
// allocation.
func (r *Region) AvailableBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avail
}

// TotalBytes returns the total capacity of the region, excluding any
// reserved carve-out.
func (r *Region) TotalBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := r.total
	for _, b := range r.reserved {
		total -= b.Size()
	}
	return total
}

// NewObject creates an object backed by this region and attaches its
// region link to the tail of the normal list. The object holds no
// backing storage until its first GetPages.
func (r *Region) NewObject(name string, size uint64, reqOptions []RequestOption, options ...ObjectOption) (*Object, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero sized object %q", ErrTooBig, name)
	}
	if size > r.TotalBytes() {
		return nil, fmt.Errorf("%w: object %q needs %s, region %s has %s", ErrTooBig,
			name, prettySize(size), r.name, prettySize(r.TotalBytes()))
	}

	o := &Object{
		name:   name,
		region: r,
		req:    NewRequest(size, reqOptions...),
	}
	for _, opt := range options {
		opt(o)
	}

	r.objMu.Lock()
	o.age = r.nextAge()
	o.elem = r.normal.PushBack(&entry{obj: o})
	r.objMu.Unlock()

	return o, nil
}

// GetPages allocates backing storage for the given request. The
// returned blocks are ordered most significant first. On exhaustion
// the eviction engine is invoked before the allocation order is
// lowered, and orders below the policy minimum are used only as a
// last resort. Contiguous requests are satisfied with a single block
// or fail: fragmentation is not resolved by compaction.
func (r *Region) GetPages(ctx context.Context, txn *Txn, req *Request) ([]*buddy.Block, error) {
	var (
		chunk    = r.alloc.ChunkSize()
		minOrder = r.cfg.MinChunkOrder
		maxOrder = r.cfg.MaxChunkOrder
	)
	if req.minOrder >= 0 {
		minOrder = req.minOrder
	}
	if req.maxOrder >= 0 {
		maxOrder = req.maxOrder
	}
	if maxOrder == 0 || maxOrder > r.alloc.MaxOrder() {
		maxOrder = r.alloc.MaxOrder()
	}
	if minOrder > maxOrder {
		return nil, fmt.Errorf("%w: min chunk order %d above max %d", ErrInvalidOrder,
			minOrder, maxOrder)
	}

	// Round the request up to the policy granularity, or to a single
	// power-of-two block for contiguous requests.
	size := roundUp(req.size, chunk<<minOrder)
	if req.contiguous {
		size = roundPow2(size)
		minOrder = log2Ceil(size / chunk)
		if minOrder > maxOrder {
			return nil, fmt.Errorf("%w: contiguous %s needs order %d, max is %d",
				ErrNoSpace, prettySize(size), minOrder, maxOrder)
		}
	}

	if size > r.TotalBytes() {
		return nil, fmt.Errorf("%w: %s exceeds region %s capacity %s", ErrTooBig,
			prettySize(size), r.name, prettySize(r.TotalBytes()))
	}

	details.Debug("get %s pages from region %s", prettySize(size), r.name)

	// Locks taken only so eviction could inspect victims are dropped
	// before control returns to the caller, unless a contention is
	// pending resolution through backoff.
	if txn != nil {
		defer func() {
			if txn.contended == nil {
				txn.dropEvictLocks()
			}
		}()
	}

	var (
		blocks    []*buddy.Block
		remaining = size / chunk
		order     = maxOrder
	)
	if req.contiguous {
		// A contiguous request is a single block of exactly the
		// rounded-up order.
		order = minOrder
	}

	for remaining > 0 {
		if o := log2Floor(remaining); !req.contiguous && o < order {
			order = o
		}

		r.mu.Lock()
		block, err := r.alloc.Alloc(order)
		if err == nil {
			r.avail -= block.Size()
			r.mu.Unlock()
			blocks = append(blocks, block)
			remaining -= uint64(1) << order
			continue
		}
		r.mu.Unlock()

		// Out of blocks at this order. Try to evict enough bytes for
		// the rest of the request before shrinking the chunk order.
		target := remaining * chunk
		evictErr := r.Evict(ctx, txn, target)
		if evictErr == nil {
			continue
		}
		if !isNoProgress(evictErr) {
			r.putBack(blocks)
			return nil, evictErr
		}

		switch {
		case req.contiguous:
			r.putBack(blocks)
			r.stats.allocFailures.Add(1)
			return nil, fmt.Errorf("%w: no contiguous block of order %d in region %s",
				ErrNoSpace, order, r.name)
		case order > minOrder:
			order--
		case order > 0:
			// Last resort: fall below the policy minimum.
			details.Debug("region %s: falling below min chunk order %d", r.name, minOrder)
			order--
		default:
			r.putBack(blocks)
			r.stats.allocFailures.Add(1)
			return nil, fmt.Errorf("%w: %s short in region %s", ErrNoSpace,
				prettySize(remaining*chunk), r.name)
		}
	}

	if req.needsClear {
		if err := r.clearBlocks(ctx, blocks); err != nil {
			r.putBack(blocks)
			return nil, err
		}
	}

	r.stats.allocations.Add(1)

	return blocks, nil
}

// PutPages returns blocks to the allocator. Dirty blocks lose their
// known-zero state.
func (r *Region) PutPages(blocks []*buddy.Block, dirty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range blocks {
		if dirty {
			b.SetClear(false)
		}
		r.avail += b.Size()
		r.alloc.Free(b)
	}
}

// Close tears the region down. It fails if any object still holds
// backing storage from the region.
func (r *Region) Close() error {
	r.objMu.Lock()
	live := r.normal.Len() + r.purgeable.Len()
	r.objMu.Unlock()

	if live > 0 {
		return fmt.Errorf("devmem: region %s closed with %d live objects", r.name, live)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.reserved {
		r.alloc.Free(b)
	}
	r.reserved = nil
	r.alloc.Fini()

	return nil
}

// clearBlocks zeroes the not-known-clear subset of blocks through the
// blit engine, attaching the clear fence to them. If the engine is
// wedged the synchronous CPU path is used where policy allows.
func (r *Region) clearBlocks(ctx context.Context, blocks []*buddy.Block) error {
	var toClear []*buddy.Block
	for _, b := range blocks {
		if !b.IsClear() {
			toClear = append(toClear, b)
		}
	}
	if len(toClear) == 0 {
		return nil
	}

	if err := waitBlockFences(ctx, toClear); err != nil {
		return err
	}

	f, err := r.engine.Clear(ctx, toClear)
	if err == nil {
		for _, b := range toClear {
			b.SetFence(f)
			b.SetClear(true)
		}
		return nil
	}

	if !r.cfg.CPUClearFallback {
		return fmt.Errorf("%w: clear failed: %w", ErrIO, err)
	}

	log.Warn("region %s: engine clear failed (%v), falling back to CPU clear", r.name, err)

	if err := r.engine.ClearSync(toClear); err != nil {
		return fmt.Errorf("%w: CPU clear failed: %w", ErrIO, err)
	}
	for _, b := range toClear {
		b.SetClear(true)
	}

	return nil
}

// waitBlockFences waits out engine work still attached to the given
// blocks before their content is rewritten. The block fences order
// reuse: a freed block can still be the source of an in-flight
// swap-out read. A failure of the prior work does not hold up reuse,
// interruption does.
func waitBlockFences(ctx context.Context, blocks []*buddy.Block) error {
	f := mergeBlockFences(blocks)
	if !f.IsActive() {
		return nil
	}
	if err := f.Wait(ctx, 0); err != nil && ctx != nil && ctx.Err() != nil {
		return interrupted(err)
	}
	return nil
}

func (r *Region) putBack(blocks []*buddy.Block) {
	if len(blocks) > 0 {
		r.PutPages(blocks, false)
	}
}

// touchObject moves the region link of the object to the tail of its
// list, refreshing its age for the LRU-ish eviction order.
func (r *Region) touchObject(o *Object) {
	r.objMu.Lock()
	defer r.objMu.Unlock()

	if o.elem == nil {
		return
	}
	o.age = r.nextAge()
	if o.onPurge {
		r.purgeable.MoveToBack(o.elem)
	} else {
		r.normal.MoveToBack(o.elem)
	}
}

// moveObject moves the region link of the object between the normal
// and purgeable lists.
func (r *Region) moveObject(o *Object, purgeable bool) {
	r.objMu.Lock()
	defer r.objMu.Unlock()

	if o.elem == nil || o.onPurge == purgeable {
		return
	}

	ent := o.elem.Value.(*entry)
	if purgeable {
		r.normal.Remove(o.elem)
		o.elem = r.purgeable.PushBack(ent)
	} else {
		r.purgeable.Remove(o.elem)
		o.elem = r.normal.PushBack(ent)
	}
	o.onPurge = purgeable
	o.age = r.nextAge()
}

// releaseObject detaches the region link of the object.
func (r *Region) releaseObject(o *Object) {
	r.objMu.Lock()
	defer r.objMu.Unlock()

	if o.elem == nil {
		return
	}
	if o.onPurge {
		r.purgeable.Remove(o.elem)
	} else {
		r.normal.Remove(o.elem)
	}
	o.elem = nil
}

func (r *Region) nextAge() int64 {
	r.ageStamp++
	return r.ageStamp
}

func roundUp(n, multiple uint64) uint64 {
	return (n + multiple - 1) / multiple * multiple
}

func roundPow2(n uint64) uint64 {
	if n&(n-1) == 0 {
		return n
	}
	return uint64(1) << bits.Len64(n)
}

func log2Floor(n uint64) int {
	return bits.Len64(n) - 1
}

func log2Ceil(n uint64) int {
	if n&(n-1) == 0 {
		return log2Floor(n)
	}
	return bits.Len64(n)
}
