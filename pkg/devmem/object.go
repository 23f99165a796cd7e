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
	"container/list"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/buddy"
	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/fence"
	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/ww"
)

type objectList = list.List

// entry is an element of a region object list: either the region link
// of an object, or a movable bookmark spliced in by an eviction walk
// so the list lock can be dropped without invalidating the cursor.
type entry struct {
	obj      *Object
	bookmark bool
}

// Object is the unit of backing storage ownership. All backing store
// transitions of an object (acquire, release, swap in, swap out) are
// serialized by its reservation lock.
type Object struct {
	name    string
	resv    ww.Mutex
	region  *Region
	req     *Request
	kernel  bool
	pins    atomic.Int32
	age     int64
	elem    *list.Element // region list link, guarded by region.objMu
	onPurge bool          // purgeable list membership, guarded by region.objMu
	purged  bool          // purgeable content was dropped, guarded by resv
	dirty   bool          // guarded by resv
	blocks  []*buddy.Block
	swap    []byte                      // swapped-out content, guarded by resv
	fence   atomic.Pointer[fence.Fence] // last content operation, read lock-free by idle checks
	dead    bool
}

// ObjectOption is an opaque option which can be applied to an object.
type ObjectOption func(*Object)

// WithKernelObject returns an option marking an object as kernel
// internal. Kernel objects are evicted only when the policy allows
// background eviction of kernel objects.
func WithKernelObject() ObjectOption {
	return func(o *Object) {
		o.kernel = true
	}
}

// Name returns the name of the object.
func (o *Object) Name() string {
	return o.name
}

// Region returns the memory region backing the object.
func (o *Object) Region() *Region {
	return o.region
}

// String returns a string representation of the object.
func (o *Object) String() string {
	return fmt.Sprintf("object %q (%s)", o.name, prettySize(o.req.Size()))
}

// HasPages returns true if the object currently holds backing blocks.
// The caller must hold the reservation lock for a stable answer.
func (o *Object) HasPages() bool {
	return len(o.blocks) > 0
}

// Blocks returns the backing blocks of the object, most significant
// first. The caller must hold the reservation lock.
func (o *Object) Blocks() []*buddy.Block {
	return o.blocks
}

// Pin pins the object, for instance while it is being scanned out.
// Pinned objects are never chosen as eviction victims.
func (o *Object) Pin() {
	o.pins.Add(1)
}

// Unpin drops a pin.
func (o *Object) Unpin() {
	if o.pins.Add(-1) < 0 {
		panic("devmem: unbalanced object unpin")
	}
}

// Pinned returns true if the object holds any pins.
func (o *Object) Pinned() bool {
	return o.pins.Load() > 0
}

// IsKernel returns true for kernel internal objects.
func (o *Object) IsKernel() bool {
	return o.kernel
}

// MarkDirty records that the content of the object was written. Dirty
// content is swapped out on eviction and its blocks lose their
// known-zero state on release. The caller must hold the reservation
// lock.
func (o *Object) MarkDirty() {
	o.dirty = true
}

// WasPurged returns true if purgeable content was dropped by eviction.
// Cleared by the next GetPages. The caller must hold the reservation
// lock.
func (o *Object) WasPurged() bool {
	return o.purged
}

// MarkPurgeable moves the object between the purgeable and normal
// lists of its region. Purgeable content is considered disposable and
// is reclaimed first, without swap-out, under memory pressure.
func (o *Object) MarkPurgeable(purgeable bool) {
	o.region.moveObject(o, purgeable)
}

// IsPurgeable returns true if the object is on the purgeable list.
func (o *Object) IsPurgeable() bool {
	r := o.region
	r.objMu.Lock()
	defer r.objMu.Unlock()
	return o.onPurge
}

// GetPages ensures the object holds backing storage, allocating from
// its region and swapping previous content back in if the object was
// swapped out. The transaction must hold the reservation lock of the
// object. GetPages is idempotent while pages are held.
func (o *Object) GetPages(ctx context.Context, txn *Txn) error {
	if !o.resv.HeldBy(txn.acq) {
		panic("devmem: GetPages without holding the object reservation")
	}
	if o.dead {
		return ErrNoObject
	}

	if o.HasPages() {
		o.region.touchObject(o)
		return nil
	}

	req := *o.req
	if o.swap != nil {
		// Content is restored by swap-in, a clear would be wasted.
		req.needsClear = false
	}

	blocks, err := o.region.GetPages(ctx, txn, &req)
	if err != nil {
		return err
	}
	o.blocks = blocks
	o.purged = false
	o.dirty = false

	if o.swap != nil {
		// The swap-out which produced the buffer may still be in
		// flight, and the freshly allocated blocks may carry fences of
		// work still reading their spans. A failed prior operation
		// leaves suspect content, but the object is still usable, so
		// only interruption aborts here.
		if err := o.fence.Load().Wait(ctx, 0); err != nil && ctx != nil && ctx.Err() != nil {
			o.putPagesLocked(false)
			return interrupted(err)
		}
		if err := waitBlockFences(ctx, o.blocks); err != nil {
			o.putPagesLocked(false)
			return err
		}
		f, err := o.region.engine.CopyIn(ctx, o.blocks, o.swap)
		if err != nil {
			o.putPagesLocked(false)
			return fmt.Errorf("%w: swap-in failed: %w", ErrIO, err)
		}
		for _, b := range o.blocks {
			b.SetFence(f)
			b.SetClear(false)
		}
		o.fence.Store(f)
		o.swap = nil
		o.dirty = true
	} else {
		o.fence.Store(mergeBlockFences(o.blocks))
	}

	o.region.touchObject(o)

	return nil
}

// PutPages releases the backing storage of the object back to its
// region. The transaction must hold the reservation lock.
func (o *Object) PutPages(txn *Txn, dirty bool) {
	if !o.resv.HeldBy(txn.acq) {
		panic("devmem: PutPages without holding the object reservation")
	}
	o.putPagesLocked(dirty || o.dirty)
}

// Release detaches the object from its region, dropping any remaining
// backing storage. The caller must not hold the reservation lock.
func (o *Object) Release() {
	// Uninterruptible, so the only possible outcome is success.
	_ = WithTxn(context.Background(), false, func(txn *Txn) error {
		if err := txn.Lock(o); err != nil {
			return err
		}
		o.putPagesLocked(o.dirty)
		o.swap = nil
		o.dead = true
		o.region.releaseObject(o)
		return nil
	})
}

// WaitIdle waits for the last content operation on the object to
// complete. A zero timeout waits indefinitely.
func (o *Object) WaitIdle(ctx context.Context, timeout time.Duration) error {
	f := o.fence.Load()
	if !f.IsActive() {
		return nil
	}
	return f.Wait(ctx, timeout)
}

// IsIdle returns true if the object has no in-flight content work.
func (o *Object) IsIdle() bool {
	return !o.fence.Load().IsActive()
}

func (o *Object) putPagesLocked(dirty bool) {
	if !o.HasPages() {
		return
	}
	o.region.PutPages(o.blocks, dirty)
	o.blocks = nil
	o.dirty = false
}

// unbind reclaims the backing storage of the object for eviction. The
// reservation lock must be held. Purgeable content is dropped, dirty
// normal content is swapped out asynchronously with the copy fence
// attached to the freed blocks so their reuse stays ordered behind it.
func (o *Object) unbind(ctx context.Context, purgeable bool) (uint64, error) {
	var size uint64
	for _, b := range o.blocks {
		size += b.Size()
	}

	switch {
	case purgeable:
		o.purged = true

	case o.dirty && o.region.cfg.SwapStrategy == SwapCopy:
		buf := make([]byte, size)
		f, err := o.region.engine.CopyOut(ctx, buf, o.blocks)
		if err != nil {
			return 0, fmt.Errorf("%w: swap-out failed: %w", ErrIO, err)
		}
		for _, b := range o.blocks {
			b.SetFence(f)
		}
		o.fence.Store(f)
		o.swap = buf
	}

	o.putPagesLocked(o.dirty)

	return size, nil
}

func mergeBlockFences(blocks []*buddy.Block) *fence.Fence {
	var fences []*fence.Fence
	for _, b := range blocks {
		if f := b.Fence(); f.IsActive() {
			fences = append(fences, f)
		}
	}
	if len(fences) == 0 {
		return nil
	}
	if len(fences) == 1 {
		return fences[0]
	}
	return fence.Merge(fences...)
}
