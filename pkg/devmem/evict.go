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
	"errors"
	"time"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/fence"
)

// Evict frees at least target bytes in the region by reclaiming
// backing storage from victim objects. The purgeable list is walked
// before the normal list; within a list objects are visited oldest
// first. Evict returns nil once enough bytes were reclaimed,
// ErrNoEvictable after a full pass which reclaimed nothing, and
// propagates deadlock-avoidance and interruption immediately so the
// caller can back off or abort.
func (r *Region) Evict(ctx context.Context, txn *Txn, target uint64) error {
	details.Debug("region %s: evicting for %s", r.name, prettySize(target))
	r.stats.evictRequests.Add(1)

	var (
		reclaimed uint64
		unbounded = false
	)

	for {
		got, busy, err := r.evictPass(ctx, txn, target-reclaimed, unbounded)
		reclaimed += got
		r.stats.evictedBytes.Add(got)

		if err != nil {
			return err
		}
		if reclaimed >= target {
			return nil
		}
		if got != 0 {
			unbounded = false
			continue
		}

		// A pass that freed nothing. If something was merely busy,
		// one more pass with unbounded waits can convert busy into
		// free; otherwise there is nothing left to try.
		if busy && !unbounded {
			unbounded = true
			continue
		}

		r.stats.evictFailures.Add(1)
		return ErrNoEvictable
	}
}

func (r *Region) evictPass(ctx context.Context, txn *Txn, target uint64, unbounded bool) (uint64, bool, error) {
	r.stats.evictPasses.Add(1)

	reclaimed, busy, err := r.evictList(ctx, txn, &r.purgeable, true, target, unbounded)
	if err != nil || reclaimed >= target {
		return reclaimed, busy, err
	}

	got, normalBusy, err := r.evictList(ctx, txn, &r.normal, false, target-reclaimed, unbounded)

	return reclaimed + got, busy || normalBusy, err
}

// evictList walks one object list reclaiming victims until target
// bytes are freed or the list is exhausted. The list lock cannot be
// held across locking a candidate (reservation locks sleep), so the
// walk splices a movable bookmark into the list at the cursor; other
// walkers and concurrent releases can mutate the list while the lock
// is dropped without invalidating this walk.
func (r *Region) evictList(ctx context.Context, txn *Txn, objects *objectList, purgeable bool, target uint64, unbounded bool) (uint64, bool, error) {
	var (
		reclaimed uint64
		busy      bool
		err       error
	)

	r.objMu.Lock()
	bookmark := objects.PushFront(&entry{bookmark: true})

	for reclaimed < target {
		next := bookmark.Next()
		if next == nil {
			break
		}
		objects.MoveAfter(bookmark, next)

		ent := next.Value.(*entry)
		if ent.bookmark {
			continue
		}
		obj := ent.obj

		if obj.Pinned() {
			details.Debug("  skip pinned %s", obj)
			continue
		}
		if obj.kernel && !r.cfg.AllowKernelEviction {
			details.Debug("  skip kernel %s", obj)
			continue
		}
		if txn != nil && txn.Owns(obj) {
			details.Debug("  skip already locked %s", obj)
			txn.noteAlreadyLocked(obj)
			continue
		}

		r.objMu.Unlock()

		got, objBusy, objErr := r.evictObject(ctx, txn, obj, purgeable, unbounded)
		reclaimed += got
		busy = busy || objBusy
		err = objErr

		r.objMu.Lock()

		if err != nil {
			break
		}
	}

	objects.Remove(bookmark)
	r.objMu.Unlock()

	return reclaimed, busy, err
}

// evictObject runs the per-victim state machine: wait for idle, lock,
// unbind, drop pages. It returns the number of bytes reclaimed and
// whether the object was skipped because it was merely busy.
func (r *Region) evictObject(ctx context.Context, txn *Txn, obj *Object, purgeable, unbounded bool) (uint64, bool, error) {
	// Wait for in-flight device work first: a busy object becomes
	// free eventually, failing eviction for it would be spurious.
	timeout := r.cfg.evictWaitTimeout()
	if unbounded {
		timeout = 0
	}
	if err := obj.WaitIdle(ctx, waitBudget(ctx, timeout)); err != nil {
		switch {
		case errors.Is(err, fence.ErrTimeout):
			details.Debug("  still busy: %s", obj)
			return 0, true, nil
		case ctx != nil && ctx.Err() != nil:
			return 0, false, interrupted(err)
		}
		// The last operation on the object failed; its content is
		// suspect but its backing storage is still reclaimable.
	}

	var release func()

	if txn != nil {
		if err := txn.LockForEvict(obj); err != nil {
			if errors.Is(err, ErrDeadlock) {
				return 0, false, err
			}
			return 0, false, interrupted(err)
		}
	} else {
		acq := lockClass.NewAcquirer(ctx, false)
		if !obj.resv.TryAcquire(acq) {
			details.Debug("  lock contended: %s", obj)
			return 0, true, nil
		}
		release = func() { obj.resv.Release(acq) }
	}
	if release != nil {
		defer release()
	}

	if obj.dead || !obj.HasPages() {
		return 0, false, nil
	}

	// A writer can slip new device work in between the idle wait and
	// taking the lock. The reservation is held now, so nothing new can
	// be submitted and one more wait settles the object.
	if err := obj.WaitIdle(ctx, 0); err != nil {
		if ctx != nil && ctx.Err() != nil {
			return 0, false, interrupted(err)
		}
		// Failed work leaves suspect content; still reclaimable.
	}

	got, err := obj.unbind(ctx, purgeable)
	if err != nil {
		return 0, false, err
	}

	details.Debug("  evicted %s from %s", prettySize(got), obj)
	r.stats.evictions.Add(1)

	return got, false, nil
}

func isNoProgress(err error) bool {
	return errors.Is(err, ErrNoEvictable)
}

// waitBudget clamps an eviction wait to the remaining context budget,
// so a bounded first-pass wait never outlives its caller's deadline.
func waitBudget(ctx context.Context, timeout time.Duration) time.Duration {
	if ctx == nil {
		return timeout
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return timeout
	}
	remaining := time.Until(deadline)
	if timeout == 0 || remaining < timeout {
		return remaining
	}
	return timeout
}
