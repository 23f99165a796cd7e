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

	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/ww"
)

// lockClass is the single wait/wound lock class all object reservation
// locks belong to, so one transaction can span objects from any number
// of regions.
var lockClass = ww.NewClass()

// Txn is an allocation transaction: the caller-scoped context for
// acquiring the reservation locks of multiple objects without a fixed
// locking order. It separates objects the caller locked for its own
// use from objects locked only so eviction could reclaim them, and it
// carries at most one contended object at a time.
type Txn struct {
	acq            *ww.Acquirer
	locked         []*Object
	evictLocked    []*Object
	alreadyLocked  []*Object
	contended      *Object
	contendedEvict bool
}

// NewTxn starts an allocation transaction. An interruptible
// transaction honours the context while blocking on reservation
// locks.
func NewTxn(ctx context.Context, interruptible bool) *Txn {
	return &Txn{
		acq: lockClass.NewAcquirer(ctx, interruptible),
	}
}

// Ctx returns the context of the transaction.
func (t *Txn) Ctx() context.Context {
	return t.acq.Ctx()
}

// Lock acquires the reservation lock of the object for the caller's
// own use. On a detected potential deadlock the object is recorded as
// contended and Lock fails with ErrDeadlock; the caller must call
// Backoff and retry its whole operation.
func (t *Txn) Lock(o *Object) error {
	err := o.resv.Acquire(t.acq)
	switch {
	case err == nil:
		t.locked = append(t.locked, o)
		return nil

	case errors.Is(err, ww.ErrAlreadyHeld):
		// Promote an eviction-only lock to a caller lock.
		for i, held := range t.evictLocked {
			if held == o {
				t.evictLocked = append(t.evictLocked[:i], t.evictLocked[i+1:]...)
				t.locked = append(t.locked, o)
				return nil
			}
		}
		return nil

	case errors.Is(err, ww.ErrDeadlock):
		t.contended = o
		t.contendedEvict = false
	}

	return err
}

// LockForEvict acquires the reservation lock of an eviction victim
// candidate. The lock is tracked separately from the caller's own
// locks and is dropped as soon as the allocation completes.
func (t *Txn) LockForEvict(o *Object) error {
	err := o.resv.Acquire(t.acq)
	switch {
	case err == nil:
		t.evictLocked = append(t.evictLocked, o)
		return nil

	case errors.Is(err, ww.ErrAlreadyHeld):
		return nil

	case errors.Is(err, ww.ErrDeadlock):
		t.contended = o
		t.contendedEvict = true
	}

	return err
}

// Owns returns true if the transaction holds the reservation lock of
// the object.
func (t *Txn) Owns(o *Object) bool {
	return o.resv.HeldBy(t.acq)
}

// AlreadyLocked returns the eviction candidates that were skipped
// because the transaction already held their lock, for the caller to
// re-examine without re-locking.
func (t *Txn) AlreadyLocked() []*Object {
	return t.alreadyLocked
}

// Backoff resolves a contended lock acquisition: every lock held by
// the transaction is released, the contended object is re-acquired
// through the blocking slow path, and the contended marker is cleared.
// An object contended only for eviction is released again immediately.
// The caller must retry its whole operation afterwards.
func (t *Txn) Backoff() error {
	o := t.contended
	if o == nil {
		panic("devmem: transaction backoff without contended object")
	}
	wasEvict := t.contendedEvict

	t.locked = nil
	t.evictLocked = nil
	t.alreadyLocked = nil
	t.contended = nil
	t.contendedEvict = false

	if err := t.acq.Backoff(); err != nil {
		return interrupted(err)
	}

	if wasEvict {
		o.resv.Release(t.acq)
	} else {
		t.locked = append(t.locked, o)
	}

	return nil
}

// Fini ends the transaction, releasing every lock it still holds. It
// is a programming error to call Fini with an unresolved contention.
func (t *Txn) Fini() {
	if t.contended != nil {
		panic("devmem: transaction fini with contended object outstanding")
	}
	t.acq.Fini()
	t.locked = nil
	t.evictLocked = nil
	t.alreadyLocked = nil
}

// dropEvictLocks releases locks that were taken only for eviction,
// before the caller proceeds with the objects it locked for itself.
func (t *Txn) dropEvictLocks() {
	for _, o := range t.evictLocked {
		o.resv.Release(t.acq)
	}
	t.evictLocked = nil
	t.alreadyLocked = nil
}

func (t *Txn) noteAlreadyLocked(o *Object) {
	for _, seen := range t.alreadyLocked {
		if seen == o {
			return
		}
	}
	t.alreadyLocked = append(t.alreadyLocked, o)
}

// WithTxn runs fn inside an allocation transaction, resolving
// deadlock-avoidance backoffs and retrying fn until it either
// succeeds or fails with something other than contention. Contention
// never propagates to the caller of WithTxn.
func WithTxn(ctx context.Context, interruptible bool, fn func(*Txn) error) error {
	t := NewTxn(ctx, interruptible)
	defer t.Fini()

	for {
		err := fn(t)
		if !errors.Is(err, ErrDeadlock) {
			return err
		}
		if err := t.Backoff(); err != nil {
			return err
		}
	}
}
