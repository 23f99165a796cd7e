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

// Package ww implements wait/wound mutexes, deadlock-avoiding sleeping
// locks for acquiring an arbitrary number of related locks without a
// fixed global ordering.
//
// Locks are acquired under an Acquirer, a transaction which is handed
// a monotonically increasing stamp by its lock Class. Contention is
// resolved with the wait-die rule: a transaction older than the
// current lock holder waits, a younger one backs out. Backing out
// fails the acquisition with ErrDeadlock and records the mutex as
// contended on the acquirer. The caller must then call Backoff, which
// releases every lock the transaction holds and acquires the contended
// mutex through the blocking slow path, after which the whole locking
// sequence must be retried from the start. Since the transaction keeps
// its stamp across retries it only grows older, so it eventually wins
// every contest and the scheme is live.
package ww

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrDeadlock    = fmt.Errorf("ww: deadlock avoidance requires backoff")
	ErrAlreadyHeld = fmt.Errorf("ww: mutex already held by this acquirer")
)

// Class is a lock class. Mutexes acquired under the same transaction
// must belong to the same class.
type Class struct {
	stamp atomic.Uint64
}

// NewClass creates a new lock class.
func NewClass() *Class {
	return &Class{}
}

// Acquirer is one multi-lock transaction. An Acquirer is not safe for
// concurrent use; it tracks the locking done by a single call chain.
type Acquirer struct {
	class         *Class
	ctx           context.Context
	stamp         uint64
	interruptible bool
	held          []*Mutex
	contended     *Mutex
}

// NewAcquirer starts a new transaction in the class. A nil context or
// interruptible false makes all blocking waits uninterruptible.
func (c *Class) NewAcquirer(ctx context.Context, interruptible bool) *Acquirer {
	return &Acquirer{
		class:         c,
		ctx:           ctx,
		stamp:         c.stamp.Add(1),
		interruptible: interruptible,
	}
}

// Ctx returns the context of the acquirer, or nil.
func (a *Acquirer) Ctx() context.Context {
	return a.ctx
}

// Interruptible returns true if blocking waits honour the context.
func (a *Acquirer) Interruptible() bool {
	return a.interruptible
}

// Contended returns the mutex recorded by a failed acquisition, or nil.
func (a *Acquirer) Contended() *Mutex {
	return a.contended
}

// Backoff resolves a recorded contention. It releases every mutex the
// transaction holds, then blocks to acquire the contended mutex through
// the slow path, leaving it held, and clears the contended marker. The
// caller must retry its whole locking sequence afterwards. The blocking
// wait honours the context only for interruptible acquirers; on a
// context error the contended marker is still cleared and nothing
// remains held.
func (a *Acquirer) Backoff() error {
	m := a.contended
	if m == nil {
		panic("ww: backoff without contended mutex")
	}

	for len(a.held) > 0 {
		a.held[len(a.held)-1].Release(a)
	}

	a.contended = nil

	return m.acquireSlow(a)
}

// Fini ends the transaction, releasing every mutex it still holds. It
// is a programming error to call Fini with an unresolved contention.
func (a *Acquirer) Fini() {
	if a.contended != nil {
		panic("ww: fini with contended mutex outstanding")
	}
	for len(a.held) > 0 {
		a.held[len(a.held)-1].Release(a)
	}
}

func (a *Acquirer) pushHeld(m *Mutex) {
	a.held = append(a.held, m)
}

func (a *Acquirer) dropHeld(m *Mutex) {
	for i, held := range a.held {
		if held == m {
			a.held = append(a.held[:i], a.held[i+1:]...)
			return
		}
	}
	panic("ww: releasing a mutex the acquirer does not hold")
}

// Mutex is a wait/wound mutex.
type Mutex struct {
	mu      sync.Mutex
	owner   *Acquirer
	waiters []chan struct{}
}

// Acquire locks the mutex under the given transaction. If the mutex is
// held by an older transaction, Acquire records the mutex as contended
// and fails with ErrDeadlock; the caller must back off. If it is held
// by a younger transaction, Acquire waits. Acquire must not be called
// with an unresolved contention outstanding.
func (m *Mutex) Acquire(a *Acquirer) error {
	if a.contended != nil {
		panic("ww: acquire with contended mutex outstanding")
	}

	m.mu.Lock()
	for {
		if m.owner == nil {
			m.owner = a
			m.mu.Unlock()
			a.pushHeld(m)
			return nil
		}
		if m.owner == a {
			m.mu.Unlock()
			return ErrAlreadyHeld
		}
		if m.owner.stamp < a.stamp {
			// Holder is older, we die.
			m.mu.Unlock()
			a.contended = m
			return ErrDeadlock
		}

		if err := m.wait(a); err != nil {
			return err
		}
		m.mu.Lock()
	}
}

// TryAcquire attempts to lock the mutex under the given transaction
// without blocking. It reports whether the lock was taken.
func (m *Mutex) TryAcquire(a *Acquirer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner != nil {
		return false
	}
	m.owner = a
	a.pushHeld(m)

	return true
}

// Release unlocks the mutex. Releasing a mutex not held by the given
// transaction is a programming error and panics.
func (m *Mutex) Release(a *Acquirer) {
	m.mu.Lock()
	if m.owner != a {
		m.mu.Unlock()
		panic("ww: releasing a mutex held by someone else")
	}
	m.owner = nil
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	a.dropHeld(m)

	for _, ch := range waiters {
		close(ch)
	}
}

// HeldBy returns true if the mutex is currently held by the given
// transaction.
func (m *Mutex) HeldBy(a *Acquirer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == a
}

// acquireSlow locks the mutex, waiting for however long it takes. Used
// to resolve contention from Backoff, where the transaction holds no
// other locks and blocking indefinitely cannot deadlock.
func (m *Mutex) acquireSlow(a *Acquirer) error {
	m.mu.Lock()
	for m.owner != nil {
		if m.owner == a {
			m.mu.Unlock()
			return ErrAlreadyHeld
		}
		if err := m.wait(a); err != nil {
			return err
		}
		m.mu.Lock()
	}
	m.owner = a
	m.mu.Unlock()
	a.pushHeld(m)

	return nil
}

// wait is called with m.mu held and returns with it released. It
// blocks until the mutex is released by its current owner, or the
// context of an interruptible acquirer is cancelled.
func (m *Mutex) wait(a *Acquirer) error {
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	if !a.interruptible || a.ctx == nil {
		<-ch
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-a.ctx.Done():
		m.removeWaiter(ch)
		return a.ctx.Err()
	}
}

func (m *Mutex) removeWaiter(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}
