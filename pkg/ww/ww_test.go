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

package ww_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/ww"
)

func TestAcquireRelease(t *testing.T) {
	var (
		class = ww.NewClass()
		m     ww.Mutex
	)

	a := class.NewAcquirer(nil, false)
	require.NoError(t, m.Acquire(a))
	require.True(t, m.HeldBy(a))

	require.ErrorIs(t, m.Acquire(a), ww.ErrAlreadyHeld)

	m.Release(a)
	require.False(t, m.HeldBy(a))
	a.Fini()
}

func TestFiniReleasesHeldLocks(t *testing.T) {
	var (
		class      = ww.NewClass()
		m1, m2, m3 ww.Mutex
	)

	a := class.NewAcquirer(nil, false)
	require.NoError(t, m1.Acquire(a))
	require.NoError(t, m2.Acquire(a))
	require.NoError(t, m3.Acquire(a))
	a.Fini()

	b := class.NewAcquirer(nil, false)
	require.True(t, m1.TryAcquire(b))
	require.True(t, m2.TryAcquire(b))
	require.True(t, m3.TryAcquire(b))
	b.Fini()
}

func TestTryAcquire(t *testing.T) {
	var (
		class = ww.NewClass()
		m     ww.Mutex
	)

	a := class.NewAcquirer(nil, false)
	b := class.NewAcquirer(nil, false)

	require.True(t, m.TryAcquire(a))
	require.False(t, m.TryAcquire(b))
	require.False(t, m.TryAcquire(a))

	m.Release(a)
	require.True(t, m.TryAcquire(b))

	a.Fini()
	b.Fini()
}

// The younger of two contending transactions dies with ErrDeadlock, and
// its backoff succeeds once the older one releases the lock.
func TestYoungerDies(t *testing.T) {
	var (
		class = ww.NewClass()
		m     ww.Mutex
	)

	older := class.NewAcquirer(nil, false)
	younger := class.NewAcquirer(nil, false)

	require.NoError(t, m.Acquire(older))

	err := m.Acquire(younger)
	require.ErrorIs(t, err, ww.ErrDeadlock)
	require.Equal(t, &m, younger.Contended())

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Release(older)
	}()

	require.NoError(t, younger.Backoff())
	require.True(t, m.HeldBy(younger))
	require.Nil(t, younger.Contended())

	younger.Fini()
	older.Fini()
}

// The older of two contending transactions waits instead of dying.
func TestOlderWaits(t *testing.T) {
	var (
		class = ww.NewClass()
		m     ww.Mutex
	)

	older := class.NewAcquirer(nil, false)
	younger := class.NewAcquirer(nil, false)

	require.NoError(t, m.Acquire(younger))

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Release(younger)
	}()

	require.NoError(t, m.Acquire(older))
	require.True(t, m.HeldBy(older))

	older.Fini()
	younger.Fini()
}

func TestBackoffReleasesEverything(t *testing.T) {
	var (
		class      = ww.NewClass()
		m1, m2, m3 ww.Mutex
	)

	older := class.NewAcquirer(nil, false)
	younger := class.NewAcquirer(nil, false)

	require.NoError(t, m3.Acquire(older))

	require.NoError(t, m1.Acquire(younger))
	require.NoError(t, m2.Acquire(younger))
	require.ErrorIs(t, m3.Acquire(younger), ww.ErrDeadlock)

	go func() {
		time.Sleep(10 * time.Millisecond)
		// The locks dropped by the backoff must be up for grabs while
		// the backed off transaction still blocks on the contended one.
		probe := class.NewAcquirer(nil, false)
		require.True(t, m1.TryAcquire(probe))
		require.True(t, m2.TryAcquire(probe))
		probe.Fini()

		m3.Release(older)
	}()

	require.NoError(t, younger.Backoff())
	require.True(t, m3.HeldBy(younger))
	require.False(t, m1.HeldBy(younger))
	require.False(t, m2.HeldBy(younger))

	younger.Fini()
	older.Fini()
}

func TestInterruptibleWait(t *testing.T) {
	var (
		class = ww.NewClass()
		m     ww.Mutex
	)

	// The interruptible transaction must be the older one so that
	// contention makes it wait instead of backing out.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	interruptible := class.NewAcquirer(ctx, true)

	holder := class.NewAcquirer(nil, false)
	require.NoError(t, m.Acquire(holder))

	err := m.Acquire(interruptible)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, m.HeldBy(interruptible))

	m.Release(holder)
	interruptible.Fini()
	holder.Fini()
}

func TestMisusePanics(t *testing.T) {
	var (
		class = ww.NewClass()
		m     ww.Mutex
	)

	a := class.NewAcquirer(nil, false)
	b := class.NewAcquirer(nil, false)

	require.Panics(t, func() { m.Release(a) })

	require.NoError(t, m.Acquire(a))
	require.Panics(t, func() { m.Release(b) })

	require.ErrorIs(t, m.Acquire(b), ww.ErrDeadlock)
	require.Panics(t, func() { b.Fini() })
	require.Panics(t, func() { m.Acquire(b) })

	m.Release(a)
	require.NoError(t, b.Backoff())
	b.Fini()
	a.Fini()

	require.Panics(t, func() { a.Backoff() })
}

// Hammer a shared set of mutexes from concurrent transactions which
// lock them in conflicting orders. With backoff and retry every
// transaction must eventually complete; a missed wakeup or a true
// deadlock hangs the test.
func TestContentionLiveness(t *testing.T) {
	const (
		goroutines = 8
		rounds     = 200
	)

	var (
		class   = ww.NewClass()
		mutexes [4]ww.Mutex
		done    atomic.Int32
		wg      sync.WaitGroup
	)

	lockAll := func(a *ww.Acquirer, order []int) error {
		for _, idx := range order {
			err := mutexes[idx].Acquire(a)
			if err != nil && !errors.Is(err, ww.ErrAlreadyHeld) {
				return err
			}
		}
		return nil
	}

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()

			order := []int{0, 1, 2, 3}
			if g%2 == 1 {
				order = []int{3, 2, 1, 0}
			}

			for i := 0; i < rounds; i++ {
				a := class.NewAcquirer(nil, false)
				for {
					err := lockAll(a, order)
					if err == nil {
						break
					}
					if !errors.Is(err, ww.ErrDeadlock) {
						t.Errorf("unexpected locking error: %v", err)
						break
					}
					if err := a.Backoff(); err != nil {
						t.Errorf("unexpected backoff error: %v", err)
						break
					}
				}
				done.Add(1)
				a.Fini()
			}
		}(g)
	}

	ok := make(chan struct{})
	go func() {
		wg.Wait()
		close(ok)
	}()

	select {
	case <-ok:
	case <-time.After(30 * time.Second):
		t.Fatalf("liveness failure: %d/%d rounds completed", done.Load(), goroutines*rounds)
	}
	require.Equal(t, int32(goroutines*rounds), done.Load())
}
