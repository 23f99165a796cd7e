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

// Package fence implements asynchronous completion tokens.
//
// A Fence represents an operation which completes asynchronously, for
// instance a clear or copy submitted to a device engine. A fence starts
// out active and is signalled exactly once, with an optional error.
// Other goroutines can wait for a fence with a bounded or unbounded
// timeout, poll it, or chain further work to run after it signals.
package fence

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var (
	ErrTimeout = fmt.Errorf("fence: wait timed out")
)

// Fence is a one-shot asynchronous completion token.
type Fence struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	signalled bool
	callbacks []func(error)
}

// New returns a new, active fence.
func New() *Fence {
	return &Fence{
		done: make(chan struct{}),
	}
}

// Signalled returns a fence which has already been signalled with the
// given error.
func Signalled(err error) *Fence {
	f := New()
	f.Signal(err)
	return f
}

// Signal signals the fence with the given error, releasing all waiters
// and running all chained callbacks. Signalling a fence more than once
// is a programming error.
func (f *Fence) Signal(err error) {
	f.mu.Lock()
	if f.signalled {
		f.mu.Unlock()
		panic("fence: signalled twice")
	}
	f.signalled = true
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	close(f.done)
	for _, fn := range callbacks {
		fn(err)
	}
}

// IsActive returns true if the fence has not been signalled yet.
func (f *Fence) IsActive() bool {
	if f == nil {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// Err returns the error the fence was signalled with, or nil if the
// fence is still active or was signalled without an error.
func (f *Fence) Err() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the fence signals, the context is cancelled, or
// the timeout expires. A zero timeout means no timeout. Wait returns
// the error the fence was signalled with, the context error, or
// ErrTimeout.
func (f *Fence) Wait(ctx context.Context, timeout time.Duration) error {
	if f == nil {
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var cancelled <-chan struct{}
	if ctx != nil {
		cancelled = ctx.Done()
	}

	select {
	case <-f.done:
		return f.Err()
	case <-cancelled:
		return ctx.Err()
	case <-expired:
		return ErrTimeout
	}
}

// OnSignal arranges for fn to run once the fence signals. If the fence
// has already signalled, fn runs immediately in the calling goroutine.
func (f *Fence) OnSignal(fn func(error)) {
	if f == nil {
		fn(nil)
		return
	}

	f.mu.Lock()
	if !f.signalled {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	err := f.err
	f.mu.Unlock()

	fn(err)
}

// Merge returns a fence which signals once all the given fences have
// signalled. Nil and already signalled fences are skipped. The merged
// fence signals with the first non-nil error among its inputs. Merging
// no active fences returns an already signalled fence.
func Merge(fences ...*Fence) *Fence {
	var (
		active   = 0
		firstErr error
	)

	for _, f := range fences {
		if f.IsActive() {
			active++
		} else if err := f.Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if active == 0 {
		return Signalled(firstErr)
	}

	var (
		merged  = New()
		mu      sync.Mutex
		pending = active
		mergErr = firstErr
	)

	for _, f := range fences {
		if !f.IsActive() {
			continue
		}
		f.OnSignal(func(err error) {
			mu.Lock()
			if err != nil && mergErr == nil {
				mergErr = err
			}
			pending--
			last := pending == 0
			err = mergErr
			mu.Unlock()
			if last {
				merged.Signal(err)
			}
		})
	}

	return merged
}
