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
	"sync/atomic"
	"time"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/buddy"
	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/fence"
)

// Engine is the contract with the device blit/copy collaborator. All
// asynchronous operations return a fence which signals on completion.
// A wedged engine fails asynchronous submissions immediately with
// ErrWedged; the synchronous CPU clear path remains usable.
type Engine interface {
	// Clear zeroes the content of the given blocks asynchronously.
	Clear(ctx context.Context, blocks []*buddy.Block) (*fence.Fence, error)
	// ClearSync zeroes the content of the given blocks synchronously
	// on the CPU. This is the fallback path for a wedged engine.
	ClearSync(blocks []*buddy.Block) error
	// Copy copies content between block lists asynchronously.
	Copy(ctx context.Context, dst, src []*buddy.Block) (*fence.Fence, error)
	// CopyOut copies block content into a system memory buffer
	// asynchronously. Used for swap-out.
	CopyOut(ctx context.Context, dst []byte, src []*buddy.Block) (*fence.Fence, error)
	// CopyIn copies a system memory buffer into block content
	// asynchronously. Used for swap-in.
	CopyIn(ctx context.Context, dst []*buddy.Block, src []byte) (*fence.Fence, error)
	// Wedged returns true if the engine is unusable.
	Wedged() bool
}

// SoftEngine is an in-process Engine backed by an addressable byte
// aperture. Operations complete asynchronously on their own goroutine,
// optionally after an artificial latency. SoftEngine backs the system
// memory region and is also the test double for the device engine,
// with fault injection through SetWedged.
type SoftEngine struct {
	base    uint64
	mem     []byte
	wedged  atomic.Bool
	latency time.Duration
}

// NewSoftEngine creates a software engine for the aperture
// [base, base+size).
func NewSoftEngine(base, size uint64) *SoftEngine {
	return &SoftEngine{
		base: base,
		mem:  make([]byte, size),
	}
}

// SetLatency sets an artificial completion latency for asynchronous
// operations.
func (e *SoftEngine) SetLatency(d time.Duration) {
	e.latency = d
}

// SetWedged marks the engine unusable or usable again.
func (e *SoftEngine) SetWedged(wedged bool) {
	e.wedged.Store(wedged)
}

// Wedged returns true if the engine is unusable.
func (e *SoftEngine) Wedged() bool {
	return e.wedged.Load()
}

// Clear zeroes the given blocks asynchronously.
func (e *SoftEngine) Clear(ctx context.Context, blocks []*buddy.Block) (*fence.Fence, error) {
	if e.Wedged() {
		return nil, ErrWedged
	}
	spans, err := e.spans(blocks)
	if err != nil {
		return nil, err
	}

	return e.submit(ctx, func() {
		for _, span := range spans {
			clearSpan(span)
		}
	}), nil
}

// ClearSync zeroes the given blocks synchronously on the CPU.
func (e *SoftEngine) ClearSync(blocks []*buddy.Block) error {
	spans, err := e.spans(blocks)
	if err != nil {
		return err
	}
	for _, span := range spans {
		clearSpan(span)
	}
	return nil
}

// Copy copies content from src blocks to dst blocks asynchronously.
// The total sizes of the two block lists must match.
func (e *SoftEngine) Copy(ctx context.Context, dst, src []*buddy.Block) (*fence.Fence, error) {
	if e.Wedged() {
		return nil, ErrWedged
	}
	dstSpans, err := e.spans(dst)
	if err != nil {
		return nil, err
	}
	srcSpans, err := e.spans(src)
	if err != nil {
		return nil, err
	}
	if spanSize(dstSpans) != spanSize(srcSpans) {
		return nil, fmt.Errorf("%w: copy size mismatch", ErrIO)
	}

	return e.submit(ctx, func() {
		copySpans(dstSpans, srcSpans)
	}), nil
}

// CopyOut copies block content into dst asynchronously.
func (e *SoftEngine) CopyOut(ctx context.Context, dst []byte, src []*buddy.Block) (*fence.Fence, error) {
	if e.Wedged() {
		return nil, ErrWedged
	}
	srcSpans, err := e.spans(src)
	if err != nil {
		return nil, err
	}
	if uint64(len(dst)) < spanSize(srcSpans) {
		return nil, fmt.Errorf("%w: swap-out buffer too small", ErrIO)
	}

	return e.submit(ctx, func() {
		copySpans([][]byte{dst}, srcSpans)
	}), nil
}

// CopyIn copies src into block content asynchronously.
func (e *SoftEngine) CopyIn(ctx context.Context, dst []*buddy.Block, src []byte) (*fence.Fence, error) {
	if e.Wedged() {
		return nil, ErrWedged
	}
	dstSpans, err := e.spans(dst)
	if err != nil {
		return nil, err
	}
	if spanSize(dstSpans) < uint64(len(src)) {
		return nil, fmt.Errorf("%w: swap-in content too large", ErrIO)
	}

	return e.submit(ctx, func() {
		copySpans(dstSpans, [][]byte{src})
	}), nil
}

// Span returns the aperture bytes of the given block, for tests and
// CPU access paths.
func (e *SoftEngine) Span(b *buddy.Block) ([]byte, error) {
	spans, err := e.spans([]*buddy.Block{b})
	if err != nil {
		return nil, err
	}
	return spans[0], nil
}

func (e *SoftEngine) submit(ctx context.Context, op func()) *fence.Fence {
	f := fence.New()
	go func() {
		if e.latency > 0 {
			select {
			case <-time.After(e.latency):
			case <-ctxDone(ctx):
				// Device work is not cancelled once submitted,
				// it just completes.
				time.Sleep(e.latency)
			}
		}
		op()
		f.Signal(nil)
	}()
	return f
}

func (e *SoftEngine) spans(blocks []*buddy.Block) ([][]byte, error) {
	spans := make([][]byte, 0, len(blocks))
	for _, b := range blocks {
		start, size := b.Offset(), b.Size()
		if start < e.base || start+size > e.base+uint64(len(e.mem)) {
			return nil, fmt.Errorf("%w: %s outside aperture", ErrIO, b)
		}
		spans = append(spans, e.mem[start-e.base:start-e.base+size])
	}
	return spans, nil
}

func clearSpan(span []byte) {
	for i := range span {
		span[i] = 0
	}
}

func spanSize(spans [][]byte) uint64 {
	var total uint64
	for _, s := range spans {
		total += uint64(len(s))
	}
	return total
}

// copySpans copies bytes from src spans to dst spans in order, until
// either side runs out.
func copySpans(dst, src [][]byte) {
	var d, s []byte
	for {
		if len(d) == 0 {
			if len(dst) == 0 {
				return
			}
			d, dst = dst[0], dst[1:]
		}
		if len(s) == 0 {
			if len(src) == 0 {
				return
			}
			s, src = src[0], src[1:]
		}
		n := copy(d, s)
		d, s = d[n:], s[n:]
	}
}

func ctxDone(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return nil
	}
	return ctx.Done()
}
