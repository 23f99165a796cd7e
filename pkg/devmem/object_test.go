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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func (o *Object) fillForTest(t *testing.T, eng *SoftEngine, pattern byte) {
	for _, b := range o.Blocks() {
		span, err := eng.Span(b)
		require.NoError(t, err)
		for i := range span {
			span[i] = pattern
		}
	}
}

func (o *Object) checkForTest(t *testing.T, eng *SoftEngine, pattern byte) {
	for _, b := range o.Blocks() {
		span, err := eng.Span(b)
		require.NoError(t, err)
		for i, v := range span {
			if v != pattern {
				t.Fatalf("%s: byte %d is %#x, expected %#x", b, i, v, pattern)
				return
			}
		}
	}
}

// Dirty content of an evicted normal object is swapped out and
// restored on the next use.
func TestSwapOutAndIn(t *testing.T) {
	tr := newTestRegion(t, 1*MiB)

	o := newTestObject(t, tr.r, "data", 64*KiB, nil)
	o.fillForTest(t, tr.eng, 0x5a)

	err := WithTxn(context.Background(), false, func(txn *Txn) error {
		if err := txn.Lock(o); err != nil {
			return err
		}
		o.MarkDirty()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tr.r.Evict(context.Background(), nil, 64*KiB))
	require.False(t, o.HasPages())
	require.NotNil(t, o.swap)
	require.False(t, o.WasPurged())
	require.Equal(t, 1*MiB, tr.r.AvailableBytes())

	err = WithTxn(context.Background(), false, func(txn *Txn) error {
		if err := txn.Lock(o); err != nil {
			return err
		}
		return o.GetPages(context.Background(), txn)
	})
	require.NoError(t, err)
	require.True(t, o.HasPages())
	require.Nil(t, o.swap)

	require.NoError(t, o.WaitIdle(context.Background(), time.Second))
	o.checkForTest(t, tr.eng, 0x5a)

	o.Release()
	require.NoError(t, tr.r.Close())
}

// With the drop strategy dirty content is discarded on eviction.
func TestSwapDrop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SwapStrategy = SwapDrop

	tr := newTestRegion(t, 1*MiB, WithConfig(cfg))

	o := newTestObject(t, tr.r, "data", 64*KiB, nil)
	o.fillForTest(t, tr.eng, 0x5a)

	err := WithTxn(context.Background(), false, func(txn *Txn) error {
		if err := txn.Lock(o); err != nil {
			return err
		}
		o.MarkDirty()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tr.r.Evict(context.Background(), nil, 64*KiB))
	require.False(t, o.HasPages())
	require.Nil(t, o.swap)

	err = WithTxn(context.Background(), false, func(txn *Txn) error {
		if err := txn.Lock(o); err != nil {
			return err
		}
		return o.GetPages(context.Background(), txn)
	})
	require.NoError(t, err)
	require.True(t, o.HasPages())

	o.Release()
	require.NoError(t, tr.r.Close())
}

// Purged content is not restored; the purged flag stays up until the
// next use repopulates the object.
func TestPurgedFlag(t *testing.T) {
	tr := newTestRegion(t, 1*MiB)

	o := newTestObject(t, tr.r, "cache", 64*KiB, nil)
	o.MarkPurgeable(true)
	require.True(t, o.IsPurgeable())
	require.False(t, o.WasPurged())

	require.NoError(t, tr.r.Evict(context.Background(), nil, 64*KiB))
	require.True(t, o.WasPurged())
	require.False(t, o.HasPages())

	err := WithTxn(context.Background(), false, func(txn *Txn) error {
		if err := txn.Lock(o); err != nil {
			return err
		}
		if !o.WasPurged() {
			t.Error("purged flag lost before repopulation")
		}
		return o.GetPages(context.Background(), txn)
	})
	require.NoError(t, err)
	require.False(t, o.WasPurged())
	require.True(t, o.HasPages())

	o.MarkPurgeable(false)
	require.False(t, o.IsPurgeable())

	o.Release()
	require.NoError(t, tr.r.Close())
}

func TestGetPagesIsIdempotent(t *testing.T) {
	tr := newTestRegion(t, 1*MiB)

	o := newTestObject(t, tr.r, "obj", 64*KiB, nil)
	blocks := o.Blocks()

	err := WithTxn(context.Background(), false, func(txn *Txn) error {
		if err := txn.Lock(o); err != nil {
			return err
		}
		return o.GetPages(context.Background(), txn)
	})
	require.NoError(t, err)
	require.Len(t, o.Blocks(), len(blocks))
	for i := range blocks {
		require.Same(t, blocks[i], o.Blocks()[i])
	}
	require.Equal(t, 1*MiB-64*KiB, tr.r.AvailableBytes())

	o.Release()
	require.NoError(t, tr.r.Close())
}

func TestGetPagesRequiresReservation(t *testing.T) {
	tr := newTestRegion(t, 1*MiB)

	o, err := tr.r.NewObject("obj", 64*KiB, nil)
	require.NoError(t, err)

	txn := NewTxn(context.Background(), false)
	require.Panics(t, func() { _ = o.GetPages(context.Background(), txn) })
	require.Panics(t, func() { o.PutPages(txn, false) })
	txn.Fini()

	o.Release()
	require.NoError(t, tr.r.Close())
}

func TestReleasedObjectIsDead(t *testing.T) {
	tr := newTestRegion(t, 1*MiB)

	o := newTestObject(t, tr.r, "obj", 64*KiB, nil)
	o.Release()
	require.Equal(t, 1*MiB, tr.r.AvailableBytes())

	err := WithTxn(context.Background(), false, func(txn *Txn) error {
		if err := txn.Lock(o); err != nil {
			return err
		}
		return o.GetPages(context.Background(), txn)
	})
	require.ErrorIs(t, err, ErrNoObject)

	require.NoError(t, tr.r.Close())
}

func TestPinning(t *testing.T) {
	tr := newTestRegion(t, 1*MiB)

	o := newTestObject(t, tr.r, "obj", 64*KiB, nil)
	require.False(t, o.Pinned())

	o.Pin()
	o.Pin()
	require.True(t, o.Pinned())
	o.Unpin()
	require.True(t, o.Pinned())
	o.Unpin()
	require.False(t, o.Pinned())

	require.Panics(t, func() { o.Unpin() })

	o.Release()
	require.NoError(t, tr.r.Close())
}

func TestPutPages(t *testing.T) {
	tr := newTestRegion(t, 1*MiB)

	o := newTestObject(t, tr.r, "obj", 64*KiB, nil)

	err := WithTxn(context.Background(), false, func(txn *Txn) error {
		if err := txn.Lock(o); err != nil {
			return err
		}
		o.PutPages(txn, false)
		return nil
	})
	require.NoError(t, err)
	require.False(t, o.HasPages())
	require.Equal(t, 1*MiB, tr.r.AvailableBytes())

	o.Release()
	require.NoError(t, tr.r.Close())
}
