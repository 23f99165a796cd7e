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

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	local, err := NewRegion("lmem", ClassLocal, 0, 256*KiB, DefaultChunkSize)
	require.NoError(t, err)
	system, err := NewRegion("smem", ClassSystem, 0, 1*MiB, DefaultChunkSize)
	require.NoError(t, err)

	m, err := NewManager(local, system)
	require.NoError(t, err)
	require.NotNil(t, m)

	return m
}

func TestNewManager(t *testing.T) {
	m := newTestManager(t)

	require.NotNil(t, m.Region(ClassLocal))
	require.NotNil(t, m.Region(ClassSystem))
	require.Nil(t, m.Region(ClassStolen))

	require.NoError(t, m.Close())

	r1, err := NewRegion("a", ClassLocal, 0, 256*KiB, DefaultChunkSize)
	require.NoError(t, err)
	r2, err := NewRegion("b", ClassLocal, 0, 256*KiB, DefaultChunkSize)
	require.NoError(t, err)

	_, err = NewManager(r1, r2)
	require.Error(t, err)
}

func TestManagerObjectPlacement(t *testing.T) {
	m := newTestManager(t)

	// The first placement class with a region wins.
	o, err := m.NewObject("obj", 64*KiB, []Class{ClassStolen, ClassLocal, ClassSystem}, nil)
	require.NoError(t, err)
	require.Equal(t, ClassLocal, o.Region().Class())
	o.Release()

	_, err = m.NewObject("nowhere", 64*KiB, []Class{ClassStolen}, nil)
	require.ErrorIs(t, err, ErrInvalidClass)

	require.NoError(t, m.Close())
}

// A request falls through to the next placement class when a region is
// too small or cannot free enough memory.
func TestManagerPlacementFallback(t *testing.T) {
	m := newTestManager(t)
	placements := []Class{ClassLocal, ClassSystem}

	// Too big for local memory altogether.
	r, blocks, err := m.GetPages(context.Background(), nil, NewRequest(512*KiB), placements)
	require.NoError(t, err)
	require.Equal(t, ClassSystem, r.Class())
	r.PutPages(blocks, false)

	// Small enough for local memory, which is preferred.
	r, blocks, err = m.GetPages(context.Background(), nil, NewRequest(128*KiB), placements)
	require.NoError(t, err)
	require.Equal(t, ClassLocal, r.Class())
	r.PutPages(blocks, false)

	// Local memory full of pinned objects falls through as well.
	pinned := newTestObject(t, m.Region(ClassLocal), "pinned", 256*KiB, nil)
	pinned.Pin()

	r, blocks, err = m.GetPages(context.Background(), nil, NewRequest(128*KiB), placements)
	require.NoError(t, err)
	require.Equal(t, ClassSystem, r.Class())
	r.PutPages(blocks, false)

	// Nothing can serve a request exceeding every placement.
	_, _, err = m.GetPages(context.Background(), nil, NewRequest(2*MiB), placements)
	require.ErrorIs(t, err, ErrTooBig)

	_, _, err = m.GetPages(context.Background(), nil, NewRequest(64*KiB), []Class{ClassStolen})
	require.ErrorIs(t, err, ErrInvalidClass)

	// Close must report the region which still has a live object.
	err = m.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "lmem")

	pinned.Unpin()
	pinned.Release()
	require.NoError(t, m.Close())
}
