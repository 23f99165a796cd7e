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

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/buddy"
)

// Manager owns the memory regions of one device: one region per
// physical memory class, created at device init and torn down
// together.
type Manager struct {
	regions map[Class]*Region
	order   []Class
}

// NewManager creates a manager for the given regions. At most one
// region per memory class is allowed.
func NewManager(regions ...*Region) (*Manager, error) {
	m := &Manager{
		regions: make(map[Class]*Region),
	}

	for _, r := range regions {
		if _, ok := m.regions[r.Class()]; ok {
			return nil, errors.Errorf("duplicate region for memory class %s", r.Class())
		}
		m.regions[r.Class()] = r
		m.order = append(m.order, r.Class())
	}

	return m, nil
}

// Region returns the region of the given memory class, or nil.
func (m *Manager) Region(class Class) *Region {
	return m.regions[class]
}

// NewObject creates an object in the first of the given placement
// classes that has a region.
func (m *Manager) NewObject(name string, size uint64, placements []Class, reqOptions []RequestOption, options ...ObjectOption) (*Object, error) {
	for _, class := range placements {
		if r, ok := m.regions[class]; ok {
			return r.NewObject(name, size, reqOptions, options...)
		}
	}
	return nil, errors.Wrapf(ErrInvalidClass, "no region for placements %v", placements)
}

// GetPages allocates backing storage from the first placement class
// able to satisfy the request, falling through to the next class on
// capacity failures. Contention and interruption abort the placement
// walk immediately.
func (m *Manager) GetPages(ctx context.Context, txn *Txn, req *Request, placements []Class) (*Region, []*buddy.Block, error) {
	var lastErr error

	for _, class := range placements {
		r, ok := m.regions[class]
		if !ok {
			continue
		}

		blocks, err := r.GetPages(ctx, txn, req)
		if err == nil {
			return r, blocks, nil
		}
		if !retryableInNextRegion(err) {
			return nil, nil, err
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.Wrapf(ErrInvalidClass, "no region for placements %v", placements)
	}

	return nil, nil, lastErr
}

// Close tears down all regions, aggregating the failures.
func (m *Manager) Close() error {
	var result *multierror.Error

	for _, class := range m.order {
		r := m.regions[class]
		if err := r.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "region %s", r.Name()))
		}
	}

	return result.ErrorOrNil()
}

func retryableInNextRegion(err error) bool {
	return isNoProgress(err) ||
		errors.Is(err, ErrNoSpace) ||
		errors.Is(err, ErrTooBig)
}
