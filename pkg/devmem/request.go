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

import "fmt"

// Request represents one backing storage allocation request.
type Request struct {
	size       uint64 // the amount of memory to allocate, in bytes
	contiguous bool   // allocate a single block, rounding size up to a power of two
	needsClear bool   // content must be zero when the attached fences signal
	minOrder   int    // per-request minimum chunk order, -1 for the region policy
	maxOrder   int    // per-request maximum chunk order, -1 for the region policy
}

// RequestOption is an opaque option which can be applied to a request.
type RequestOption func(*Request)

// WithContiguous returns an option requiring physically contiguous
// backing storage. The request size is rounded up to a power of two
// and satisfied with a single block.
func WithContiguous() RequestOption {
	return func(r *Request) {
		r.contiguous = true
	}
}

// WithClear returns an option requiring zeroed backing storage.
func WithClear() RequestOption {
	return func(r *Request) {
		r.needsClear = true
	}
}

// WithMinChunkOrder returns an option overriding the region's minimum
// chunk order for this request.
func WithMinChunkOrder(order int) RequestOption {
	return func(r *Request) {
		r.minOrder = order
	}
}

// WithMaxChunkOrder returns an option overriding the region's maximum
// chunk order for this request.
func WithMaxChunkOrder(order int) RequestOption {
	return func(r *Request) {
		r.maxOrder = order
	}
}

// NewRequest returns a request for the given number of bytes with the
// given options applied.
func NewRequest(size uint64, options ...RequestOption) *Request {
	r := &Request{
		size:     size,
		minOrder: -1,
		maxOrder: -1,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Size returns the requested size in bytes.
func (r *Request) Size() uint64 {
	return r.size
}

// String returns a string representation of the request.
func (r *Request) String() string {
	kind := ""
	if r.contiguous {
		kind = ", contiguous"
	}
	if r.needsClear {
		kind += ", cleared"
	}
	return fmt.Sprintf("request{%s%s}", prettySize(r.size), kind)
}
