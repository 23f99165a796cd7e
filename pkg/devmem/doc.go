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

// Package devmem implements device memory management for a discrete
// GPU: memory regions over a physical aperture, the object backing
// store lifecycle, and eviction under memory pressure.
//
// # Regions, Requests
//
// A Region represents one physical memory class (device-local, stolen,
// or system fallback) and owns a buddy allocator over its address
// range, an available-byte counter and the bookkeeping of which
// objects currently hold blocks from it. Memory is requested in bytes
// using a Request, which can also carry a chunking policy: a minimum
// or maximum chunk order, a contiguity requirement, or a demand for
// zeroed content. GetPages satisfies a request with a list of
// power-of-two blocks, largest first, taking the biggest chunks the
// allocator can currently provide and falling below the minimum chunk
// order only as a last resort.
//
// # Objects
//
// An Object is the unit of ownership for backing storage. Each object
// has an exclusive reservation lock, an owning region, and a link in
// one of the region's two object lists: normal or purgeable. Purgeable
// objects have declared their content disposable, so reclaiming them
// under memory pressure is pure win. Every use of an object moves its
// link to the tail of its list, giving the lists an oldest-first order
// which eviction uses as an LRU approximation.
//
// # Eviction
//
// When a region cannot satisfy an allocation, the eviction engine
// walks the purgeable list and then the normal list, reclaiming
// backing storage from victim objects until enough bytes are free.
// Candidates that are pinned for scanout, protected by policy, or
// already locked by the calling transaction are skipped. A candidate
// with in-flight device work is first waited for, with a bounded
// timeout on the first pass and unbounded on a second pass if the
// first pass found nothing reclaimable but something merely busy.
// Dirty content of normal objects is swapped out through the blit
// engine before its blocks are freed; purgeable content is dropped.
//
// # Transactions
//
// Eviction must lock arbitrary victim objects while the caller may
// already hold locks of its own, so all object locking runs under a
// wait/wound transaction (Txn). A deadlocked acquisition fails with a
// distinguished error, the transaction backs off by releasing all its
// locks and slow-locking the contended object, and the whole operation
// is retried. The WithTxn helper runs this loop so contention never
// leaks to callers. Objects locked only so eviction could inspect them
// are tracked separately from objects the caller locked for its own
// use and are released as soon as the allocation completes.
//
// # Asynchronous content operations
//
// Clearing, copying and swap I/O are submitted to a blit Engine and
// complete asynchronously, signalling a fence. The fence of the last
// operation touching a block rides along on the block itself, through
// splits, coalescing and reuse, so a later user can order its own work
// after in-flight content operations without any allocator-wide
// serialization. If the engine is wedged, clears degrade to the
// synchronous CPU path where policy allows; otherwise the allocation
// fails with an I/O error.
package devmem
