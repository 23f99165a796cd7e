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
	"fmt"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/ww"
)

var (
	ErrFailedOption = fmt.Errorf("devmem: failed to apply option")
	ErrNoSpace      = fmt.Errorf("devmem: not enough free memory")
	ErrTooBig       = fmt.Errorf("devmem: request exceeds region capacity")
	ErrNoEvictable  = fmt.Errorf("devmem: nothing left to evict")
	ErrInterrupted  = fmt.Errorf("devmem: interrupted")
	ErrIO           = fmt.Errorf("devmem: device unusable")
	ErrWedged       = fmt.Errorf("devmem: blit engine wedged")
	ErrNoObject     = fmt.Errorf("devmem: object has been released")
	ErrInvalidClass = fmt.Errorf("devmem: invalid memory class")
	ErrInvalidOrder = fmt.Errorf("devmem: invalid chunk order")

	// ErrDeadlock signals that deadlock avoidance requires the caller
	// to back off its transaction and retry. It never leaks out of
	// WithTxn.
	ErrDeadlock = ww.ErrDeadlock
)

// interrupted wraps a context error so that callers can match both the
// interruption class and the original context error.
func interrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}
