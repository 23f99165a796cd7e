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
	"time"

	"sigs.k8s.io/yaml"
)

// SwapStrategy selects what happens to the content of dirty normal
// objects when they are evicted.
type SwapStrategy int

const (
	// SwapCopy swaps dirty content out through the blit engine so it
	// can be restored on the next use of the object.
	SwapCopy SwapStrategy = iota
	// SwapDrop discards dirty content outright. The next use of the
	// object sees cleared backing storage.
	SwapDrop
)

// Config holds the policy knobs of the memory manager.
type Config struct {
	// AllowKernelEviction permits background eviction of kernel
	// internal objects.
	AllowKernelEviction bool `json:"allowKernelEviction"`
	// SwapStrategy selects the swap/clear strategy for evicted
	// dirty content.
	SwapStrategy SwapStrategy `json:"swapStrategy"`
	// MinChunkOrder is the smallest allocation order GetPages uses
	// unless forced below it as a last resort.
	MinChunkOrder int `json:"minChunkOrder"`
	// MaxChunkOrder caps the allocation order GetPages uses. Zero
	// means no cap beyond the allocator's own maximum.
	MaxChunkOrder int `json:"maxChunkOrder"`
	// CPUClearFallback allows falling back to a synchronous CPU
	// clear when the blit engine is wedged.
	CPUClearFallback bool `json:"cpuClearFallback"`
	// EvictWaitTimeoutMs bounds the first-pass wait for busy
	// eviction candidates, in milliseconds.
	EvictWaitTimeoutMs int `json:"evictWaitTimeoutMs"`
}

// DefaultConfig returns the default policy configuration.
func DefaultConfig() *Config {
	return &Config{
		AllowKernelEviction: false,
		SwapStrategy:        SwapCopy,
		MinChunkOrder:       0,
		MaxChunkOrder:       0,
		CPUClearFallback:    true,
		EvictWaitTimeoutMs:  100,
	}
}

// ParseConfig parses a YAML policy configuration, filling unset fields
// with defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("devmem: failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.SwapStrategy != SwapCopy && c.SwapStrategy != SwapDrop {
		return fmt.Errorf("devmem: invalid swap strategy %d", c.SwapStrategy)
	}
	if c.MinChunkOrder < 0 || c.MaxChunkOrder < 0 {
		return fmt.Errorf("%w: min %d, max %d", ErrInvalidOrder,
			c.MinChunkOrder, c.MaxChunkOrder)
	}
	if c.MaxChunkOrder != 0 && c.MaxChunkOrder < c.MinChunkOrder {
		return fmt.Errorf("%w: max chunk order %d below min %d", ErrInvalidOrder,
			c.MaxChunkOrder, c.MinChunkOrder)
	}
	if c.EvictWaitTimeoutMs < 0 {
		return fmt.Errorf("devmem: invalid eviction wait timeout %dms", c.EvictWaitTimeoutMs)
	}
	return nil
}

func (c *Config) evictWaitTimeout() time.Duration {
	return time.Duration(c.EvictWaitTimeoutMs) * time.Millisecond
}
