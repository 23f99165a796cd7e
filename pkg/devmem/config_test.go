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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	tcs := []struct {
		description string
		data        string
		expected    func() *Config
		fail        bool
	}{
		{
			description: "empty configuration keeps the defaults",
			data:        "",
			expected:    DefaultConfig,
		},
		{
			description: "partial configuration overrides only what it names",
			data: `
allowKernelEviction: true
minChunkOrder: 1
evictWaitTimeoutMs: 250
`,
			expected: func() *Config {
				cfg := DefaultConfig()
				cfg.AllowKernelEviction = true
				cfg.MinChunkOrder = 1
				cfg.EvictWaitTimeoutMs = 250
				return cfg
			},
		},
		{
			description: "swap strategy and clear fallback",
			data: `
swapStrategy: 1
cpuClearFallback: false
`,
			expected: func() *Config {
				cfg := DefaultConfig()
				cfg.SwapStrategy = SwapDrop
				cfg.CPUClearFallback = false
				return cfg
			},
		},
		{
			description: "unknown fields are rejected",
			data:        "unknownKnob: 1\n",
			fail:        true,
		},
		{
			description: "invalid swap strategy",
			data:        "swapStrategy: 7\n",
			fail:        true,
		},
		{
			description: "negative chunk order",
			data:        "minChunkOrder: -1\n",
			fail:        true,
		},
		{
			description: "max chunk order below min",
			data:        "minChunkOrder: 4\nmaxChunkOrder: 2\n",
			fail:        true,
		},
		{
			description: "negative eviction wait timeout",
			data:        "evictWaitTimeoutMs: -5\n",
			fail:        true,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.description, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tc.data))
			if tc.fail {
				require.Error(t, err)
				require.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tc.expected(), cfg); diff != "" {
				t.Errorf("unexpected configuration (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxChunkOrder = 3
	cfg.MinChunkOrder = 3
	require.NoError(t, cfg.Validate())

	cfg.MinChunkOrder = 4
	require.ErrorIs(t, cfg.Validate(), ErrInvalidOrder)
}
