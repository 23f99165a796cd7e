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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	l := Get("test-source")
	require.NotNil(t, l)
	require.Equal(t, "test-source", l.Source())

	// The same source always yields the same logger.
	require.Equal(t, l, Get("test-source"))
	require.NotEqual(t, l, Get("other-source"))
	require.Equal(t, "default", Default().Source())
}

func TestEnableDebug(t *testing.T) {
	l := Get("debug-source")
	require.False(t, l.DebugEnabled())

	previous := l.EnableDebug(true)
	require.False(t, previous)
	require.True(t, l.DebugEnabled())

	previous = l.EnableDebug(false)
	require.True(t, previous)
	require.False(t, l.DebugEnabled())

	// A wildcard setting applies to sources created after it.
	EnableDebug("*", true)
	defer EnableDebug("*", false)
	require.True(t, Get("late-source").DebugEnabled())
}

func TestSrcmapParse(t *testing.T) {
	tcs := []struct {
		description string
		value       string
		expected    srcmap
		fail        bool
	}{
		{
			description: "empty value",
			value:       "",
			expected:    srcmap{},
		},
		{
			description: "bare sources default to on",
			value:       "foo,bar",
			expected:    srcmap{"foo": true, "bar": true},
		},
		{
			description: "explicit states",
			value:       "on:foo,off:bar",
			expected:    srcmap{"foo": true, "bar": false},
		},
		{
			description: "all is an alias for the wildcard",
			value:       "all",
			expected:    srcmap{"*": true},
		},
		{
			description: "state aliases",
			value:       "true:a,enabled:b,0:c",
			expected:    srcmap{"a": true, "b": true, "c": false},
		},
		{
			description: "invalid state",
			value:       "sometimes:foo",
			fail:        true,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.description, func(t *testing.T) {
			m := make(srcmap)
			err := m.parse(tc.value)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, m)
		})
	}
}

func TestPanic(t *testing.T) {
	require.Panics(t, func() { Get("panic-source").Panic("boom") })
}
