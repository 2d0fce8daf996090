// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package mempolicy_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	. "github.com/containers/memkind/pkg/mempolicy"
)

func TestNodeMask(t *testing.T) {
	type testCase struct {
		name    string
		nodes   []int
		mask    NodeMask
		invalid bool
	}

	for _, tc := range []*testCase{
		{name: "no nodes", nodes: []int{}, mask: NodeMask{0}},
		{name: "single node", nodes: []int{0}, mask: NodeMask{0x1}},
		{name: "two nodes", nodes: []int{1, 3}, mask: NodeMask{0xa}},
		{name: "second word", nodes: []int{0, 64}, mask: NodeMask{0x1, 0x1}},
		{name: "last node", nodes: []int{MAX_NUMA_NODES - 1}, mask: append(make(NodeMask, 15), 1<<63)},
		{name: "negative", nodes: []int{-1}, invalid: true},
		{name: "too large", nodes: []int{MAX_NUMA_NODES}, invalid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mask, err := NewNodeMask(tc.nodes...)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.mask, mask)
			require.Equal(t, tc.nodes, mask.Nodes())
		})
	}
}

func TestModes(t *testing.T) {
	type testCase struct {
		name    string
		mode    uint
		str     string
		invalid bool
	}

	for _, tc := range []*testCase{
		{name: "MPOL_BIND", mode: MPOL_BIND, str: "MPOL_BIND"},
		{name: "mpol_interleave", mode: MPOL_INTERLEAVE, str: "MPOL_INTERLEAVE"},
		{name: "1", mode: MPOL_PREFERRED, str: "MPOL_PREFERRED"},
		{
			name: "MPOL_BIND|MPOL_F_STATIC_NODES",
			mode: MPOL_BIND | MPOL_F_STATIC_NODES,
			str:  "MPOL_BIND|MPOL_F_STATIC_NODES",
		},
		{name: "MPOL_FIRST_TOUCH", invalid: true},
		{name: "42", invalid: true},
		{name: "MPOL_BIND|MPOL_F_SOMETIMES", invalid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mode, err := ParseMode(tc.name)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.mode, mode)
			require.Equal(t, tc.str, ModeString(mode))
		})
	}

	require.Equal(t, "MPOL_UNKNOWN(42)", ModeString(42))
}

func TestMbindErrors(t *testing.T) {
	// misaligned
	err := Mbind(1, 4096, MPOL_BIND, []int{0}, 0)
	var errno unix.Errno
	require.ErrorAs(t, err, &errno)

	err = Mbind(0, 4096, MPOL_BIND, []int{MAX_NUMA_NODES}, 0)
	require.Error(t, err)
}
