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

package bandwidth_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	. "github.com/containers/memkind/pkg/bandwidth"
	"github.com/containers/memkind/pkg/utils/cpuset"
)

func raw(bandwidths ...int32) []byte {
	data := make([]byte, 4*len(bandwidths))
	for i, bw := range bandwidths {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(bw))
	}
	return data
}

func TestParse(t *testing.T) {
	type testCase struct {
		name    string
		data    []byte
		entries []Entry
		hbw     []int
		nodes   []int
		fail    bool
	}

	for _, tc := range []*testCase{
		{
			name:    "empty",
			data:    nil,
			entries: []Entry{},
			nodes:   []int{},
		},
		{
			name: "single level",
			data: raw(100, 100),
			entries: []Entry{
				{Node: 0, Bandwidth: 100},
				{Node: 1, Bandwidth: 100},
			},
			nodes: []int{0, 1},
		},
		{
			name: "dram and hbm",
			data: raw(100, 100, 400, 400),
			entries: []Entry{
				{Node: 0, Bandwidth: 100},
				{Node: 1, Bandwidth: 100},
				{Node: 2, Bandwidth: 400},
				{Node: 3, Bandwidth: 400},
			},
			hbw:   []int{2, 3},
			nodes: []int{0, 1, 2, 3},
		},
		{
			name: "node without memory",
			data: raw(100, 0, 300),
			entries: []Entry{
				{Node: 0, Bandwidth: 100},
				{Node: 1, Bandwidth: 0},
				{Node: 2, Bandwidth: 300},
			},
			hbw:   []int{2},
			nodes: []int{0, 2},
		},
		{
			name: "truncated",
			data: raw(100, 200)[:7],
			fail: true,
		},
		{
			name: "negative bandwidth",
			data: raw(100, -1),
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tbl, err := Parse(tc.data)
			if tc.fail {
				require.ErrorIs(t, err, ErrInvalidTable)
				require.Nil(t, tbl)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "", cmp.Diff(tc.entries, tbl.Entries()))
			require.Equal(t, tc.hbw, tbl.HighBandwidthNodes())
			require.Equal(t, tc.nodes, tbl.Nodes())
		})
	}
}

func TestNew(t *testing.T) {
	tbl, err := New([]Entry{
		{Node: 3, Bandwidth: 30},
		{Node: 1, Bandwidth: 10},
	})
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	require.Equal(t, int64(30), tbl.Bandwidth(3))
	require.Equal(t, int64(0), tbl.Bandwidth(2))
	require.Equal(t, "1:10,3:30", tbl.String())

	_, err = New([]Entry{{Node: 1, Bandwidth: 1}, {Node: 1, Bandwidth: 2}})
	require.ErrorIs(t, err, ErrInvalidTable)
	_, err = New([]Entry{{Node: -1, Bandwidth: 1}})
	require.ErrorIs(t, err, ErrInvalidTable)
}

func TestParseYAML(t *testing.T) {
	tbl, err := ParseYAML([]byte(`
- node: 0
  bandwidth: 90000
- node: 1
  bandwidth: 360000
`))
	require.NoError(t, err)
	require.Equal(t, []int{1}, tbl.HighBandwidthNodes())

	_, err = ParseYAML([]byte("- node: 0\n  speed: 1"))
	require.ErrorIs(t, err, ErrInvalidTable)
}

func TestFilter(t *testing.T) {
	tbl, err := Parse(raw(100, 100, 400, 400))
	require.NoError(t, err)

	f := tbl.Filter(cpuset.New(0, 2))
	require.Equal(t, "", cmp.Diff([]Entry{{Node: 0, Bandwidth: 100}, {Node: 2, Bandwidth: 400}}, f.Entries()))

	f = tbl.Filter(cpuset.New(0, 1))
	require.Nil(t, f.HighBandwidthNodes())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "node-bandwidth")
	require.NoError(t, os.WriteFile(path, raw(10, 20), 0o644))
	tbl, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []int{1}, tbl.HighBandwidthNodes())

	path = filepath.Join(dir, "bandwidth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("[{node: 0, bandwidth: 5}, {node: 4, bandwidth: 50}]"), 0o644))
	tbl, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, []int{4}, tbl.HighBandwidthNodes())

	_, err = Load(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, ErrNotFound)

	path = filepath.Join(dir, "broken")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))
	_, err = Load(path)
	require.ErrorIs(t, err, ErrInvalidTable)
}
