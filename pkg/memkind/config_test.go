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

package memkind_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memkind/pkg/hbw"
	. "github.com/containers/memkind/pkg/memkind"
)

func TestParseConfig(t *testing.T) {
	type testCase struct {
		name    string
		data    string
		invalid bool
		check   func(*testing.T, *Config)
	}

	for _, tc := range []*testCase{
		{
			name: "empty",
			data: "",
			check: func(t *testing.T, cfg *Config) {
				require.Empty(t, cfg.Pmem.Directory)
				require.True(t, cfg.Hbw.Capacity.IsZero())
			},
		},
		{
			name: "full",
			data: `
pmem:
  directory: /mnt/pmem0
  maxSize: 32Mi
hbw:
  policy: interleave
  nodes: 0-1
  capacity: 64Mi
  bandwidth:
  - node: 0
    bandwidth: 100
  - node: 1
    bandwidth: 400
log:
  debug:
  - heap
metrics:
  enabled:
  - memkind
`,
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "/mnt/pmem0", cfg.Pmem.Directory)
				require.Equal(t, int64(32*mib), cfg.Pmem.MaxSize.Value())
				require.Equal(t, "interleave", cfg.Hbw.Policy)
				require.Equal(t, int64(64*mib), cfg.Hbw.Capacity.Value())
				require.Len(t, cfg.Hbw.Bandwidth, 2)
				require.Equal(t, int64(400), cfg.Hbw.Bandwidth[1].Bandwidth)
				require.Equal(t, []string{"heap"}, cfg.Log.Debug)
				require.Equal(t, []string{"memkind"}, cfg.Metrics.Enabled)
			},
		},
		{
			name: "json",
			data: `{"hbw": {"policy": "HBW_POLICY_BIND", "bandwidthFile": "/tmp/bw.yaml"}}`,
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "/tmp/bw.yaml", cfg.Hbw.BandwidthFile)
			},
		},
		{
			name:    "unknown field",
			data:    "pmem:\n  dir: /mnt/pmem0\n",
			invalid: true,
		},
		{
			name:    "invalid policy",
			data:    "hbw:\n  policy: everywhere\n",
			invalid: true,
		},
		{
			name:    "invalid nodes",
			data:    "hbw:\n  nodes: 3-1\n",
			invalid: true,
		},
		{
			name:    "duplicate bandwidth",
			data:    "hbw:\n  bandwidth:\n  - node: 1\n    bandwidth: 1\n  - node: 1\n    bandwidth: 2\n",
			invalid: true,
		},
		{
			name:    "small capacity",
			data:    "hbw:\n  capacity: 1Mi\n",
			invalid: true,
		},
		{
			name:    "small pmem size",
			data:    "pmem:\n  maxSize: 4Ki\n",
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tc.data))
			if tc.invalid {
				require.ErrorIs(t, err, ErrInvalidArgument)
				require.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
			if tc.check != nil {
				tc.check(t, cfg)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memkind.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hbw:\n  policy: BIND\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "BIND", cfg.Hbw.Policy)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRegistryWithConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
hbw:
  policy: INTERLEAVE
  capacity: 8Mi
  bandwidth:
  - node: 0
    bandwidth: 100
  - node: 1
    bandwidth: 400
`))
	require.NoError(t, err)
	cfg.Pmem.Directory = t.TempDir()

	r := newRegistry(t, WithConfig(cfg))

	require.Equal(t, hbw.PolicyInterleave, r.Policy())
	require.Equal(t, []int{1}, r.Dispatcher().HighBandwidthNodes())
	require.True(t, r.CheckAvailable())
	require.Equal(t, r.HBWInterleave(), r.HbwKind())

	k, err := r.CreatePmemFromConfig()
	require.NoError(t, err)
	total, _, err := r.KindSize(k)
	require.NoError(t, err)
	require.Equal(t, uint64(PmemPartitionSize), total)

	// the caller's configuration is not modified
	require.True(t, cfg.Pmem.MaxSize.IsZero())

	k, err = r.CreateHbw(TypeHbw, 0)
	require.NoError(t, err)
	total, _, err = r.KindSize(k)
	require.NoError(t, err)
	require.Equal(t, 8*mib, total)
}

func TestRegistryWithNodeFilter(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
hbw:
  nodes: "0"
  bandwidth:
  - node: 0
    bandwidth: 100
  - node: 1
    bandwidth: 400
`))
	require.NoError(t, err)

	r := newRegistry(t, WithConfig(cfg))
	require.False(t, r.CheckAvailable())
	require.Empty(t, r.Dispatcher().HighBandwidthNodes())
}

func TestCreatePmemFromConfigWithoutDirectory(t *testing.T) {
	r := newRegistry(t)
	_, err := r.CreatePmemFromConfig()
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestInvalidOptions(t *testing.T) {
	_, err := NewRegistry(WithHbwCapacity(4096))
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewRegistry(WithConfig(&Config{}), WithHbwCapacity(1))
	require.ErrorIs(t, err, ErrInvalidArgument)
}
