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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	. "github.com/containers/memkind/pkg/memkind"
)

func gather(t *testing.T, g prometheus.Gatherer) map[string]*model.MetricFamily {
	families, err := g.Gather()
	require.NoError(t, err)
	m := map[string]*model.MetricFamily{}
	for _, f := range families {
		m[f.GetName()] = f
	}
	return m
}

func value(f *model.MetricFamily, label, value string) (float64, bool) {
	if f == nil {
		return 0, false
	}
	for _, m := range f.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == label && l.GetValue() == value {
				if g := m.GetGauge(); g != nil {
					return g.GetValue(), true
				}
				return m.GetCounter().GetValue(), true
			}
		}
	}
	return 0, false
}

func TestKindMetrics(t *testing.T) {
	r := newRegistry(t)
	k := newPmem(t, r, PmemPartitionSize)

	b, err := r.Malloc(k, 3*mib)
	require.NoError(t, err)
	c, err := r.Malloc(k, 100)
	require.NoError(t, err)

	g, err := r.Gatherer()
	require.NoError(t, err)

	families := gather(t, g)

	live, ok := value(families["memkind_heap_live_allocations"], "kind", k.Name())
	require.True(t, ok)
	require.Equal(t, float64(2), live)

	capacity, ok := value(families["memkind_heap_capacity_bytes"], "kind", k.Name())
	require.True(t, ok)
	require.Equal(t, float64(PmemPartitionSize), capacity)

	used, ok := value(families["memkind_heap_used_bytes"], "kind", k.Name())
	require.True(t, ok)
	require.Equal(t, float64(4*mib+112), used)

	_, ok = value(families["memkind_heap_committed_bytes"], "type", "PMEM")
	require.True(t, ok)

	// the regular kind is always there, high-bandwidth kinds once set up
	_, ok = value(families["memkind_heap_live_allocations"], "kind", "regular")
	require.True(t, ok)
	_, ok = value(families["memkind_heap_live_allocations"], "kind", "hbw")
	require.False(t, ok)

	// standard collectors are not enabled by default
	require.Nil(t, families["go_build_info"])

	require.NoError(t, r.Free(k, b))
	require.NoError(t, r.Free(k, c))

	live, ok = value(gather(t, g)["memkind_heap_live_allocations"], "kind", k.Name())
	require.True(t, ok)
	require.Zero(t, live)
}

func TestPlacementMetrics(t *testing.T) {
	r, _ := newHbwRegistry(t, true)

	b, err := r.Malloc(r.HBW(), 64)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Free(r.HBW(), b)) }()

	g, err := r.Gatherer()
	require.NoError(t, err)

	pages, ok := value(gather(t, g)["memkind_hbw_pages_total"], "node", "1")
	require.True(t, ok)
	require.Equal(t, float64(r.Dispatcher().Placement()[1]), pages)
}

func TestConfiguredMetrics(t *testing.T) {
	cfg := &Config{}
	cfg.Metrics.Enabled = []string{"kinds", "standard/buildinfo"}
	r := newRegistry(t, WithConfig(cfg))

	g, err := r.Gatherer()
	require.NoError(t, err)

	families := gather(t, g)
	require.NotNil(t, families["go_build_info"])
	require.NotNil(t, families["memkind_heap_capacity_bytes"])

	cfg = &Config{}
	cfg.Metrics.Enabled = []string{"nonexistent"}
	r = newRegistry(t, WithConfig(cfg))
	_, err = r.Gatherer()
	require.ErrorIs(t, err, ErrInvalidArgument)
}
