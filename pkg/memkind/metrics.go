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

package memkind

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/memkind/pkg/metrics"
	"github.com/containers/memkind/pkg/metrics/collectors"
)

const (
	// MetricsGroup is the metrics group of kind collectors.
	MetricsGroup = "memkind"
	// MetricsNamespace prefixes the names of kind metrics.
	MetricsNamespace = "memkind"
)

var (
	kindLabels = []string{"kind", "type"}

	capacityDesc = prometheus.NewDesc("heap_capacity_bytes",
		"Capacity of the kind.", kindLabels, nil)
	usedDesc = prometheus.NewDesc("heap_used_bytes",
		"Bytes in live allocations of the kind.", kindLabels, nil)
	committedDesc = prometheus.NewDesc("heap_committed_bytes",
		"Bytes of backing storage committed for the kind.", kindLabels, nil)
	liveDesc = prometheus.NewDesc("heap_live_allocations",
		"Number of live allocations of the kind.", kindLabels, nil)
	pagesDesc = prometheus.NewDesc("hbw_pages_total",
		"Pages of high-bandwidth kinds placed on a node.", []string{"node"}, nil)
)

type kindCollector struct {
	r *Registry
}

func (c *kindCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- capacityDesc
	ch <- usedDesc
	ch <- committedDesc
	ch <- liveDesc
}

func (c *kindCollector) Collect(ch chan<- prometheus.Metric) {
	for _, k := range c.r.Kinds() {
		s := k.Stats()
		labels := []string{k.Name(), k.Type().String()}
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(s.Capacity), labels...)
		ch <- prometheus.MustNewConstMetric(usedDesc, prometheus.GaugeValue, float64(s.Used), labels...)
		ch <- prometheus.MustNewConstMetric(committedDesc, prometheus.GaugeValue, float64(s.Committed), labels...)
		ch <- prometheus.MustNewConstMetric(liveDesc, prometheus.GaugeValue, float64(s.Live), labels...)
	}
}

type placementCollector struct {
	r *Registry
}

func (c *placementCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pagesDesc
}

func (c *placementCollector) Collect(ch chan<- prometheus.Metric) {
	// don't trigger discovery just for collecting
	d := c.r.dispatcher.Load()
	if d == nil {
		return
	}
	for node, pages := range d.Placement() {
		ch <- prometheus.MustNewConstMetric(pagesDesc, prometheus.CounterValue, float64(pages),
			strconv.Itoa(node))
	}
}

func (r *Registry) registerCollectors() error {
	options := []metrics.RegisterOption{
		metrics.WithGroup(MetricsGroup),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()),
	}
	if err := r.metrics.Register("kinds", &kindCollector{r: r}, options...); err != nil {
		return err
	}
	if err := r.metrics.Register("placement", &placementCollector{r: r}, options...); err != nil {
		return err
	}
	return collectors.Register(r.metrics)
}

// Gatherer returns a prometheus gatherer for the metrics of the registry.
// Collectors are enabled by the configured globs, by default the kind
// collectors only.
func (r *Registry) Gatherer() (prometheus.Gatherer, error) {
	enabled := []string{MetricsGroup}
	if r.cfg != nil && len(r.cfg.Metrics.Enabled) > 0 {
		enabled = r.cfg.Metrics.Enabled
	}

	g, err := r.metrics.NewGatherer(
		metrics.WithNamespace(MetricsNamespace),
		metrics.WithMetrics(enabled),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	return g, nil
}
