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

package metrics

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/memkind/pkg/log"
)

var log = logger.Get("metrics")

// State is the state of a collector or the collective state of a group.
type State int

const (
	// Enabled marks a collector enabled.
	Enabled State = 1 << iota
	// NamespacePrefix prefixes the metrics of a collector with the
	// namespace of the gatherer.
	NamespacePrefix
	// SubsystemPrefix prefixes the metrics of a collector with its group.
	SubsystemPrefix

	// DefaultGroup is the group of collectors registered without one.
	DefaultGroup = "default"
)

// IsEnabled returns true if the collector is enabled.
func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

// NeedsNamespace returns true if the collector needs a namespace prefix.
func (s State) NeedsNamespace() bool {
	return s&NamespacePrefix != 0
}

// NeedsSubsystem returns true if the collector needs a group prefix.
func (s State) NeedsSubsystem() bool {
	return s&SubsystemPrefix != 0
}

// String returns the state as a comma-separated list of flags.
func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector is a named prometheus.Collector which can be enabled and
// disabled at runtime.
type Collector struct {
	State
	collector prometheus.Collector
	name      string
	group     string
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace disables namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.State &^= NamespacePrefix
	}
}

// WithoutSubsystem disables group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.State &^= SubsystemPrefix
	}
}

// NewCollector wraps a prometheus.Collector under the given name.
func NewCollector(name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		State:     Enabled | NamespacePrefix | SubsystemPrefix,
		collector: collector,
		name:      name,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Name returns the qualified group/name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if the glob matches the group, the name, or the
// qualified name of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, s := range []string{c.group, c.name, c.Name()} {
		if glob == s {
			return true
		}
		ok, err := path.Match(glob, s)
		if err != nil {
			log.Warn("invalid collector glob %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Enable enables or disables the collector.
func (c *Collector) Enable(state bool) {
	if state {
		c.State |= Enabled
	} else {
		c.State &^= Enabled
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.IsEnabled() {
		return
	}
	if log.DebugEnabled() {
		log.Debug("collecting %q", c.Name())
	}
	c.collector.Collect(ch)
}

// Registry is a set of collectors organized into groups.
type Registry struct {
	sync.Mutex
	groups map[string][]*Collector
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	group   string
	options []CollectorOption
}

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(o *registerOptions) {
		if name != "" {
			o.group = name
		}
	}
}

// WithCollectorOptions registers a collector with the given options.
func WithCollectorOptions(options ...CollectorOption) RegisterOption {
	return func(o *registerOptions) {
		o.options = append(o.options, options...)
	}
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string][]*Collector),
	}
}

// Register registers a collector under the given name.
func (r *Registry) Register(name string, collector prometheus.Collector, options ...RegisterOption) error {
	o := &registerOptions{group: DefaultGroup}
	for _, opt := range options {
		opt(o)
	}

	r.Lock()
	defer r.Unlock()

	for _, c := range r.groups[o.group] {
		if c.name == name {
			return fmt.Errorf("metrics: collector %s/%s already registered", o.group, name)
		}
	}

	c := NewCollector(name, collector, o.options...)
	c.group = o.group
	r.groups[o.group] = append(r.groups[o.group], c)

	log.Info("registered collector %q", c.Name())

	return nil
}

// MustRegister registers a collector, panicking on failure.
func (r *Registry) MustRegister(name string, collector prometheus.Collector, options ...RegisterOption) {
	if err := r.Register(name, collector, options...); err != nil {
		panic(err)
	}
}

// Configure enables collectors matching any of the given globs and
// disables the rest. It returns an error for globs matching nothing.
func (r *Registry) Configure(enabled []string) error {
	r.Lock()
	defer r.Unlock()

	log.Info("enabling collectors [%s]", strings.Join(enabled, ","))

	matched := map[string]struct{}{}
	for _, collectors := range r.groups {
		for _, c := range collectors {
			c.Enable(false)
			for _, glob := range enabled {
				if c.Matches(glob) {
					c.Enable(true)
					matched[glob] = struct{}{}
				}
			}
			log.Debug("collector %q %s", c.Name(), c.State)
		}
	}

	unmatched := []string{}
	for _, glob := range enabled {
		if _, ok := matched[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return nil
}

// Collectors returns the qualified names of the enabled collectors.
func (r *Registry) Collectors() []string {
	r.Lock()
	defer r.Unlock()

	names := []string{}
	for _, collectors := range r.groups {
		for _, c := range collectors {
			if c.IsEnabled() {
				names = append(names, c.Name())
			}
		}
	}
	slices.Sort(names)

	return names
}

// Gatherer gathers metrics from the collectors of a registry.
type Gatherer struct {
	*prometheus.Registry
	namespace string
	enabled   []string
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithMetrics sets the globs of collectors to enable.
func WithMetrics(enabled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
	}
}

// NewGatherer configures the registry and creates a gatherer for it.
func (r *Registry) NewGatherer(options ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
		enabled:  []string{"*"},
	}
	for _, o := range options {
		o(g)
	}

	if err := r.Configure(g.enabled); err != nil {
		return nil, err
	}

	r.Lock()
	defer r.Unlock()

	plain := prometheus.Registerer(g.Registry)
	ns := prefixed(g.namespace, plain)

	for group, collectors := range r.groups {
		for _, c := range collectors {
			var reg prometheus.Registerer
			switch {
			case c.NeedsNamespace() && c.NeedsSubsystem():
				reg = prefixed(group, ns)
			case c.NeedsNamespace():
				reg = ns
			case c.NeedsSubsystem():
				reg = prefixed(group, plain)
			default:
				reg = plain
			}
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("metrics: failed to register %s: %w", c.Name(), err)
			}
		}
	}

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	return g.Registry.Gather()
}

func prefixed(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix == "" {
		return reg
	}
	return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
}
