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

// Package hbw places the pages of high-bandwidth memory kinds on NUMA
// nodes according to a process-wide policy.
package hbw

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containers/memkind/pkg/bandwidth"
	logger "github.com/containers/memkind/pkg/log"
	"github.com/containers/memkind/pkg/mempolicy"
)

var (
	// ErrUnsupported is returned when the topology lacks the memory a
	// policy needs.
	ErrUnsupported = fmt.Errorf("hbw: unsupported")
	// ErrInvalidPolicy is returned for unknown policies.
	ErrInvalidPolicy = fmt.Errorf("hbw: invalid policy")
	// ErrBindFailed is returned when pages cannot be bound to their nodes.
	ErrBindFailed = fmt.Errorf("hbw: failed to bind memory")
)

var (
	log      = logger.Get("hbw")
	failures = logger.RateLimit(log, logger.Interval(time.Second))
)

// Binder binds an address range to a set of nodes with a memory policy mode.
type Binder interface {
	Bind(addr, length uintptr, mode uint, nodes []int) error
}

// BinderFunc is a function implementing Binder.
type BinderFunc func(addr, length uintptr, mode uint, nodes []int) error

// Bind calls the function.
func (f BinderFunc) Bind(addr, length uintptr, mode uint, nodes []int) error {
	return f(addr, length, mode, nodes)
}

// MbindBinder binds memory using the mbind system call.
var MbindBinder = BinderFunc(func(addr, length uintptr, mode uint, nodes []int) error {
	return mempolicy.Mbind(addr, length, mode, nodes, 0)
})

// Option is an option for a Dispatcher.
type Option func(*Dispatcher)

// WithBinder sets the binder used to place pages.
func WithBinder(b Binder) Option {
	return func(d *Dispatcher) {
		d.binder = b
	}
}

// WithPageSize sets the page size placement is done at.
func WithPageSize(size uintptr) Option {
	return func(d *Dispatcher) {
		d.pageSize = size
	}
}

// WithHighBandwidthNodes overrides the set of high-bandwidth nodes derived
// from the bandwidth table. Without a bandwidth table these nodes are also
// interleaved with equal weights.
func WithHighBandwidthNodes(nodes []int) Option {
	return func(d *Dispatcher) {
		d.hbw = slices.Clone(nodes)
		slices.Sort(d.hbw)
	}
}

// WithPolicy sets the initial policy.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) {
		d.policy.Store(int32(p))
	}
}

// Dispatcher chooses the nodes backing the pages of high-bandwidth memory.
type Dispatcher struct {
	sync.Mutex
	policy   atomic.Int32
	table    *bandwidth.Table
	binder   Binder
	pageSize uintptr
	hbw      []int          // high-bandwidth nodes
	nodes    []int          // interleaved nodes
	weights  []int64        // interleave weights of nodes
	current  []int64        // interleave round robin state
	placed   map[int]uint64 // pages placed per node
}

// NewDispatcher creates a dispatcher for the given bandwidth table, which
// may be nil.
func NewDispatcher(table *bandwidth.Table, options ...Option) *Dispatcher {
	d := &Dispatcher{
		table:    table,
		binder:   MbindBinder,
		pageSize: uintptr(os.Getpagesize()),
		hbw:      table.HighBandwidthNodes(),
		placed:   make(map[int]uint64),
	}
	d.policy.Store(int32(DefaultPolicy))

	for _, o := range options {
		o(d)
	}

	if nodes := table.Nodes(); len(nodes) > 1 {
		for _, node := range nodes {
			d.nodes = append(d.nodes, node)
			d.weights = append(d.weights, table.Bandwidth(node))
		}
	} else {
		for _, node := range d.hbw {
			d.nodes = append(d.nodes, node)
			d.weights = append(d.weights, 1)
		}
	}
	d.current = make([]int64, len(d.nodes))

	if !d.Policy().IsValid() || (d.Policy() == PolicyInterleave && len(d.nodes) == 0) {
		log.Warn("invalid initial policy %s, using %s", d.Policy(), DefaultPolicy)
		d.policy.Store(int32(DefaultPolicy))
	}

	log.Info("high-bandwidth nodes: %v, interleaving over %v (weights %v)", d.hbw, d.nodes, d.weights)

	return d
}

// SetPolicy sets the placement policy.
func (d *Dispatcher) SetPolicy(p Policy) error {
	if !p.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidPolicy, int(p))
	}

	d.Lock()
	defer d.Unlock()

	if p == PolicyInterleave && len(d.nodes) == 0 {
		return fmt.Errorf("%w: no nodes to interleave", ErrUnsupported)
	}

	d.policy.Store(int32(p))
	log.Info("placement policy set to %s", p)

	return nil
}

// Policy returns the current placement policy.
func (d *Dispatcher) Policy() Policy {
	return Policy(d.policy.Load())
}

// CheckAvailable returns true if there is any high-bandwidth node.
func (d *Dispatcher) CheckAvailable() bool {
	return len(d.hbw) > 0
}

// CanInterleave returns true if there are nodes to interleave pages over.
func (d *Dispatcher) CanInterleave() bool {
	return len(d.nodes) > 0
}

// HighBandwidthNodes returns the high-bandwidth nodes.
func (d *Dispatcher) HighBandwidthNodes() []int {
	return slices.Clone(d.hbw)
}

// Place binds the pages of a fresh, page-aligned address range with the
// given policy. With PolicyPreferred failure to bind is not an error, the
// memory is left to the default policy of the process.
func (d *Dispatcher) Place(addr, length uintptr, p Policy) error {
	if addr%d.pageSize != 0 || length == 0 {
		return fmt.Errorf("%w: invalid range %#x+%d", ErrBindFailed, addr, length)
	}

	pages := uint64((length + d.pageSize - 1) / d.pageSize)

	switch p {
	case PolicyBind:
		if len(d.hbw) == 0 {
			return fmt.Errorf("%w: no high-bandwidth memory", ErrUnsupported)
		}
		node := d.hbw[0]
		if err := d.binder.Bind(addr, length, mempolicy.MPOL_BIND, []int{node}); err != nil {
			failures.Error("failed to bind %#x+%d to node %d: %v", addr, length, node, err)
			return fmt.Errorf("%w: %w", ErrBindFailed, err)
		}
		d.record(node, pages)

	case PolicyPreferred:
		if len(d.hbw) == 0 {
			return nil
		}
		node := d.hbw[0]
		if err := d.binder.Bind(addr, length, mempolicy.MPOL_PREFERRED, []int{node}); err != nil {
			failures.Warn("failed to prefer node %d for %#x+%d: %v", node, addr, length, err)
			return nil
		}
		d.record(node, pages)

	case PolicyInterleave:
		return d.interleave(addr, pages)

	default:
		return fmt.Errorf("%w: %d", ErrInvalidPolicy, int(p))
	}

	return nil
}

type batch struct {
	node  int
	start uint64
	pages uint64
}

// interleave binds successive pages to nodes in proportion to their
// weights, using smooth weighted round robin. Runs of pages going to the
// same node are bound together.
func (d *Dispatcher) interleave(addr uintptr, pages uint64) error {
	if len(d.nodes) == 0 {
		return fmt.Errorf("%w: no nodes to interleave", ErrUnsupported)
	}

	d.Lock()
	batches := []batch{}
	for page := uint64(0); page < pages; page++ {
		node := d.next()
		if n := len(batches); n > 0 && batches[n-1].node == node {
			batches[n-1].pages++
		} else {
			batches = append(batches, batch{node: node, start: page, pages: 1})
		}
	}
	d.Unlock()

	for _, b := range batches {
		start := addr + uintptr(b.start)*d.pageSize
		length := uintptr(b.pages) * d.pageSize
		if err := d.binder.Bind(start, length, mempolicy.MPOL_BIND, []int{b.node}); err != nil {
			failures.Error("failed to bind %#x+%d to node %d: %v", start, length, b.node, err)
			return fmt.Errorf("%w: %w", ErrBindFailed, err)
		}
		d.record(b.node, b.pages)
	}

	if log.DebugEnabled() {
		log.Debug("interleaved %d pages at %#x in %d runs", pages, addr, len(batches))
	}

	return nil
}

// next returns the next node in the interleave sequence. Must be called locked.
func (d *Dispatcher) next() int {
	var (
		total int64
		best  = 0
	)
	for i, w := range d.weights {
		d.current[i] += w
		total += w
		if d.current[i] > d.current[best] {
			best = i
		}
	}
	d.current[best] -= total
	return d.nodes[best]
}

func (d *Dispatcher) record(node int, pages uint64) {
	d.Lock()
	defer d.Unlock()
	d.placed[node] += pages
}

// Placement returns the number of pages placed on each node.
func (d *Dispatcher) Placement() map[int]uint64 {
	d.Lock()
	defer d.Unlock()
	return maps.Clone(d.placed)
}

var (
	defaultOnce       sync.Once
	defaultDispatcher *Dispatcher
)

// Default returns the process-wide dispatcher, initializing it on first use
// from the default bandwidth table and the NUMA topology of the system.
func Default() *Dispatcher {
	defaultOnce.Do(func() {
		defaultDispatcher = Discover(bandwidth.DefaultPath)
	})
	return defaultDispatcher
}
