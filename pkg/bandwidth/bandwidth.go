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

// Package bandwidth provides the per-NUMA-node memory bandwidth table used
// to select and weigh high-bandwidth memory nodes.
package bandwidth

import (
	"encoding/binary"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	logger "github.com/containers/memkind/pkg/log"
	"github.com/containers/memkind/pkg/utils/cpuset"
)

const (
	// DefaultPath is the default location of the node bandwidth file.
	DefaultPath = "/var/run/memkind/node-bandwidth"
)

var (
	// ErrInvalidTable is returned for malformed bandwidth data.
	ErrInvalidTable = fmt.Errorf("bandwidth: invalid table")
	// ErrNotFound is returned when no bandwidth data is available.
	ErrNotFound = fmt.Errorf("bandwidth: no bandwidth data")
)

var log = logger.Get("bandwidth")

// Entry is the bandwidth of a single node.
type Entry struct {
	Node      int   `json:"node"`
	Bandwidth int64 `json:"bandwidth"`
}

// Table is an immutable per-node bandwidth table, ordered by node id.
type Table struct {
	entries []Entry
}

// New creates a table from the given entries. Node ids must be unique and
// non-negative, bandwidths non-negative.
func New(entries []Entry) (*Table, error) {
	t := &Table{
		entries: slices.Clone(entries),
	}

	slices.SortFunc(t.entries, func(a, b Entry) int { return a.Node - b.Node })

	for i, e := range t.entries {
		if e.Node < 0 {
			return nil, fmt.Errorf("%w: invalid node id %d", ErrInvalidTable, e.Node)
		}
		if e.Bandwidth < 0 {
			return nil, fmt.Errorf("%w: negative bandwidth %d for node %d",
				ErrInvalidTable, e.Bandwidth, e.Node)
		}
		if i > 0 && t.entries[i-1].Node == e.Node {
			return nil, fmt.Errorf("%w: duplicate node %d", ErrInvalidTable, e.Node)
		}
	}

	return t, nil
}

// Parse parses a raw bandwidth table: an array of little-endian 32-bit
// integers indexed by node id.
func Parse(data []byte) (*Table, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrInvalidTable, len(data))
	}

	entries := make([]Entry, 0, len(data)/4)
	for node := 0; node < len(data)/4; node++ {
		bw := int32(binary.LittleEndian.Uint32(data[4*node:]))
		entries = append(entries, Entry{Node: node, Bandwidth: int64(bw)})
	}

	return New(entries)
}

// ParseYAML parses a YAML or JSON list of node bandwidth entries.
func ParseYAML(data []byte) (*Table, error) {
	var entries []Entry
	if err := yaml.UnmarshalStrict(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}
	return New(entries)
}

// Load loads a bandwidth table from the given file. Files with a .yaml,
// .yml or .json suffix are parsed as entry lists, others as raw tables.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, errors.Wrapf(err, "failed to read bandwidth table %s", path)
	}

	var t *Table
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"), strings.HasSuffix(path, ".json"):
		t, err = ParseYAML(data)
	default:
		t, err = Parse(data)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse bandwidth table %s", path)
	}

	log.Debug("loaded bandwidth table %s: %s", path, t)

	return t, nil
}

// Len returns the number of entries in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns a copy of the table entries.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	return slices.Clone(t.entries)
}

// Bandwidth returns the bandwidth of the given node, 0 for unknown nodes.
func (t *Table) Bandwidth(node int) int64 {
	if t == nil {
		return 0
	}
	idx, ok := slices.BinarySearchFunc(t.entries, node, func(e Entry, n int) int { return e.Node - n })
	if !ok {
		return 0
	}
	return t.entries[idx].Bandwidth
}

// Nodes returns the nodes with non-zero bandwidth.
func (t *Table) Nodes() []int {
	if t == nil {
		return nil
	}
	nodes := []int{}
	for _, e := range t.entries {
		if e.Bandwidth > 0 {
			nodes = append(nodes, e.Node)
		}
	}
	return nodes
}

// HighBandwidthNodes returns the nodes with the highest bandwidth, if the
// table has at least two distinct bandwidth levels. Otherwise there is no
// high-bandwidth memory and it returns nil.
func (t *Table) HighBandwidthNodes() []int {
	if t == nil {
		return nil
	}

	var (
		top    int64
		levels = map[int64]struct{}{}
	)
	for _, e := range t.entries {
		if e.Bandwidth > 0 {
			levels[e.Bandwidth] = struct{}{}
			top = max(top, e.Bandwidth)
		}
	}
	if len(levels) < 2 {
		return nil
	}

	nodes := []int{}
	for _, e := range t.entries {
		if e.Bandwidth == top {
			nodes = append(nodes, e.Node)
		}
	}
	return nodes
}

// Filter returns a table with only the given nodes.
func (t *Table) Filter(nodes cpuset.CPUSet) *Table {
	f := &Table{}
	if t == nil {
		return f
	}
	for _, e := range t.entries {
		if nodes.Contains(e.Node) {
			f.entries = append(f.entries, e)
		}
	}
	return f
}

// String returns the table as a node:bandwidth list.
func (t *Table) String() string {
	if t.Len() == 0 {
		return "<empty>"
	}
	parts := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		parts = append(parts, fmt.Sprintf("%d:%d", e.Node, e.Bandwidth))
	}
	return strings.Join(parts, ",")
}
