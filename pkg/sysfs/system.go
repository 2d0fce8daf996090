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

// Package sysfs discovers the NUMA memory topology of the host.
package sysfs

import (
	"fmt"
	"path/filepath"
	"slices"

	logger "github.com/containers/memkind/pkg/log"
	"github.com/containers/memkind/pkg/utils/cpuset"
)

var (
	// directory sysfs of the host is mounted under, if not /
	sysRoot = ""
	log     = logger.Get("sysfs")
)

const (
	nodeDir = "devices/system/node"
)

// MemoryType is the type of memory of a NUMA node.
type MemoryType int

const (
	// MemoryTypeDRAM is regular memory local to some CPUs.
	MemoryTypeDRAM MemoryType = iota
	// MemoryTypePMEM is large, CPU-less memory.
	MemoryTypePMEM
	// MemoryTypeHBM is small, CPU-less high-bandwidth memory.
	MemoryTypeHBM
)

// String returns the name of the memory type.
func (t MemoryType) String() string {
	switch t {
	case MemoryTypeDRAM:
		return "DRAM"
	case MemoryTypePMEM:
		return "PMEM"
	case MemoryTypeHBM:
		return "HBM"
	}
	return fmt.Sprintf("MemoryType(%d)", int(t))
}

// System is the set of NUMA nodes of a host.
type System interface {
	NodeIDs() []int
	Node(id int) Node
	MemoryNodes() cpuset.CPUSet
	NodesByType(MemoryType) cpuset.CPUSet
}

// Node is a single NUMA node.
type Node interface {
	ID() int
	CPUSet() cpuset.CPUSet
	Distance() []int
	HasMemory() bool
	MemoryType() MemoryType
	MemoryInfo() (*MemInfo, error)
}

// MemInfo is the memory usage of a node, in bytes.
type MemInfo struct {
	MemTotal uint64
	MemFree  uint64
	MemUsed  uint64
}

type system struct {
	nodes  map[int]*node
	memory cpuset.CPUSet
	types  map[MemoryType][]int
}

type node struct {
	dir      string
	id       int
	cpus     cpuset.CPUSet
	distance []int
	hasMem   bool
	memType  MemoryType
}

// SetSysRoot sets the directory the sysfs of the host is mounted under.
func SetSysRoot(path string) {
	sysRoot = path
}

// DiscoverSystem discovers the NUMA nodes of the host.
func DiscoverSystem() (System, error) {
	return DiscoverSystemAt(filepath.Join("/", sysRoot, "sys"))
}

// DiscoverSystemAt discovers NUMA nodes using sysfs mounted at path.
func DiscoverSystemAt(path string) (System, error) {
	dir := filepath.Join(path, nodeDir)

	memory, err := readNodeList(dir, "has_memory")
	if err != nil {
		return nil, err
	}

	sys := &system{
		nodes:  make(map[int]*node),
		memory: memory,
		types:  make(map[MemoryType][]int),
	}

	entries, _ := filepath.Glob(filepath.Join(dir, "node[0-9]*"))
	for _, entry := range entries {
		n, err := readNode(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to discover node %s: %w", entry, err)
		}
		n.hasMem = memory.Contains(n.id)
		sys.nodes[n.id] = n
	}

	if err := sys.classify(); err != nil {
		return nil, err
	}

	log.Info("NUMA nodes with memory: %s, DRAM: %s, HBM: %s, PMEM: %s", memory,
		sys.NodesByType(MemoryTypeDRAM), sys.NodesByType(MemoryTypeHBM),
		sys.NodesByType(MemoryTypePMEM))

	return sys, nil
}

func readNode(dir string) (*node, error) {
	id, err := enumeratedID(filepath.Base(dir), "node")
	if err != nil {
		return nil, err
	}
	cpus, err := readNodeList(dir, "cpulist")
	if err != nil {
		return nil, err
	}
	distance, err := readInts(dir, "distance")
	if err != nil {
		return nil, err
	}

	return &node{
		dir:      dir,
		id:       id,
		cpus:     cpus,
		distance: distance,
	}, nil
}

// classify sets the memory type of nodes with memory. CPU-less nodes
// smaller than the average node with CPUs are HBM, the rest PMEM.
func (sys *system) classify() error {
	var (
		dram    []int
		special []int
		sizes   = map[int]uint64{}
		average uint64
	)

	for _, id := range sys.NodeIDs() {
		switch n := sys.nodes[id]; {
		case !n.hasMem:
			log.Debug("node #%d is memoryless", id)
		case n.cpus.Size() > 0:
			dram = append(dram, id)
		default:
			special = append(special, id)
		}
	}

	if len(special) > 0 && len(dram) > 0 {
		for _, id := range append(slices.Clone(dram), special...) {
			info, err := sys.nodes[id].MemoryInfo()
			if err != nil {
				return fmt.Errorf("failed to get memory info of node #%d: %w", id, err)
			}
			sizes[id] = info.MemTotal
		}
		for _, id := range dram {
			average += sizes[id]
		}
		average /= uint64(len(dram))
	}

	for _, id := range dram {
		sys.setType(id, MemoryTypeDRAM)
	}
	for _, id := range special {
		if sizes[id] < average {
			sys.setType(id, MemoryTypeHBM)
		} else {
			sys.setType(id, MemoryTypePMEM)
		}
	}

	return nil
}

func (sys *system) setType(id int, t MemoryType) {
	sys.nodes[id].memType = t
	sys.types[t] = append(sys.types[t], id)
}

func (sys *system) NodeIDs() []int {
	ids := make([]int, 0, len(sys.nodes))
	for id := range sys.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Node returns the node with the given ID, or nil.
func (sys *system) Node(id int) Node {
	if n, ok := sys.nodes[id]; ok {
		return n
	}
	return nil
}

func (sys *system) MemoryNodes() cpuset.CPUSet {
	return sys.memory
}

func (sys *system) NodesByType(t MemoryType) cpuset.CPUSet {
	return cpuset.New(sys.types[t]...)
}

func (n *node) ID() int {
	return n.id
}

func (n *node) CPUSet() cpuset.CPUSet {
	return n.cpus
}

// Distance returns the distances of the node to all nodes, by node ID.
func (n *node) Distance() []int {
	return slices.Clone(n.distance)
}

func (n *node) HasMemory() bool {
	return n.hasMem
}

func (n *node) MemoryType() MemoryType {
	return n.memType
}

// MemoryInfo reads the current memory usage of the node.
func (n *node) MemoryInfo() (*MemInfo, error) {
	path := filepath.Join(n.dir, "meminfo")
	values, err := readMeminfo(path)
	if err != nil {
		return nil, err
	}

	info := &MemInfo{
		MemTotal: values["MemTotal"],
		MemFree:  values["MemFree"],
	}
	if info.MemFree > info.MemTotal {
		return nil, sysfsError(path, "more free (%d) than total (%d) memory", info.MemFree, info.MemTotal)
	}
	info.MemUsed = info.MemTotal - info.MemFree

	return info, nil
}
