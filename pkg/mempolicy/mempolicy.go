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

// Package mempolicy binds memory to NUMA nodes using the set_mempolicy,
// get_mempolicy and mbind system calls.
package mempolicy

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Memory policy modes.
const (
	MPOL_DEFAULT = iota
	MPOL_PREFERRED
	MPOL_BIND
	MPOL_INTERLEAVE
	MPOL_LOCAL
	MPOL_PREFERRED_MANY
	MPOL_WEIGHTED_INTERLEAVE
)

// Mode flags for set_mempolicy and mbind.
const (
	MPOL_F_STATIC_NODES   uint = (1 << 15)
	MPOL_F_RELATIVE_NODES uint = (1 << 14)
	MPOL_F_NUMA_BALANCING uint = (1 << 13)
)

// Flags for mbind.
const (
	MPOL_MF_STRICT   uint = (1 << 0)
	MPOL_MF_MOVE     uint = (1 << 1)
	MPOL_MF_MOVE_ALL uint = (1 << 2)
)

const (
	// MAX_NUMA_NODES is the largest number of nodes in a node mask.
	MAX_NUMA_NODES = 1024

	modeFlags = MPOL_F_STATIC_NODES | MPOL_F_RELATIVE_NODES | MPOL_F_NUMA_BALANCING
)

var (
	// Modes maps mode names to modes.
	Modes = map[string]uint{
		"MPOL_DEFAULT":             MPOL_DEFAULT,
		"MPOL_PREFERRED":           MPOL_PREFERRED,
		"MPOL_BIND":                MPOL_BIND,
		"MPOL_INTERLEAVE":          MPOL_INTERLEAVE,
		"MPOL_LOCAL":               MPOL_LOCAL,
		"MPOL_PREFERRED_MANY":      MPOL_PREFERRED_MANY,
		"MPOL_WEIGHTED_INTERLEAVE": MPOL_WEIGHTED_INTERLEAVE,
	}
	// Flags maps mode flag names to flags.
	Flags = map[string]uint{
		"MPOL_F_STATIC_NODES":   MPOL_F_STATIC_NODES,
		"MPOL_F_RELATIVE_NODES": MPOL_F_RELATIVE_NODES,
		"MPOL_F_NUMA_BALANCING": MPOL_F_NUMA_BALANCING,
	}
	// ModeNames maps modes to their names.
	ModeNames = map[uint]string{}
	// FlagNames maps mode flags to their names.
	FlagNames = map[uint]string{}
)

// NodeMask is a kernel node mask.
type NodeMask []uint64

// NewNodeMask returns the node mask with the given nodes set.
func NewNodeMask(nodes ...int) (NodeMask, error) {
	words := 1
	for _, node := range nodes {
		if node < 0 || node >= MAX_NUMA_NODES {
			return nil, fmt.Errorf("mempolicy: node %d out of range", node)
		}
		words = max(words, node/64+1)
	}
	mask := make(NodeMask, words)
	for _, node := range nodes {
		mask[node/64] |= 1 << (node % 64)
	}
	return mask, nil
}

// Nodes returns the nodes set in the mask, in increasing order.
func (m NodeMask) Nodes() []int {
	nodes := []int{}
	for i, word := range m {
		for bit := 0; word != 0; bit++ {
			if word&1 != 0 {
				nodes = append(nodes, 64*i+bit)
			}
			word >>= 1
		}
	}
	return nodes
}

// bits returns the number of bits in the mask, as passed to the kernel.
func (m NodeMask) bits() uintptr {
	return uintptr(len(m) * 64)
}

func (m NodeMask) ptr() uintptr {
	if len(m) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m[0]))
}

// ModeString returns the name of a mode, with its flags.
func ModeString(mode uint) string {
	names := []string{}
	for flag, name := range FlagNames {
		if mode&flag != 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	mode &^= modeFlags
	name, ok := ModeNames[mode]
	if !ok {
		name = "MPOL_UNKNOWN(" + strconv.FormatUint(uint64(mode), 10) + ")"
	}

	return strings.Join(append([]string{name}, names...), "|")
}

// ParseMode parses a mode name or number, optionally followed by
// |-separated flag names.
func ParseMode(s string) (uint, error) {
	parts := strings.Split(s, "|")

	mode, ok := Modes[strings.ToUpper(strings.TrimSpace(parts[0]))]
	if !ok {
		n, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
		if err != nil || n > MPOL_WEIGHTED_INTERLEAVE {
			return 0, fmt.Errorf("mempolicy: invalid mode %q", parts[0])
		}
		mode = uint(n)
	}

	for _, name := range parts[1:] {
		flag, ok := Flags[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("mempolicy: invalid mode flag %q", name)
		}
		mode |= flag
	}

	return mode, nil
}

// SetMempolicy sets the memory policy of the calling thread.
func SetMempolicy(mode uint, nodes []int) error {
	mask, err := NewNodeMask(nodes...)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_SET_MEMPOLICY, uintptr(mode), mask.ptr(), mask.bits()+1)
	if errno != 0 {
		return fmt.Errorf("mempolicy: set_mempolicy(%s, %v) failed: %w", ModeString(mode), nodes, errno)
	}
	return nil
}

// GetMempolicy returns the memory policy of the calling thread.
func GetMempolicy() (uint, []int, error) {
	var mode uint
	mask := make(NodeMask, MAX_NUMA_NODES/64)
	_, _, errno := unix.Syscall6(unix.SYS_GET_MEMPOLICY, uintptr(unsafe.Pointer(&mode)),
		mask.ptr(), mask.bits(), 0, 0, 0)
	if errno != 0 {
		return 0, nil, fmt.Errorf("mempolicy: get_mempolicy failed: %w", errno)
	}
	return mode, mask.Nodes(), nil
}

// Mbind sets the memory policy of a page-aligned address range. Without
// nodes the range falls back to the policy of the process.
func Mbind(addr, length uintptr, mode uint, nodes []int, flags uint) error {
	var mask NodeMask
	if len(nodes) > 0 {
		var err error
		if mask, err = NewNodeMask(nodes...); err != nil {
			return err
		}
	}

	maxNode := uintptr(0)
	if len(mask) > 0 {
		maxNode = mask.bits() + 1
	}

	_, _, errno := unix.Syscall6(unix.SYS_MBIND, addr, length, uintptr(mode), mask.ptr(), maxNode, uintptr(flags))
	if errno != 0 {
		return fmt.Errorf("mempolicy: mbind(%#x+%d, %s, %v) failed: %w",
			addr, length, ModeString(mode), nodes, errno)
	}
	return nil
}

func init() {
	for name, mode := range Modes {
		ModeNames[mode] = name
	}
	for name, flag := range Flags {
		FlagNames[flag] = name
	}
}
