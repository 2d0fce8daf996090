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

// Package cpuset provides sets of CPU and NUMA node ids.
package cpuset

import (
	"fmt"

	"k8s.io/utils/cpuset"
)

// CPUSet is a set of CPU or NUMA node ids.
type CPUSet = cpuset.CPUSet

var (
	// New returns a set of the given ids.
	New = cpuset.New
	// Parse parses a list of ids and id ranges, for instance "0-3,8".
	Parse = cpuset.Parse
)

// ParseList parses a list of ids and id ranges into sorted ids.
func ParseList(s string) ([]int, error) {
	set, err := cpuset.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid id list %q: %w", s, err)
	}
	return set.List(), nil
}

// Format formats ids as a list of ids and id ranges, "none" for no ids.
func Format(ids []int) string {
	if len(ids) == 0 {
		return "none"
	}
	return cpuset.New(ids...).String()
}
