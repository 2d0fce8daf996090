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

package sysfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containers/memkind/pkg/utils/cpuset"
)

// enumeratedID returns the numeric suffix of a name like node12.
func enumeratedID(name, prefix string) (int, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil || id < 0 || !strings.HasPrefix(name, prefix) {
		return -1, sysfsError(name, "invalid %s entry", prefix)
	}
	return id, nil
}

func readEntry(dir, entry string) (string, error) {
	path := filepath.Join(dir, entry)
	blob, err := os.ReadFile(path)
	if err != nil {
		return "", sysfsError(path, "failed to read: %v", err)
	}
	return strings.TrimSpace(string(blob)), nil
}

// readNodeList reads a node or CPU list entry, for instance "0-3,8".
func readNodeList(dir, entry string) (cpuset.CPUSet, error) {
	buf, err := readEntry(dir, entry)
	if err != nil {
		return cpuset.New(), err
	}
	set, err := cpuset.Parse(buf)
	if err != nil {
		return cpuset.New(), sysfsError(filepath.Join(dir, entry), "invalid list %q: %v", buf, err)
	}
	return set, nil
}

// readInts reads a whitespace-separated list of integers.
func readInts(dir, entry string) ([]int, error) {
	buf, err := readEntry(dir, entry)
	if err != nil {
		return nil, err
	}
	ints := []int{}
	for _, field := range strings.Fields(buf) {
		v, err := strconv.Atoi(field)
		if err != nil {
			return nil, sysfsError(filepath.Join(dir, entry), "invalid integer %q", field)
		}
		ints = append(ints, v)
	}
	return ints, nil
}

// readMeminfo reads a per-node meminfo file. Lines look like
//
//	Node 0 MemTotal:       32658752 kB
//
// Values are returned in bytes, by key without the trailing colon.
func readMeminfo(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sysfsError(path, "failed to open: %v", err)
	}
	defer f.Close()

	values := map[string]uint64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != "Node" {
			return nil, sysfsError(path, "malformed line %q", scanner.Text())
		}
		v, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return nil, sysfsError(path, "invalid value %q: %v", fields[3], err)
		}
		if len(fields) > 4 && strings.EqualFold(fields[4], "kB") {
			v *= 1024
		}
		values[strings.TrimSuffix(fields[2], ":")] = v
	}

	return values, scanner.Err()
}

func sysfsError(path, format string, args ...interface{}) error {
	return fmt.Errorf("sysfs %s: %s", path, fmt.Sprintf(format, args...))
}
