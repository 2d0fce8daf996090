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

package hbw

import (
	"errors"

	"github.com/containers/memkind/pkg/bandwidth"
	"github.com/containers/memkind/pkg/sysfs"
)

// Discover creates a dispatcher using the bandwidth table at the given path
// and the NUMA nodes of the system. Bandwidth entries of nodes without
// memory are ignored. If the table does not identify any high-bandwidth
// node, nodes classified as HBM by the system are used instead.
func Discover(path string, options ...Option) *Dispatcher {
	table, err := bandwidth.Load(path)
	if err != nil {
		if errors.Is(err, bandwidth.ErrNotFound) {
			log.Info("no node bandwidth table at %s", path)
		} else {
			log.Warn("ignoring node bandwidth table: %v", err)
		}
		table = nil
	}

	sys, err := sysfs.DiscoverSystem()
	if err != nil {
		log.Warn("failed to discover NUMA nodes: %v", err)
		return NewDispatcher(table, options...)
	}

	return ForSystem(sys, table, options...)
}

// ForSystem creates a dispatcher for the given system and bandwidth table.
func ForSystem(sys sysfs.System, table *bandwidth.Table, options ...Option) *Dispatcher {
	if table != nil {
		table = table.Filter(sys.MemoryNodes())
	}

	if len(table.HighBandwidthNodes()) == 0 {
		if hbm := sys.NodesByType(sysfs.MemoryTypeHBM); hbm.Size() > 0 {
			options = append([]Option{WithHighBandwidthNodes(hbm.List())}, options...)
		}
	}

	return NewDispatcher(table, options...)
}
