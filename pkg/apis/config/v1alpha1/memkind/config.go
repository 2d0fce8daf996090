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
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/containers/memkind/pkg/apis/config/v1alpha1/log"
)

// Config is the configuration of a kind registry.
type Config struct {
	// Pmem configures the defaults for file-backed kinds.
	// +optional
	Pmem PmemConfig `json:"pmem,omitempty"`
	// Hbw configures high-bandwidth memory placement.
	// +optional
	Hbw HbwConfig `json:"hbw,omitempty"`
	// Log configures logging.
	// +optional
	Log log.Config `json:"log,omitempty"`
	// Metrics configures metrics collection.
	// +optional
	Metrics MetricsConfig `json:"metrics,omitempty"`
}

// PmemConfig provides defaults for file-backed kinds.
type PmemConfig struct {
	// Directory to create backing files in.
	// +optional
	// +kubebuilder:example="/mnt/pmem0"
	Directory string `json:"directory,omitempty"`
	// MaxSize is the capacity of kinds created from configuration.
	// +optional
	// +kubebuilder:example="32Mi"
	MaxSize resource.Quantity `json:"maxSize,omitempty"`
}

// HbwConfig configures high-bandwidth memory kinds.
type HbwConfig struct {
	// Policy is the initial placement policy.
	// +optional
	// +kubebuilder:validation:Enum=BIND;PREFERRED;INTERLEAVE
	// +kubebuilder:default="PREFERRED"
	Policy string `json:"policy,omitempty"`
	// BandwidthFile is the node bandwidth table to use. It is ignored
	// if Bandwidth is set.
	// +optional
	// +kubebuilder:default="/var/run/memkind/node-bandwidth"
	BandwidthFile string `json:"bandwidthFile,omitempty"`
	// Bandwidth lists per node bandwidths.
	// +optional
	Bandwidth []NodeBandwidth `json:"bandwidth,omitempty"`
	// Nodes restricts placement to the listed nodes, for instance "0-3,8".
	// +optional
	Nodes string `json:"nodes,omitempty"`
	// Capacity is the address space reserved for each high-bandwidth kind.
	// +optional
	// +kubebuilder:default="1Gi"
	Capacity resource.Quantity `json:"capacity,omitempty"`
}

// NodeBandwidth is the bandwidth of a single node.
type NodeBandwidth struct {
	Node      int   `json:"node"`
	Bandwidth int64 `json:"bandwidth"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled lists globs of collectors to enable.
	// +optional
	// +kubebuilder:example={"memkind/*"}
	Enabled []string `json:"enabled,omitempty"`
}
