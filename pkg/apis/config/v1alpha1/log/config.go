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

package log

import (
	"github.com/containers/memkind/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// Config configures logging.
// +k8s:deepcopy-gen=true
type Config struct {
	// Debug turns on debug messages for the listed logger sources, for
	// instance "heap,hbw", "on:all" or "off:region". Settings seeded from
	// $LOGGER_DEBUG apply unless overridden here.
	// +optional
	Debug []string `json:"debug,omitempty"`
	// Level is the lowest severity of messages emitted.
	// +optional
	// +kubebuilder:validation:Enum=debug;info;warn;error
	// +kubebuilder:default="info"
	Level string `json:"level,omitempty"`
	// LogSource prefixes messages with their logger source.
	// +optional
	LogSource bool `json:"source,omitempty"`
	// Backend selects the logging backend, fmt or klog.
	// +optional
	// +kubebuilder:validation:Enum=fmt;klog
	Backend string `json:"backend,omitempty"`
	// Klog configures the klog backend.
	// +optional
	Klog klogcontrol.Config `json:"klog,omitempty"`
}
