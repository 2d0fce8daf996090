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

// Package collectors provides the standard Go runtime and process
// collectors in a metrics group of their own.
package collectors

import (
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/containers/memkind/pkg/metrics"
)

const (
	// Group is the group of the standard collectors.
	Group = "standard"
)

// Register registers the standard collectors with the given registry.
func Register(r *metrics.Registry) error {
	var (
		standard = map[string]prometheus.Collector{
			"buildinfo": collectors.NewBuildInfoCollector(),
			"golang":    collectors.NewGoCollector(),
			"process":   collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		}
		options = []metrics.RegisterOption{
			metrics.WithGroup(Group),
			metrics.WithCollectorOptions(
				metrics.WithoutNamespace(),
				metrics.WithoutSubsystem(),
			),
		}
		errs *multierror.Error
	)

	for name, collector := range standard {
		if err := r.Register(name, collector, options...); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}
