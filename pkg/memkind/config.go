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
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/memkind/pkg/apis/config/v1alpha1/memkind"
	"github.com/containers/memkind/pkg/bandwidth"
	"github.com/containers/memkind/pkg/hbw"
	logger "github.com/containers/memkind/pkg/log"
	"github.com/containers/memkind/pkg/utils/cpuset"
)

// Config is the configuration of a kind registry.
type Config = cfgapi.Config

// ParseConfig parses a YAML or JSON registry configuration.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, errors.Wrap(err, "failed to parse configuration"))
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the registry configuration in the given file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, errors.Wrap(err, "failed to read configuration"))
	}
	return ParseConfig(data)
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var errs *multierror.Error

	if p := cfg.Hbw.Policy; p != "" {
		if _, err := hbw.ParsePolicy(p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if nodes := cfg.Hbw.Nodes; nodes != "" {
		if _, err := cpuset.ParseList(nodes); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if c := cfg.Hbw.Capacity; !c.IsZero() && c.Value() < int64(MinPmemSize) {
		errs = multierror.Append(errs, fmt.Errorf("high-bandwidth capacity %s less than %d", c.String(), MinPmemSize))
	}
	if len(cfg.Hbw.Bandwidth) > 0 {
		if _, err := bandwidthTable(cfg.Hbw.Bandwidth); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if s := cfg.Pmem.MaxSize; !s.IsZero() && s.Value() < int64(MinPmemSize) {
		errs = multierror.Append(errs, fmt.Errorf("pmem size %s less than %d", s.String(), MinPmemSize))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: invalid configuration: %w", ErrInvalidArgument, err)
	}

	return nil
}

// configure applies the configuration to a registry being created.
func (r *Registry) configure(cfg *Config) error {
	if err := logger.Configure(&cfg.Log); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if c := cfg.Hbw.Capacity; !c.IsZero() {
		r.hbwCapacity = uint64(c.Value())
	}
	if cfg.Pmem.MaxSize.IsZero() {
		cfg.Pmem.MaxSize.Set(PmemPartitionSize)
	}

	if r.newDispatcher == nil && !hbwConfigIsEmpty(&cfg.Hbw) {
		hc := cfg.Hbw
		r.newDispatcher = func() *hbw.Dispatcher { return dispatcherFromConfig(&hc) }
	}

	return nil
}

func hbwConfigIsEmpty(cfg *cfgapi.HbwConfig) bool {
	return cfg.Policy == "" && cfg.BandwidthFile == "" && len(cfg.Bandwidth) == 0 && cfg.Nodes == ""
}

// dispatcherFromConfig creates a dispatcher for the configured bandwidths.
// Explicitly listed bandwidths are used as such, a bandwidth file is
// filtered by the memory nodes of the system.
func dispatcherFromConfig(cfg *cfgapi.HbwConfig) *hbw.Dispatcher {
	var options []hbw.Option
	if cfg.Policy != "" {
		if p, err := hbw.ParsePolicy(cfg.Policy); err == nil {
			options = append(options, hbw.WithPolicy(p))
		}
	}

	var nodes *cpuset.CPUSet
	if cfg.Nodes != "" {
		if cset, err := cpuset.Parse(cfg.Nodes); err == nil {
			nodes = &cset
		}
	}

	if len(cfg.Bandwidth) == 0 {
		path := cfg.BandwidthFile
		if path == "" {
			path = bandwidth.DefaultPath
		}
		if nodes == nil {
			return hbw.Discover(path, options...)
		}
		table, err := bandwidth.Load(path)
		if err != nil {
			log.Warn("ignoring node bandwidth table: %v", err)
		}
		return hbw.NewDispatcher(table.Filter(*nodes), options...)
	}

	table, err := bandwidthTable(cfg.Bandwidth)
	if err != nil {
		log.Error("invalid configured bandwidths: %v", err)
	}
	if nodes != nil {
		table = table.Filter(*nodes)
	}

	return hbw.NewDispatcher(table, options...)
}

func bandwidthTable(nodes []cfgapi.NodeBandwidth) (*bandwidth.Table, error) {
	entries := make([]bandwidth.Entry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, bandwidth.Entry{Node: n.Node, Bandwidth: n.Bandwidth})
	}
	return bandwidth.New(entries)
}
