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

// Package klogcontrol controls the flags of klog at runtime.
package klogcontrol

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	cfgapi "github.com/containers/memkind/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// EnvPrefix prefixes the environment variables seeding klog flags,
	// for instance LOGGER_SKIP_HEADERS for skip_headers.
	EnvPrefix = "LOGGER_"
)

// Control sets klog flags from configuration.
type Control struct {
	sync.Mutex
	flags *flag.FlagSet
	set   map[string]string
}

var ctl = newControl(os.LookupEnv)

// Get returns the klog control.
func Get() *Control {
	return ctl
}

func newControl(lookup func(string) (string, bool)) *Control {
	c := &Control{
		flags: flag.NewFlagSet("klog", flag.ContinueOnError),
		set:   make(map[string]string),
	}
	c.flags.SetOutput(io.Discard)
	klog.InitFlags(c.flags)

	c.flags.VisitAll(func(f *flag.Flag) {
		name := EnvVar(f.Name)
		value, ok := lookup(name)
		if !ok {
			return
		}
		if err := c.setFlag(f.Name, value); err != nil {
			klog.Errorf("ignoring $%s=%q: %v", name, value, err)
		}
	})

	// headers are redundant in the journal
	if _, ok := c.set["skip_headers"]; !ok {
		if stream, _ := lookup("JOURNAL_STREAM"); stream != "" {
			_ = c.setFlag("skip_headers", "true")
		}
	}

	return c
}

// EnvVar returns the environment variable seeding the given klog flag.
func EnvVar(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// Configure sets the klog flags present in the configuration.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	c.Lock()
	defer c.Unlock()

	var errs *multierror.Error
	c.flags.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.setFlag(f.Name, value); err != nil {
			errs = multierror.Append(errs, err)
		}
	})

	return errs.ErrorOrNil()
}

// Flags returns the flags set so far, as name=value pairs.
func (c *Control) Flags() []string {
	c.Lock()
	defer c.Unlock()

	flags := make([]string, 0, len(c.set))
	for name, value := range c.set {
		flags = append(flags, name+"="+value)
	}
	slices.Sort(flags)

	return flags
}

func (c *Control) setFlag(name, value string) error {
	if err := c.flags.Set(name, value); err != nil {
		return fmt.Errorf("klogcontrol: failed to set %s to %q: %w", name, value, err)
	}
	c.set[name] = value
	return nil
}
