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
	"maps"
	"os"
	"slices"
	"strings"

	cfgapi "github.com/containers/memkind/pkg/apis/config/v1alpha1/log"
	"github.com/containers/memkind/pkg/log/klogcontrol"
	"github.com/containers/memkind/pkg/utils"
)

const (
	// DefaultLevel is the default lowest emitted severity.
	DefaultLevel = LevelInfo

	debugEnvVar     = "LOGGER_DEBUG"
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
	backendEnvVar   = "LOGGER_BACKEND"
	levelEnvVar     = "LOGGER_LEVEL"
)

var (
	klogctl = klogcontrol.Get()
	// debug flags seeded from the environment
	seeded = make(srcmap)
)

// srcmap is a set of per-source debug states. The source "*" is the
// fallback for sources not listed.
type srcmap map[string]bool

// parse updates the map from a comma-separated list of [state:]source
// entries. An entry without a state inherits the state of the previous
// one, or "on" for the first.
func (m srcmap) parse(value string) error {
	state := "on"
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if s, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid debug entry %q", entry)
			}
			state, src = strings.TrimSpace(s), strings.TrimSpace(rest)
		}

		enabled, err := utils.ParseEnabled(state)
		if err != nil {
			return loggerError("invalid state %q in debug entry %q", state, entry)
		}
		if src == "all" {
			src = "*"
		}
		m[src] = enabled
	}
	return nil
}

func (m srcmap) enabled(source string) bool {
	if state, ok := m[source]; ok {
		return state
	}
	return m["*"]
}

// String returns the map in the format accepted by parse.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	slices.Sort(on)
	slices.Sort(off)

	entries := []string{}
	if len(on) > 0 {
		entries = append(entries, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		entries = append(entries, "off:"+strings.Join(off, ","))
	}
	return strings.Join(entries, ",")
}

// ParseLevel parses a severity level name.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return DefaultLevel, loggerError("invalid level %q", name)
}

// Configure updates the logging configuration. Debug settings are applied
// on top of the ones seeded from the environment.
func Configure(cfg *cfgapi.Config) error {
	dbgmap := maps.Clone(seeded)
	for _, value := range cfg.Debug {
		if err := dbgmap.parse(value); err != nil {
			return loggerError("failed to parse debug setting %q: %w", value, err)
		}
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var backend Backend
	if cfg.Backend != "" {
		if backend, err = backendByName(cfg.Backend); err != nil {
			return err
		}
	}

	// klog without headers loses the source, put it into the message
	prefix := cfg.LogSource
	if ptrTrue(cfg.Klog.Logtostderr) && ptrTrue(cfg.Klog.Skip_headers) {
		prefix = true
	}

	log.Lock()
	log.setDbgMap(dbgmap)
	log.setPrefix(prefix)
	log.level = level
	if backend != nil {
		log.setBackend(backend)
	}
	log.Unlock()

	if len(dbgmap) > 0 {
		deflog.Info("debug messages: %s", dbgmap)
	}

	return klogctl.Configure(&cfg.Klog)
}

func ptrTrue(b *bool) bool {
	return b != nil && *b
}

func init() {
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		if err := seeded.parse(value); err != nil {
			deflog.Error("ignoring $%s: %v", debugEnvVar, err)
			seeded = make(srcmap)
		}
	}

	cfg := &cfgapi.Config{
		Level:     os.Getenv(levelEnvVar),
		LogSource: os.Getenv(logSourceEnvVar) != "",
		Backend:   os.Getenv(backendEnvVar),
	}
	if err := Configure(cfg); err != nil {
		deflog.Error("failed to configure logging from the environment: %v", err)
	}
}
