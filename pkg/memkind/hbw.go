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
	"os"
	"sync"

	"github.com/containers/memkind/pkg/hbw"
)

const (
	// ConfigEnv names the configuration file of the default registry.
	ConfigEnv = "MEMKIND_CONFIG"
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry. It is configured from the
// file named by $MEMKIND_CONFIG, if set.
func Default() *Registry {
	defaultOnce.Do(func() {
		var options []Option
		if path := os.Getenv(ConfigEnv); path != "" {
			cfg, err := LoadConfig(path)
			if err != nil {
				log.Error("ignoring configuration %s: %v", path, err)
			} else {
				options = append(options, WithConfig(cfg))
			}
		}

		r, err := NewRegistry(options...)
		if err != nil {
			log.Error("failed to create registry with configuration, using defaults: %v", err)
			r, err = NewRegistry()
		}
		if err != nil {
			log.Fatal("failed to create default registry: %v", err)
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// SetPolicy sets the high-bandwidth placement policy of the default registry.
func SetPolicy(p hbw.Policy) error {
	return Default().SetPolicy(p)
}

// GetPolicy returns the high-bandwidth placement policy of the default registry.
func GetPolicy() hbw.Policy {
	return Default().Policy()
}

// CheckAvailable returns nil if high-bandwidth memory is available, and
// ErrUnsupported otherwise.
func CheckAvailable() error {
	if !Default().CheckAvailable() {
		return ErrUnsupported
	}
	return nil
}

// HbwMalloc allocates size bytes of high-bandwidth memory according to
// the current policy.
func HbwMalloc(size uint64) ([]byte, error) {
	r := Default()
	return r.Malloc(r.HbwKind(), size)
}

// HbwCalloc allocates zeroed high-bandwidth memory for n elements of size bytes.
func HbwCalloc(n, size uint64) ([]byte, error) {
	r := Default()
	return r.Calloc(r.HbwKind(), n, size)
}

// HbwRealloc resizes high-bandwidth memory, within the kind it was
// allocated from.
func HbwRealloc(b []byte, size uint64) ([]byte, error) {
	r := Default()
	k := r.Detect(b)
	if k == nil {
		k = r.HbwKind()
	}
	return r.Realloc(k, b, size)
}

// HbwPosixMemalign allocates aligned high-bandwidth memory.
func HbwPosixMemalign(alignment, size uint64) ([]byte, error) {
	r := Default()
	return r.PosixMemalign(r.HbwKind(), alignment, size)
}

// HbwFree frees high-bandwidth memory. Memory is freed to the kind it was
// allocated from, even if the policy changed since.
func HbwFree(b []byte) error {
	if cap(b) == 0 {
		return nil
	}
	r := Default()
	k := r.Detect(b)
	if k == nil {
		k = r.HbwKind()
	}
	return r.Free(k, b)
}
