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

// Package memkind implements kinds: independent memory partitions backed by
// the Go heap, by capacity-bounded file-backed heaps or by heaps placed on
// high-bandwidth NUMA nodes, with a malloc-style allocation interface.
package memkind

import (
	"fmt"
	"math/bits"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/memkind/pkg/hbw"
	"github.com/containers/memkind/pkg/heap"
	logger "github.com/containers/memkind/pkg/log"
	"github.com/containers/memkind/pkg/metrics"
	"github.com/containers/memkind/pkg/region"
)

const (
	// MinPmemSize is the smallest capacity of a file-backed kind.
	MinPmemSize = heap.ChunkSize
	// PmemPartitionSize is a conventional capacity for file-backed kinds.
	PmemPartitionSize = 16 * 1024 * 1024
	// DefaultHbwCapacity is the default capacity of high-bandwidth kinds.
	DefaultHbwCapacity = 1024 * 1024 * 1024
)

var (
	log      = logger.Get("memkind")
	failures = logger.RateLimit(log, logger.Interval(time.Second))
)

// Registry creates kinds and routes allocations to their backends.
type Registry struct {
	sync.RWMutex
	kinds  map[*Kind]struct{}
	static map[Type]*Kind
	nextID atomic.Uint64

	cfg           *Config
	hbwCapacity   uint64
	newDispatcher func() *hbw.Dispatcher
	dispatcher    atomic.Pointer[hbw.Dispatcher]
	dispatchOnce  sync.Once
	metrics       *metrics.Registry
}

// Option is an option for a Registry.
type Option func(*Registry) error

// WithConfig configures the registry.
func WithConfig(cfg *Config) Option {
	return func(r *Registry) error {
		if err := validateConfig(cfg); err != nil {
			return err
		}
		c := *cfg
		r.cfg = &c
		return nil
	}
}

// WithDispatcher sets the placement dispatcher for high-bandwidth kinds,
// instead of the process-wide default one.
func WithDispatcher(d *hbw.Dispatcher) Option {
	return func(r *Registry) error {
		r.newDispatcher = func() *hbw.Dispatcher { return d }
		return nil
	}
}

// WithHbwCapacity sets the capacity of high-bandwidth kinds.
func WithHbwCapacity(capacity uint64) Option {
	return func(r *Registry) error {
		if capacity < heap.ChunkSize {
			return fmt.Errorf("%w: high-bandwidth capacity %d less than %d",
				ErrInvalidArgument, capacity, heap.ChunkSize)
		}
		r.hbwCapacity = capacity
		return nil
	}
}

// NewRegistry creates a registry with its static kinds.
func NewRegistry(options ...Option) (*Registry, error) {
	r := &Registry{
		kinds:       make(map[*Kind]struct{}),
		static:      make(map[Type]*Kind),
		hbwCapacity: DefaultHbwCapacity,
		metrics:     metrics.NewRegistry(),
	}

	for _, o := range options {
		if err := o(r); err != nil {
			return nil, err
		}
	}

	if r.cfg != nil {
		if err := r.configure(r.cfg); err != nil {
			return nil, err
		}
	}

	regular := &Kind{
		name:    "regular",
		typ:     TypeRegular,
		static:  true,
		regular: newGoAllocator(),
	}
	regular.ready.Store(true)
	r.static[TypeRegular] = regular

	for _, t := range []Type{TypeHbw, TypeHbwPreferred, TypeHbwInterleave} {
		r.static[t] = &Kind{
			name:     strings.ToLower(t.String()),
			typ:      t,
			static:   true,
			capacity: r.hbwCapacity,
		}
	}

	if err := r.registerCollectors(); err != nil {
		return nil, err
	}

	return r, nil
}

// Regular returns the static kind allocating from the Go heap.
func (r *Registry) Regular() *Kind {
	return r.static[TypeRegular]
}

// HBW returns the static kind allocating high-bandwidth memory only.
func (r *Registry) HBW() *Kind {
	return r.static[TypeHbw]
}

// HBWPreferred returns the static kind preferring high-bandwidth memory.
func (r *Registry) HBWPreferred() *Kind {
	return r.static[TypeHbwPreferred]
}

// HBWInterleave returns the static kind interleaving memory by bandwidth.
func (r *Registry) HBWInterleave() *Kind {
	return r.static[TypeHbwInterleave]
}

// HbwKind returns the static high-bandwidth kind for the current policy.
func (r *Registry) HbwKind() *Kind {
	switch r.Policy() {
	case hbw.PolicyBind:
		return r.HBW()
	case hbw.PolicyInterleave:
		return r.HBWInterleave()
	}
	return r.HBWPreferred()
}

// Dispatcher returns the placement dispatcher of high-bandwidth kinds,
// setting it up on first use.
func (r *Registry) Dispatcher() *hbw.Dispatcher {
	r.dispatchOnce.Do(func() {
		if r.newDispatcher != nil {
			r.dispatcher.Store(r.newDispatcher())
		} else {
			r.dispatcher.Store(hbw.Default())
		}
	})
	return r.dispatcher.Load()
}

// SetPolicy sets the placement policy of high-bandwidth memory.
func (r *Registry) SetPolicy(p hbw.Policy) error {
	if err := r.Dispatcher().SetPolicy(p); err != nil {
		return kindError(err)
	}
	return nil
}

// Policy returns the placement policy of high-bandwidth memory.
func (r *Registry) Policy() hbw.Policy {
	return r.Dispatcher().Policy()
}

// CheckAvailable returns true if high-bandwidth memory is available.
func (r *Registry) CheckAvailable() bool {
	return r.Dispatcher().CheckAvailable()
}

// CreatePmem creates a kind backed by an unlinked file in dir. Its capacity
// is maxSize rounded up to ChunkSize.
func (r *Registry) CreatePmem(dir string, maxSize uint64) (*Kind, error) {
	if maxSize < MinPmemSize {
		return nil, fmt.Errorf("%w: capacity %d is less than %d", ErrInvalidArgument, maxSize, MinPmemSize)
	}
	capacity, ok := heap.ClassOf(maxSize)
	if !ok {
		return nil, fmt.Errorf("%w: capacity %d too large", ErrInvalidArgument, maxSize)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, dir)
	}

	rg, err := region.MapFile(dir, capacity)
	if err != nil {
		return nil, kindError(err)
	}

	name := fmt.Sprintf("pmem-%d", r.nextID.Add(1))
	h, err := heap.New(rg, capacity, heap.WithName(name))
	if err != nil {
		if uerr := rg.Unmap(); uerr != nil {
			log.Error("%s: failed to unmap: %v", name, uerr)
		}
		return nil, kindError(err)
	}

	k := &Kind{
		name:     name,
		typ:      TypePmem,
		capacity: capacity,
		dir:      dir,
		heap:     h,
		region:   rg,
	}
	k.ready.Store(true)

	r.Lock()
	r.kinds[k] = struct{}{}
	r.Unlock()

	log.Info("created kind %s with capacity %d in %s", k, capacity, dir)

	return k, nil
}

// CreatePmemFromConfig creates a file-backed kind with the configured
// directory and capacity.
func (r *Registry) CreatePmemFromConfig() (*Kind, error) {
	if r.cfg == nil || r.cfg.Pmem.Directory == "" {
		return nil, fmt.Errorf("%w: no configured directory", ErrInvalidArgument)
	}
	return r.CreatePmem(r.cfg.Pmem.Directory, uint64(r.cfg.Pmem.MaxSize.Value()))
}

// CreateHbw creates a high-bandwidth kind of the given type with its own
// address space. A zero capacity uses the capacity of the static kinds.
func (r *Registry) CreateHbw(t Type, capacity uint64) (*Kind, error) {
	if !t.IsHbw() {
		return nil, fmt.Errorf("%w: %s is not a high-bandwidth type", ErrInvalidArgument, t)
	}
	if capacity == 0 {
		capacity = r.hbwCapacity
	}
	if capacity < heap.ChunkSize {
		return nil, fmt.Errorf("%w: capacity %d is less than %d", ErrInvalidArgument, capacity, heap.ChunkSize)
	}

	k := &Kind{
		name:     fmt.Sprintf("%s-%d", strings.ToLower(t.String()), r.nextID.Add(1)),
		typ:      t,
		capacity: capacity,
	}
	if _, err := r.backend(k); err != nil {
		return nil, err
	}

	r.Lock()
	r.kinds[k] = struct{}{}
	r.Unlock()

	return k, nil
}

// Destroy destroys a kind, unmapping its memory. Kinds with live
// allocations are not destroyed. Destroying a kind while other goroutines
// allocate from it is not safe.
func (r *Registry) Destroy(k *Kind) error {
	if k == nil {
		return fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	if k.static {
		return fmt.Errorf("%w: static kind %s cannot be destroyed", ErrInvalidArgument, k)
	}

	r.Lock()
	if _, ok := r.kinds[k]; !ok {
		r.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	if live := k.Stats().Live; live > 0 {
		r.Unlock()
		return fmt.Errorf("%w: %s has %d live allocations", ErrBusy, k, live)
	}
	delete(r.kinds, k)
	r.Unlock()

	return k.release()
}

// Close destroys all kinds, regardless of live allocations, and unmaps
// the memory of static kinds.
func (r *Registry) Close() error {
	r.Lock()
	kinds := make([]*Kind, 0, len(r.kinds)+len(r.static))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	for _, k := range r.static {
		kinds = append(kinds, k)
	}
	r.kinds = make(map[*Kind]struct{})
	r.Unlock()

	var errs *multierror.Error
	for _, k := range kinds {
		if k.ready.Load() {
			if live := k.Stats().Live; live > 0 {
				log.Warn("closing kind %s with %d live allocations", k, live)
			}
		}
		if err := k.release(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

// Kinds returns the ready kinds of the registry, sorted by name.
func (r *Registry) Kinds() []*Kind {
	r.RLock()
	kinds := make([]*Kind, 0, len(r.kinds)+len(r.static))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	for _, k := range r.static {
		kinds = append(kinds, k)
	}
	r.RUnlock()

	kinds = slices.DeleteFunc(kinds, func(k *Kind) bool {
		return !k.ready.Load() || k.destroyed.Load()
	})
	slices.SortFunc(kinds, func(a, b *Kind) int { return strings.Compare(a.name, b.name) })

	return kinds
}

// Detect returns the kind b was allocated from, or nil.
func (r *Registry) Detect(b []byte) *Kind {
	if cap(b) == 0 {
		return nil
	}
	for _, k := range r.Kinds() {
		if be, err := r.backend(k); err == nil && be.Owns(b) {
			return k
		}
	}
	return nil
}

// Malloc allocates size bytes from the kind.
func (r *Registry) Malloc(k *Kind, size uint64) ([]byte, error) {
	return r.allocate(k, size, 0)
}

// Calloc allocates zeroed memory for n elements of size bytes. It fails if
// the total size overflows.
func (r *Registry) Calloc(k *Kind, n, size uint64) ([]byte, error) {
	hi, total := bits.Mul64(n, size)
	if hi != 0 {
		return nil, fmt.Errorf("%w: %d * %d overflows", ErrInvalidArgument, n, size)
	}

	b, err := r.allocate(k, total, 0)
	if err != nil {
		return nil, err
	}
	clear(b)

	return b, nil
}

// PosixMemalign allocates size bytes aligned to alignment, which must be a
// power of two multiple of the pointer size.
func (r *Registry) PosixMemalign(k *Kind, alignment, size uint64) ([]byte, error) {
	if alignment < 8 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: invalid alignment %d", ErrInvalidArgument, alignment)
	}
	return r.allocate(k, size, alignment)
}

func (r *Registry) allocate(k *Kind, size, alignment uint64) ([]byte, error) {
	be, err := r.backend(k)
	if err != nil {
		return nil, err
	}

	b, err := be.Allocate(size, alignment)
	if err != nil {
		if log.DebugEnabled() {
			failures.Debug("%s: failed to allocate %d bytes: %v", k, size, err)
		}
		return nil, kindError(err)
	}

	return b, nil
}

// Realloc resizes the allocation b. A nil b allocates, a zero size frees.
// On failure b is left untouched.
func (r *Registry) Realloc(k *Kind, b []byte, size uint64) ([]byte, error) {
	be, err := r.backend(k)
	if err != nil {
		return nil, err
	}

	nb, err := be.Reallocate(b, size)
	if err != nil {
		return nil, kindError(err)
	}

	return nb, nil
}

// Free frees the allocation b. Freeing nil is a no-op.
func (r *Registry) Free(k *Kind, b []byte) error {
	if cap(b) == 0 {
		return nil
	}

	be, err := r.backend(k)
	if err != nil {
		return err
	}

	if err := be.Free(b); err != nil {
		failures.Warn("%s: failed to free %#x: %v", k, address(b), err)
		return kindError(err)
	}

	return nil
}

// UsableSize returns the usable size of the allocation b, 0 if b is not
// a live allocation of the kind.
func (r *Registry) UsableSize(k *Kind, b []byte) uint64 {
	be, err := r.backend(k)
	if err != nil {
		return 0
	}
	size, _ := be.UsableSize(b)
	return size
}

// KindSize returns the capacity of the kind and an estimate of its free
// space.
func (r *Registry) KindSize(k *Kind) (total, free uint64, err error) {
	be, err := r.backend(k)
	if err != nil {
		return 0, 0, err
	}
	total, free = be.Size()
	return total, free, nil
}

// Stats returns the heap statistics of the kind.
func (k *Kind) Stats() heap.Stats {
	switch {
	case k.regular != nil:
		return k.regular.Stats()
	case k.ready.Load():
		return k.heap.Stats()
	}
	return heap.Stats{}
}
