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
	"sync"
	"sync/atomic"

	"github.com/containers/memkind/pkg/hbw"
	"github.com/containers/memkind/pkg/heap"
	"github.com/containers/memkind/pkg/region"
)

// allocator is the interface of kind backends.
type allocator interface {
	Allocate(size, alignment uint64) ([]byte, error)
	Reallocate(b []byte, size uint64) ([]byte, error)
	Free(b []byte) error
	UsableSize(b []byte) (uint64, bool)
	Owns(b []byte) bool
	Size() (total, free uint64)
	Stats() heap.Stats
}

// Kind is a memory partition with its own backend. Kinds are created by
// a Registry and must not be copied.
type Kind struct {
	name     string
	typ      Type
	static   bool
	capacity uint64
	dir      string

	regular *goAllocator   // TypeRegular
	heap    *heap.Heap     // TypePmem and high-bandwidth types
	region  *region.Region // backing of heap

	once      sync.Once
	initErr   error
	ready     atomic.Bool
	destroyed atomic.Bool
}

// Name returns the name of the kind.
func (k *Kind) Name() string {
	return k.name
}

// Type returns the type of the kind.
func (k *Kind) Type() Type {
	return k.typ
}

// IsStatic returns true for the predefined kinds of a registry.
func (k *Kind) IsStatic() bool {
	return k.static
}

// String returns a string describing the kind.
func (k *Kind) String() string {
	if k == nil {
		return "<nil kind>"
	}
	return k.name + "(" + k.typ.String() + ")"
}

// hbwPolicy returns the placement policy of a high-bandwidth kind.
func (k *Kind) hbwPolicy() hbw.Policy {
	switch k.typ {
	case TypeHbw:
		return hbw.PolicyBind
	case TypeHbwInterleave:
		return hbw.PolicyInterleave
	}
	return hbw.PolicyPreferred
}

// backend returns the allocator backing the kind, setting it up on first
// use for high-bandwidth kinds.
func (r *Registry) backend(k *Kind) (allocator, error) {
	if k == nil || k.destroyed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}

	switch k.typ {
	case TypeRegular:
		return k.regular, nil
	case TypePmem:
		return k.heap, nil
	case TypeHbw, TypeHbwPreferred, TypeHbwInterleave:
		k.once.Do(func() { k.initErr = r.setupHbw(k) })
		if k.initErr != nil {
			return nil, k.initErr
		}
		return k.heap, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
}

// setupHbw maps the address space of a high-bandwidth kind. Pages are
// placed according to the policy of the kind as the heap grows.
func (r *Registry) setupHbw(k *Kind) error {
	d := r.Dispatcher()
	policy := k.hbwPolicy()

	switch {
	case policy == hbw.PolicyBind && !d.CheckAvailable():
		return fmt.Errorf("%w: %s: no high-bandwidth memory", ErrUnsupported, k)
	case policy == hbw.PolicyInterleave && !d.CanInterleave():
		return fmt.Errorf("%w: %s: no nodes to interleave", ErrUnsupported, k)
	}

	rg, err := region.MapAnonymous(k.capacity)
	if err != nil {
		return kindError(err)
	}

	base := rg.Base()
	h, err := heap.New(rg, k.capacity,
		heap.WithName(k.name),
		heap.WithGrowHook(func(off, n uint64) error {
			return d.Place(base+uintptr(off), uintptr(n), policy)
		}),
	)
	if err != nil {
		if uerr := rg.Unmap(); uerr != nil {
			log.Error("%s: failed to unmap: %v", k, uerr)
		}
		return kindError(err)
	}

	k.region, k.heap = rg, h
	k.ready.Store(true)

	log.Info("set up kind %s with %s placement, capacity %d", k, policy, k.capacity)

	return nil
}

// release unmaps the memory of a kind.
func (k *Kind) release() error {
	k.destroyed.Store(true)
	// prevent lazy setup after release
	k.once.Do(func() { k.initErr = fmt.Errorf("%w: %s released", ErrUnknownKind, k) })

	if k.region == nil {
		return nil
	}
	if err := k.region.Unmap(); err != nil {
		return kindError(err)
	}

	log.Info("released kind %s", k)

	return nil
}
