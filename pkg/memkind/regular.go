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
	"math"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/containers/memkind/pkg/heap"
)

// goAllocator serves regular kinds from the Go heap. Live allocations are
// tracked by address, which also keeps them reachable until freed.
type goAllocator struct {
	sync.Mutex
	live  map[uintptr][]byte
	used  uint64
	limit uint64
}

func newGoAllocator() *goAllocator {
	a := &goAllocator{
		live: make(map[uintptr][]byte),
	}
	if a.limit, _ = a.Size(); a.limit == 0 {
		a.limit = math.MaxInt32
	}
	return a
}

func (a *goAllocator) Allocate(size, alignment uint64) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero size", ErrInvalidArgument)
	}
	if alignment != 0 && alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidArgument, alignment)
	}
	class, ok := heap.ClassOf(size)
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidArgument, size)
	}

	align := max(alignment, heap.MinAlignment)
	if class > a.limit || align > a.limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds system memory", ErrOutOfCapacity, size)
	}

	buf := make([]byte, class+align)
	base := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	off := (align - base%align) % align
	mem := buf[off : off+class : off+class]

	a.Lock()
	defer a.Unlock()

	a.live[address(mem)] = mem
	a.used += class

	return mem[:size], nil
}

func (a *goAllocator) Reallocate(b []byte, size uint64) ([]byte, error) {
	if cap(b) == 0 {
		return a.Allocate(size, 0)
	}
	if size == 0 {
		return nil, a.Free(b)
	}

	a.Lock()
	mem, ok := a.live[address(b)]
	a.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidPointer, address(b))
	}
	if size <= uint64(len(mem)) {
		return mem[:size], nil
	}

	nb, err := a.Allocate(size, 0)
	if err != nil {
		return nil, err
	}
	copy(nb[:cap(nb)], mem)

	return nb, a.Free(mem)
}

func (a *goAllocator) Free(b []byte) error {
	a.Lock()
	defer a.Unlock()

	addr := address(b)
	mem, ok := a.live[addr]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrInvalidPointer, addr)
	}

	delete(a.live, addr)
	a.used -= uint64(len(mem))

	return nil
}

func (a *goAllocator) UsableSize(b []byte) (uint64, bool) {
	a.Lock()
	defer a.Unlock()
	mem, ok := a.live[address(b)]
	return uint64(len(mem)), ok
}

func (a *goAllocator) Owns(b []byte) bool {
	_, ok := a.UsableSize(b)
	return ok
}

// Size returns the total and free memory of the system.
func (a *goAllocator) Size() (uint64, uint64) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0
	}
	unit := uint64(info.Unit)
	return uint64(info.Totalram) * unit, uint64(info.Freeram) * unit
}

func (a *goAllocator) Stats() heap.Stats {
	total, free := a.Size()
	a.Lock()
	defer a.Unlock()
	return heap.Stats{
		Capacity:  total,
		Committed: total - free,
		Used:      a.used,
		Live:      len(a.live),
	}
}

func address(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
