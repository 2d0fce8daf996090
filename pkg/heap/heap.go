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

// Package heap implements a capacity-bounded heap which carves allocations
// out of a single mapped region, committing backing storage a chunk at a
// time as its high-water mark grows.
package heap

import (
	"fmt"
	"math/bits"
	"sync"
	"time"
	"unsafe"

	logger "github.com/containers/memkind/pkg/log"
)

var (
	log      = logger.Get("heap")
	failures = logger.RateLimit(log, logger.Interval(time.Second))
)

// Backing is the mapped memory a Heap carves allocations from.
type Backing interface {
	// Base returns the address of the first byte of the mapping.
	Base() uintptr
	// Bytes returns the mapped bytes.
	Bytes() []byte
	// Commit reserves storage for the given range.
	Commit(off, n uint64) error
	// Release returns the storage of the given range to the system.
	Release(off, n uint64) error
}

// GrowHook is called with every freshly committed range before any
// allocation is carved from it.
type GrowHook func(off, n uint64) error

// Option is an option for a Heap.
type Option func(*Heap) error

// WithGrowHook sets the hook to call when the heap commits more chunks.
func WithGrowHook(fn GrowHook) Option {
	return func(h *Heap) error {
		h.grow = fn
		return nil
	}
}

// WithName sets the name used to identify the heap in log messages.
func WithName(name string) Option {
	return func(h *Heap) error {
		h.name = name
		return nil
	}
}

// Stats is a snapshot of the state of a heap.
type Stats struct {
	Capacity  uint64 // capacity, a multiple of ChunkSize
	Offset    uint64 // high-water mark
	Committed uint64 // bytes of storage committed
	Used      uint64 // total usable size of live allocations
	Live      int    // number of live allocations
	FreeSpans int    // number of free spans below the high-water mark
	FreeBytes uint64 // total size of free spans
}

// Heap serves allocations from a Backing. All offsets are relative to the
// base of the backing. Spans between the start of the backing and the
// high-water mark are either live allocations or free spans; the span
// ending at the high-water mark is always live.
type Heap struct {
	sync.Mutex
	name      string
	backing   Backing
	mem       []byte
	base      uint64
	capacity  uint64
	offset    uint64
	committed uint64
	grow      GrowHook

	live    map[uint64]uint64  // live allocations: offset => class
	free    map[uint64]uint64  // free spans: offset => size
	ends    map[uint64]uint64  // free spans: end => offset
	extents map[uint64]uint64  // free chunk-granular extents: offset => size
	buckets map[uint64]*bucket // free spans by class, for classes below ChunkSize

	used      uint64
	freeBytes uint64
}

// bucket tracks free spans of a single class, stacked by address alignment.
// Stack entries are validated against the free map when popped.
type bucket struct {
	count  int
	stacks [chunkShift + 1][]uint64
}

// New creates a heap of maxSize bytes, rounded up to ChunkSize, on top of
// the given backing.
func New(b Backing, maxSize uint64, options ...Option) (*Heap, error) {
	if maxSize < ChunkSize {
		return nil, fmt.Errorf("%w: capacity %d is less than chunk size %d",
			ErrInvalidSize, maxSize, ChunkSize)
	}
	capacity, ok := ClassOf(maxSize)
	if !ok {
		return nil, fmt.Errorf("%w: capacity %d is too large", ErrInvalidSize, maxSize)
	}
	if mem := b.Bytes(); uint64(len(mem)) < capacity {
		return nil, fmt.Errorf("%w: backing of %d bytes too small for capacity %d",
			ErrInvalidSize, len(mem), capacity)
	}
	if b.Base()%uintptr(MinAlignment) != 0 {
		return nil, fmt.Errorf("%w: backing at %#x is misaligned", ErrInvalidAlignment, b.Base())
	}

	h := &Heap{
		backing:  b,
		mem:      b.Bytes()[:capacity],
		base:     uint64(b.Base()),
		capacity: capacity,
		live:     make(map[uint64]uint64),
		free:     make(map[uint64]uint64),
		ends:     make(map[uint64]uint64),
		extents:  make(map[uint64]uint64),
		buckets:  make(map[uint64]*bucket),
	}

	for _, o := range options {
		if err := o(h); err != nil {
			return nil, err
		}
	}

	log.Debug("%screated heap with capacity %d at %#x", h.prefix(), capacity, h.base)

	return h, nil
}

// Allocate allocates size bytes aligned to alignment, which must be zero or
// a power of two. The returned slice has length size and capacity equal to
// the usable size of the allocation.
func (h *Heap) Allocate(size, alignment uint64) ([]byte, error) {
	class, align, err := h.checkRequest(size, alignment)
	if err != nil {
		return nil, err
	}

	h.Lock()
	defer h.Unlock()

	off, err := h.allocate(class, align)
	if err != nil {
		return nil, err
	}

	return h.slice(off, size), nil
}

// Reallocate resizes the allocation b to size bytes, returning the resized
// allocation which may or may not be at the same address. Resizing to zero
// frees b and returns nil. On failure b is left untouched.
func (h *Heap) Reallocate(b []byte, size uint64) ([]byte, error) {
	if cap(b) == 0 {
		return h.Allocate(size, 0)
	}

	off, err := h.offsetOf(b)
	if err != nil {
		return nil, err
	}

	if size == 0 {
		return nil, h.Free(b)
	}

	newClass, _, err := h.checkRequest(size, 0)
	if err != nil {
		return nil, err
	}

	h.Lock()
	defer h.Unlock()

	class, ok := h.live[off]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownPointer, h.base+off)
	}

	switch {
	case class > ChunkSize && size < ChunkSize:
		// Shrink to a single chunk first, freeing the rest of the span for
		// the new allocation, then relocate. If relocation fails the shrunk
		// allocation still satisfies the request.
		h.shrink(off, class, ChunkSize)
		newOff, err := h.allocate(newClass, defaultAlignment(newClass))
		if err != nil {
			return h.slice(off, size), nil
		}
		copy(h.mem[newOff:newOff+size], h.mem[off:off+size])
		h.release(off, h.markFree(off))
		return h.slice(newOff, size), nil

	case newClass <= class:
		return h.slice(off, size), nil

	case h.extend(off, class, newClass):
		return h.slice(off, size), nil
	}

	newOff, err := h.allocate(newClass, defaultAlignment(newClass))
	if err != nil {
		return nil, err
	}
	copy(h.mem[newOff:newOff+class], h.mem[off:off+class])
	h.release(off, h.markFree(off))

	return h.slice(newOff, size), nil
}

// Free frees the allocation b.
func (h *Heap) Free(b []byte) error {
	off, err := h.offsetOf(b)
	if err != nil {
		return err
	}

	h.Lock()
	defer h.Unlock()

	if _, ok := h.live[off]; !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownPointer, h.base+off)
	}

	h.release(off, h.markFree(off))

	return nil
}

// UsableSize returns the usable size of the allocation b.
func (h *Heap) UsableSize(b []byte) (uint64, bool) {
	off, err := h.offsetOf(b)
	if err != nil {
		return 0, false
	}

	h.Lock()
	defer h.Unlock()

	class, ok := h.live[off]
	return class, ok
}

// Owns returns true if b points into the memory of this heap.
func (h *Heap) Owns(b []byte) bool {
	_, err := h.offsetOf(b)
	return err == nil
}

// Size returns the capacity of the heap and an estimate of free space,
// which does not account for free spans below the high-water mark.
func (h *Heap) Size() (total, free uint64) {
	h.Lock()
	defer h.Unlock()
	return h.capacity, h.capacity - h.offset
}

// Stats returns a snapshot of the heap state.
func (h *Heap) Stats() Stats {
	h.Lock()
	defer h.Unlock()
	return Stats{
		Capacity:  h.capacity,
		Offset:    h.offset,
		Committed: h.committed,
		Used:      h.used,
		Live:      len(h.live),
		FreeSpans: len(h.free),
		FreeBytes: h.freeBytes,
	}
}

func (h *Heap) checkRequest(size, alignment uint64) (uint64, uint64, error) {
	if size == 0 {
		return 0, 0, fmt.Errorf("%w: zero size", ErrInvalidSize)
	}
	if alignment != 0 && !isPowerOfTwo(alignment) {
		return 0, 0, fmt.Errorf("%w: %d is not a power of two", ErrInvalidAlignment, alignment)
	}
	class, ok := ClassOf(size)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}
	if class > h.capacity {
		log.Debug("%s%d bytes exceeds capacity %d", h.prefix(), size, h.capacity)
		return 0, 0, fmt.Errorf("%w: %d bytes exceeds capacity %d", ErrOutOfCapacity, size, h.capacity)
	}
	align := max(alignment, defaultAlignment(class))
	if align > h.capacity {
		return 0, 0, fmt.Errorf("%w: %d exceeds capacity %d", ErrInvalidAlignment, alignment, h.capacity)
	}
	return class, align, nil
}

// allocate allocates a span of the given class, reusing free spans if
// possible. Must be called locked.
func (h *Heap) allocate(class, align uint64) (uint64, error) {
	var (
		off uint64
		ok  bool
	)

	if IsExtent(class) {
		off, ok = h.takeExtent(class, align)
	} else {
		off, ok = h.takeSpan(class, align)
	}

	if !ok {
		var err error
		if off, err = h.carve(class, align); err != nil {
			return 0, err
		}
	}

	h.live[off] = class
	h.used += class

	return off, nil
}

// carve carves a new span from the tail of the heap. Must be called locked.
func (h *Heap) carve(class, align uint64) (uint64, error) {
	start := alignUp(h.base+h.offset, align) - h.base
	end := start + class
	if start < h.offset || end < start || end > h.capacity {
		log.Debug("%sout of capacity for %d bytes (offset %d, capacity %d)",
			h.prefix(), class, h.offset, h.capacity)
		return 0, fmt.Errorf("%w: no room for %d bytes (offset %d, capacity %d)",
			ErrOutOfCapacity, class, h.offset, h.capacity)
	}

	if err := h.commitTo(end); err != nil {
		return 0, err
	}

	h.pad(h.offset, start)
	h.offset = end

	return start, nil
}

// pad frees alignment padding between from and to as class-sized spans.
// Any chunk-granular part of the padding goes to the end, so that it
// keeps the alignment of to.
func (h *Heap) pad(from, to uint64) {
	size := to - from
	if size == 0 {
		return
	}

	extent := size - size%ChunkSize
	small := size - extent
	for off := from; small > 0; {
		piece := classFloor(small)
		h.insertFree(off, piece)
		off += piece
		small -= piece
	}
	if extent > 0 {
		h.insertFree(to-extent, extent)
	}
}

// commitTo commits whole chunks until end is backed. Must be called locked.
func (h *Heap) commitTo(end uint64) error {
	if end <= h.committed {
		return nil
	}

	from := h.committed
	to := min(alignUp(end, ChunkSize), h.capacity)
	n := to - from

	if err := h.backing.Commit(from, n); err != nil {
		failures.Warn("%sfailed to commit %d bytes at offset %d: %v", h.prefix(), n, from, err)
		return fmt.Errorf("%w: %w", ErrGrowFailed, err)
	}
	if h.grow != nil {
		if err := h.grow(from, n); err != nil {
			failures.Warn("%sfailed to set up %d bytes at offset %d: %v", h.prefix(), n, from, err)
			if rerr := h.backing.Release(from, n); rerr != nil {
				log.Error("%sfailed to release %d bytes at offset %d: %v", h.prefix(), n, from, rerr)
			}
			return fmt.Errorf("%w: %w", ErrGrowFailed, err)
		}
	}

	h.committed = to
	log.Debug("%scommitted chunks up to %d", h.prefix(), to)

	return nil
}

// trim releases committed chunks above the high-water mark, keeping one
// spare chunk. Must be called locked.
func (h *Heap) trim() {
	keep := min(alignUp(h.offset, ChunkSize)+ChunkSize, h.capacity)
	if h.committed <= keep {
		return
	}

	n := h.committed - keep
	if err := h.backing.Release(keep, n); err != nil {
		failures.Warn("%sfailed to release %d bytes at offset %d: %v", h.prefix(), n, keep, err)
	}

	h.committed = keep
	log.Debug("%sreleased chunks above %d", h.prefix(), keep)
}

// markFree removes a live allocation, returning its class. Must be called locked.
func (h *Heap) markFree(off uint64) uint64 {
	class := h.live[off]
	delete(h.live, off)
	h.used -= class
	return class
}

// release returns a span to the heap. A span at the tail retracts the
// high-water mark, together with any free spans it uncovers at the new
// tail. Must be called locked.
func (h *Heap) release(off, size uint64) {
	if off+size != h.offset {
		h.insertFree(off, size)
		return
	}

	h.offset = off
	for {
		prev, ok := h.ends[h.offset]
		if !ok {
			break
		}
		h.removeFree(prev)
		h.offset = prev
	}

	h.trim()
}

// shrink shrinks a live chunk-granular allocation in place. Must be called locked.
func (h *Heap) shrink(off, class, newClass uint64) {
	h.live[off] = newClass
	h.used -= class - newClass

	if off+class == h.offset {
		h.offset = off + newClass
		h.trim()
	} else {
		h.insertFree(off+newClass, class-newClass)
	}
}

// extend tries to grow a live allocation in place, either at the tail or
// into a free extent right after it. Must be called locked.
func (h *Heap) extend(off, class, newClass uint64) bool {
	if (h.base+off)%defaultAlignment(newClass) != 0 {
		return false
	}

	end := off + newClass

	switch next, ok := h.free[off+class]; {
	case off+class == h.offset:
		if end > h.capacity || h.commitTo(end) != nil {
			return false
		}
		h.offset = end

	case ok && IsExtent(class) && IsExtent(next) && class+next >= newClass:
		h.removeFree(off + class)
		if rest := class + next - newClass; rest > 0 {
			h.insertFree(end, rest)
		}

	default:
		return false
	}

	h.live[off] = newClass
	h.used += newClass - class

	return true
}

// takeSpan takes a free span of the given class and alignment. Must be called locked.
func (h *Heap) takeSpan(class, align uint64) (uint64, bool) {
	b := h.buckets[class]
	if b == nil || b.count == 0 {
		return 0, false
	}

	level := bits.TrailingZeros64(align)
	for l := level; l <= chunkShift; l++ {
		stack := b.stacks[l]
		for len(stack) > 0 {
			off := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if size, ok := h.free[off]; ok && size == class && (h.base+off)%align == 0 {
				b.stacks[l] = stack
				h.removeFree(off)
				return off, true
			}
		}
		b.stacks[l] = stack
	}

	return 0, false
}

// takeExtent takes the best fitting free extent for the given class and
// alignment, splitting off any excess. Must be called locked.
func (h *Heap) takeExtent(class, align uint64) (uint64, bool) {
	var (
		best      uint64
		bestStart uint64
		bestWaste uint64
		found     bool
	)

	for off, size := range h.extents {
		if size < class {
			continue
		}
		for start := off; start+class <= off+size; start += ChunkSize {
			if (h.base+start)%align != 0 {
				continue
			}
			waste := size - class
			if !found || waste < bestWaste || (waste == bestWaste && off < best) {
				best, bestStart, bestWaste, found = off, start, waste, true
			}
			break
		}
	}

	if !found {
		return 0, false
	}

	size := h.free[best]
	h.removeFree(best)
	if bestStart > best {
		h.insertFree(best, bestStart-best)
	}
	if rest := best + size - (bestStart + class); rest > 0 {
		h.insertFree(bestStart+class, rest)
	}

	return bestStart, true
}

// insertFree adds a free span, coalescing free extents with their free
// neighbors. Must be called locked.
func (h *Heap) insertFree(off, size uint64) {
	if IsExtent(size) {
		if prev, ok := h.ends[off]; ok {
			if prevSize := h.free[prev]; IsExtent(prevSize) {
				h.removeFree(prev)
				off, size = prev, prevSize+size
			}
		}
		if next, ok := h.free[off+size]; ok && IsExtent(next) {
			h.removeFree(off + size)
			size += next
		}
		h.extents[off] = size
	}

	h.free[off] = size
	h.ends[off+size] = off
	h.freeBytes += size

	if !IsExtent(size) {
		b, ok := h.buckets[size]
		if !ok {
			b = &bucket{}
			h.buckets[size] = b
		}
		l := alignLevel(h.base + off)
		b.count++
		b.stacks[l] = append(b.stacks[l], off)
		if len(b.stacks[l]) > 2*b.count+64 {
			h.compact(size, b, l)
		}
	}
}

// removeFree removes a free span. Must be called locked.
func (h *Heap) removeFree(off uint64) {
	size := h.free[off]
	delete(h.free, off)
	delete(h.ends, off+size)
	h.freeBytes -= size

	if IsExtent(size) {
		delete(h.extents, off)
	} else {
		h.buckets[size].count--
	}
}

// compact drops stale entries from a bucket stack.
func (h *Heap) compact(class uint64, b *bucket, l int) {
	seen := make(map[uint64]struct{}, b.count)
	stack := b.stacks[l][:0]
	for _, off := range b.stacks[l] {
		if _, dup := seen[off]; dup {
			continue
		}
		if size, ok := h.free[off]; ok && size == class {
			seen[off] = struct{}{}
			stack = append(stack, off)
		}
	}
	b.stacks[l] = stack
}

func (h *Heap) offsetOf(b []byte) (uint64, error) {
	if cap(b) == 0 {
		return 0, fmt.Errorf("%w: nil allocation", ErrUnknownPointer)
	}
	p := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
	if p < h.base || p >= h.base+h.capacity {
		return 0, fmt.Errorf("%w: %#x not in heap", ErrUnknownPointer, p)
	}
	return p - h.base, nil
}

// slice returns the byte slice of a live allocation. Must be called locked.
func (h *Heap) slice(off, size uint64) []byte {
	return h.mem[off : off+size : off+h.live[off]]
}

func (h *Heap) prefix() string {
	if h.name == "" {
		return ""
	}
	return h.name + ": "
}
