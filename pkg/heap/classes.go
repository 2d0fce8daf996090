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

package heap

import (
	"math"
	"math/bits"
	"os"
)

// Allocation sizes are rounded up to a chunk class. The class ladder is
//
//   - 16, 32, 48, ..., 128: linear classes, 16 bytes apart,
//   - above 128 up to ChunkSize: 4 classes per doubling (160, 192, 224,
//     256, 320, 384, ...), so the waste is at most 25%,
//   - above ChunkSize: whole multiples of ChunkSize.
//
// A class is also the usable size of an allocation. Spans of at least
// ChunkSize are chunk-granular extents: when freed they coalesce with
// neighboring free extents and they can be split to serve smaller extents.
// Smaller spans are reused only by requests of the same class.
const (
	// ChunkSize is the growth unit of heaps.
	ChunkSize = uint64(2 * 1024 * 1024)
	// MinAlignment is the minimum alignment of all allocations.
	MinAlignment = uint64(16)
	// smallMax is the largest linearly spaced class.
	smallMax = uint64(128)
	// stepsPerDoubling is the number of classes per power of two above smallMax.
	stepsPerDoubling = 4
	// chunkShift is log2(ChunkSize).
	chunkShift = 21
)

// PageSize is the alignment of allocations of at least one page.
var PageSize = uint64(os.Getpagesize())

// ClassOf returns the chunk class for the given allocation size. It
// returns false for zero and for sizes which cannot be rounded up.
func ClassOf(size uint64) (uint64, bool) {
	switch {
	case size == 0:
		return 0, false
	case size <= smallMax:
		return alignUp(size, MinAlignment), true
	case size <= ChunkSize:
		return alignUp(size, classStep(size)), true
	case size > math.MaxUint64-ChunkSize:
		return 0, false
	}
	return alignUp(size, ChunkSize), true
}

// IsExtent returns true if the class is managed as a chunk-granular extent.
func IsExtent(class uint64) bool {
	return class >= ChunkSize
}

// Classes returns the ladder of sub-extent classes, in increasing order,
// followed by ChunkSize.
func Classes() []uint64 {
	classes := []uint64{}
	for c, ok := ClassOf(1); ok && c <= ChunkSize; c, ok = ClassOf(c + 1) {
		classes = append(classes, c)
	}
	return classes
}

// classStep returns the spacing of classes in the doubling which size falls into.
func classStep(size uint64) uint64 {
	p := uint64(1) << (bits.Len64(size-1) - 1)
	return p / stepsPerDoubling
}

// classFloor returns the largest class not greater than n, which must be
// a non-zero multiple of MinAlignment.
func classFloor(n uint64) uint64 {
	switch {
	case n <= smallMax:
		return n
	case n < ChunkSize:
		step := classStep(n)
		return n - n%step
	}
	return n - n%ChunkSize
}

// defaultAlignment returns the alignment for an allocation of the given class.
func defaultAlignment(class uint64) uint64 {
	if class >= PageSize {
		return PageSize
	}
	return MinAlignment
}

// alignLevel returns the number of trailing zero bits of an address, capped
// at the chunk size.
func alignLevel(addr uint64) int {
	if addr == 0 {
		return chunkShift
	}
	return min(bits.TrailingZeros64(addr), chunkShift)
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}
