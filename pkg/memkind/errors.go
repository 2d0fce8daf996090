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
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/containers/memkind/pkg/hbw"
	"github.com/containers/memkind/pkg/heap"
	"github.com/containers/memkind/pkg/region"
)

var (
	// ErrInvalidArgument is returned for invalid sizes, alignments, directories or options.
	ErrInvalidArgument = fmt.Errorf("memkind: invalid argument")
	// ErrOutOfCapacity is returned when a kind cannot fit an allocation.
	ErrOutOfCapacity = fmt.Errorf("memkind: out of capacity")
	// ErrMapFailure is returned when the memory of a kind cannot be mapped.
	ErrMapFailure = fmt.Errorf("memkind: map failure")
	// ErrUnsupported is returned when the topology lacks the memory a kind needs.
	ErrUnsupported = fmt.Errorf("memkind: unsupported")
	// ErrBusy is returned when destroying a kind with live allocations.
	ErrBusy = fmt.Errorf("memkind: kind busy")
	// ErrUnknownKind is returned for kinds not created by, or already
	// destroyed in, a registry.
	ErrUnknownKind = fmt.Errorf("memkind: unknown kind")
	// ErrInvalidPointer is returned for memory not allocated from a kind.
	ErrInvalidPointer = fmt.Errorf("memkind: invalid pointer")
)

// kindError maps a backend error to the corresponding kind error, keeping
// the original in the chain.
func kindError(err error) error {
	var kerr error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hbw.ErrUnsupported):
		kerr = ErrUnsupported
	case errors.Is(err, heap.ErrInvalidSize), errors.Is(err, heap.ErrInvalidAlignment):
		kerr = ErrInvalidArgument
	case errors.Is(err, heap.ErrOutOfCapacity), errors.Is(err, heap.ErrGrowFailed):
		kerr = ErrOutOfCapacity
	case errors.Is(err, heap.ErrUnknownPointer):
		kerr = ErrInvalidPointer
	case errors.Is(err, region.ErrMapFailure):
		kerr = ErrMapFailure
	default:
		return err
	}
	return fmt.Errorf("%w: %w", kerr, err)
}

// Errno returns the system error number corresponding to err, 0 for nil.
// Map failures report the underlying system error if there is one.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidPointer), errors.Is(err, ErrUnknownKind):
		return unix.EINVAL
	case errors.Is(err, ErrOutOfCapacity):
		return unix.ENOMEM
	case errors.Is(err, ErrUnsupported):
		return unix.ENODEV
	case errors.Is(err, ErrBusy):
		return unix.EBUSY
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return unix.EIO
}
