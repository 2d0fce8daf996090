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

// Package region maps file-backed and anonymous byte ranges which heaps
// carve allocations from.
package region

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/containers/memkind/pkg/log"
)

var (
	// ErrMapFailure is returned when a region cannot be set up, grown or torn down.
	ErrMapFailure = fmt.Errorf("region: map failure")
	// ErrInvalidRange is returned for offsets or lengths outside of a region.
	ErrInvalidRange = fmt.Errorf("region: invalid range")
)

const (
	// FilePattern is the name pattern of backing files created for regions.
	FilePattern = "pmem-*"
)

var log = logger.Get("region")

// Region is a mapped range of bytes, either backed by an unlinked file or
// anonymous memory. Its address stays fixed until it is unmapped.
type Region struct {
	sync.Mutex
	file     *os.File
	data     []byte
	size     uint64
	noCommit bool
}

// MapFile creates an unlinked backing file in dir, sizes it to size bytes
// and maps it shared into the address space. The file is sparse: blocks are
// reserved only when committed.
func MapFile(dir string, size uint64) (*Region, error) {
	if size == 0 || size > uint64(maxMapSize) {
		return nil, fmt.Errorf("%w: invalid size %d", ErrMapFailure, size)
	}

	f, err := os.CreateTemp(dir, FilePattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapFailure,
			errors.Wrapf(err, "failed to create backing file in %s", dir))
	}

	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrMapFailure,
			errors.Wrapf(err, "failed to unlink backing file %s", f.Name()))
	}

	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrMapFailure,
			errors.Wrapf(err, "failed to size backing file to %d bytes", size))
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrMapFailure,
			errors.Wrapf(err, "failed to map %d bytes of backing file", size))
	}

	r := &Region{
		file: f,
		data: data,
		size: size,
	}

	log.Debug("mapped %d bytes of file-backed memory at %#x (dir %s)", size, r.Base(), dir)

	return r, nil
}

// MapAnonymous maps size bytes of private anonymous memory. No swap space
// is reserved for the mapping.
func MapAnonymous(size uint64) (*Region, error) {
	if size == 0 || size > uint64(maxMapSize) {
		return nil, fmt.Errorf("%w: invalid size %d", ErrMapFailure, size)
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_NORESERVE
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapFailure,
			errors.Wrapf(err, "failed to map %d bytes of anonymous memory", size))
	}

	r := &Region{
		data: data,
		size: size,
	}

	log.Debug("mapped %d bytes of anonymous memory at %#x", size, r.Base())

	return r, nil
}

// Base returns the address of the first byte of the region.
func (r *Region) Base() uintptr {
	if len(r.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
}

// Bytes returns the mapped bytes of the region.
func (r *Region) Bytes() []byte {
	return r.data
}

// Len returns the length of the region.
func (r *Region) Len() uint64 {
	return r.size
}

// IsFileBacked returns true if the region is backed by a file.
func (r *Region) IsFileBacked() bool {
	return r.file != nil
}

// Commit reserves backing storage for the given range. For file-backed
// regions this allocates file blocks so that running out of space is
// reported here instead of as a fault on first access.
func (r *Region) Commit(off, n uint64) error {
	if err := r.checkRange(off, n); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	if r.file == nil || r.noCommit {
		return nil
	}

	err := unix.Fallocate(int(r.file.Fd()), 0, int64(off), int64(n))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS):
		log.Warn("backing file system does not support fallocate, disabling commit")
		r.noCommit = true
		return nil
	}

	return fmt.Errorf("%w: %w", ErrMapFailure,
		errors.Wrapf(err, "failed to commit %d bytes at offset %d", n, off))
}

// Release returns the storage backing the given range to the system.
// Subsequent reads of the range return zeroes.
func (r *Region) Release(off, n uint64) error {
	if err := r.checkRange(off, n); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	if r.file != nil {
		mode := uint32(unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE)
		err := unix.Fallocate(int(r.file.Fd()), mode, int64(off), int64(n))
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EOPNOTSUPP) {
			return fmt.Errorf("%w: %w", ErrMapFailure,
				errors.Wrapf(err, "failed to release %d bytes at offset %d", n, off))
		}
	}

	if err := unix.Madvise(r.data[off:off+n], unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("%w: %w", ErrMapFailure,
			errors.Wrapf(err, "failed to release %d bytes at offset %d", n, off))
	}

	return nil
}

// Unmap unmaps the region and closes its backing file. Unmapping an
// already unmapped region is a no-op.
func (r *Region) Unmap() error {
	r.Lock()
	defer r.Unlock()

	if r.data == nil {
		return nil
	}

	var errs *multierror.Error
	if err := unix.Munmap(r.data); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "failed to unmap region"))
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "failed to close backing file"))
		}
		r.file = nil
	}
	r.data = nil

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrMapFailure, err)
	}

	log.Debug("unmapped %d bytes of memory", r.size)

	return nil
}

func (r *Region) checkRange(off, n uint64) error {
	if n == 0 || off+n < off || off+n > r.size {
		return fmt.Errorf("%w: [%d, +%d) not in region of %d bytes", ErrInvalidRange, off, n, r.size)
	}
	return nil
}
