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

package region_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memkind/pkg/region"
)

const (
	mib = uint64(1024 * 1024)
)

func TestMapFile(t *testing.T) {
	dir := t.TempDir()

	r, err := MapFile(dir, 4*mib)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.True(t, r.IsFileBacked())
	require.Equal(t, 4*mib, r.Len())
	require.Len(t, r.Bytes(), int(4*mib))
	require.NotZero(t, r.Base())
	require.Zero(t, r.Base()%uintptr(os.Getpagesize()))

	// backing file is unlinked
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, r.Commit(0, 2*mib))
	b := r.Bytes()
	b[0], b[2*mib-1] = 0xaa, 0x55
	require.Equal(t, byte(0xaa), b[0])

	require.NoError(t, r.Release(0, 2*mib))
	require.Equal(t, byte(0), r.Bytes()[0])

	require.ErrorIs(t, r.Commit(2*mib, 4*mib), ErrInvalidRange)
	require.ErrorIs(t, r.Release(0, 0), ErrInvalidRange)

	require.NoError(t, r.Unmap())
	require.NoError(t, r.Unmap())
	require.Zero(t, r.Base())
}

func TestMapFileErrors(t *testing.T) {
	type testCase struct {
		name string
		dir  func(t *testing.T) string
		size uint64
	}

	for _, tc := range []*testCase{
		{
			name: "missing directory",
			dir:  func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing") },
			size: 2 * mib,
		},
		{
			name: "not a directory",
			dir: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "file")
				require.NoError(t, os.WriteFile(path, nil, 0o644))
				return path
			},
			size: 2 * mib,
		},
		{
			name: "zero size",
			dir:  func(t *testing.T) string { return t.TempDir() },
			size: 0,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := MapFile(tc.dir(t), tc.size)
			require.ErrorIs(t, err, ErrMapFailure)
			require.Nil(t, r)
		})
	}
}

func TestMapAnonymous(t *testing.T) {
	r, err := MapAnonymous(8 * mib)
	require.NoError(t, err)
	require.False(t, r.IsFileBacked())

	require.NoError(t, r.Commit(0, 8*mib))
	b := r.Bytes()
	for i := uint64(0); i < 8*mib; i += 4096 {
		b[i] = 1
	}
	require.NoError(t, r.Release(2*mib, 6*mib))
	require.Equal(t, byte(1), b[0])
	require.Equal(t, byte(0), b[2*mib])

	require.NoError(t, r.Unmap())

	_, err = MapAnonymous(0)
	require.ErrorIs(t, err, ErrMapFailure)
}
