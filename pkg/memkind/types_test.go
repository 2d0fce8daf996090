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

package memkind_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	. "github.com/containers/memkind/pkg/memkind"
)

func TestParseType(t *testing.T) {
	type testCase struct {
		name    string
		typ     Type
		invalid bool
	}

	for _, tc := range []*testCase{
		{name: "REGULAR", typ: TypeRegular},
		{name: "pmem", typ: TypePmem},
		{name: "HBW", typ: TypeHbw},
		{name: "hbw_preferred", typ: TypeHbwPreferred},
		{name: "HBW_INTERLEAVE", typ: TypeHbwInterleave},
		{name: "dram", invalid: true},
		{name: "", invalid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			typ, err := ParseType(tc.name)
			if tc.invalid {
				require.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.typ, typ)
			require.True(t, typ.IsValid())
			require.Equal(t, typ != TypeRegular && typ != TypePmem, typ.IsHbw())
		})
	}

	require.False(t, Type(42).IsValid())
	require.Contains(t, Type(42).String(), "42")
}

func TestTypeJSON(t *testing.T) {
	data, err := json.Marshal([]Type{TypePmem, TypeHbwInterleave})
	require.NoError(t, err)
	require.Equal(t, `["PMEM","HBW_INTERLEAVE"]`, string(data))

	var types []Type
	require.NoError(t, json.Unmarshal([]byte(`["hbw", 3, "REGULAR"]`), &types))
	require.Equal(t, []Type{TypeHbw, TypeHbwPreferred, TypeRegular}, types)

	require.Error(t, json.Unmarshal([]byte(`[7]`), &types))
	require.Error(t, json.Unmarshal([]byte(`["nvm"]`), &types))
	require.Error(t, json.Unmarshal([]byte(`[{}]`), &types))
}

func TestErrno(t *testing.T) {
	type testCase struct {
		name  string
		err   error
		errno unix.Errno
	}

	for _, tc := range []*testCase{
		{name: "no error"},
		{
			name:  "invalid argument",
			err:   fmt.Errorf("%w: zero size", ErrInvalidArgument),
			errno: unix.EINVAL,
		},
		{
			name:  "invalid pointer",
			err:   ErrInvalidPointer,
			errno: unix.EINVAL,
		},
		{
			name:  "unknown kind",
			err:   ErrUnknownKind,
			errno: unix.EINVAL,
		},
		{
			name:  "out of capacity",
			err:   fmt.Errorf("%w: full", ErrOutOfCapacity),
			errno: unix.ENOMEM,
		},
		{
			name:  "unsupported",
			err:   ErrUnsupported,
			errno: unix.ENODEV,
		},
		{
			name:  "busy",
			err:   ErrBusy,
			errno: unix.EBUSY,
		},
		{
			name:  "map failure",
			err:   fmt.Errorf("%w: %w", ErrMapFailure, unix.ENOSPC),
			errno: unix.ENOSPC,
		},
		{
			name:  "other",
			err:   fmt.Errorf("something went wrong"),
			errno: unix.EIO,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.errno, Errno(tc.err))
		})
	}
}
