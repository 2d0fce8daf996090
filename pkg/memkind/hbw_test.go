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
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/containers/memkind/pkg/bandwidth"
	"github.com/containers/memkind/pkg/hbw"
	. "github.com/containers/memkind/pkg/memkind"
	"github.com/containers/memkind/pkg/mempolicy"
)

type binding struct {
	length uintptr
	mode   uint
	nodes  []int
}

type fakeBinder struct {
	sync.Mutex
	bindings []binding
	err      error
}

func (b *fakeBinder) Bind(addr, length uintptr, mode uint, nodes []int) error {
	b.Lock()
	defer b.Unlock()
	if b.err != nil {
		return b.err
	}
	b.bindings = append(b.bindings, binding{length, mode, nodes})
	return nil
}

func (b *fakeBinder) bound() (total uintptr, modes map[uint]struct{}, nodes map[int]struct{}) {
	b.Lock()
	defer b.Unlock()
	modes, nodes = map[uint]struct{}{}, map[int]struct{}{}
	for _, bd := range b.bindings {
		total += bd.length
		modes[bd.mode] = struct{}{}
		for _, n := range bd.nodes {
			nodes[n] = struct{}{}
		}
	}
	return total, modes, nodes
}

// newHbwRegistry creates a registry with node 1 as the high-bandwidth node
// and four times the bandwidth of node 0, or without high-bandwidth memory
// if withHbw is false.
func newHbwRegistry(t *testing.T, withHbw bool) (*Registry, *fakeBinder) {
	var tbl *bandwidth.Table
	if withHbw {
		var err error
		tbl, err = bandwidth.New([]bandwidth.Entry{
			{Node: 0, Bandwidth: 100},
			{Node: 1, Bandwidth: 400},
		})
		require.NoError(t, err)
	}

	fb := &fakeBinder{}
	d := hbw.NewDispatcher(tbl, hbw.WithBinder(fb))
	r := newRegistry(t, WithDispatcher(d), WithHbwCapacity(64*mib))

	return r, fb
}

func TestHbwBind(t *testing.T) {
	r, fb := newHbwRegistry(t, true)
	k := r.HBW()

	require.True(t, r.CheckAvailable())

	b, err := r.Malloc(k, 3*mib)
	require.NoError(t, err)
	require.Len(t, b, int(3*mib))
	b[0], b[len(b)-1] = 1, 2
	require.Contains(t, r.Kinds(), k)
	require.Equal(t, k, r.Detect(b))

	total, modes, nodes := fb.bound()
	require.GreaterOrEqual(t, uint64(total), 4*mib)
	require.Equal(t, map[uint]struct{}{mempolicy.MPOL_BIND: {}}, modes)
	require.Equal(t, map[int]struct{}{1: {}}, nodes)

	pages := r.Dispatcher().Placement()
	require.Equal(t, uint64(total)/uint64(os.Getpagesize()), pages[1])
	require.Zero(t, pages[0])

	require.NoError(t, r.Free(k, b))
}

func TestHbwPreferred(t *testing.T) {
	r, fb := newHbwRegistry(t, true)
	k := r.HBWPreferred()

	b, err := r.Calloc(k, 1024, 1024)
	require.NoError(t, err)
	require.Len(t, b, int(mib))

	_, modes, nodes := fb.bound()
	require.Equal(t, map[uint]struct{}{mempolicy.MPOL_PREFERRED: {}}, modes)
	require.Equal(t, map[int]struct{}{1: {}}, nodes)

	// failing to prefer high-bandwidth memory is not an error
	fb.err = fmt.Errorf("mbind failed")
	c, err := r.Malloc(k, 8*mib)
	require.NoError(t, err)

	require.NoError(t, r.Free(k, c))
	require.NoError(t, r.Free(k, b))
}

func TestHbwInterleave(t *testing.T) {
	r, fb := newHbwRegistry(t, true)
	k := r.HBWInterleave()

	b, err := r.Malloc(k, 8*mib)
	require.NoError(t, err)

	_, modes, nodes := fb.bound()
	require.Equal(t, map[uint]struct{}{mempolicy.MPOL_BIND: {}}, modes)
	require.Equal(t, map[int]struct{}{0: {}, 1: {}}, nodes)

	pages := r.Dispatcher().Placement()
	total := float64(pages[0] + pages[1])
	require.GreaterOrEqual(t, total, float64(8*mib)/float64(os.Getpagesize()))
	require.InDelta(t, total/5, float64(pages[0]), total/100+1)
	require.InDelta(t, 4*total/5, float64(pages[1]), total/100+1)

	require.NoError(t, r.Free(k, b))
}

func TestHbwBindFailure(t *testing.T) {
	r, fb := newHbwRegistry(t, true)
	fb.err = unix.EPERM

	b, err := r.Malloc(r.HBW(), 64)
	require.ErrorIs(t, err, ErrOutOfCapacity)
	require.ErrorIs(t, err, hbw.ErrBindFailed)
	require.ErrorIs(t, err, unix.EPERM)
	require.Nil(t, b)
	require.Zero(t, r.HBW().Stats().Live)

	fb.err = nil
	b, err = r.Malloc(r.HBW(), 64)
	require.NoError(t, err)
	require.NoError(t, r.Free(r.HBW(), b))
}

func TestWithoutHbw(t *testing.T) {
	r, fb := newHbwRegistry(t, false)

	require.False(t, r.CheckAvailable())
	require.Equal(t, hbw.PolicyPreferred, r.Policy())
	require.Equal(t, r.HBWPreferred(), r.HbwKind())

	b, err := r.Malloc(r.HBW(), 64)
	require.ErrorIs(t, err, ErrUnsupported)
	require.Equal(t, unix.ENODEV, Errno(err))
	require.Nil(t, b)

	b, err = r.Malloc(r.HBWInterleave(), 64)
	require.ErrorIs(t, err, ErrUnsupported)
	require.Nil(t, b)

	err = r.SetPolicy(hbw.PolicyInterleave)
	require.ErrorIs(t, err, ErrUnsupported)
	require.Equal(t, hbw.PolicyPreferred, r.Policy())

	// preferred falls back to any memory
	b, err = r.Malloc(r.HBWPreferred(), 64)
	require.NoError(t, err)
	require.NoError(t, r.Free(r.HBWPreferred(), b))

	total, _, _ := fb.bound()
	require.Zero(t, total)
}

func TestHbwPolicy(t *testing.T) {
	r, _ := newHbwRegistry(t, true)

	for _, tc := range []struct {
		policy hbw.Policy
		kind   *Kind
	}{
		{hbw.PolicyBind, r.HBW()},
		{hbw.PolicyInterleave, r.HBWInterleave()},
		{hbw.PolicyPreferred, r.HBWPreferred()},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			require.NoError(t, r.SetPolicy(tc.policy))
			require.Equal(t, tc.policy, r.Policy())
			require.Equal(t, tc.kind, r.HbwKind())
		})
	}

	require.ErrorIs(t, r.SetPolicy(hbw.Policy(0)), hbw.ErrInvalidPolicy)
}

func TestCreateHbw(t *testing.T) {
	r, _ := newHbwRegistry(t, true)

	_, err := r.CreateHbw(TypePmem, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = r.CreateHbw(TypeHbw, 4096)
	require.ErrorIs(t, err, ErrInvalidArgument)

	k, err := r.CreateHbw(TypeHbwInterleave, 4*mib)
	require.NoError(t, err)
	require.Equal(t, TypeHbwInterleave, k.Type())
	require.False(t, k.IsStatic())

	total, _, err := r.KindSize(k)
	require.NoError(t, err)
	require.Equal(t, 4*mib, total)

	b, err := r.Malloc(k, 3*mib)
	require.NoError(t, err)
	c, err := r.Malloc(k, 2*mib)
	require.ErrorIs(t, err, ErrOutOfCapacity)
	require.Nil(t, c)

	require.ErrorIs(t, r.Destroy(k), ErrBusy)
	require.NoError(t, r.Free(k, b))
	require.NoError(t, r.Destroy(k))
}

func TestDefaultRegistry(t *testing.T) {
	require.Same(t, Default(), Default())

	require.Equal(t, hbw.PolicyPreferred, GetPolicy())

	// preferred placement works with or without high-bandwidth memory
	b, err := HbwMalloc(100)
	require.NoError(t, err)
	require.Len(t, b, 100)
	b, err = HbwRealloc(b, 200)
	require.NoError(t, err)
	require.Len(t, b, 200)
	require.NoError(t, HbwFree(b))

	require.NoError(t, HbwFree(nil))
}
