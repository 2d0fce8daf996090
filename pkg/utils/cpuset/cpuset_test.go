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

package cpuset_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memkind/pkg/utils/cpuset"
)

func TestParseList(t *testing.T) {
	ids, err := ParseList("8,0-3")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3, 8}, ids)

	ids, err = ParseList("")
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = ParseList("3-1")
	require.Error(t, err)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "none", Format(nil))
	require.Equal(t, "0-3,8", Format([]int{8, 3, 2, 1, 0}))
	require.Equal(t, "1", Format([]int{1}))
}
