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

package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memkind/pkg/utils"
)

func TestParseEnabled(t *testing.T) {
	for value, enabled := range map[string]bool{
		"on": true, "Enabled": true, " yes ": true, "1": true, "true": true,
		"off": false, "DISABLE": false, "n": false, "0": false, "false": false,
	} {
		state, err := ParseEnabled(value)
		require.NoError(t, err, "value %q", value)
		require.Equal(t, enabled, state, "value %q", value)
	}

	_, err := ParseEnabled("perhaps")
	require.Error(t, err)
}
