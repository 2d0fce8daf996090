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

package klogcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/memkind/pkg/apis/config/v1alpha1/log/klogcontrol"
)

func TestEnvironmentSeeding(t *testing.T) {
	env := map[string]string{
		"LOGGER_V":       "0",
		"JOURNAL_STREAM": "8:1234",
	}
	c := newControl(func(name string) (string, bool) {
		value, ok := env[name]
		return value, ok
	})

	require.Equal(t, []string{"skip_headers=true", "v=0"}, c.Flags())
	require.Equal(t, "LOGGER_LOG_FILE_MAX_SIZE", EnvVar("log_file_max_size"))
}

func TestConfigure(t *testing.T) {
	c := newControl(func(string) (string, bool) { return "", false })
	require.Empty(t, c.Flags())

	v, skip := 0, false
	require.NoError(t, c.Configure(&cfgapi.Config{V: &v, Skip_headers: &skip}))
	require.Equal(t, []string{"skip_headers=false", "v=0"}, c.Flags())

	threshold := "loud"
	require.Error(t, c.Configure(&cfgapi.Config{Stderrthreshold: &threshold}))

	require.NoError(t, c.Configure(nil))
}
