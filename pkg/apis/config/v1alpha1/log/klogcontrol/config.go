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
	"reflect"
	"strconv"
	"strings"
)

// Config represents the runtime configuration of klog. Each field
// corresponds to the klog command line flag of the same (json) name.
// +k8s:deepcopy-gen=true
type Config struct {
	// +optional
	Add_dir_header *bool `json:"add_dir_header,omitempty"`
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// +optional
	Log_backtrace_at *string `json:"log_backtrace_at,omitempty"`
	// +optional
	Log_dir *string `json:"log_dir,omitempty"`
	// +optional
	Log_file *string `json:"log_file,omitempty"`
	// +optional
	Log_file_max_size *uint64 `json:"log_file_max_size,omitempty"`
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// +optional
	One_output *bool `json:"one_output,omitempty"`
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// +optional
	Skip_log_headers *bool `json:"skip_log_headers,omitempty"`
	// +optional
	Stderrthreshold *string `json:"stderrthreshold,omitempty"`
	// +optional
	V *int `json:"v,omitempty"`
	// +optional
	Vmodule *string `json:"vmodule,omitempty"`
}

// GetByFlag returns the configured value for the given klog flag, if any.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if tag != name {
			continue
		}
		f := v.Field(i)
		if f.IsNil() {
			return "", false
		}
		switch e := f.Elem(); e.Kind() {
		case reflect.Bool:
			return strconv.FormatBool(e.Bool()), true
		case reflect.Int:
			return strconv.FormatInt(e.Int(), 10), true
		case reflect.Uint64:
			return strconv.FormatUint(e.Uint(), 10), true
		case reflect.String:
			return e.String(), true
		}
	}

	return "", false
}
