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
	"encoding/json"
	"fmt"
	"strings"
)

// Type is the type of a kind, which determines its backend.
type Type int

const (
	// TypeRegular kinds allocate from the Go heap.
	TypeRegular Type = iota
	// TypePmem kinds allocate from a capacity-bounded file-backed heap.
	TypePmem
	// TypeHbw kinds allocate high-bandwidth memory, failing without it.
	TypeHbw
	// TypeHbwPreferred kinds prefer high-bandwidth memory.
	TypeHbwPreferred
	// TypeHbwInterleave kinds interleave pages over nodes by bandwidth.
	TypeHbwInterleave
)

var (
	typeToString = map[Type]string{
		TypeRegular:       "REGULAR",
		TypePmem:          "PMEM",
		TypeHbw:           "HBW",
		TypeHbwPreferred:  "HBW_PREFERRED",
		TypeHbwInterleave: "HBW_INTERLEAVE",
	}
	stringToType = map[string]Type{}
)

// ParseType parses the name of a kind type.
func ParseType(str string) (Type, error) {
	if t, ok := stringToType[strings.ToUpper(str)]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("%w: invalid kind type %q", ErrInvalidArgument, str)
}

// IsValid returns true if t is a known type.
func (t Type) IsValid() bool {
	_, ok := typeToString[t]
	return ok
}

// IsHbw returns true for high-bandwidth memory types.
func (t Type) IsHbw() bool {
	return t == TypeHbw || t == TypeHbwPreferred || t == TypeHbwInterleave
}

// String returns the name of the type.
func (t Type) String() string {
	if str, ok := typeToString[t]; ok {
		return str
	}
	return fmt.Sprintf("%%!(memkind:Bad-Type %d)", int(t))
}

// MarshalJSON marshals the type by name.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON unmarshals a type by name or number.
func (t *Type) UnmarshalJSON(data []byte) error {
	i := 0
	if err := json.Unmarshal(data, &i); err == nil {
		if !Type(i).IsValid() {
			return fmt.Errorf("%w: invalid kind type %d", ErrInvalidArgument, i)
		}
		*t = Type(i)
		return nil
	}

	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	parsed, err := ParseType(str)
	if err != nil {
		return err
	}

	*t = parsed
	return nil
}

func init() {
	for t, s := range typeToString {
		stringToType[s] = t
	}
}
