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

package hbw

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Policy is the placement policy of high-bandwidth memory kinds.
type Policy int

const (
	// PolicyBind places all pages on the high-bandwidth node, failing if
	// that is not possible.
	PolicyBind Policy = iota + 1
	// PolicyPreferred prefers the high-bandwidth node, falling back to
	// other nodes when it is exhausted.
	PolicyPreferred
	// PolicyInterleave spreads pages over nodes in proportion to their
	// bandwidth.
	PolicyInterleave

	// DefaultPolicy is the policy used until another one is set.
	DefaultPolicy = PolicyPreferred
)

var policyNames = map[Policy]string{
	PolicyBind:       "BIND",
	PolicyPreferred:  "PREFERRED",
	PolicyInterleave: "INTERLEAVE",
}

// String returns the name of the policy.
func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// IsValid returns true if p is a known policy.
func (p Policy) IsValid() bool {
	_, ok := policyNames[p]
	return ok
}

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	name := strings.TrimPrefix(strings.ToUpper(s), "HBW_POLICY_")
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// MarshalJSON marshals the policy by name.
func (p Policy) MarshalJSON() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPolicy, int(p))
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON unmarshals a policy name.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	policy, err := ParsePolicy(name)
	if err != nil {
		return err
	}
	*p = policy
	return nil
}
