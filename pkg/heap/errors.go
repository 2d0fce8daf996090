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

package heap

import "fmt"

var (
	ErrInvalidSize      = fmt.Errorf("heap: invalid size")
	ErrInvalidAlignment = fmt.Errorf("heap: invalid alignment")
	ErrOutOfCapacity    = fmt.Errorf("heap: out of capacity")
	ErrUnknownPointer   = fmt.Errorf("heap: unknown pointer")
	ErrGrowFailed       = fmt.Errorf("heap: failed to grow")
)
