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

package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// Backend emits formatted log messages.
type Backend interface {
	// Name returns the name of this backend.
	Name() string
	// Emit emits a single line of message with the given severity.
	Emit(Level, string)
}

const (
	// FmtBackendName is the name of our simple fmt-based backend.
	FmtBackendName = "fmt"
	// KlogBackendName is the name of our klog-based backend.
	KlogBackendName = "klog"
)

// severity tags the fmt backend prefixes messages with.
var fmtTags = map[Level]string{
	LevelDebug: "D: ",
	LevelInfo:  "I: ",
	LevelWarn:  "W: ",
	LevelError: "E: ",
	LevelFatal: "FATAL ERROR: ",
	LevelPanic: "PANIC: ",
}

type fmtBackend struct {
	sync.Mutex
	out io.Writer
}

// NewFmtBackend returns a backend which writes messages to the given writer.
func NewFmtBackend(w io.Writer) Backend {
	if w == nil {
		w = os.Stderr
	}
	return &fmtBackend{out: w}
}

func (*fmtBackend) Name() string {
	return FmtBackendName
}

func (f *fmtBackend) Emit(level Level, msg string) {
	f.Lock()
	defer f.Unlock()
	fmt.Fprintln(f.out, fmtTags[level]+msg)
}

type klogBackend struct{}

// NewKlogBackend returns a backend which passes messages to klog.
func NewKlogBackend() Backend {
	return klogBackend{}
}

func (klogBackend) Name() string {
	return KlogBackendName
}

func (klogBackend) Emit(level Level, msg string) {
	const depth = 3
	switch level {
	case LevelDebug, LevelInfo:
		klog.InfoDepth(depth, msg)
	case LevelWarn:
		klog.WarningDepth(depth, msg)
	default:
		klog.ErrorDepth(depth, msg)
	}
}

// SetBackend activates the given backend for all loggers.
func SetBackend(b Backend) {
	log.Lock()
	defer log.Unlock()
	log.setBackend(b)
}

// backendByName returns the backend with the given name.
func backendByName(name string) (Backend, error) {
	switch name {
	case FmtBackendName:
		return NewFmtBackend(os.Stderr), nil
	case KlogBackendName:
		return NewKlogBackend(), nil
	}
	return nil, loggerError("unknown backend %q", name)
}
