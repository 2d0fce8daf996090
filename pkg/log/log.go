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

// Package log implements source-tagged logging with runtime-selectable
// backends and per-source debug control.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Level describes the severity of log messages.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logging is the runtime state shared by all loggers.
type logging struct {
	sync.RWMutex
	level   Level             // lowest unsuppressed severity
	dbgmap  srcmap            // debug settings by source
	debug   map[string]bool   // resolved per-source debug state
	prefix  bool              // prefix messages with their source
	align   int               // longest source name seen
	loggers map[string]logger // known loggers by source
	backend Backend           // active backend
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		debug:   make(map[string]bool),
		loggers: make(map[string]logger),
		backend: &fmtBackend{out: os.Stderr},
	}
	deflog = log.get("default")
)

// Get returns the logger for the given source, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// Default returns the default logger.
func Default() Logger {
	return deflog
}

func (log *logging) get(source string) logger {
	source = strings.Trim(source, "[] ")

	log.Lock()
	defer log.Unlock()

	if l, ok := log.loggers[source]; ok {
		return l
	}

	l := logger{source: source}
	log.loggers[source] = l
	log.debug[source] = log.dbgmap.enabled(source)
	if len(source) > log.align {
		log.align = len(source)
	}

	return l
}

// setDbgMap updates the debug settings of all loggers. Must be called locked.
func (log *logging) setDbgMap(m srcmap) {
	log.dbgmap = m
	for source := range log.loggers {
		log.debug[source] = m.enabled(source)
	}
}

// setPrefix sets source prefixing for messages. Must be called locked.
func (log *logging) setPrefix(prefix bool) {
	log.prefix = prefix
}

// setBackend activates the given backend. Must be called locked.
func (log *logging) setBackend(b Backend) {
	log.backend = b
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

var _ Logger = logger{}

func (l logger) Source() string {
	return l.source
}

func (l logger) EnableDebug(enable bool) bool {
	log.Lock()
	defer log.Unlock()

	old := log.debug[l.source]
	log.debug[l.source] = enable
	return old
}

func (l logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.debug[l.source]
}

func (l logger) Debug(format string, args ...interface{}) {
	l.emit(LevelDebug, "", format, args...)
}

func (l logger) Info(format string, args ...interface{}) {
	l.emit(LevelInfo, "", format, args...)
}

func (l logger) Warn(format string, args ...interface{}) {
	l.emit(LevelWarn, "", format, args...)
}

func (l logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, "", format, args...)
}

func (l logger) Fatal(format string, args ...interface{}) {
	l.emit(LevelFatal, "", format, args...)
	os.Exit(1)
}

func (l logger) Panic(format string, args ...interface{}) {
	l.emit(LevelPanic, "", format, args...)
	panic(fmt.Sprintf(l.source+": "+format, args...))
}

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	l.emit(LevelDebug, prefix, format, args...)
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.emit(LevelInfo, prefix, format, args...)
}

func (l logger) WarnBlock(prefix string, format string, args ...interface{}) {
	l.emit(LevelWarn, prefix, format, args...)
}

func (l logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	l.emit(LevelError, prefix, format, args...)
}

func (l logger) emit(level Level, prefix, format string, args ...interface{}) {
	log.RLock()
	debug := log.debug[l.source]
	suppress := level < log.level
	tag := ""
	if log.prefix {
		tag = sourceTag(l.source, log.align)
	}
	b := log.backend
	log.RUnlock()

	if level == LevelDebug {
		if !debug {
			return
		}
	} else if suppress {
		return
	}

	msg := fmt.Sprintf(format, args...)
	for _, line := range strings.Split(msg, "\n") {
		b.Emit(level, tag+prefix+line)
	}
}

// sourceTag returns the centered, bracketed source name used as a message prefix.
func sourceTag(source string, align int) string {
	suf := (align - len(source)) / 2
	pre := align - (len(source) + suf)
	return "[" + fmt.Sprintf("%*s", pre, "") + source + fmt.Sprintf("%*s", suf, "") + "] "
}

// loggerError returns a formatted package-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
