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
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// slogHandler routes slog records to a logger. Attributes are appended
// to the message as key=value pairs.
type slogHandler struct {
	l      logger
	group  string
	suffix string
}

var _ slog.Handler = &slogHandler{}

// SetSlogLogger makes the logger of the given source, or the default
// logger, the default logger of the slog package.
func SetSlogLogger(source string) {
	l := deflog
	if source != "" {
		l = log.get(source)
	}
	slog.SetDefault(slog.New(l.SlogHandler()))
}

// SlogHandler returns a slog.Handler emitting records with this logger.
func (l logger) SlogHandler() slog.Handler {
	return &slogHandler{l: l}
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	if level < slog.LevelInfo {
		return h.l.DebugEnabled()
	}
	log.RLock()
	defer log.RUnlock()
	return slogLevel(level) >= log.level
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.suffix)
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a)
		return true
	})

	msg := b.String()
	switch level := slogLevel(r.Level); level {
	case LevelDebug:
		h.l.Debug("%s", msg)
	case LevelInfo:
		h.l.Info("%s", msg)
	case LevelWarn:
		h.l.Warn("%s", msg)
	default:
		h.l.Error("%s", msg)
	}
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.suffix)
	for _, a := range attrs {
		h.appendAttr(&b, a)
	}
	return &slogHandler{l: h.l, group: h.group, suffix: b.String()}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &slogHandler{l: h.l, group: group, suffix: h.suffix}
}

func (h *slogHandler) appendAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve())
}

func slogLevel(level slog.Level) Level {
	switch {
	case level < slog.LevelInfo:
		return LevelDebug
	case level < slog.LevelWarn:
		return LevelInfo
	case level < slog.LevelError:
		return LevelWarn
	}
	return LevelError
}
