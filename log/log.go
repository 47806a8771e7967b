// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log is the leveled, filterable logging facility shared by every
// parser and registry code path, shaped after go-kratos/kratos's
// log.Helper/log.Filter, kept as an internal subpackage so that climage
// carries no dependency on a particular logging backend: callers plug in
// their own Logger, or take the stdlib-backed default.
package log

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Level is a logging severity.
type Level int8

// Recognized levels, lowest severity first.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal sink every backend must implement.
type Logger interface {
	Log(level Level, msg string) error
}

// StdLogger writes timestamped, leveled lines to an io.Writer.
type StdLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdLogger returns a Logger that writes to w.
func NewStdLogger(w io.Writer) *StdLogger {
	return &StdLogger{w: w}
}

// Log implements Logger.
func (l *StdLogger) Log(level Level, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.w, "%s %-5s %s\n", time.Now().Format(time.RFC3339), level, msg)
	return err
}

// FilterOption configures a Filter.
type FilterOption func(*Filter)

// FilterLevel sets the minimum level a Filter lets through.
func FilterLevel(level Level) FilterOption {
	return func(f *Filter) { f.level = level }
}

// Filter wraps a Logger and drops records below a minimum level.
type Filter struct {
	logger Logger
	level  Level
}

// NewFilter returns a Logger that forwards to logger only records at or
// above the configured level (LevelInfo by default).
func NewFilter(logger Logger, opts ...FilterOption) *Filter {
	f := &Filter{logger: logger, level: LevelInfo}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Log implements Logger.
func (f *Filter) Log(level Level, msg string) error {
	if level < f.level {
		return nil
	}
	return f.logger.Log(level, msg)
}

// Helper adds printf-style convenience methods over a Logger.
type Helper struct {
	logger Logger
}

// NewHelper wraps logger with leveled printf-style helpers.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

func (h *Helper) log(level Level, format string, args ...interface{}) {
	if h == nil || h.logger == nil {
		return
	}
	_ = h.logger.Log(level, fmt.Sprintf(format, args...))
}

// Debugf logs at LevelDebug.
func (h *Helper) Debugf(format string, args ...interface{}) { h.log(LevelDebug, format, args...) }

// Infof logs at LevelInfo.
func (h *Helper) Infof(format string, args ...interface{}) { h.log(LevelInfo, format, args...) }

// Warnf logs at LevelWarn.
func (h *Helper) Warnf(format string, args ...interface{}) { h.log(LevelWarn, format, args...) }

// Errorf logs at LevelError.
func (h *Helper) Errorf(format string, args ...interface{}) { h.log(LevelError, format, args...) }

// Warn logs a single message at LevelWarn.
func (h *Helper) Warn(args ...interface{}) { h.log(LevelWarn, "%s", fmt.Sprint(args...)) }

// Info logs a single message at LevelInfo.
func (h *Helper) Info(args ...interface{}) { h.log(LevelInfo, "%s", fmt.Sprint(args...)) }
