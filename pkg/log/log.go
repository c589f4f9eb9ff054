// Copyright 2024 The Fmem Authors.
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

// Package log provides leveled logging for the fmem packages and tools.
//
// A Logger is an injectable diagnostic sink: callers hand one to
// foreignmem.Open and failures are written through it before they are
// returned. Nothing in this package is ever consulted for control decisions.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the log level.
type Level uint32

const (
	// Warning indicates a problem the operator may need to act on.
	Warning Level = iota

	// Info is general operational logging.
	Info

	// Debug is verbose tracing, disabled by default.
	Debug
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("invalid level: %d", uint32(l))
	}
}

// Emitter is the final destination for log statements.
type Emitter interface {
	// Emit emits the given log statement. depth is the depth at which to
	// resolve the caller, where 0 indicates Emit's own caller.
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// Writer writes whole log lines to an io.Writer. Lines that cannot be
// written are counted and the count is reported once the sink recovers, so
// gaps in the output are visible.
type Writer struct {
	// Next is the underlying writer.
	Next io.Writer

	// mu protects fields below.
	mu sync.Mutex

	// errors counts lines dropped due to unsuccessful writes.
	errors int64
}

// Write writes a log line. A line is dropped, not retried, when the
// underlying writer fails.
func (l *Writer) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.errors > 0 {
		// Report the dropped count before resuming.
		if _, err := fmt.Fprintf(l.Next, "\n*** Dropped %d log messages ***\n", l.errors); err != nil {
			l.errors++
			return 0, err
		}
		l.errors = 0
	}

	n, err := l.Next.Write(data)
	if err != nil {
		l.errors++
	}
	return n, err
}

// Emit implements Emitter.Emit, writing the statement as a bare formatted
// line with no framing.
func (l *Writer) Emit(_ int, _ Level, _ time.Time, format string, args ...any) {
	fmt.Fprintf(l, format, args...)
}

// MultiEmitter fans out every statement to all contained emitters.
type MultiEmitter []Emitter

// Emit implements Emitter.Emit.
func (m *MultiEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	for _, e := range *m {
		e.Emit(1+depth, level, timestamp, format, v...)
	}
}

// TestLogger is implemented by testing.T and testing.B.
type TestLogger interface {
	Logf(format string, v ...any)
}

// TestEmitter may be used for wrapping tests.
type TestEmitter struct {
	TestLogger
}

// Emit implements Emitter.Emit.
func (e *TestEmitter) Emit(_ int, _ Level, _ time.Time, format string, v ...any) {
	e.Logf(format, v...)
}

// Logger is the high-level logging interface accepted throughout the module.
type Logger interface {
	// Debugf logs at the debug level.
	Debugf(format string, v ...any)

	// Infof logs at the info level.
	Infof(format string, v ...any)

	// Warningf logs at the warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff the given level would be logged.
	IsLogging(level Level) bool
}

// BasicLogger is the standard Logger: an Emitter gated by a Level.
type BasicLogger struct {
	Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	l.DebugfAtDepth(1, format, v...)
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	l.InfofAtDepth(1, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	l.WarningfAtDepth(1, format, v...)
}

// DebugfAtDepth logs at a specific depth.
func (l *BasicLogger) DebugfAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(1+depth, Debug, time.Now(), format, v...)
	}
}

// InfofAtDepth logs at a specific depth.
func (l *BasicLogger) InfofAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(1+depth, Info, time.Now(), format, v...)
	}
}

// WarningfAtDepth logs at a specific depth.
func (l *BasicLogger) WarningfAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(1+depth, Warning, time.Now(), format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return atomic.LoadUint32((*uint32)(&l.Level)) >= uint32(level)
}

// SetLevel sets the logging level.
func (l *BasicLogger) SetLevel(level Level) {
	atomic.StoreUint32((*uint32)(&l.Level), uint32(level))
}

// logMu protects the global logger against concurrent swaps; reads go
// through the atomic value and are never blocked by a swap.
var logMu sync.Mutex

var log atomic.Pointer[BasicLogger]

// Log retrieves the global logger.
func Log() *BasicLogger {
	return log.Load()
}

// SetTarget sets the log target. The level of the current logger is
// preserved.
func SetTarget(target Emitter) {
	logMu.Lock()
	defer logMu.Unlock()
	oldLog := Log()
	log.Store(&BasicLogger{Level: oldLog.Level, Emitter: target})
}

// SetLevel sets the log level on the global logger.
func SetLevel(newLevel Level) {
	Log().SetLevel(newLevel)
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().DebugfAtDepth(1, format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().InfofAtDepth(1, format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().WarningfAtDepth(1, format, v...)
}

func init() {
	// The default global logger mirrors the stderr behavior of the tools:
	// warnings only, plain text.
	log.Store(&BasicLogger{Level: Warning, Emitter: TextEmitter{&Writer{Next: os.Stderr}}})
}
