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

package log

import (
	"os"
	"strconv"
	"time"
)

// pid is stamped into every line header.
var pid = os.Getpid()

// TextEmitter emits glog-flavored single-line statements:
//
//	Lmmdd hh:mm:ss.uuuuuu pid] msg...
//
// where L is a single character for the level.
type TextEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e TextEmitter) Emit(_ int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 256)
	switch level {
	case Debug:
		b = append(b, 'D')
	case Info:
		b = append(b, 'I')
	case Warning:
		b = append(b, 'W')
	}
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(pid), 10)
	b = append(b, ']', ' ')
	b = append(b, format...)
	b = append(b, '\n')

	// The user-supplied verbs are expanded by the underlying Writer.
	e.Writer.Emit(0, level, timestamp, string(b), args...)
}
