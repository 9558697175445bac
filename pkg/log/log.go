// Copyright 2024 The comet-go Authors.
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

// Package log is the collector-wide logging indirection. Every other
// package logs through here rather than importing logrus directly, so the
// host application can swap the backend (or silence it entirely) in one
// place.
package log

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields is re-exported so callers don't need to import logrus for the
// common case of attaching structured cycle statistics to a log line.
type Fields = logrus.Fields

var (
	mu  sync.RWMutex
	std = logrus.New()
)

// SetOutput redirects all collector logging. Tests use this to silence
// output or capture it for assertions.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	std.SetOutput(w)
}

// SetLevel maps the heap's verbose level (0..3, see config.HeapOptions) onto
// a logrus level.
func SetLevel(verbose int) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case verbose <= 0:
		std.SetLevel(logrus.WarnLevel)
	case verbose == 1:
		std.SetLevel(logrus.InfoLevel)
	case verbose == 2:
		std.SetLevel(logrus.DebugLevel)
	default:
		std.SetLevel(logrus.TraceLevel)
	}
}

func entry() *logrus.Entry {
	mu.RLock()
	defer mu.RUnlock()
	return logrus.NewEntry(std)
}

// Debugf logs collector-internal detail: hole walking, block acquisition,
// evacuation candidate selection.
func Debugf(format string, args ...any) { entry().Debugf(format, args...) }

// Infof logs cycle-level events: a collection started/finished, a mutator
// attached/detached.
func Infof(format string, args ...any) { entry().Infof(format, args...) }

// Warnf logs recoverable failures: evacuation downgraded, degenerate cycle,
// decommit throttled.
func Warnf(format string, args ...any) { entry().Warnf(format, args...) }

// Errorf logs recovered-but-abnormal conditions: a finalizer panicked.
func Errorf(format string, args ...any) { entry().Errorf(format, args...) }

// WithFields starts a structured log line, e.g.:
//
//	log.WithFields(log.Fields{"cycle": n, "freed": freed}).Info("sweep done")
func WithFields(f Fields) *logrus.Entry { return entry().WithFields(f) }
