// Copyright The Intel GPU Backports Authors. All Rights Reserved.
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

// Package log provides leveled, per-source logging on top of klog.
//
// Loggers are identified by a short source name. Debug output can be
// enabled or disabled per source, either programmatically or using the
// LOGGER_DEBUG environment variable at startup.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
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
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "LOGGER_DEBUG"
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message and panics with the same message.
	Panic(format string, args ...interface{})

	// DebugEnabled checks if debug messages are enabled for the source.
	DebugEnabled() bool
	// EnableDebug enables or disables debug messages for the source,
	// returning the previous setting.
	EnableDebug(bool) bool
	// Source returns the source name of the logger.
	Source() string
}

// logging tracks our runtime state.
type logging struct {
	sync.RWMutex
	level   Level
	loggers map[string]*logger
	debug   srcmap
}

// logger implements Logger for a single source.
type logger struct {
	source string
	prefix string
	debug  bool
}

// srcmap tracks debugging settings for sources.
type srcmap map[string]bool

var log = &logging{
	level:   DefaultLevel,
	loggers: make(map[string]*logger),
	debug:   make(srcmap),
}

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return Get("default")
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debug messages for the given source,
// returning the previous setting.
func EnableDebug(source string, enabled bool) bool {
	log.Lock()
	defer log.Unlock()

	previous := log.debug[source]
	log.debug[source] = enabled
	if l, ok := log.loggers[source]; ok {
		l.debug = enabled
	}

	return previous
}

func (lg *logging) get(source string) *logger {
	if l, ok := lg.loggers[source]; ok {
		return l
	}

	l := &logger{
		source: source,
		prefix: "[" + source + "] ",
		debug:  lg.debugEnabled(source),
	}
	lg.loggers[source] = l

	return l
}

func (lg *logging) debugEnabled(source string) bool {
	if enabled, ok := lg.debug[source]; ok {
		return enabled
	}
	return lg.debug["*"]
}

// parse parses the given string and updates the srcmap accordingly.
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}
	if value = strings.TrimSpace(value); value == "" {
		return nil
	}

	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}

		state, src := "on", entry
		if statesrc := strings.SplitN(entry, ":", 2); len(statesrc) == 2 {
			state, src = statesrc[0], strings.TrimSpace(statesrc[1])
		}
		if src == "all" {
			src = "*"
		}

		switch strings.ToLower(state) {
		case "on", "true", "enabled", "1":
			(*m)[src] = true
		case "off", "false", "disabled", "0":
			(*m)[src] = false
		default:
			return fmt.Errorf("log: invalid state %q in source map %q", state, value)
		}
	}

	return nil
}

func (l *logger) Debug(format string, args ...interface{}) {
	if !l.debug || log.level > LevelDebug {
		return
	}
	klog.InfoDepth(1, l.prefix+"D: "+fmt.Sprintf(format, args...))
}

func (l *logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix+fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (l *logger) Panic(format string, args ...interface{}) {
	msg := l.prefix + fmt.Sprintf(format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (l *logger) DebugEnabled() bool {
	return l.debug
}

func (l *logger) EnableDebug(enabled bool) bool {
	return EnableDebug(l.source, enabled)
}

func (l *logger) Source() string {
	return l.source
}

func init() {
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		if err := log.debug.parse(value); err != nil {
			klog.Errorf("failed to parse %s: %v", debugEnvVar, err)
		}
	}
}
