// Package logger fans log calls out to the configured backends: the
// console for operators and, optionally, a JSON file for aggregation.
package logger

import (
	"os"
	"sync/atomic"
)

// LoggerInstance is one logging backend.
type LoggerInstance interface {
	Log(message string, keyvals ...any)
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

// Syncer is implemented by backends that buffer output.
type Syncer interface {
	Sync() error
}

var (
	backends atomic.Pointer[[]LoggerInstance]
	exit     = os.Exit
)

// Init replaces the backends. Calls made before the first Init are dropped.
func Init(instances ...LoggerInstance) {
	backends.Store(&instances)
}

func each(fn func(LoggerInstance)) {
	p := backends.Load()
	if p == nil {
		return
	}
	for _, instance := range *p {
		fn(instance)
	}
}

// Sync flushes buffering backends. Call it before the process exits.
func Sync() {
	each(func(i LoggerInstance) {
		if s, ok := i.(Syncer); ok {
			_ = s.Sync()
		}
	})
}

func Log(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Log(message, keyvals...) })
}

func Debug(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Debug(message, keyvals...) })
}

func Info(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Info(message, keyvals...) })
}

func Warn(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Warn(message, keyvals...) })
}

func Error(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Error(message, keyvals...) })
}

// Fatal logs at error level on every backend, flushes them and exits with
// status 1. Backends never get to call their own Fatal, so the buffered
// ones are flushed before the process ends.
func Fatal(message string, keyvals ...any) {
	each(func(i LoggerInstance) { i.Error(message, keyvals...) })
	Sync()
	exit(1)
}
