// Package plog provides the structured logging seam used throughout the
// proactor: a thin category-tagged wrapper over zap.Logger so call sites
// read like "log the poll loop backing off" rather than juggling fields.
package plog

import (
	"sync"

	"go.uber.org/zap"
)

// Category groups related log sites, mirroring the proactor's own
// component boundaries (poll loop, completion executor, work schedule).
type Category string

const (
	CategoryLoop     Category = "loop"
	CategoryQueue    Category = "queue"
	CategorySchedule Category = "schedule"
	CategoryExecutor Category = "executor"
	CategoryPollset  Category = "pollset"
)

// Logger is the logging seam consumed by the proactor's internals. A
// nil *Logger is valid and discards everything, so components never
// need a nil check before logging.
type Logger struct {
	mu  sync.RWMutex
	zap *zap.Logger
}

// New wraps an existing zap.Logger. Passing nil yields a no-op Logger.
func New(z *zap.Logger) *Logger {
	return &Logger{zap: z}
}

// NewNop returns a Logger that discards all entries.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// NewProduction builds a Logger backed by zap's production configuration,
// falling back to a no-op logger if zap fails to build one (e.g. no
// writable stderr), since logging must never be fatal to the proactor.
func NewProduction() *Logger {
	z, err := zap.NewProduction()
	if err != nil {
		return NewNop()
	}
	return New(z)
}

// SetZap swaps the backing zap.Logger at runtime.
func (l *Logger) SetZap(z *zap.Logger) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.zap = z
	l.mu.Unlock()
}

func (l *Logger) get() *zap.Logger {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zap
}

// Debug logs a per-operation tracing entry (queue append, readiness
// dispatch, backoff transitions).
func (l *Logger) Debug(cat Category, msg string, fields ...zap.Field) {
	if z := l.get(); z != nil {
		z.Debug(msg, append([]zap.Field{zap.String("category", string(cat))}, fields...)...)
	}
}

// Warn logs a recoverable anomaly: a trapped callback panic, a transient
// poll error.
func (l *Logger) Warn(cat Category, msg string, fields ...zap.Field) {
	if z := l.get(); z != nil {
		z.Warn(msg, append([]zap.Field{zap.String("category", string(cat))}, fields...)...)
	}
}

// Error logs a failure the proactor itself could not route through a
// completion callback (e.g. a poll set construction failure).
func (l *Logger) Error(cat Category, msg string, fields ...zap.Field) {
	if z := l.get(); z != nil {
		z.Error(msg, append([]zap.Field{zap.String("category", string(cat))}, fields...)...)
	}
}
