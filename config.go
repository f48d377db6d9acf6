package proactor

import (
	"time"

	"github.com/xtaci/proactor/internal/plog"
)

// config holds Proactor configuration, following the shape
// ygrebnov-workers/config.go uses for its own library: an unexported
// struct, a defaultConfig constructor, and functional options layered
// on top (options.go) rather than a constructor with a long parameter
// list.
type config struct {
	// Timeout bounds each Poll call the dispatch loop makes; it is
	// also readable/writable at runtime via SetTimeout/GetTimeout.
	Timeout time.Duration

	// MaxBackoff caps the adaptive sleep between unproductive poll
	// and completion-executor cycles (spec §4.3/§4.4).
	MaxBackoff time.Duration

	// SwapBufferSize is the size of each internal ring buffer used
	// when a caller submits a nil read buffer (spec §12 "internal
	// swap buffer" supplement).
	SwapBufferSize int

	// CompletionQueueCap is the initial capacity reserved for the
	// completion executor's pending-notification queue.
	CompletionQueueCap int

	// WorkerEnabled mirrors spec §6's `new(worker_enabled bool)`
	// constructor: when false, completions are invoked synchronously
	// on the poll thread instead of handed to a dedicated completion
	// goroutine. Default true.
	WorkerEnabled bool

	// FlushOnStop resolves spec §9's open question: when true,
	// Handlers still queued at Stop time are delivered a completion
	// with ErrCancelled instead of being dropped silently. Default
	// false, matching the teacher's (and spec's) documented default
	// behaviour; see DESIGN.md for the rationale.
	FlushOnStop bool

	// Logger receives structured diagnostics from every internal
	// component. Defaults to a no-op logger.
	Logger *plog.Logger
}

func defaultConfig() config {
	return config{
		Timeout:            defaultTimeout,
		MaxBackoff:         defaultMaxBackoff,
		SwapBufferSize:     defaultSwapBufferSize,
		CompletionQueueCap: defaultCompletionQueueCap,
		WorkerEnabled:      true,
		FlushOnStop:        false,
		Logger:             plog.NewNop(),
	}
}

// Option configures a Proactor at construction time.
type Option func(*config)

// WithTimeout sets the poll loop's blocking timeout (default 250ms).
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.Timeout = d }
}

// WithMaxBackoff sets the adaptive-sleep cap (default 250ms).
func WithMaxBackoff(d time.Duration) Option {
	return func(c *config) { c.MaxBackoff = d }
}

// WithSwapBufferSize sets the size of each internal ring buffer used
// for nil-buffer reads (default 64KB).
func WithSwapBufferSize(n int) Option {
	return func(c *config) { c.SwapBufferSize = n }
}

// WithCompletionQueueCap sets the initial capacity of the completion
// executor's pending-notification queue.
func WithCompletionQueueCap(n int) Option {
	return func(c *config) { c.CompletionQueueCap = n }
}

// WithWorkerDisabled runs completions synchronously on the poll thread
// instead of spawning a dedicated completion goroutine, mirroring
// spec §6's `worker_enabled` constructor flag set to false.
func WithWorkerDisabled() Option {
	return func(c *config) { c.WorkerEnabled = false }
}

// WithFlushOnStop enables flushing still-queued Handlers with
// ErrCancelled at Stop time instead of dropping them silently (spec §9
// open question).
func WithFlushOnStop() Option {
	return func(c *config) { c.FlushOnStop = true }
}

// WithLogger installs a structured logger for internal diagnostics.
func WithLogger(l *plog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.Logger = l
		}
	}
}
