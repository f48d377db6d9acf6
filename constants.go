package proactor

import "time"

// PollMode is a bitmask composable across the three readiness classes,
// matching spec §4.5/§6's POLL_READ/POLL_WRITE/POLL_ERROR.
type PollMode uint32

const (
	PollRead PollMode = 1 << iota
	PollWrite
	PollError
)

// PermanentCompletionHandler is the sentinel expiration value passed to
// AddWork to mark a callback as permanent: re-invoked every poll cycle
// until explicitly removed, never expiring on its own (spec §4.2).
const PermanentCompletionHandler time.Duration = -1

// defaultTimeout is the poll loop's default blocking timeout, per
// spec §6 ("default 250 ms").
const defaultTimeout = 250 * time.Millisecond

// defaultMaxBackoff bounds the adaptive sleep between unproductive
// poll/executor cycles (spec §4.3's "cap (default 250 ms,
// configurable)").
const defaultMaxBackoff = 250 * time.Millisecond

// minBackoff is the first non-zero backoff step. Per spec §9's open
// question ("document the chosen schedule"), this repo picks
// exponential doubling starting at 1ms: 0 -> 1ms -> 2ms -> 4ms -> ...
// capped at the configured maximum.
const minBackoff = time.Millisecond

// defaultSwapBufferSize is the size of each of the two internal ring
// buffers used for nil-buffer ("use the proactor's own buffer") reads,
// carried over from the teacher's NewWatcherSize default.
const defaultSwapBufferSize = 64 * 1024

// defaultCompletionQueueCap is the initial capacity reserved for the
// completion executor's pending-notification slice.
const defaultCompletionQueueCap = 128
