package pollset

import "errors"

// ErrClosed is returned by Poll/WakeUp/Add et al. once Close has been
// called.
var ErrClosed = errors.New("pollset: closed")
