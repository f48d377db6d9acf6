package proactor

import (
	"reflect"
	"runtime"
	"sync"
	"syscall"
)

// connEntry tracks one registered socket: the duplicated fd the poll
// set actually watches, and the interest mask currently armed for it.
// Grounded directly on the teacher's fdDesc/connIdents pairing
// (watcher.go), kept as the concrete mechanism behind spec §12's "safe
// net.Conn lifecycle" supplement.
type connEntry struct {
	fd  int
	ptr uintptr

	// bare is the interest requested via AddSocket, independent of
	// whatever read/write queues happen to hold (spec §4.5 "add_socket
	// ... for bare readiness notification").
	bare PollMode
	// armed is the mask last handed to the poll set, so the loop only
	// calls Modify when the desired mask actually changes.
	armed PollMode
	// inPoller is false until the first Add call for fd; later
	// interest changes use Modify instead.
	inPoller bool
}

// rawConn is the structural interface a registrable socket must
// satisfy: a raw fd accessor plus Close. *net.TCPConn and *net.UDPConn
// both implement it, so the registry works uniformly for stream and
// datagram identities passed in as plain interface{} — the facade
// never has to pick a named type.
type rawConn interface {
	SyscallConn() (syscall.RawConn, error)
	Close() error
}

// connRegistry owns the fd-duplication bookkeeping the poll thread
// uses to translate a caller's socket into a stable, poll-set-safe fd.
// register/release are only ever called from the poll thread (reached
// exclusively through pending ops processed inside the dispatch loop);
// lookup is also safe from caller goroutines (Has()), so the maps are
// guarded by a mutex rather than left poll-thread-exclusive.
type connRegistry struct {
	mu    sync.Mutex
	byPtr map[uintptr]*connEntry
	byFd  map[int]*connEntry
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		byPtr: make(map[uintptr]*connEntry),
		byFd:  make(map[int]*connEntry),
	}
}

// connPointer extracts a stable identity for any pointer-backed socket
// value (net.Conn, net.PacketConn, ...). Only pointer-kind identities
// are supported, matching the teacher's own `reflect.TypeOf(conn).Kind()
// == reflect.Ptr` check in aioCreate.
func connPointer(conn interface{}) (uintptr, error) {
	if conn == nil || reflect.TypeOf(conn).Kind() != reflect.Ptr {
		return 0, ErrUnsupportedConn
	}
	return reflect.ValueOf(conn).Pointer(), nil
}

// asRawConn asserts that conn exposes SyscallConn()+Close(), the bare
// minimum the registry needs regardless of whether the caller's static
// type was net.Conn or net.PacketConn.
func asRawConn(conn interface{}) (rawConn, error) {
	rc, ok := conn.(rawConn)
	if !ok {
		return nil, ErrUnsupportedConn
	}
	return rc, nil
}

// dupFd duplicates the raw fd underlying conn via SyscallConn, exactly
// as the teacher's dupconn does, so the proactor's fd identity survives
// independent of what the caller later does to its own socket value.
func dupFd(conn rawConn) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return -1, ErrUnsupportedConn
	}

	var newFd int
	var dupErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		newFd, dupErr = syscall.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}
	return newFd, nil
}

// lookup returns the existing registration for conn's identity, if
// any. Safe to call from any goroutine.
func (r *connRegistry) lookup(ptr uintptr) (*connEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byPtr[ptr]
	return e, ok
}

// register duplicates conn's fd, closes the caller's original
// descriptor (the duplicate is now authoritative), and arms a GC
// finalizer so an abandoned socket still gets cleaned up even if the
// caller never calls Remove (spec §12 supplement). onGC is invoked
// from the finalizer goroutine (an arbitrary goroutine, not the poll
// thread) with ptr's identity; the caller is expected to route it back
// through the same pending-op channel an explicit Remove uses, rather
// than touch the registry directly here. Only ever called from the
// poll thread while processing pending ops.
func (r *connRegistry) register(conn rawConn, ptr uintptr, onGC func(ptr uintptr)) (*connEntry, error) {
	fd, err := dupFd(conn)
	if err != nil {
		return nil, err
	}
	conn.Close()

	e := &connEntry{fd: fd, ptr: ptr}

	r.mu.Lock()
	r.byPtr[ptr] = e
	r.byFd[fd] = e
	r.mu.Unlock()

	if onGC != nil {
		runtime.SetFinalizer(conn, func(c rawConn) {
			onGC(ptr)
		})
	}

	return e, nil
}

// release drops the registration for fd and closes its duplicated
// descriptor. Only ever called from the poll thread.
func (r *connRegistry) release(fd int) {
	r.mu.Lock()
	e, ok := r.byFd[fd]
	if ok {
		delete(r.byFd, fd)
		delete(r.byPtr, e.ptr)
	}
	r.mu.Unlock()
	if ok {
		syscall.Close(fd)
	}
}

// all returns every live registration, for shutdown iteration.
func (r *connRegistry) all() []*connEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*connEntry, 0, len(r.byFd))
	for _, e := range r.byFd {
		out = append(out, e)
	}
	return out
}

// lookupByFd returns the registration owning fd, if any. Only ever
// called from the poll thread, but cheap enough to guard uniformly.
func (r *connRegistry) lookupByFd(fd int) (*connEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byFd[fd]
	return e, ok
}
