//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package pollset

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller backs Poller with kqueue(2), matching the teacher's own
// build-tag footprint (watcher.go targets exactly these five kernels).
// Wake-up rides a self-pipe rather than EVFILT_USER, since a pipe read
// end can be registered with the identical EVFILT_READ path already
// used for socket readiness, keeping the event-translation code in one
// place.
type kqueuePoller struct {
	kq int

	wakeR int
	wakeW int

	mu     sync.Mutex
	events []unix.Kevent_t

	closed atomic.Bool
}

func newPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(kq)
		return nil, err
	}

	p := &kqueuePoller{
		kq:     kq,
		wakeR:  fds[0],
		wakeW:  fds[1],
		events: make([]unix.Kevent_t, 128),
	}

	changes := []unix.Kevent_t{{
		Ident:  uint64(p.wakeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		unix.Close(p.wakeR)
		unix.Close(p.wakeW)
		unix.Close(p.kq)
		return nil, err
	}

	return p, nil
}

func kqueueChanges(fd int, ev Event, flags uint16) []unix.Kevent_t {
	var out []unix.Kevent_t
	// Read/Write each need their own kevent entry; Error is implicit
	// via EV_EOF on whichever filter fires, mirroring the epoll
	// backend's "Error is always reported" behaviour.
	if ev.Has(Read) {
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if ev.Has(Write) {
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return out
}

func (p *kqueuePoller) Add(fd int, ev Event) error {
	if p.closed.Load() {
		return ErrClosed
	}
	changes := kqueueChanges(fd, ev, unix.EV_ADD|unix.EV_ENABLE)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Modify(fd int, ev Event) error {
	if p.closed.Load() {
		return ErrClosed
	}
	// kqueue has no single "replace interest" op: clear both filters
	// then re-arm the requested ones. Deleting a filter that was
	// never added is tolerated by the kernel (ENOENT), so no prior
	// state needs to be tracked here.
	clear := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	unix.Kevent(p.kq, clear, nil, nil)
	return p.Add(fd, ev)
}

func (p *kqueuePoller) Remove(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	// Errors here are almost always ENOENT (fd had only one filter
	// armed, or none): spec §7 wants removal of an unregistered
	// socket to be a no-op, so failures are swallowed.
	unix.Kevent(p.kq, changes, nil, nil)
	return nil
}

func (p *kqueuePoller) Poll(dst []FDEvent, timeout time.Duration) ([]FDEvent, error) {
	if p.closed.Load() {
		return dst, ErrClosed
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	p.mu.Lock()
	buf := p.events
	p.mu.Unlock()

	n, err := unix.Kevent(p.kq, nil, buf, ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}

	for i := 0; i < n; i++ {
		fd := int(buf[i].Ident)
		if fd == p.wakeR {
			drainPipe(p.wakeR)
			continue
		}

		var e Event
		switch buf[i].Filter {
		case unix.EVFILT_READ:
			e |= Read
		case unix.EVFILT_WRITE:
			e |= Write
		}
		if buf[i].Flags&unix.EV_EOF != 0 {
			e |= Error
		}
		if e != 0 {
			dst = append(dst, FDEvent{Fd: fd, Events: e})
		}
	}

	return dst, nil
}

func (p *kqueuePoller) WakeUp() error {
	if p.closed.Load() {
		return ErrClosed
	}
	var one [1]byte
	_, err := unix.Write(p.wakeW, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kq)
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}
