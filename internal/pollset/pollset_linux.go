//go:build linux

package pollset

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller backs Poller with epoll(7) plus an eventfd(2) used purely
// to interrupt a blocked EpollWait from WakeUp, the same shape the
// pack's eventloop poller/wakeup pair uses (poller_linux.go,
// wakeup_linux.go), reworked here against the pollset.Poller contract
// instead of a callback-per-fd registry.
type epollPoller struct {
	epfd   int
	wakeFd int // eventfd, both read and write end

	mu     sync.Mutex
	events []unix.EpollEvent

	closed atomic.Bool
}

func newPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &epollPoller{
		epfd:   epfd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, 128),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}

	return p, nil
}

func eventsToEpoll(ev Event) uint32 {
	var out uint32
	if ev.Has(Read) {
		out |= unix.EPOLLIN
	}
	if ev.Has(Write) {
		out |= unix.EPOLLOUT
	}
	// EPOLLERR/EPOLLHUP are always reported by the kernel regardless
	// of the requested mask; Error is therefore implicit, matching
	// spec §6's poll set returning an ERROR bit opportunistically.
	return out
}

func (p *epollPoller) Add(fd int, ev Event) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(ev),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Modify(fd int, ev Event) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(ev),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Remove(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	// ENOENT means it was never registered: spec §7 wants removal of
	// an unknown socket to be a no-op.
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

func (p *epollPoller) Poll(dst []FDEvent, timeout time.Duration) ([]FDEvent, error) {
	if p.closed.Load() {
		return dst, ErrClosed
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	p.mu.Lock()
	buf := p.events
	p.mu.Unlock()

	n, err := unix.EpollWait(p.epfd, buf, ms)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}

	for i := 0; i < n; i++ {
		fd := int(buf[i].Fd)
		if fd == p.wakeFd {
			drainEventfd(p.wakeFd)
			continue
		}

		var e Event
		if buf[i].Events&unix.EPOLLIN != 0 {
			e |= Read
		}
		if buf[i].Events&unix.EPOLLOUT != 0 {
			e |= Write
		}
		if buf[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			e |= Error
		}
		if e != 0 {
			dst = append(dst, FDEvent{Fd: fd, Events: e})
		}
	}

	return dst, nil
}

func (p *epollPoller) WakeUp() error {
	if p.closed.Load() {
		return ErrClosed
	}
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		// eventfd counter already non-zero: a wake-up is already
		// pending, which satisfies the contract.
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}

func drainEventfd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}
