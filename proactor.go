// Package proactor implements a single-threaded socket proactor: a
// poll/dispatch loop that drives non-blocking stream and datagram I/O
// to completion and dispatches user callbacks on a dedicated
// completion worker, plus a small cooperative work schedule for
// time-bounded and perpetual tasks interleaved with the I/O loop.
package proactor

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtaci/proactor/internal/plog"
	"github.com/xtaci/proactor/internal/pollset"
)

// Proactor is the public facade over the poll/dispatch loop, the I/O
// queue model, and the completion executor (spec §2's three
// subsystems). The zero value is not usable; construct with New or
// NewWithTimeout.
type Proactor struct {
	poller pollset.Poller
	conns  *connRegistry
	readQ  *subscriberMap
	writeQ *subscriberMap
	work   *workSchedule
	exec   *completionExecutor
	logger *plog.Logger

	workerEnabled bool
	flushOnStop   bool
	maxBackoff    time.Duration

	timeoutNanos atomic.Int64
	state        atomic.Int32

	pendingMu sync.Mutex
	pending   []pendingOp

	eventBuf []pollset.FDEvent

	swapBuf [2][]byte
	swapIdx int
	swapOff int

	closedCh  chan struct{}
	closeOnce sync.Once
}

// New constructs a Proactor with the given options but does not start
// its dispatch loop; call Run to begin serving registered I/O. Mirrors
// spec §6's `new(worker_enabled)` constructor, with worker_enabled
// folded into Option (WithWorkerDisabled).
func New(opts ...Option) (*Proactor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	poller, err := pollset.Open()
	if err != nil {
		return nil, err
	}

	p := &Proactor{
		poller:        poller,
		conns:         newConnRegistry(),
		readQ:         newSubscriberMap(),
		writeQ:        newSubscriberMap(),
		work:          newWorkSchedule(cfg.Logger),
		logger:        cfg.Logger,
		workerEnabled: cfg.WorkerEnabled,
		flushOnStop:   cfg.FlushOnStop,
		maxBackoff:    cfg.MaxBackoff,
		eventBuf:      make([]pollset.FDEvent, 0, 128),
		closedCh:      make(chan struct{}),
	}
	p.timeoutNanos.Store(int64(cfg.Timeout))
	p.swapBuf[0] = make([]byte, cfg.SwapBufferSize)
	p.swapBuf[1] = make([]byte, cfg.SwapBufferSize)

	if cfg.WorkerEnabled {
		p.exec = newCompletionExecutor(cfg.CompletionQueueCap, cfg.MaxBackoff, cfg.Logger)
		go p.exec.run()
	}

	return p, nil
}

// NewWithTimeout is New with the poll timeout pinned up front, mirroring
// spec §6's `new_with_timeout(timeout, worker_enabled)` constructor.
func NewWithTimeout(timeout time.Duration, opts ...Option) (*Proactor, error) {
	return New(append([]Option{WithTimeout(timeout)}, opts...)...)
}

// SetTimeout updates the poll loop's blocking timeout. Safe to call
// from any goroutine while Run is active.
func (p *Proactor) SetTimeout(d time.Duration) {
	p.timeoutNanos.Store(int64(d))
}

// GetTimeout returns the poll loop's current blocking timeout.
func (p *Proactor) GetTimeout() time.Duration {
	return time.Duration(p.timeoutNanos.Load())
}

// complete routes a finished Handler's callback either through the
// completion executor (the common case) or, when the worker is
// disabled, invokes it synchronously on the poll thread — spec §6's
// `worker_enabled` constructor flag.
func (p *Proactor) complete(cb completionFunc, n int, err error) {
	if cb == nil {
		return
	}
	if p.workerEnabled {
		p.exec.enqueue(notification{cb: cb, n: n, err: err})
		return
	}
	runCallbackSafely(p.logger, plog.CategoryExecutor, func() { cb(err, n) })
}

// AddReceive registers a stream read against conn into buf, borrowed
// for the lifetime of the request. A nil buf requests the proactor's
// internal swap buffer (spec §12 supplement). cb fires exactly once on
// completion (spec §4.5).
func (p *Proactor) AddReceive(conn net.Conn, buf []byte, cb func(err error, n int)) error {
	return p.addReceive(conn, buf, cb, false)
}

// AddReceiveFull registers a stream read that accumulates into buf
// until it is completely filled or an error occurs (spec §12's
// ReadFull supplement). buf must be non-empty.
func (p *Proactor) AddReceiveFull(conn net.Conn, buf []byte, cb func(err error, n int)) error {
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	return p.addReceive(conn, buf, cb, true)
}

func (p *Proactor) addReceive(conn net.Conn, buf []byte, cb completionFunc, full bool) error {
	if p.state.Load() == stateStopped {
		return ErrClosed
	}
	var slot bufSlot
	if buf == nil {
		slot = bufSlot{kind: bufInternal}
	} else {
		slot = borrowedBuf(buf)
	}
	h := &handler{dir: DirRead, buf: slot, cb: cb, readFull: full}
	p.submit(pendingOp{kind: opReceive, identity: conn, h: h})
	return nil
}

// AddSend registers a stream write of buf, borrowed for the lifetime
// of the request — the caller must not mutate buf until cb fires.
func (p *Proactor) AddSend(conn net.Conn, buf []byte, cb func(err error, n int)) error {
	return p.addSend(conn, buf, cb, false)
}

// AddSendValue registers a stream write of an independent copy of buf
// (spec §9's canonical owned-send form), so the caller is free to
// reuse buf immediately after this call returns.
func (p *Proactor) AddSendValue(conn net.Conn, buf []byte, cb func(err error, n int)) error {
	return p.addSend(conn, buf, cb, true)
}

func (p *Proactor) addSend(conn net.Conn, buf []byte, cb completionFunc, owned bool) error {
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	if p.state.Load() == stateStopped {
		return ErrClosed
	}
	var slot bufSlot
	if owned {
		slot = ownedBuf(buf)
	} else {
		slot = borrowedBuf(buf)
	}
	h := &handler{dir: DirWrite, buf: slot, cb: cb}
	p.submit(pendingOp{kind: opSend, identity: conn, h: h})
	return nil
}

// AddReceiveFrom registers a datagram read against pc into buf; on a
// successful completion *addr holds the sender's address (spec §4.5
// add_receive_from). A nil buf uses the internal swap buffer.
func (p *Proactor) AddReceiveFrom(pc net.PacketConn, buf []byte, addr *net.Addr, cb func(err error, n int)) error {
	if p.state.Load() == stateStopped {
		return ErrClosed
	}
	var slot bufSlot
	if buf == nil {
		slot = bufSlot{kind: bufInternal}
	} else {
		slot = borrowedBuf(buf)
	}
	h := &handler{dir: DirRead, buf: slot, cb: cb, datagram: true, addr: addrSlot{dst: addr}}
	p.submit(pendingOp{kind: opReceive, identity: pc, h: h})
	return nil
}

// AddSendTo registers a datagram write of buf to dest, borrowed for
// the lifetime of the request.
func (p *Proactor) AddSendTo(pc net.PacketConn, buf []byte, dest net.Addr, cb func(err error, n int)) error {
	return p.addSendTo(pc, buf, dest, cb, false)
}

// AddSendToValue registers a datagram write of an independent copy of
// buf to dest (owned variant).
func (p *Proactor) AddSendToValue(pc net.PacketConn, buf []byte, dest net.Addr, cb func(err error, n int)) error {
	return p.addSendTo(pc, buf, dest, cb, true)
}

func (p *Proactor) addSendTo(pc net.PacketConn, buf []byte, dest net.Addr, cb completionFunc, owned bool) error {
	if len(buf) == 0 {
		return ErrEmptyBuffer
	}
	if p.state.Load() == stateStopped {
		return ErrClosed
	}
	var slot bufSlot
	if owned {
		slot = ownedBuf(buf)
	} else {
		slot = borrowedBuf(buf)
	}
	h := &handler{dir: DirWrite, buf: slot, cb: cb, datagram: true, addr: addrSlot{target: dest}}
	p.submit(pendingOp{kind: opSend, identity: pc, h: h})
	return nil
}

// AddSocket registers conn for bare readiness notification without an
// I/O intent (spec §4.5). mode is a bitmask of PollRead/PollWrite.
func (p *Proactor) AddSocket(conn net.Conn, mode PollMode) error {
	if p.state.Load() == stateStopped {
		return ErrClosed
	}
	p.submit(pendingOp{kind: opAddSocket, identity: conn, mode: mode})
	return nil
}

// Remove unregisters conn: any still-queued Handlers are delivered
// ErrCancelled, and its fd is released. A removal of an unregistered
// socket is a no-op (spec §7).
func (p *Proactor) Remove(conn interface{}) error {
	p.submit(pendingOp{kind: opRemove, identity: conn})
	return nil
}

// Has reports whether conn is currently registered (spec §4.5).
func (p *Proactor) Has(conn interface{}) bool {
	ptr, err := connPointer(conn)
	if err != nil {
		return false
	}
	_, ok := p.conns.lookup(ptr)
	return ok
}

// AddWork schedules fn per spec §4.2. expiration ==
// PermanentCompletionHandler marks fn permanent; any other value
// (including the zero "immediate" case) is a deadline of now+expiration.
func (p *Proactor) AddWork(fn func(), expiration time.Duration) {
	p.work.addWork(fn, expiration, false)
}

// AddWorkFront is AddWork with front-of-queue insertion (spec §4.2's
// optional `position` parameter).
func (p *Proactor) AddWorkFront(fn func(), expiration time.Duration) {
	p.work.addWork(fn, expiration, true)
}

// RemoveWork drops every scheduled and permanent entry.
func (p *Proactor) RemoveWork() { p.work.removeWork() }

// RemoveScheduledWork drops the first n non-permanent entries in
// insertion order, or all of them if n < 0.
func (p *Proactor) RemoveScheduledWork(n int) { p.work.removeScheduledWork(n) }

// RemovePermanentWork drops the first n permanent entries in insertion
// order, or all of them if n < 0.
func (p *Proactor) RemovePermanentWork(n int) { p.work.removePermanentWork(n) }

// ScheduledWork returns the number of pending non-permanent entries.
func (p *Proactor) ScheduledWork() int { return p.work.scheduledWork() }

// PermanentWork returns the number of permanent entries.
func (p *Proactor) PermanentWork() int { return p.work.permanentWork() }

// RunOne blocks until at least one work entry is ready, invokes
// exactly one, and returns 1; returns 0 if that invocation panicked or
// if the proactor closed before anything became ready (spec §4.2).
func (p *Proactor) RunOne() int {
	return p.work.runOne(p.closedCh)
}
