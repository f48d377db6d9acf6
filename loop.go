package proactor

import (
	"time"

	"go.uber.org/zap"

	"github.com/xtaci/proactor/internal/plog"
	"github.com/xtaci/proactor/internal/pollset"
)

// proactor state machine (spec §4.3): Idle -> Running via Run(),
// Running -> Stopping via Stop(), Stopping -> Stopped once the loop
// observes it. Stopped is terminal.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// opKind tags a pendingOp with which facade call produced it.
type opKind int

const (
	opAddSocket opKind = iota
	opReceive
	opSend
	opRemove
)

// pendingOp is a registration request queued by a caller goroutine for
// the poll thread to apply. Everything that touches connRegistry's fd
// assignment or the poll set must go through this path; only the
// per-direction subscriber-map append happens here too, immediately
// before the first readiness attempt, so a Handler is never visible in
// a queue keyed by an fd that hasn't been assigned yet.
type pendingOp struct {
	kind     opKind
	identity interface{}
	mode     PollMode // opAddSocket only
	h        *handler // opReceive/opSend only
	removePtr uintptr // set instead of identity for the GC-finalizer remove path
}

// submit queues op for the poll thread and wakes it if blocked in
// Poll, per spec §4.5: "(c) wakes the poll loop if currently blocked."
func (p *Proactor) submit(op pendingOp) {
	p.pendingMu.Lock()
	p.pending = append(p.pending, op)
	p.pendingMu.Unlock()
	p.poller.WakeUp()
}

func (p *Proactor) queueFor(dir Direction) *subscriberMap {
	if dir == DirRead {
		return p.readQ
	}
	return p.writeQ
}

func toPollsetEvent(m PollMode) pollset.Event {
	var ev pollset.Event
	if m&PollRead != 0 {
		ev |= pollset.Read
	}
	if m&PollWrite != 0 {
		ev |= pollset.Write
	}
	return ev
}

// drainPending applies every queued registration request, resolving
// each identity to a stable fd (duplicating and registering on first
// use) and appending its Handler to the relevant subscriber map.
func (p *Proactor) drainPending() {
	p.pendingMu.Lock()
	ops := p.pending
	p.pending = nil
	p.pendingMu.Unlock()

	for _, op := range ops {
		p.applyPendingOp(op)
	}
}

func (p *Proactor) applyPendingOp(op pendingOp) {
	if op.kind == opRemove {
		p.applyRemove(op.identity, op.removePtr)
		return
	}

	e, err := p.ensureRegistered(op.identity)
	if err != nil {
		if op.h != nil {
			p.complete(op.h.cb, 0, err)
		}
		return
	}

	switch op.kind {
	case opAddSocket:
		e.bare |= op.mode
		p.syncInterest(e.fd)
	case opReceive:
		op.h.fd = e.fd
		p.enqueueAndTry(p.readQ, e.fd, op.h)
	case opSend:
		op.h.fd = e.fd
		p.enqueueAndTry(p.writeQ, e.fd, op.h)
	}
}

// ensureRegistered resolves identity (a *net.TCPConn, *net.UDPConn, ...)
// to its connEntry, registering it on first sight. Only ever called
// from the poll thread.
func (p *Proactor) ensureRegistered(identity interface{}) (*connEntry, error) {
	ptr, err := connPointer(identity)
	if err != nil {
		return nil, err
	}
	if e, ok := p.conns.lookup(ptr); ok {
		return e, nil
	}
	rc, err := asRawConn(identity)
	if err != nil {
		return nil, err
	}
	return p.conns.register(rc, ptr, func(gcPtr uintptr) {
		p.submit(pendingOp{kind: opRemove, removePtr: gcPtr})
	})
}

// enqueueAndTry appends h to q's fd queue and, if h landed at the head
// of a previously empty queue, attempts the I/O immediately rather
// than waiting for the next readiness event — mirroring the teacher's
// handlePending "try immediately if queue empty" fast path.
func (p *Proactor) enqueueAndTry(q *subscriberMap, fd int, h *handler) {
	q.append(fd, h)
	p.logger.Debug(plog.CategoryQueue, "handler enqueued", zap.Int("fd", fd), zap.String("dir", h.dir.String()))
	if q.len(fd) == 1 {
		res, done := p.performIO(fd, h)
		if done {
			q.popHead(fd)
			p.complete(h.cb, res.n, wrapCompletionErr(fd, h.dir, res.err))
		}
	}
	p.syncInterest(fd)
}

func (p *Proactor) applyRemove(identity interface{}, removePtr uintptr) {
	var ptr uintptr
	if identity != nil {
		var err error
		ptr, err = connPointer(identity)
		if err != nil {
			return
		}
	} else {
		ptr = removePtr
	}

	e, ok := p.conns.lookup(ptr)
	if !ok {
		return
	}

	p.poller.Remove(e.fd)
	p.flushQueue(p.readQ, e.fd, DirRead)
	p.flushQueue(p.writeQ, e.fd, DirWrite)
	p.readQ.remove(e.fd)
	p.writeQ.remove(e.fd)
	p.conns.release(e.fd)
}

// flushQueue drains q's queue for fd, delivering every still-pending
// Handler an ErrCancelled completion wrapped with its fd/direction
// (spec §9's shutdown-flush open question).
func (p *Proactor) flushQueue(q *subscriberMap, fd int, dir Direction) {
	handlers := q.drain(fd)
	if len(handlers) == 0 {
		return
	}
	p.logger.Debug(plog.CategoryQueue, "queue flushed", zap.Int("fd", fd), zap.Int("count", len(handlers)))
	for _, h := range handlers {
		p.complete(h.cb, 0, wrapCompletionErr(fd, dir, ErrCancelled))
	}
}

// syncInterest recomputes fd's desired poll-set interest from its bare
// (AddSocket) request plus whether either direction's queue currently
// holds a Handler, and arms only the delta (spec §4.5's "enables the
// corresponding readiness interest").
func (p *Proactor) syncInterest(fd int) {
	e, ok := p.conns.lookupByFd(fd)
	if !ok {
		return
	}

	desired := e.bare
	if p.readQ.len(fd) > 0 {
		desired |= PollRead
	}
	if p.writeQ.len(fd) > 0 {
		desired |= PollWrite
	}
	if desired == e.armed && e.inPoller {
		return
	}

	mode := toPollsetEvent(desired)
	var err error
	if !e.inPoller {
		err = p.poller.Add(fd, mode)
	} else {
		err = p.poller.Modify(fd, mode)
	}
	if err != nil {
		p.logger.Warn(plog.CategoryLoop, "poll set interest update failed")
		return
	}
	p.logger.Debug(plog.CategoryPollset, "interest armed", zap.Int("fd", fd), zap.Uint32("mask", uint32(desired)))
	e.armed = desired
	e.inPoller = true
}

// Poll performs one iteration of spec §4.3's dispatch loop: drain
// pending registrations, block in the readiness primitive up to the
// current timeout, then service every ready socket. Returns the number
// of completion callbacks produced while servicing ready sockets this
// iteration; completions produced while applying pending registrations
// (an immediate first attempt, or a failed registration) are not
// counted. If outHandled is non-nil it receives the count of distinct
// socket events serviced.
func (p *Proactor) Poll(outHandled *int) int {
	p.drainPending()

	events, err := p.poller.Poll(p.eventBuf[:0], p.GetTimeout())
	if err != nil {
		p.logger.Warn(plog.CategoryLoop, "poll failed")
		if outHandled != nil {
			*outHandled = 0
		}
		return 0
	}
	p.eventBuf = events

	completions := 0
	handled := 0
	for _, ev := range events {
		if ev.Events.Has(pollset.Error) {
			completions += p.handleSocketError(ev.Fd)
			handled++
			continue
		}
		if ev.Events.Has(pollset.Write) {
			n := p.drainDirection(ev.Fd, DirWrite)
			completions += n
			if n > 0 {
				handled++
			}
		}
		if ev.Events.Has(pollset.Read) {
			n := p.drainDirection(ev.Fd, DirRead)
			completions += n
			if n > 0 {
				handled++
			}
		}
	}

	if outHandled != nil {
		*outHandled = handled
	}
	return completions
}

// drainDirection repeatedly services fd's head-of-queue Handler for
// dir until the queue empties or an attempt would block, matching the
// teacher's handleEvents loop ("keep going while the head completes").
func (p *Proactor) drainDirection(fd int, dir Direction) int {
	q := p.queueFor(dir)
	completions := 0
	for {
		h := q.peekHead(fd)
		if h == nil {
			break
		}
		res, done := p.performIO(fd, h)
		if !done {
			break
		}
		q.popHead(fd)
		p.complete(h.cb, res.n, wrapCompletionErr(fd, dir, res.err))
		completions++
	}
	p.syncInterest(fd)
	return completions
}

// handleSocketError synthesises an error completion for the
// head-of-queue Handler on both directions, per spec §4.3: "if error,
// synthesises an error completion for the head-of-queue Handler(s) on
// both directions."
func (p *Proactor) handleSocketError(fd int) int {
	errVal := socketError(fd)
	count := 0
	for _, dir := range [...]Direction{DirRead, DirWrite} {
		q := p.queueFor(dir)
		if h := q.peekHead(fd); h != nil {
			q.popHead(fd)
			p.complete(h.cb, 0, wrapCompletionErr(fd, dir, errVal))
			count++
		}
	}
	p.syncInterest(fd)
	return count
}

// wrapCompletionErr attaches fd/dir correlation to a non-nil I/O or
// cancellation error before it reaches a completion callback (spec's
// CompletionError). A nil err passes through as nil — a successful
// completion is never wrapped.
func wrapCompletionErr(fd int, dir Direction, err error) error {
	if err == nil {
		return nil
	}
	return &CompletionError{Fd: fd, Dir: dir, Err: err}
}

// performIO attempts exactly one non-blocking syscall against h's fd,
// returning whether the Handler is now complete (success or hard
// error) as opposed to still pending (would-block, or a partial
// ReadFull/stream write awaiting another readiness event).
func (p *Proactor) performIO(fd int, h *handler) (ioResult, bool) {
	if h.dir == DirRead {
		return p.doReceive(fd, h)
	}
	return p.doSend(fd, h)
}

func (p *Proactor) doReceive(fd int, h *handler) (ioResult, bool) {
	if h.datagram {
		buf := h.buf.data
		if h.buf.kind == bufInternal {
			buf = p.swapWindow(availableBytes(fd))
			h.buf.data = buf
		}
		res := readDatagram(fd, buf)
		if res.wouldBlock {
			return res, false
		}
		if res.err == nil {
			if h.addr.dst != nil {
				*h.addr.dst = res.addr
			}
			if h.buf.kind == bufInternal {
				p.advanceSwap(res.n)
			}
		}
		return res, true
	}

	buf := h.buf.data
	if h.buf.kind == bufInternal {
		buf = p.swapWindow(availableBytes(fd))
		h.buf.data = buf
	}

	res := readStream(fd, buf, h.size)
	if res.wouldBlock {
		return res, false
	}
	if res.err != nil {
		return res, true
	}

	h.size += res.n
	if h.buf.kind == bufInternal {
		h.buf.data = buf[:h.size]
	}

	// A ReadFull request that hasn't filled its buffer yet (and saw a
	// real, non-zero read) stays queued for the next readiness event;
	// a zero-byte read always completes immediately as end-of-stream,
	// even under ReadFull, matching the teacher's tryRead.
	if h.readFull && res.n > 0 && h.size < len(buf) {
		return res, false
	}
	if h.buf.kind == bufInternal {
		p.advanceSwap(h.size)
	}
	return ioResult{n: h.size}, true
}

func (p *Proactor) doSend(fd int, h *handler) (ioResult, bool) {
	if h.datagram {
		res := writeDatagram(fd, h.buf.data, h.addr.target)
		if res.wouldBlock {
			return res, false
		}
		return res, true
	}

	res := writeStream(fd, h.buf.data, h.size)
	if res.wouldBlock {
		return res, false
	}
	if res.err != nil {
		return res, true
	}
	h.size += res.n
	if h.size < len(h.buf.data) {
		return res, false
	}
	return ioResult{n: h.size}, true
}

// swapWindow returns the next window of the internal swap buffer for
// a nil-buffer receive, resizing to n bytes of the kernel's FIONREAD
// hint when that fits the remaining space (spec §4.3 "Readability-size
// hint"), carried over from the teacher's NewWatcherSize swap-buffer
// mechanism. Only ever called from the poll thread.
func (p *Proactor) swapWindow(hint int) []byte {
	cur := p.swapBuf[p.swapIdx]
	remaining := len(cur) - p.swapOff
	if hint <= 0 || hint > remaining {
		hint = remaining
	}
	return cur[p.swapOff : p.swapOff+hint]
}

// advanceSwap moves the swap cursor forward by n bytes once a window
// has been fully delivered to the caller, rotating to the other buffer
// when the current one is exhausted.
func (p *Proactor) advanceSwap(n int) {
	p.swapOff += n
	if p.swapOff >= len(p.swapBuf[p.swapIdx]) {
		p.swapIdx = (p.swapIdx + 1) % len(p.swapBuf)
		p.swapOff = 0
	}
}

// Run enters the dispatch loop: execute due scheduled/permanent work,
// poll once, and back off adaptively when an iteration was entirely
// unproductive, until Stop is observed (spec §4.3). Returns
// ErrAlreadyRunning if the proactor is not Idle.
func (p *Proactor) Run() error {
	if !p.state.CompareAndSwap(stateIdle, stateRunning) {
		return ErrAlreadyRunning
	}
	defer p.shutdown()

	backoff := time.Duration(0)
	for p.state.Load() == stateRunning {
		workDone, _ := p.work.doWork(false, false)

		handled := 0
		p.Poll(&handled)

		if workDone == 0 && handled == 0 {
			if backoff > 0 {
				time.Sleep(backoff)
			}
			backoff = nextBackoff(backoff, p.maxBackoff)
			p.logger.Debug(plog.CategoryLoop, "backing off", zap.Duration("backoff", backoff))
		} else {
			backoff = 0
		}
	}

	p.state.CompareAndSwap(stateStopping, stateStopped)
	return nil
}

// Stop transitions Running -> Stopping and unblocks a poll call
// currently in progress so Run observes the new state promptly (spec
// §4.3 "unblocks the poll primitive").
func (p *Proactor) Stop() {
	p.state.CompareAndSwap(stateRunning, stateStopping)
	p.poller.WakeUp()
}

// WakeUp unblocks a poll call in progress without requesting a stop,
// e.g. after registering new work from another goroutine.
func (p *Proactor) WakeUp() error {
	return p.poller.WakeUp()
}

// shutdown performs spec §5's resource-release sequence: optionally
// flush any Handlers still queued with a cancellation error, THEN stop
// the completion executor and wait for it to drain — flushing after
// the executor has already exited would enqueue those notifications
// onto a goroutine that is no longer running to deliver them. Finally
// release every registered socket and close the poll set.
func (p *Proactor) shutdown() {
	if p.flushOnStop {
		for _, fd := range p.readQ.fds() {
			p.flushQueue(p.readQ, fd, DirRead)
		}
		for _, fd := range p.writeQ.fds() {
			p.flushQueue(p.writeQ, fd, DirWrite)
		}
	}

	if p.exec != nil {
		p.exec.requestStop()
		p.exec.wait()
	}
	p.closeOnce.Do(func() { close(p.closedCh) })

	for _, e := range p.conns.all() {
		p.poller.Remove(e.fd)
		p.conns.release(e.fd)
	}
	p.poller.Close()
}
