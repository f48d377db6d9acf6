package proactor

import (
	"container/list"
	"sync"
)

// subscriberMap is the per-direction "Subscriber map" of spec §4.1: a
// mapping from socket fd to an ordered FIFO of pending Handlers. The
// read-direction and write-direction instances are guarded by
// independent mutexes (spec §5: "Two mutex domains protect the
// subscriber maps: one for the write map, one for the read map"), so
// an append to the read map never contends with a write append, or
// with the loop draining the other direction.
//
// Modelled on the teacher's per-fd fdDesc.readers/writers list.List
// pair, generalised to a top-level map keyed by fd instead of being
// embedded in a single fdDesc, so read and write truly use separate
// locks rather than sharing one fdDesc-wide lock.
type subscriberMap struct {
	mu   sync.Mutex
	byFd map[int]*list.List
}

func newSubscriberMap() *subscriberMap {
	return &subscriberMap{byFd: make(map[int]*list.List)}
}

// append adds h to fd's queue, creating the queue if this is the
// first registration for fd (spec §4.1 policy).
func (m *subscriberMap) append(fd int, h *handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.byFd[fd]
	if !ok {
		q = list.New()
		m.byFd[fd] = q
	}
	h.elem = q.PushBack(h)
}

// peekHead returns the head-of-queue Handler for fd without removing
// it, or nil if fd has no queue or an empty one.
func (m *subscriberMap) peekHead(fd int) *handler {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.byFd[fd]
	if !ok || q.Len() == 0 {
		return nil
	}
	return q.Front().Value.(*handler)
}

// popHead removes the head-of-queue Handler for fd, if any. The map
// entry for fd is retained even when the queue becomes empty — socket
// removal is explicit via remove (spec §4.1 policy).
func (m *subscriberMap) popHead(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.byFd[fd]
	if !ok || q.Len() == 0 {
		return
	}
	q.Remove(q.Front())
}

// removeHandler drops h from its queue directly through its list
// element, wherever it sits in the queue.
func (m *subscriberMap) removeHandler(fd int, h *handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.byFd[fd]
	if !ok || h.elem == nil {
		return
	}
	q.Remove(h.elem)
	h.elem = nil
}

// has reports whether fd has a (possibly empty) queue registered.
func (m *subscriberMap) has(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byFd[fd]
	return ok
}

// len returns the number of pending Handlers for fd.
func (m *subscriberMap) len(fd int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.byFd[fd]
	if !ok {
		return 0
	}
	return q.Len()
}

// remove drops fd's queue entirely (explicit socket removal — see
// spec §4.1: "removal of sockets is explicit").
func (m *subscriberMap) remove(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byFd, fd)
}

// drain empties fd's queue and returns every Handler that was queued,
// in FIFO order, for flush-on-stop delivery (spec §9 open question).
func (m *subscriberMap) drain(fd int) []*handler {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.byFd[fd]
	if !ok {
		return nil
	}
	out := make([]*handler, 0, q.Len())
	for e := q.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*handler))
	}
	q.Init()
	return out
}

// fds returns every socket fd with a registered queue, for shutdown
// iteration.
func (m *subscriberMap) fds() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.byFd))
	for fd := range m.byFd {
		out = append(out, fd)
	}
	return out
}
