package proactor

import (
	"container/list"
	"net"
)

// bufKind discriminates how a Handler's buffer is held, replacing the
// source's manual "owner" boolean with a sum type per spec §9's
// redesign note: "BufSlot = Borrowed(&mut []byte) | Owned([]byte)".
type bufKind int

const (
	// bufBorrowed means the Handler operates directly on a slice
	// supplied by the caller; the caller must not touch it until the
	// completion callback fires.
	bufBorrowed bufKind = iota
	// bufOwned means the Handler holds an independent copy; the
	// caller is free to reuse its own slice immediately after the
	// add* call returns.
	bufOwned
	// bufInternal means the caller passed a nil buffer and the
	// proactor supplies a window into its own internal swap buffer
	// (spec §12 supplement, carried over from the teacher's
	// NewWatcherSize internal-buffer mode).
	bufInternal
)

type bufSlot struct {
	kind bufKind
	data []byte
}

func borrowedBuf(b []byte) bufSlot { return bufSlot{kind: bufBorrowed, data: b} }

func ownedBuf(b []byte) bufSlot {
	cp := make([]byte, len(b))
	copy(cp, b)
	return bufSlot{kind: bufOwned, data: cp}
}

// addrSlot holds a Handler's datagram peer address: a destination the
// proactor fills in (receive_from) or a fixed send target (send_to).
// Both are kept as the reference the caller passed; the address is
// never copied, including by AddSendToValue, which copies only the
// buffer.
type addrSlot struct {
	// dst receives the peer address on a successful ReceiveFrom;
	// nil for Send/SendTo Handlers.
	dst *net.Addr
	// target is the fixed destination for a SendTo Handler; nil for
	// Receive/ReceiveFrom Handlers.
	target net.Addr
}

// completionFunc is the user-supplied callback invoked exactly once
// with (error, bytes transferred), per spec §3's Handler definition.
type completionFunc func(err error, n int)

// handler is the internal record binding one outstanding I/O request
// to its callback — spec §3's "Handler". Exactly one Handler is active
// per (socket, direction) at any instant: the head of that direction's
// queue (queue.go).
type handler struct {
	fd  int
	dir Direction

	buf  bufSlot
	addr addrSlot

	cb completionFunc

	// readFull marks a receive that must accumulate until the buffer
	// is completely filled (or errors), the teacher's ReadFull
	// variant (spec §12 supplement).
	readFull bool
	// size is the running byte count accumulated so far.
	size int

	// datagram is true for PacketConn-based requests, selecting
	// SendTo/ReceiveFrom semantics over Send/Receive.
	datagram bool

	// elem links this handler into its subscriber-map list so it can
	// be removed in O(1) without a linear scan (removeHandler).
	elem *list.Element
}

// buffer returns the slice the Handler should read into or write
// from. For bufInternal Handlers this is only valid after the loop has
// assigned a window from the swap buffer (see loop.go's doReceive).
func (h *handler) buffer() []byte { return h.buf.data }
