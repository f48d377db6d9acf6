package proactor

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server := <-accepted
	return client.(*net.TCPConn), server.(*net.TCPConn)
}

func udpPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return a, b
}

func runProactor(t *testing.T, p *Proactor) func() {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, p.Run())
	}()
	return func() {
		p.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("proactor did not stop in time")
		}
	}
}

func TestStreamSendThenReceiveEchoesPayload(t *testing.T) {
	p, err := New(WithTimeout(10 * time.Millisecond))
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	payload := []byte("hello proactor")
	recvBuf := make([]byte, len(payload))

	var wg sync.WaitGroup
	wg.Add(2)

	var sendErr, recvErr error
	var recvN int

	require.NoError(t, p.AddReceive(server, recvBuf, func(err error, n int) {
		recvErr, recvN = err, n
		wg.Done()
	}))
	require.NoError(t, p.AddSend(client, payload, func(err error, n int) {
		sendErr = err
		wg.Done()
	}))

	waitOrTimeout(t, &wg, 5*time.Second)

	require.NoError(t, sendErr)
	require.NoError(t, recvErr)
	require.Equal(t, len(payload), recvN)
	require.Equal(t, payload, recvBuf)
}

func TestStreamHalfCloseCompletesAsZeroByteSuccess(t *testing.T) {
	p, err := New(WithTimeout(10 * time.Millisecond))
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(1)

	var gotErr error
	var gotN int
	buf := make([]byte, 16)
	require.NoError(t, p.AddReceive(server, buf, func(err error, n int) {
		gotErr, gotN = err, n
		wg.Done()
	}))

	client.CloseWrite()

	waitOrTimeout(t, &wg, 5*time.Second)
	require.NoError(t, gotErr)
	require.Equal(t, 0, gotN)
}

func TestStreamReceiveFullAccumulatesAcrossPackets(t *testing.T) {
	p, err := New(WithTimeout(10 * time.Millisecond))
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	want := []byte("0123456789abcdef")
	got := make([]byte, len(want))

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	var recvN int
	require.NoError(t, p.AddReceiveFull(server, got, func(err error, n int) {
		recvErr, recvN = err, n
		wg.Done()
	}))

	// Write in two halves so the first non-blocking read can't possibly
	// satisfy the full request in one syscall.
	_, err = client.Write(want[:4])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = client.Write(want[4:])
	require.NoError(t, err)

	waitOrTimeout(t, &wg, 5*time.Second)
	require.NoError(t, recvErr)
	require.Equal(t, len(want), recvN)
	require.Equal(t, want, got)
}

func TestDatagramSendToReceiveFromRoundTrip(t *testing.T) {
	p, err := New(WithTimeout(10 * time.Millisecond))
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	a, b := udpPair(t)
	defer a.Close()
	defer b.Close()

	payload := []byte("datagram")
	recvBuf := make([]byte, 64)
	var from net.Addr

	var wg sync.WaitGroup
	wg.Add(2)

	var recvErr, sendErr error
	var recvN int
	require.NoError(t, p.AddReceiveFrom(b, recvBuf, &from, func(err error, n int) {
		recvErr, recvN = err, n
		wg.Done()
	}))
	require.NoError(t, p.AddSendTo(a, payload, b.LocalAddr(), func(err error, n int) {
		sendErr = err
		wg.Done()
	}))

	waitOrTimeout(t, &wg, 5*time.Second)
	require.NoError(t, sendErr)
	require.NoError(t, recvErr)
	require.Equal(t, len(payload), recvN)
	require.Equal(t, payload, recvBuf[:recvN])
	require.NotNil(t, from)
}

func TestDatagramReceiveFromWithNilBufferUsesInternalSwapBuffer(t *testing.T) {
	p, err := New(WithTimeout(10 * time.Millisecond))
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	a, b := udpPair(t)
	defer a.Close()
	defer b.Close()

	payload := []byte("swap buffer datagram")
	var from net.Addr

	var wg sync.WaitGroup
	wg.Add(2)

	var recvErr, sendErr error
	var recvN int
	require.NoError(t, p.AddReceiveFrom(b, nil, &from, func(err error, n int) {
		recvErr, recvN = err, n
		wg.Done()
	}))
	require.NoError(t, p.AddSendTo(a, payload, b.LocalAddr(), func(err error, n int) {
		sendErr = err
		wg.Done()
	}))

	waitOrTimeout(t, &wg, 5*time.Second)
	require.NoError(t, sendErr)
	require.NoError(t, recvErr)
	require.Equal(t, len(payload), recvN, "a nil buffer must still receive the full datagram via the internal swap buffer")
	require.NotNil(t, from)
}

func TestQueueFIFOOrderPerSocketDirection(t *testing.T) {
	p, err := New(WithTimeout(10 * time.Millisecond))
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(2)

	buf1 := make([]byte, 1)
	buf2 := make([]byte, 1)
	require.NoError(t, p.AddReceive(server, buf1, func(err error, n int) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		wg.Done()
	}))
	require.NoError(t, p.AddReceive(server, buf2, func(err error, n int) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		wg.Done()
	}))

	_, err = client.Write([]byte{0xAA})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = client.Write([]byte{0xBB})
	require.NoError(t, err)

	waitOrTimeout(t, &wg, 5*time.Second)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, order)
}

func TestAddSocketAndRemoveAndHas(t *testing.T) {
	p, err := New(WithTimeout(10 * time.Millisecond))
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	require.NoError(t, p.AddSocket(server, PollRead))
	time.Sleep(20 * time.Millisecond)
	require.True(t, p.Has(server))

	require.NoError(t, p.Remove(server))
	time.Sleep(20 * time.Millisecond)
	require.False(t, p.Has(server))

	// Removing an unregistered socket is a no-op, not an error.
	require.NoError(t, p.Remove(server))
}

func TestScheduledWorkFiresOnceByDeadline(t *testing.T) {
	p, err := New(WithTimeout(5 * time.Millisecond))
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	done := make(chan struct{})
	p.AddWork(func() { close(done) }, 30*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled work never fired")
	}
}

func TestPermanentWorkKeepsFiringUntilRemoved(t *testing.T) {
	p, err := New(WithTimeout(5 * time.Millisecond))
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	var count atomicInt
	p.AddWork(func() { count.add(1) }, PermanentCompletionHandler)

	time.Sleep(100 * time.Millisecond)
	require.Greater(t, count.get(), 1)

	p.RemovePermanentWork(-1)
	require.Equal(t, 0, p.PermanentWork())
}

func TestWorkerDisabledInvokesCallbackSynchronouslyOnPollThread(t *testing.T) {
	p, err := New(WithTimeout(10*time.Millisecond), WithWorkerDisabled())
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	buf := make([]byte, 4)
	require.NoError(t, p.AddReceive(server, buf, func(err error, n int) {
		wg.Done()
	}))
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	waitOrTimeout(t, &wg, 5*time.Second)
}

func TestFlushOnStopDeliversCancelledWithWorkerEnabled(t *testing.T) {
	// Regression test: flushing must happen before the completion
	// executor is stopped, or the ErrCancelled notifications are
	// enqueued onto a goroutine that has already exited and never fire.
	p, err := New(WithTimeout(10*time.Millisecond), WithFlushOnStop())
	require.NoError(t, err)

	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, p.Run())
	}()

	// Nothing is ever written to client, so this receive sits queued
	// until Stop flushes it.
	var gotErr error
	var wg sync.WaitGroup
	wg.Add(1)
	buf := make([]byte, 4)
	require.NoError(t, p.AddReceive(server, buf, func(err error, n int) {
		gotErr = err
		wg.Done()
	}))

	time.Sleep(20 * time.Millisecond)
	p.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("proactor did not stop in time")
	}

	waitOrTimeout(t, &wg, 5*time.Second)
	require.ErrorIs(t, gotErr, ErrCancelled)

	var completionErr *CompletionError
	require.ErrorAs(t, gotErr, &completionErr)
	require.Equal(t, DirRead, completionErr.Dir)
}

func TestRunReturnsErrAlreadyRunningWhenNotIdle(t *testing.T) {
	p, err := New(WithTimeout(10 * time.Millisecond))
	require.NoError(t, err)
	stop := runProactor(t, p)
	defer stop()

	time.Sleep(10 * time.Millisecond)
	require.ErrorIs(t, p.Run(), ErrAlreadyRunning)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for completions")
	}
}

// atomicInt is a tiny helper to avoid pulling sync/atomic boilerplate
// into every permanent-work test.
type atomicInt struct {
	mu sync.Mutex
	n  int
}

func (a *atomicInt) add(d int) {
	a.mu.Lock()
	a.n += d
	a.mu.Unlock()
}

func (a *atomicInt) get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
