package proactor

import (
	"net"

	"golang.org/x/sys/unix"
)

// ioResult is the outcome of one non-blocking syscall attempt against a
// Handler's fd, generalising the teacher's tryRead/tryWrite return
// convention (which stuffed n/err/wouldBlock onto the aiocb itself)
// into a plain value so the syscall helpers stay free of Handler
// mutation.
type ioResult struct {
	n         int
	err       error
	wouldBlock bool
	addr      net.Addr // only set by readDatagram
}

// readStream performs one non-blocking read(2) into buf[off:], looping
// through EINTR exactly as the teacher's tryRead does. A zero-byte
// read with no error is returned as-is (n=0, err=nil): spec §4.3/§8
// scenario 3 treats that as a successful (0, 0) completion signalling
// end-of-stream, not an error.
func readStream(fd int, buf []byte, off int) ioResult {
	for {
		n, err := unix.Read(fd, buf[off:])
		switch err {
		case unix.EAGAIN:
			return ioResult{wouldBlock: true}
		case unix.EINTR:
			continue
		case nil:
			return ioResult{n: n}
		default:
			return ioResult{err: err}
		}
	}
}

// writeStream performs one non-blocking write(2) from buf[off:].
func writeStream(fd int, buf []byte, off int) ioResult {
	for {
		n, err := unix.Write(fd, buf[off:])
		switch err {
		case unix.EAGAIN:
			return ioResult{wouldBlock: true}
		case unix.EINTR:
			continue
		case nil:
			return ioResult{n: n}
		default:
			return ioResult{err: err}
		}
	}
}

// readDatagram performs one non-blocking recvfrom(2), translating the
// returned unix.Sockaddr back into a net.Addr for the caller's address
// out-parameter (spec §4.5 add_receive_from).
func readDatagram(fd int, buf []byte) ioResult {
	for {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		switch err {
		case unix.EAGAIN:
			return ioResult{wouldBlock: true}
		case unix.EINTR:
			continue
		case nil:
			addr := sockaddrToUDPAddr(from)
			return ioResult{n: n, addr: addr}
		default:
			return ioResult{err: err}
		}
	}
}

// writeDatagram performs one non-blocking sendto(2) against to.
func writeDatagram(fd int, buf []byte, to net.Addr) ioResult {
	sa, err := udpAddrToSockaddr(to)
	if err != nil {
		return ioResult{err: err}
	}
	for {
		err := unix.Sendto(fd, buf, 0, sa)
		switch err {
		case unix.EAGAIN:
			return ioResult{wouldBlock: true}
		case unix.EINTR:
			continue
		case nil:
			return ioResult{n: len(buf)}
		default:
			return ioResult{err: err}
		}
	}
}

// socketError reads a socket's pending SO_ERROR, the errno the kernel
// recorded for the connection failure that a poll-set Error event
// reported, so the synthesized completion carries the real errno
// (spec §4.3 "synthesises an error completion"). When no errno is
// pending it returns ECONNRESET.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return unix.ECONNRESET
	}
	return unix.Errno(errno)
}

// availableBytes reports the kernel's FIONREAD hint for fd, used by
// the internal-buffer read path to size its window before issuing the
// read (spec §4.3's "Readability-size hint"). A failure is not fatal —
// callers fall back to reading into whatever window they already
// picked.
func availableBytes(fd int) int {
	n, err := unix.IoctlGetInt(fd, unix.FIONREAD)
	if err != nil {
		return 0
	}
	return n
}

func sockaddrToUDPAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}
	case *unix.SockaddrInet6:
		ip := append([]byte(nil), a.Addr[:]...)
		var zone string
		if a.ZoneId != 0 {
			if iface, err := netInterfaceByIndex(int(a.ZoneId)); err == nil {
				zone = iface
			}
		}
		return &net.UDPAddr{IP: ip, Port: a.Port, Zone: zone}
	default:
		return nil
	}
}

func netInterfaceByIndex(idx int) (string, error) {
	iface, err := net.InterfaceByIndex(idx)
	if err != nil {
		return "", err
	}
	return iface.Name, nil
}

func udpAddrToSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, ErrUnsupportedConn
	}
	if ip4 := ua.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: ua.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip6 := ua.IP.To16()
	if ip6 == nil {
		return nil, ErrUnsupportedConn
	}
	sa := &unix.SockaddrInet6{Port: ua.Port}
	copy(sa.Addr[:], ip6)
	if ua.Zone != "" {
		if iface, err := net.InterfaceByName(ua.Zone); err == nil {
			sa.ZoneId = uint32(iface.Index)
		}
	}
	return sa, nil
}
