//go:build linux

package relay

import (
	"io"

	"golang.org/x/sys/unix"
)

// This file holds the thin non-blocking socket primitives the engine is
// built on. Every socket the relay touches — the TunnelServer's listener,
// each device Client's stream, every outbound TCP/UDP socket — is raw and
// non-blocking so the Selector is the only thing that ever waits.

func listenTCP(addr [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Addr: addr, Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptOne accepts a single pending connection. ok is false (with a nil
// error) when the listener had nothing pending, which the caller treats as
// "stop accepting for this batch" rather than an error.
func acceptOne(listenFd int) (fd int, ok bool, err error) {
	connFd, _, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, false, nil
		}
		return -1, false, err
	}
	return connFd, true, nil
}

func dialTCPNonblocking(addr [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Addr: addr, Port: port}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// connectError polls SO_ERROR to learn whether a non-blocking connect that
// just became writable succeeded.
func connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func dialUDPConnected(addr [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Addr: addr, Port: port}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// fdReadWriter adapts a raw non-blocking socket to io.Reader/io.Writer so it
// can be handed directly to the buffer package, translating EAGAIN to
// ErrWouldBlock and a zero-length read to io.EOF per the io.Reader contract.
type fdReadWriter struct {
	fd int
}

func (f fdReadWriter) Read(p []byte) (int, error) {
	n, err := unix.Read(f.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f fdReadWriter) Write(p []byte) (int, error) {
	n, err := unix.Write(f.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func closeFd(fd int) {
	unix.Close(fd)
}

// shutdownWrite half-closes the write direction of an outbound TCP socket,
// used when the device's FIN means no more data is coming from that side
// while upstream replies may still be in flight.
func shutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}
