package relay

import (
	"errors"
	"net"
	"strconv"
	"syscall"

	"retether/internal/socksproxy"
)

// androidLoopbackAlias is the address the Android emulator's guest resolves
// its host loopback to. The host relay process runs test servers on real
// 127.0.0.1, so outbound connections are rewritten transparently — this is
// the one piece of protocol-unaware packet surgery the relay performs.
var androidLoopbackAlias = [4]byte{10, 0, 2, 2}
var realLoopback = [4]byte{127, 0, 0, 1}

func rewriteDestination(addr [4]byte) [4]byte {
	if addr == androidLoopbackAlias {
		return realLoopback
	}
	return addr
}

// ProxyFor is the injected hook spec.md §6 names: given a destination, it
// reports the upstream SOCKS5 proxy to dial through instead of connecting
// directly. A nil ProxyFor (the default) means every connection dials
// straight out.
type ProxyFor = socksproxy.Lookup

// DialOutboundTCP opens a non-blocking outbound TCP socket to (dstIP,
// dstPort), rewriting the Android loopback alias first and honoring proxyFor
// if it names an upstream for this destination. The SOCKS5 handshake (when
// taken) blocks briefly; everything afterwards is non-blocking like every
// other socket the engine owns.
func DialOutboundTCP(dstIP [4]byte, dstPort uint16, proxyFor ProxyFor) (int, error) {
	dstIP = rewriteDestination(dstIP)

	if proxyFor != nil {
		dst := net.JoinHostPort(net.IP(dstIP[:]).String(), strconv.Itoa(int(dstPort)))
		if ep, ok := proxyFor(dst); ok {
			return dialViaProxy(ep, dstIP, dstPort)
		}
	}

	return dialTCPNonblocking(dstIP, int(dstPort))
}

// DialOutboundUDP opens a connected non-blocking UDP socket to (dstIP,
// dstPort), rewriting the Android loopback alias. UDP has no SOCKS5
// associate support wired in — proxyFor only applies to TCP.
func DialOutboundUDP(dstIP [4]byte, dstPort uint16) (int, error) {
	dstIP = rewriteDestination(dstIP)
	return dialUDPConnected(dstIP, int(dstPort))
}

func dialViaProxy(ep socksproxy.Endpoint, dstIP [4]byte, dstPort uint16) (int, error) {
	conn, err := socksproxy.DialTCP(ep, dstIP, dstPort)
	if err != nil {
		return -1, err
	}
	return detachNonblockingFd(conn)
}

// detachNonblockingFd pulls the raw file descriptor out of a *net.TCPConn
// established via the standard library (as the SOCKS5 handshake connection
// is) so it can be handed to the Selector like every other socket the
// engine drives directly. conn's File() dup's the descriptor and leaves it
// blocking; the dup is switched back to non-blocking and the original
// net.Conn is closed, since it is no longer needed once the duplicate is
// ours.
func detachNonblockingFd(conn net.Conn) (int, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return -1, errors.New("dial: proxied connection is not TCP")
	}
	file, err := tcpConn.File()
	conn.Close()
	if err != nil {
		return -1, err
	}
	fd := int(file.Fd())
	// file.Fd() does not detach file's finalizer; dup the fd ourselves so
	// closing file (when it is garbage collected) doesn't close our copy.
	newFd, err := syscall.Dup(fd)
	file.Close()
	if err != nil {
		return -1, err
	}
	if err := syscall.SetNonblock(newFd, true); err != nil {
		syscall.Close(newFd)
		return -1, err
	}
	syscall.CloseOnExec(newFd)
	return newFd, nil
}
