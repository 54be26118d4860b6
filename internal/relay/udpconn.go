package relay

import (
	"io"
	"time"

	"retether/internal/buffer"
	"retether/internal/flog"
	"retether/internal/metrics"
	"retether/internal/packet"
	"retether/internal/reactor"
)

// udpIdleTimeout is how long a flow with no traffic in either direction
// stays in the Router before CleanExpired sweeps it. Re-creating it on the
// next datagram gets a fresh ephemeral outbound port, same as the kernel
// would do for a brand new socket.
const udpIdleTimeout = 120 * time.Second

// udpSendQueueCapacity bounds how many bytes of not-yet-sent outbound
// datagrams (plus the DatagramBuffer's MaxDatagram headroom) a single flow
// can stage before new ones are dropped.
const udpSendQueueCapacity = 64 * 1024

// UdpConnection relays one UDP 5-tuple over a connected outbound UDP
// socket. UDP has no handshake or teardown signal of its own, so its only
// lifecycle event is the idle timeout.
type UdpConnection struct {
	id     ConnectionId
	client *Client
	router *Router
	sel    *reactor.Selector

	outFd      int
	token      reactor.Token
	registered bool

	packetizer *packet.Packetizer
	outQueue   *buffer.DatagramBuffer

	idleSince time.Time

	pendingLength int

	closed bool
}

func newUdpConnection(id ConnectionId, client *Client, router *Router) (Connection, error) {
	fd, err := DialOutboundUDP(id.DstIP, id.DstPort)
	if err != nil {
		return nil, err
	}
	u := &UdpConnection{
		id:       id,
		client:   client,
		router:   router,
		sel:      client.Channel().Selector(),
		outFd:    fd,
		outQueue: buffer.NewDatagramBuffer(udpSendQueueCapacity),
	}
	token, err := u.sel.Register(fd, u, reactor.Readable, reactor.LevelTriggered)
	if err != nil {
		closeFd(fd)
		return nil, err
	}
	u.token = token
	u.registered = true
	return u, nil
}

func (u *UdpConnection) ID() ConnectionId { return u.id }
func (u *UdpConnection) Closed() bool     { return u.closed }

func (u *UdpConnection) Expired(now time.Time) bool {
	return now.Sub(u.idleSince) >= udpIdleTimeout
}

func (u *UdpConnection) touch() {
	u.idleSince = time.Now()
}

func (u *UdpConnection) DeliverFromClient(pkt *packet.Ipv4Packet) {
	if u.closed {
		return
	}
	u.touch()
	if u.packetizer == nil {
		u.packetizer = packet.New(pkt)
	}

	payload := pkt.Payload()
	rw := fdReadWriter{u.outFd}
	if u.outQueue.IsEmpty() {
		_, err := rw.Write(payload)
		if err == nil {
			metrics.BytesRelayed.WithLabelValues("udp", "to_upstream").Add(float64(len(payload)))
			return
		}
		if err != ErrWouldBlock {
			flog.Warnf("udp %s: write failed: %v", u.id, err)
			u.Close()
			return
		}
		// fall through to queue it
	}
	if err := u.outQueue.Write(payload); err != nil {
		flog.Warnf("udp %s: send queue full, dropping %d bytes", u.id, len(payload))
		return
	}
	u.ensureWritableInterest()
}

func (u *UdpConnection) HandleReady(sel *reactor.Selector, token reactor.Token, readable, writable bool) {
	if u.closed {
		return
	}
	u.touch()
	if writable {
		u.drainSendQueue()
	}
	if !u.closed && readable {
		u.onUpstreamReadable()
	}
}

func (u *UdpConnection) drainSendQueue() {
	rw := fdReadWriter{u.outFd}
	for !u.outQueue.IsEmpty() {
		emitted, err := u.outQueue.WriteTo(rw)
		if err == ErrWouldBlock {
			return
		}
		if err != nil {
			flog.Warnf("udp %s: flush send queue: %v", u.id, err)
			u.Close()
			return
		}
		if !emitted {
			return
		}
	}
	u.dropWritableInterest()
}

func (u *UdpConnection) onUpstreamReadable() {
	rw := fdReadWriter{u.outFd}
	for {
		pkt, err := u.packetizer.PacketizeDatagram(rw)
		if err == ErrWouldBlock || err == io.EOF {
			return
		}
		if err != nil {
			flog.Warnf("udp %s: upstream read failed: %v", u.id, err)
			u.Close()
			return
		}
		if sendErr := u.client.Channel().SendToClient(pkt.Raw); sendErr != nil {
			if sendErr == ErrWouldBlock {
				u.pendingLength = u.packetizer.LastLength()
				u.client.AddPending(u)
				return
			}
			flog.Warnf("udp %s: send to client: %v", u.id, sendErr)
			u.Close()
			return
		}
		metrics.BytesRelayed.WithLabelValues("udp", "to_device").Add(float64(len(pkt.Payload())))
	}
}

// RetryPending re-sends the one datagram reply parked when the Client's
// outbound buffer was last full.
func (u *UdpConnection) RetryPending() error {
	if u.closed || u.pendingLength == 0 {
		return nil
	}
	pkt := u.packetizer.Inflate(u.pendingLength)
	if err := u.client.Channel().SendToClient(pkt.Raw); err != nil {
		return err
	}
	u.pendingLength = 0
	return nil
}

func (u *UdpConnection) ensureWritableInterest() {
	if err := u.sel.Reregister(u.token, reactor.Readable|reactor.Writable, reactor.LevelTriggered); err != nil {
		flog.Warnf("udp %s: reregister writable: %v", u.id, err)
	}
}

func (u *UdpConnection) dropWritableInterest() {
	if err := u.sel.Reregister(u.token, reactor.Readable, reactor.LevelTriggered); err != nil {
		flog.Warnf("udp %s: reregister readable-only: %v", u.id, err)
	}
}

func (u *UdpConnection) Close() {
	if u.closed {
		return
	}
	u.closed = true
	if u.registered {
		u.sel.Deregister(u.token)
	}
	closeFd(u.outFd)
}
