package relay

import (
	"io"
	"math/rand/v2"
	"time"

	"retether/internal/buffer"
	"retether/internal/flog"
	"retether/internal/metrics"
	"retether/internal/packet"
	"retether/internal/reactor"
)

// maxTCPPayload bounds a single synthesized TCP segment's payload so the
// resulting packet never exceeds MaxPacketLength: 20 bytes of IPv4 header
// plus 20 bytes of options-free TCP header.
const maxTCPPayload = packet.MaxPacketLength - packet.MinIPv4HeaderLen - packet.MinTCPHeaderLen

// tcpClientBufferCapacity bounds the client-to-upstream StreamBuffer, per
// spec.md §4.7's "Flow control from the client".
const tcpClientBufferCapacity = 4 * packet.MaxPacketLength

type tcbState int

const (
	tcbInit tcbState = iota
	tcbSynSent
	tcbSynReceived
	tcbEstablished
	tcbCloseWait
	tcbLastAck
)

func (s tcbState) String() string {
	switch s {
	case tcbInit:
		return "INIT"
	case tcbSynSent:
		return "SYN_SENT"
	case tcbSynReceived:
		return "SYN_RECEIVED"
	case tcbEstablished:
		return "ESTABLISHED"
	case tcbCloseWait:
		return "CLOSE_WAIT"
	case tcbLastAck:
		return "LAST_ACK"
	default:
		return "?"
	}
}

// TcpConnection terminates one device-originated TCP stream at the relay
// and relays its payload over a second, ordinary TCP connection to the real
// destination. Sequence/ack bookkeeping only has to satisfy the one device
// peer, so there is no retransmission or SACK — a lost segment toward the
// device is simply gone, same as spec.md's tolerance for a dropped control
// ACK.
type TcpConnection struct {
	id     ConnectionId
	client *Client
	router *Router
	sel    *reactor.Selector

	outFd      int
	token      reactor.Token
	registered bool
	connecting bool

	state tcbState

	clientISN     uint32
	clientNextSeq uint32 // next byte we expect from the device; our outgoing ack number

	relayISN uint32
	relaySeq uint32 // next byte we will send toward the device

	remainingClientWindow uint16
	upstreamPaused        bool
	curInterest           reactor.Interest

	// outBuf holds client-sent payload bytes already ACKed to the device but
	// not yet written to outFd, so a momentarily-full upstream socket never
	// forces the relay to choose between lying about delivery and blocking
	// the event loop.
	outBuf *buffer.StreamBuffer

	packetizer *packet.Packetizer

	pendingLength int // 0 when nothing is parked on the Client's back-pressure queue

	closed bool
}

func newTcpConnection(id ConnectionId, client *Client, router *Router, proxyFor ProxyFor) (Connection, error) {
	fd, err := DialOutboundTCP(id.DstIP, id.DstPort, proxyFor)
	if err != nil {
		return nil, err
	}
	t := &TcpConnection{
		id:          id,
		client:      client,
		router:      router,
		sel:         client.Channel().Selector(),
		outFd:       fd,
		state:       tcbInit,
		connecting:  true,
		curInterest: reactor.Writable,
		outBuf:      buffer.NewStreamBuffer(tcpClientBufferCapacity),
	}
	token, err := t.sel.Register(fd, t, reactor.Writable, reactor.LevelTriggered)
	if err != nil {
		closeFd(fd)
		return nil, err
	}
	t.token = token
	t.registered = true
	return t, nil
}

func (t *TcpConnection) ID() ConnectionId { return t.id }
func (t *TcpConnection) Closed() bool     { return t.closed }

// Expired is always false: an open TCP connection never ages out on its own,
// only UDP flows do. A dead peer is discovered through a socket error or
// EOF, not a timer.
func (t *TcpConnection) Expired(_ time.Time) bool { return false }

func (t *TcpConnection) DeliverFromClient(pkt *packet.Ipv4Packet) {
	if t.closed {
		return
	}
	if t.packetizer == nil {
		t.packetizer = packet.New(pkt)
	}
	flags := pkt.TCP.Flags()
	if flags.RST {
		t.Close()
		return
	}

	switch t.state {
	case tcbInit:
		t.handleInit(pkt, flags)
	case tcbSynSent:
		t.handleSynSent(pkt, flags)
	case tcbSynReceived:
		t.handleSynReceived(pkt, flags)
	case tcbEstablished:
		t.handleEstablished(pkt, flags)
	case tcbCloseWait:
		t.handleCloseWait(pkt, flags)
	case tcbLastAck:
		t.handleLastAck(pkt, flags)
	}
}

func (t *TcpConnection) handleInit(pkt *packet.Ipv4Packet, flags packet.TCPFlags) {
	if !flags.SYN {
		t.resetAndClose()
		return
	}
	t.clientISN = pkt.TCP.Sequence()
	t.clientNextSeq = t.clientISN + 1
	t.remainingClientWindow = pkt.TCP.WindowSize()
	t.relayISN = rand.Uint32()
	t.relaySeq = t.relayISN
	t.state = tcbSynSent
}

func (t *TcpConnection) handleSynSent(pkt *packet.Ipv4Packet, flags packet.TCPFlags) {
	if flags.SYN && pkt.TCP.Sequence() != t.clientISN {
		t.resetAndClose()
	}
	// Otherwise: a duplicate SYN retransmit, or any other segment arriving
	// before the outbound connect finishes. Nothing to do yet either way.
}

func (t *TcpConnection) handleSynReceived(pkt *packet.Ipv4Packet, flags packet.TCPFlags) {
	if flags.SYN {
		if pkt.TCP.Sequence() != t.clientISN {
			t.resetAndClose()
		}
		return
	}
	if !flags.ACK {
		return
	}
	t.state = tcbEstablished
	t.updateWindow(pkt)
	// Any payload piggybacked on the handshake-completing ACK is dropped,
	// not delivered: spec.md's table has Established, not SynReceived, as
	// the first state that accepts client data. The device's own
	// retransmit timer will resend it once this connection is actually
	// established and acking data.
}

func (t *TcpConnection) handleEstablished(pkt *packet.Ipv4Packet, flags packet.TCPFlags) {
	if pkt.TCP.Sequence() != t.clientNextSeq {
		t.sendControl(packet.TCPFlags{ACK: true})
		return
	}
	t.updateWindow(pkt)
	if len(pkt.Payload()) > 0 {
		t.deliverPayload(pkt)
	}
	if flags.FIN {
		t.clientNextSeq++
		t.sendControl(packet.TCPFlags{ACK: true})
		if err := shutdownWrite(t.outFd); err != nil {
			flog.Warnf("tcp %s: shutdown write: %v", t.id, err)
		}
		t.state = tcbCloseWait
	}
}

func (t *TcpConnection) handleCloseWait(pkt *packet.Ipv4Packet, flags packet.TCPFlags) {
	// The device has already sent its FIN; anything further is a
	// retransmit of that FIN or a stray ACK. Re-ack idempotently.
	if pkt.TCP.Sequence() != t.clientNextSeq {
		t.sendControl(packet.TCPFlags{ACK: true})
		return
	}
	if flags.FIN {
		t.sendControl(packet.TCPFlags{ACK: true})
	}
}

func (t *TcpConnection) handleLastAck(pkt *packet.Ipv4Packet, flags packet.TCPFlags) {
	if flags.FIN || flags.ACK {
		t.Close()
	}
}

// updateWindow applies spec.md §4.7's flow-control formula:
// remaining_client_window = their_ack + client_window − our_seq, wrap-guarded
// to 0 whenever that exceeds client_window (their_ack has not caught up with
// what we've already sent, so there is no room at all right now).
func (t *TcpConnection) updateWindow(pkt *packet.Ipv4Packet) {
	clientWindow := pkt.TCP.WindowSize()
	theirAck := pkt.TCP.AckNumber()
	remaining := theirAck + uint32(clientWindow) - t.relaySeq
	if remaining > uint32(clientWindow) {
		remaining = 0
	}
	t.remainingClientWindow = uint16(remaining)
	if t.remainingClientWindow > 0 && t.upstreamPaused {
		t.resumeUpstreamReads()
	}
}

// deliverPayload appends the device's payload to outBuf and ACKs it
// immediately, the same way accepting bytes into a kernel receive buffer
// would. If it doesn't fit, spec.md §4.7 requires dropping it silently: no
// ACK, no advance of clientNextSeq, so the device's own retransmit timer
// resends it once there is room.
func (t *TcpConnection) deliverPayload(pkt *packet.Ipv4Packet) {
	payload := pkt.Payload()
	if len(payload) > t.outBuf.Remaining() {
		flog.Warnf("tcp %s: client-to-upstream buffer full, dropping %d bytes", t.id, len(payload))
		return
	}
	if err := t.outBuf.ReadFrom(payload); err != nil {
		flog.Warnf("tcp %s: buffering client payload: %v", t.id, err)
		return
	}
	t.clientNextSeq += uint32(len(payload))
	metrics.BytesRelayed.WithLabelValues("tcp", "to_upstream").Add(float64(len(payload)))
	t.sendControl(packet.TCPFlags{ACK: true})
	t.flushUpstream()
	t.updateInterest()
}

// flushUpstream drains as much of outBuf as the non-blocking upstream socket
// currently accepts.
func (t *TcpConnection) flushUpstream() {
	rw := fdReadWriter{t.outFd}
	for !t.outBuf.IsEmpty() {
		n, err := t.outBuf.WriteTo(rw)
		if err == ErrWouldBlock || (err == nil && n == 0) {
			return
		}
		if err != nil {
			flog.Warnf("tcp %s: upstream write failed: %v", t.id, err)
			t.resetAndClose()
			return
		}
	}
}

// sendControl synthesizes and best-effort sends a zero-payload segment.
// Control segments are never queued on back-pressure: a lost ACK just means
// the device's own retransmit timer will prompt another one eventually.
func (t *TcpConnection) sendControl(flags packet.TCPFlags) {
	flags.ACK = true
	pkt := t.packetizer.PacketizeEmptyPayload()
	t.finalizeSegment(pkt, t.relaySeq, flags)
	if err := t.client.Channel().SendToClient(pkt.Raw); err != nil && err != ErrWouldBlock {
		flog.Warnf("tcp %s: send control segment: %v", t.id, err)
	}
}

// resetAndClose answers with RST (best-effort, like every control segment)
// and tears the connection down.
func (t *TcpConnection) resetAndClose() {
	t.sendControl(packet.TCPFlags{RST: true})
	t.Close()
}

func (t *TcpConnection) finalizeSegment(pkt *packet.Ipv4Packet, seq uint32, flags packet.TCPFlags) {
	pkt.TCP.SetSequence(seq)
	pkt.TCP.SetAckNumber(t.clientNextSeq)
	pkt.TCP.SetWindowSize(0xFFFF)
	pkt.TCP.SetFlags(flags)
	pkt.TCP.ComputeChecksum(pkt.IP.Source(), pkt.IP.Destination(), pkt.TransportSegment())
	pkt.IP.ComputeChecksum()
}

func (t *TcpConnection) HandleReady(sel *reactor.Selector, token reactor.Token, readable, writable bool) {
	if t.closed {
		return
	}
	if t.connecting {
		t.finishConnect()
		return
	}
	if writable {
		t.flushUpstream()
		if t.closed {
			return
		}
	}
	if readable {
		t.onUpstreamReadable()
		if t.closed {
			return
		}
	}
	t.updateInterest()
}

func (t *TcpConnection) finishConnect() {
	t.connecting = false
	if err := connectError(t.outFd); err != nil {
		flog.Warnf("tcp %s: connect failed: %v", t.id, err)
		t.resetAndClose()
		return
	}
	t.state = tcbSynReceived
	pkt := t.packetizer.PacketizeEmptyPayload()
	t.finalizeSegment(pkt, t.relaySeq, packet.TCPFlags{SYN: true, ACK: true})
	t.relaySeq++
	if err := t.client.Channel().SendToClient(pkt.Raw); err != nil && err != ErrWouldBlock {
		flog.Warnf("tcp %s: send SYN+ACK: %v", t.id, err)
	}
	t.updateInterest()
}

// wantInterest computes the Interest set the outbound socket registration
// should currently carry: readable unless upstream reads are paused for
// window back-pressure or a segment is parked on the Client's back-pressure
// queue, writable whenever outBuf still has bytes queued for
// it (spec.md §4.7's "writable while there is buffered client-to-network
// data" clause).
func (t *TcpConnection) wantInterest() reactor.Interest {
	var want reactor.Interest
	if !t.upstreamPaused && t.pendingLength == 0 {
		want |= reactor.Readable
	}
	if !t.outBuf.IsEmpty() {
		want |= reactor.Writable
	}
	return want
}

func (t *TcpConnection) updateInterest() {
	want := t.wantInterest()
	if want == t.curInterest {
		return
	}
	if err := t.sel.Reregister(t.token, want, reactor.LevelTriggered); err != nil {
		flog.Warnf("tcp %s: reregister: %v", t.id, err)
		return
	}
	t.curInterest = want
}

func (t *TcpConnection) onUpstreamReadable() {
	if t.remainingClientWindow == 0 {
		t.pauseUpstreamReads()
		return
	}
	chunk := maxTCPPayload
	if int(t.remainingClientWindow) < chunk {
		chunk = int(t.remainingClientWindow)
	}
	rw := fdReadWriter{t.outFd}
	pkt, err := t.packetizer.PacketizeRead(rw, chunk)
	if err == ErrWouldBlock {
		return
	}
	if err == io.EOF {
		t.onUpstreamEOF()
		return
	}
	if err != nil {
		flog.Warnf("tcp %s: upstream read failed: %v", t.id, err)
		t.resetAndClose()
		return
	}
	payloadLen := len(pkt.Payload())
	t.finalizeSegment(pkt, t.relaySeq, packet.TCPFlags{PSH: true, ACK: true})
	if sendErr := t.client.Channel().SendToClient(pkt.Raw); sendErr != nil {
		if sendErr == ErrWouldBlock {
			t.pendingLength = t.packetizer.LastLength()
			t.client.AddPending(t)
			return
		}
		flog.Warnf("tcp %s: send segment: %v", t.id, sendErr)
		t.Close()
		return
	}
	t.relaySeq += uint32(payloadLen)
	t.remainingClientWindow -= uint16(payloadLen)
	metrics.BytesRelayed.WithLabelValues("tcp", "to_device").Add(float64(payloadLen))
}

func (t *TcpConnection) onUpstreamEOF() {
	switch t.state {
	case tcbEstablished, tcbCloseWait:
		pkt := t.packetizer.PacketizeEmptyPayload()
		t.finalizeSegment(pkt, t.relaySeq, packet.TCPFlags{FIN: true, ACK: true})
		t.relaySeq++
		if err := t.client.Channel().SendToClient(pkt.Raw); err != nil && err != ErrWouldBlock {
			flog.Warnf("tcp %s: send FIN: %v", t.id, err)
		}
		t.state = tcbLastAck
	}
}

// RetryPending re-sends the one segment that was parked when the Client's
// outbound buffer was last full.
func (t *TcpConnection) RetryPending() error {
	if t.closed || t.pendingLength == 0 {
		return nil
	}
	pkt := t.packetizer.Inflate(t.pendingLength)
	if err := t.client.Channel().SendToClient(pkt.Raw); err != nil {
		return err
	}
	t.pendingLength = 0
	payloadLen := len(pkt.Payload())
	t.relaySeq += uint32(payloadLen)
	if payloadLen >= int(t.remainingClientWindow) {
		t.remainingClientWindow = 0
	} else {
		t.remainingClientWindow -= uint16(payloadLen)
	}
	metrics.BytesRelayed.WithLabelValues("tcp", "to_device").Add(float64(payloadLen))
	t.updateInterest()
	return nil
}

func (t *TcpConnection) pauseUpstreamReads() {
	if t.upstreamPaused {
		return
	}
	t.upstreamPaused = true
	t.updateInterest()
}

func (t *TcpConnection) resumeUpstreamReads() {
	t.upstreamPaused = false
	t.updateInterest()
}

func (t *TcpConnection) Close() {
	if t.closed {
		return
	}
	t.closed = true
	if t.registered {
		t.sel.Deregister(t.token)
	}
	closeFd(t.outFd)
}
