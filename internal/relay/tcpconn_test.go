//go:build linux

package relay

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"retether/internal/buffer"
	"retether/internal/packet"
	"retether/internal/reactor"
)

// mustSocketpair returns two ends of a connected AF_UNIX stream socket
// standing in for the device's tunnel connection: deviceFd is driven
// directly by the test (blocking), clientFd is handed to a Client exactly
// like an accepted TCP connection would be.
func mustSocketpair(t *testing.T) (deviceFd, clientFd int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	return fds[0], fds[1]
}

func drive(t *testing.T, sel *reactor.Selector) {
	t.Helper()
	events, err := sel.Poll(time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	sel.RunHandlers(events)
}

func readFull(t *testing.T, fd int, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := unix.Read(fd, buf[got:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if m == 0 {
			t.Fatalf("unexpected eof after %d/%d bytes", got, n)
		}
		got += m
	}
	return buf
}

func buildTCPSegment(src [4]byte, srcPort uint16, dst [4]byte, dstPort uint16, seq, ack uint32, window uint16, flags packet.TCPFlags, payload []byte) []byte {
	totalLength := packet.MinIPv4HeaderLen + packet.MinTCPHeaderLen + len(payload)
	raw := make([]byte, totalLength)
	raw[0] = 0x45
	raw[9] = byte(packet.ProtocolTCP)
	copy(raw[12:16], src[:])
	copy(raw[16:20], dst[:])
	raw[2] = byte(totalLength >> 8)
	raw[3] = byte(totalLength)

	ip, err := packet.ParseIPv4Header(raw)
	if err != nil {
		panic(err)
	}

	tcpOff := packet.MinIPv4HeaderLen
	tcp := packet.NewTCPHeader(raw[tcpOff:])
	tcp.SetSrcPort(srcPort)
	tcp.SetDstPort(dstPort)
	tcp.SetSequence(seq)
	tcp.SetAckNumber(ack)
	tcp.SetWindowSize(window)
	tcp.SetFlags(flags)
	copy(raw[tcpOff+packet.MinTCPHeaderLen:], payload)

	tcp.ComputeChecksum(src, dst, raw[tcpOff:])
	ip.ComputeChecksum()
	return raw
}

func parseTCPReply(t *testing.T, raw []byte) *packet.Ipv4Packet {
	t.Helper()
	pkt, err := packet.Parse(raw)
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if pkt.TCP == nil {
		t.Fatalf("reply is not a TCP segment")
	}
	return pkt
}

// newTestClient wires a Client to one end of a fresh socketpair and
// registers it with sel, draining the 4-byte session id the Client sends
// unconditionally on connect before any packet traffic flows.
func newTestClient(t *testing.T, sel *reactor.Selector) (client *Client, deviceFd int) {
	t.Helper()
	deviceFd, clientFd := mustSocketpair(t)
	t.Cleanup(func() { unix.Close(deviceFd) })

	client = NewClient(1, clientFd, sel, 4*packet.MaxPacketLength, nil, nil)
	if err := client.Register(); err != nil {
		t.Fatalf("register client: %v", err)
	}
	drive(t, sel)

	idBytes := readFull(t, deviceFd, 4)
	if binary.BigEndian.Uint32(idBytes) != 1 {
		t.Fatalf("unexpected session id bytes: %v", idBytes)
	}
	return client, deviceFd
}

func TestTcpConnectionHandshakeAndEcho(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1500)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	upstreamAddr := upstream.Addr().(*net.TCPAddr)
	var dstIP [4]byte
	copy(dstIP[:], upstreamAddr.IP.To4())
	dstPort := uint16(upstreamAddr.Port)

	sel, err := reactor.New()
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	client, deviceFd := newTestClient(t, sel)

	deviceIP := [4]byte{10, 0, 0, 5}
	devicePort := uint16(55000)
	clientISN := uint32(1000)

	synRaw := buildTCPSegment(deviceIP, devicePort, dstIP, dstPort, clientISN, 0, 65535, packet.TCPFlags{SYN: true}, nil)
	if _, err := unix.Write(deviceFd, synRaw); err != nil {
		t.Fatalf("write syn: %v", err)
	}

	// Drive the loop until the SYN+ACK arrives back: one round to route the
	// SYN and kick off the non-blocking connect, more rounds while the
	// outbound socket finishes connecting and replies.
	var synAck *packet.Ipv4Packet
	for i := 0; i < 30 && synAck == nil; i++ {
		drive(t, sel)
		_ = client
		if hasPending(deviceFd) {
			raw := readSegment(t, deviceFd)
			synAck = parseTCPReply(t, raw)
		}
	}
	if synAck == nil {
		t.Fatal("never received a reply to the SYN")
	}
	flags := synAck.TCP.Flags()
	if !flags.SYN || !flags.ACK {
		t.Fatalf("expected SYN+ACK, got flags %s", flags)
	}
	if synAck.TCP.AckNumber() != clientISN+1 {
		t.Fatalf("ack number = %d, want %d", synAck.TCP.AckNumber(), clientISN+1)
	}
	relayISN := synAck.TCP.Sequence()

	// Complete the handshake with a bare ACK first: data piggybacked on the
	// handshake-completing ACK is dropped rather than delivered, so the
	// payload has to arrive in its own, later segment to be echoed.
	ackRaw := buildTCPSegment(deviceIP, devicePort, dstIP, dstPort, clientISN+1, relayISN+1, 65535,
		packet.TCPFlags{ACK: true}, nil)
	if _, err := unix.Write(deviceFd, ackRaw); err != nil {
		t.Fatalf("write handshake ack: %v", err)
	}
	drive(t, sel)

	payload := []byte("hello upstream")
	dataRaw := buildTCPSegment(deviceIP, devicePort, dstIP, dstPort, clientISN+1, relayISN+1, 65535,
		packet.TCPFlags{ACK: true}, payload)
	if _, err := unix.Write(deviceFd, dataRaw); err != nil {
		t.Fatalf("write data: %v", err)
	}

	var echoed *packet.Ipv4Packet
	for i := 0; i < 30 && echoed == nil; i++ {
		drive(t, sel)
		if hasPending(deviceFd) {
			raw := readSegment(t, deviceFd)
			pkt := parseTCPReply(t, raw)
			if len(pkt.Payload()) > 0 {
				echoed = pkt
			}
		}
	}
	if echoed == nil {
		t.Fatal("never received the echoed payload back from the relay")
	}
	if string(echoed.Payload()) != string(payload) {
		t.Fatalf("echoed payload = %q, want %q", echoed.Payload(), payload)
	}

	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream echo goroutine never finished")
	}
}

// TestTcpConnection_DuplicateSynSameSeqIgnored covers the one case
// handleSynSent treats as a no-op rather than a reset: a second SYN for the
// same ISN arriving before the outbound connect has completed, which a real
// device stack can produce if its own SYN retransmit timer fires before the
// relay's first SYN+ACK makes it back.
func TestTcpConnection_DuplicateSynSameSeqIgnored(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	upstreamAddr := upstream.Addr().(*net.TCPAddr)
	var dstIP [4]byte
	copy(dstIP[:], upstreamAddr.IP.To4())
	dstPort := uint16(upstreamAddr.Port)

	sel, err := reactor.New()
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	client, deviceFd := newTestClient(t, sel)
	_ = client

	deviceIP := [4]byte{10, 0, 0, 7}
	devicePort := uint16(55001)
	clientISN := uint32(500)

	synRaw := buildTCPSegment(deviceIP, devicePort, dstIP, dstPort, clientISN, 0, 65535, packet.TCPFlags{SYN: true}, nil)
	// Both SYNs land in the socketpair's receive buffer before the relay
	// ever gets to run, so the duplicate is guaranteed to be processed while
	// the connection is still in its SYN_SENT state, before the outbound
	// connect has had any chance to complete.
	if _, err := unix.Write(deviceFd, synRaw); err != nil {
		t.Fatalf("write syn: %v", err)
	}
	if _, err := unix.Write(deviceFd, synRaw); err != nil {
		t.Fatalf("write duplicate syn: %v", err)
	}

	var replies []*packet.Ipv4Packet
	for i := 0; i < 30 && len(replies) == 0; i++ {
		drive(t, sel)
		for hasPending(deviceFd) {
			raw := readSegment(t, deviceFd)
			replies = append(replies, parseTCPReply(t, raw))
		}
	}
	if len(replies) != 1 {
		t.Fatalf("expected exactly one reply to the duplicate SYN pair, got %d", len(replies))
	}
	flags := replies[0].TCP.Flags()
	if flags.RST {
		t.Fatalf("duplicate SYN with matching sequence must not reset the connection, got flags %s", flags)
	}
	if !flags.SYN || !flags.ACK {
		t.Fatalf("expected SYN+ACK, got flags %s", flags)
	}
}

// TestTcpConnectionSynReceivedDataIgnored covers the one case a real device
// stack can produce by coalescing its handshake-completing ACK with the
// first request bytes: that payload must be dropped, not delivered upstream,
// since the connection isn't Established yet when it arrives.
func TestTcpConnectionSynReceivedDataIgnored(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	received := make(chan []byte, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		buf := make([]byte, 1500)
		n, err := conn.Read(buf)
		if err != nil {
			received <- nil
			return
		}
		received <- buf[:n]
	}()

	upstreamAddr := upstream.Addr().(*net.TCPAddr)
	var dstIP [4]byte
	copy(dstIP[:], upstreamAddr.IP.To4())
	dstPort := uint16(upstreamAddr.Port)

	sel, err := reactor.New()
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	_, deviceFd := newTestClient(t, sel)

	deviceIP := [4]byte{10, 0, 0, 6}
	devicePort := uint16(55002)
	clientISN := uint32(2000)

	synRaw := buildTCPSegment(deviceIP, devicePort, dstIP, dstPort, clientISN, 0, 65535, packet.TCPFlags{SYN: true}, nil)
	if _, err := unix.Write(deviceFd, synRaw); err != nil {
		t.Fatalf("write syn: %v", err)
	}

	var synAck *packet.Ipv4Packet
	for i := 0; i < 30 && synAck == nil; i++ {
		drive(t, sel)
		if hasPending(deviceFd) {
			synAck = parseTCPReply(t, readSegment(t, deviceFd))
		}
	}
	if synAck == nil {
		t.Fatal("never received a reply to the SYN")
	}
	relayISN := synAck.TCP.Sequence()

	payload := []byte("piggybacked request")
	ackWithData := buildTCPSegment(deviceIP, devicePort, dstIP, dstPort, clientISN+1, relayISN+1, 65535,
		packet.TCPFlags{ACK: true}, payload)
	if _, err := unix.Write(deviceFd, ackWithData); err != nil {
		t.Fatalf("write handshake ack with data: %v", err)
	}
	drive(t, sel)

	select {
	case got := <-received:
		if got != nil {
			t.Fatalf("upstream received %q, want nothing: payload piggybacked on the handshake ack must be dropped", got)
		}
	case <-time.After(700 * time.Millisecond):
		t.Fatal("upstream accept goroutine never reported a result")
	}
}

// TestTcpConnectionOutOfOrderSegmentReAcksWithoutAdvancing covers spec.md's
// "out-of-order seq" row: a data segment arriving with the wrong sequence
// number must be ignored and re-acked with the unchanged expected sequence,
// not delivered upstream.
func TestTcpConnectionOutOfOrderSegmentReAcksWithoutAdvancing(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	received := make(chan []byte, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		buf := make([]byte, 1500)
		n, err := conn.Read(buf)
		if err != nil {
			received <- nil
			return
		}
		received <- buf[:n]
	}()

	upstreamAddr := upstream.Addr().(*net.TCPAddr)
	var dstIP [4]byte
	copy(dstIP[:], upstreamAddr.IP.To4())
	dstPort := uint16(upstreamAddr.Port)

	sel, err := reactor.New()
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	_, deviceFd := newTestClient(t, sel)

	deviceIP := [4]byte{10, 0, 0, 10}
	devicePort := uint16(55003)
	clientISN := uint32(3000)

	synRaw := buildTCPSegment(deviceIP, devicePort, dstIP, dstPort, clientISN, 0, 65535, packet.TCPFlags{SYN: true}, nil)
	if _, err := unix.Write(deviceFd, synRaw); err != nil {
		t.Fatalf("write syn: %v", err)
	}
	var synAck *packet.Ipv4Packet
	for i := 0; i < 30 && synAck == nil; i++ {
		drive(t, sel)
		if hasPending(deviceFd) {
			synAck = parseTCPReply(t, readSegment(t, deviceFd))
		}
	}
	if synAck == nil {
		t.Fatal("never received a reply to the SYN")
	}
	relayISN := synAck.TCP.Sequence()
	expectedNextSeq := clientISN + 1

	ackRaw := buildTCPSegment(deviceIP, devicePort, dstIP, dstPort, expectedNextSeq, relayISN+1, 65535,
		packet.TCPFlags{ACK: true}, nil)
	if _, err := unix.Write(deviceFd, ackRaw); err != nil {
		t.Fatalf("write handshake ack: %v", err)
	}
	drive(t, sel)

	// Skip ahead 100 bytes of sequence space without ever sending those
	// bytes: a gap, not a retransmit.
	outOfOrder := buildTCPSegment(deviceIP, devicePort, dstIP, dstPort, expectedNextSeq+100, relayISN+1, 65535,
		packet.TCPFlags{ACK: true}, []byte("out of order"))
	if _, err := unix.Write(deviceFd, outOfOrder); err != nil {
		t.Fatalf("write out-of-order segment: %v", err)
	}

	var reack *packet.Ipv4Packet
	for i := 0; i < 30 && reack == nil; i++ {
		drive(t, sel)
		if hasPending(deviceFd) {
			reack = parseTCPReply(t, readSegment(t, deviceFd))
		}
	}
	if reack == nil {
		t.Fatal("never received a re-ack for the out-of-order segment")
	}
	if len(reack.Payload()) != 0 {
		t.Fatalf("re-ack carried %d bytes of payload, want none", len(reack.Payload()))
	}
	if reack.TCP.AckNumber() != expectedNextSeq {
		t.Fatalf("re-ack acknowledges %d, want unchanged %d", reack.TCP.AckNumber(), expectedNextSeq)
	}

	select {
	case got := <-received:
		if got != nil {
			t.Fatalf("upstream received %q, want nothing: out-of-order segment must not be delivered", got)
		}
	case <-time.After(700 * time.Millisecond):
		t.Fatal("upstream accept goroutine never reported a result")
	}
}

// TestTcpConnectionInitNonSynIsReset covers every Init-state row other than
// "client SYN": the connection must reset rather than silently disappear.
func TestTcpConnectionInitNonSynIsReset(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	upstreamAddr := upstream.Addr().(*net.TCPAddr)
	var dstIP [4]byte
	copy(dstIP[:], upstreamAddr.IP.To4())
	dstPort := uint16(upstreamAddr.Port)

	sel, err := reactor.New()
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	_, deviceFd := newTestClient(t, sel)

	deviceIP := [4]byte{10, 0, 0, 11}
	devicePort := uint16(55004)

	bareAck := buildTCPSegment(deviceIP, devicePort, dstIP, dstPort, 1000, 0, 65535, packet.TCPFlags{ACK: true}, nil)
	if _, err := unix.Write(deviceFd, bareAck); err != nil {
		t.Fatalf("write bare ack: %v", err)
	}

	var reply *packet.Ipv4Packet
	for i := 0; i < 30 && reply == nil; i++ {
		drive(t, sel)
		if hasPending(deviceFd) {
			reply = parseTCPReply(t, readSegment(t, deviceFd))
		}
	}
	if reply == nil {
		t.Fatal("never received a reply to the non-SYN opener")
	}
	if !reply.TCP.Flags().RST {
		t.Fatalf("expected RST for a non-SYN first segment, got flags %s", reply.TCP.Flags())
	}
}

// TestTcpConnectionUpdateWindowFormula exercises spec.md's flow-control
// formula directly: remaining_client_window = their_ack + client_window -
// our_seq, clamped to 0 when that exceeds client_window.
func TestTcpConnectionUpdateWindowFormula(t *testing.T) {
	deviceIP := [4]byte{10, 0, 0, 12}
	dstIP := [4]byte{10, 0, 0, 13}

	t.Run("ack caught up to our_seq gives the full window", func(t *testing.T) {
		conn := &TcpConnection{relaySeq: 5000}
		raw := buildTCPSegment(deviceIP, 1, dstIP, 2, 1, 5000, 2000, packet.TCPFlags{ACK: true}, nil)
		pkt, err := packet.Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		conn.updateWindow(pkt)
		if conn.remainingClientWindow != 2000 {
			t.Fatalf("remainingClientWindow = %d, want 2000", conn.remainingClientWindow)
		}
	})

	t.Run("unacked in-flight bytes shrink the window", func(t *testing.T) {
		conn := &TcpConnection{relaySeq: 5000}
		// 1500 bytes already sent past what the device has acked.
		raw := buildTCPSegment(deviceIP, 1, dstIP, 2, 1, 3500, 2000, packet.TCPFlags{ACK: true}, nil)
		pkt, err := packet.Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		conn.updateWindow(pkt)
		if conn.remainingClientWindow != 500 {
			t.Fatalf("remainingClientWindow = %d, want 500", conn.remainingClientWindow)
		}
	})

	t.Run("ack behind by more than the window clamps to zero", func(t *testing.T) {
		conn := &TcpConnection{relaySeq: 5000}
		raw := buildTCPSegment(deviceIP, 1, dstIP, 2, 1, 2000, 2000, packet.TCPFlags{ACK: true}, nil)
		pkt, err := packet.Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		conn.updateWindow(pkt)
		if conn.remainingClientWindow != 0 {
			t.Fatalf("remainingClientWindow = %d, want 0", conn.remainingClientWindow)
		}
	})
}

// TestTcpConnectionDeliverPayloadDropsWithoutAckingWhenBufferFull covers the
// WouldBlock-drop path: a payload that doesn't fit the bounded
// client-to-upstream buffer must be dropped without advancing clientNextSeq
// or sending an ACK for it, so the device retransmits instead of losing data
// the relay never actually accepted.
func TestTcpConnectionDeliverPayloadDropsWithoutAckingWhenBufferFull(t *testing.T) {
	conn := &TcpConnection{
		outBuf:        buffer.NewStreamBuffer(4),
		clientNextSeq: 1000,
	}
	deviceIP := [4]byte{10, 0, 0, 14}
	dstIP := [4]byte{10, 0, 0, 15}
	raw := buildTCPSegment(deviceIP, 1, dstIP, 2, 1, 1, 65535, packet.TCPFlags{ACK: true}, []byte("more than four bytes"))
	pkt, err := packet.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	conn.deliverPayload(pkt)

	if conn.clientNextSeq != 1000 {
		t.Fatalf("clientNextSeq = %d, want unchanged 1000", conn.clientNextSeq)
	}
	if !conn.outBuf.IsEmpty() {
		t.Fatal("outBuf should still be empty: the oversized payload must be dropped, not partially buffered")
	}
}

// hasPending polls fd for readability without blocking.
func hasPending(fd int) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	return err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
}

// readSegment reads one complete IPv4 segment off fd, using the segment's own
// total_length field as framing, same as IPv4PacketBuffer does in production.
func readSegment(t *testing.T, fd int) []byte {
	t.Helper()
	header := readFull(t, fd, 4)
	totalLength := int(header[2])<<8 | int(header[3])
	rest := readFull(t, fd, totalLength-4)
	return append(header, rest...)
}
