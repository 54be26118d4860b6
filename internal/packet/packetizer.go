package packet

import "io"

// Packetizer synthesizes reply IPv4 packets for one connection. It is built
// once from the reference IPv4 and transport headers taken off a
// client-sent packet, with source and destination swapped, and then reused
// for every reply — each call re-templates the same backing buffer rather
// than allocating.
type Packetizer struct {
	buf                []byte
	protocol           Protocol
	ipHeaderLen        int
	transportHeaderLen int
	payloadIndex       int
	lastLength         int
}

// New builds a Packetizer from a client-sent packet's headers. The IP and
// transport header bytes are copied into a fresh MaxPacketLength buffer with
// source and destination (and transport ports) swapped, ready to receive a
// reply payload. IPv4 and TCP options of the reference are dropped: the
// copied headers are cut back to their 20-byte minimum.
func New(ref *Ipv4Packet) *Packetizer {
	buf := make([]byte, MaxPacketLength)
	ihl := MinIPv4HeaderLen
	thl := len(ref.TransportWindow())
	if ref.IP.Protocol() == ProtocolTCP {
		thl = MinTCPHeaderLen
	}
	copy(buf[:ihl], ref.IP.Window()[:ihl])
	buf[0] = 4<<4 | byte(ihl/4)
	copy(buf[ihl:ihl+thl], ref.TransportWindow()[:thl])
	if ref.IP.Protocol() == ProtocolTCP {
		buf[ihl+12] = byte(MinTCPHeaderLen/4)<<4 | buf[ihl+12]&0x0f
	}

	p := &Packetizer{
		buf:                buf,
		protocol:           ref.IP.Protocol(),
		ipHeaderLen:        ihl,
		transportHeaderLen: thl,
		payloadIndex:       ihl + thl,
	}

	ipHdr, _ := ParseIPv4Header(buf[:ihl])
	ipHdr.SwapSourceAndDestination()

	// Source/destination port occupy the first 4 bytes of both the TCP and
	// UDP header layouts, so the swap is protocol-agnostic.
	srcPort := be16(buf[ihl : ihl+2])
	dstPort := be16(buf[ihl+2 : ihl+4])
	putBE16(buf[ihl:ihl+2], dstPort)
	putBE16(buf[ihl+2:ihl+4], srcPort)

	return p
}

func (p *Packetizer) view(totalLength int) *Ipv4Packet {
	p.lastLength = totalLength
	putBE16(p.buf[2:4], uint16(totalLength))
	pkt, err := Parse(p.buf[:totalLength])
	if err != nil {
		// Cannot happen: the buffer was built from a previously-valid
		// packet and we only ever shrink/grow the payload region.
		panic("packetizer: inconsistent buffer state: " + err.Error())
	}
	return pkt
}

// PacketizeDatagram reads one datagram from receiver into the payload
// region and synthesizes a complete UDP reply packet, checksums included.
// It returns io.EOF if the read produced no data.
func (p *Packetizer) PacketizeDatagram(receiver io.Reader) (*Ipv4Packet, error) {
	room := len(p.buf) - p.payloadIndex
	n, err := receiver.Read(p.buf[p.payloadIndex : p.payloadIndex+room])
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}

	totalLength := p.payloadIndex + n
	pkt := p.view(totalLength)
	pkt.IP.SetTotalLength(uint16(totalLength))
	pkt.UDP.SetLength(uint16(p.transportHeaderLen + n))
	pkt.UDP.SetChecksumDisabled()
	pkt.IP.ComputeChecksum()
	return pkt, nil
}

// PacketizeRead reads up to maxChunk bytes (bounded by remaining buffer
// room) from stream into the payload region, building a TCP segment whose
// sequence/ack/flags/window the caller must still fill in before computing
// checksums. It returns io.EOF if the read produced no data.
func (p *Packetizer) PacketizeRead(stream io.Reader, maxChunk int) (*Ipv4Packet, error) {
	room := len(p.buf) - p.payloadIndex
	if maxChunk < room {
		room = maxChunk
	}
	if room <= 0 {
		return nil, io.EOF
	}
	n, err := stream.Read(p.buf[p.payloadIndex : p.payloadIndex+room])
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	totalLength := p.payloadIndex + n
	pkt := p.view(totalLength)
	pkt.IP.SetTotalLength(uint16(totalLength))
	return pkt, nil
}

// PacketizeEmptyPayload synthesizes a zero-payload TCP control segment
// (used for SYN/ACK/FIN/RST segments). The caller still fills in
// sequence/ack/flags/window and computes checksums.
func (p *Packetizer) PacketizeEmptyPayload() *Ipv4Packet {
	totalLength := p.payloadIndex
	pkt := p.view(totalLength)
	pkt.IP.SetTotalLength(uint16(totalLength))
	return pkt
}

// Inflate rebinds the buffer as a packet of a previously computed length
// without rereading any source — used to retransmit a packet that was
// deferred by client-side back-pressure, without losing its payload.
func (p *Packetizer) Inflate(length int) *Ipv4Packet {
	return p.view(length)
}

// LastLength returns the total length of the most recently produced packet,
// for recording packet_for_client_length when a send must be deferred.
func (p *Packetizer) LastLength() int { return p.lastLength }
