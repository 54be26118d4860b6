package packet

import "fmt"

// MaxPacketLength is the largest packet this engine will synthesize or
// accept — the MTU assumed throughout spec.md §4.7.
const MaxPacketLength = 16384

// Ipv4Packet is a fully parsed view over one IPv4 datagram: the IP header
// plus whichever transport header applies. Exactly one of TCP/UDP is
// non-nil, selected by IP.Protocol().
type Ipv4Packet struct {
	Raw []byte
	IP  *IPv4Header
	TCP *TCPHeader
	UDP *UDPHeader
}

// Parse parses one complete IPv4 packet from raw. raw must contain exactly
// IP.TotalLength() bytes — callers (IPv4PacketBuffer) are responsible for
// slicing the buffer to a single packet's boundary first.
func Parse(raw []byte) (*Ipv4Packet, error) {
	ip, err := ParseIPv4Header(raw)
	if err != nil {
		return nil, err
	}
	if int(ip.TotalLength()) > len(raw) {
		return nil, fmt.Errorf("packet: total length %d exceeds window %d", ip.TotalLength(), len(raw))
	}
	pkt := &Ipv4Packet{Raw: raw[:ip.TotalLength()], IP: ip}
	transport := pkt.Raw[ip.HeaderLength():]
	switch ip.Protocol() {
	case ProtocolTCP:
		tcp, err := ParseTCPHeader(transport)
		if err != nil {
			return nil, err
		}
		pkt.TCP = tcp
	case ProtocolUDP:
		udp, err := ParseUDPHeader(transport)
		if err != nil {
			return nil, err
		}
		pkt.UDP = udp
	}
	return pkt, nil
}

// Valid reports the validity invariant from spec.md §3: version 4 and
// total_length >= header_length. Protocol-specific header parsing already
// enforces its own internal consistency at Parse time.
func (p *Ipv4Packet) Valid() bool {
	return p.IP.Valid() && int(p.IP.TotalLength()) <= MaxIPv4TotalLength
}

// MaxIPv4TotalLength is the largest value the 16-bit IPv4 total_length field
// can hold.
const MaxIPv4TotalLength = 65535

// Payload returns the bytes after the transport header.
func (p *Ipv4Packet) Payload() []byte {
	headerEnd := p.IP.HeaderLength()
	switch p.IP.Protocol() {
	case ProtocolTCP:
		headerEnd += p.TCP.HeaderLength()
	case ProtocolUDP:
		headerEnd += p.UDP.HeaderLength()
	default:
		return nil
	}
	return p.Raw[headerEnd:]
}

// TransportWindow returns the transport header's own byte window.
func (p *Ipv4Packet) TransportWindow() []byte {
	switch p.IP.Protocol() {
	case ProtocolTCP:
		return p.TCP.Window()
	case ProtocolUDP:
		return p.UDP.Window()
	default:
		return nil
	}
}

// TransportSegment returns the transport header plus its payload, as needed
// by the TCP checksum.
func (p *Ipv4Packet) TransportSegment() []byte {
	return p.Raw[p.IP.HeaderLength():]
}
