package relay

import (
	"fmt"

	"retether/internal/packet"
)

// ConnectionId is the 5-tuple keying a Connection within a Router. Equal
// tuples denote the same flow for the lifetime of a Client.
type ConnectionId struct {
	Protocol packet.Protocol
	SrcIP    [4]byte
	SrcPort  uint16
	DstIP    [4]byte
	DstPort  uint16
}

// ConnectionIdOf derives a ConnectionId from a client-sent packet's headers.
// ok is false for any protocol other than TCP/UDP.
func ConnectionIdOf(pkt *packet.Ipv4Packet) (ConnectionId, bool) {
	switch pkt.IP.Protocol() {
	case packet.ProtocolTCP:
		return ConnectionId{
			Protocol: packet.ProtocolTCP,
			SrcIP:    pkt.IP.Source(),
			SrcPort:  pkt.TCP.SrcPort(),
			DstIP:    pkt.IP.Destination(),
			DstPort:  pkt.TCP.DstPort(),
		}, true
	case packet.ProtocolUDP:
		return ConnectionId{
			Protocol: packet.ProtocolUDP,
			SrcIP:    pkt.IP.Source(),
			SrcPort:  pkt.UDP.SrcPort(),
			DstIP:    pkt.IP.Destination(),
			DstPort:  pkt.UDP.DstPort(),
		}, true
	default:
		return ConnectionId{}, false
	}
}

func (c ConnectionId) String() string {
	return fmt.Sprintf("%s %d.%d.%d.%d:%d->%d.%d.%d.%d:%d",
		c.Protocol,
		c.SrcIP[0], c.SrcIP[1], c.SrcIP[2], c.SrcIP[3], c.SrcPort,
		c.DstIP[0], c.DstIP[1], c.DstIP[2], c.DstIP[3], c.DstPort,
	)
}
