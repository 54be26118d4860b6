// Package packet implements the IPv4/TCP/UDP header codec the relay engine
// uses to parse client-sent datagrams and synthesize reply packets. Headers
// are addressable both as a mutable byte window (for zero-copy handoff to a
// socket write) and as a cached parsed-field struct that every mutator keeps
// in sync with the window, so repeated reads never re-parse the bytes.
package packet

import "fmt"

// Protocol identifies the IPv4 payload protocol this engine understands.
type Protocol byte

const (
	ProtocolTCP   Protocol = 6
	ProtocolUDP   Protocol = 17
	ProtocolOther Protocol = 0
)

const protocolTCPNumber = byte(ProtocolTCP)
const protocolUDPNumber = byte(ProtocolUDP)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return "OTHER"
	}
}

// MinIPv4HeaderLen is the header length of an options-free IPv4 header, used
// for every packet this engine synthesizes.
const MinIPv4HeaderLen = 20

// IPv4Header is a mutable view over the IPv4 header portion of a packet
// buffer, plus a cache of its parsed fields.
type IPv4Header struct {
	window       []byte
	headerLength int
	totalLength  uint16
	protocol     Protocol
	source       [4]byte
	destination  [4]byte
}

// ParseIPv4Header parses the IPv4 header at the start of window. window must
// be at least 20 bytes; the returned header's byte window is exactly
// headerLength bytes of the input, aliasing the same storage.
func ParseIPv4Header(window []byte) (*IPv4Header, error) {
	if len(window) < MinIPv4HeaderLen {
		return nil, fmt.Errorf("packet: ipv4 header too short: %d bytes", len(window))
	}
	version := int(window[0] >> 4)
	ihl := int(window[0]&0x0f) * 4
	if ihl < MinIPv4HeaderLen {
		return nil, fmt.Errorf("packet: ipv4 header length %d below minimum", ihl)
	}
	if version != 4 {
		return nil, fmt.Errorf("packet: unsupported ip version %d", version)
	}
	if len(window) < ihl {
		return nil, fmt.Errorf("packet: ipv4 header length %d exceeds window %d", ihl, len(window))
	}
	h := &IPv4Header{window: window[:ihl], headerLength: ihl}
	h.totalLength = be16(window[2:4])
	h.protocol = protocolFromByte(window[9])
	copy(h.source[:], window[12:16])
	copy(h.destination[:], window[16:20])
	return h, nil
}

func protocolFromByte(b byte) Protocol {
	switch b {
	case protocolTCPNumber:
		return ProtocolTCP
	case protocolUDPNumber:
		return ProtocolUDP
	default:
		return ProtocolOther
	}
}

// Window returns the raw header bytes, aliasing the packet's storage.
func (h *IPv4Header) Window() []byte { return h.window }

// Version is always 4 for a parsed header.
func (h *IPv4Header) Version() int { return 4 }

// HeaderLength returns the IHL-derived header length in bytes.
func (h *IPv4Header) HeaderLength() int { return h.headerLength }

// TotalLength returns the cached total length field.
func (h *IPv4Header) TotalLength() uint16 { return h.totalLength }

// SetTotalLength updates both the cache and the byte window.
func (h *IPv4Header) SetTotalLength(v uint16) {
	h.totalLength = v
	putBE16(h.window[2:4], v)
}

// Protocol returns the cached protocol field.
func (h *IPv4Header) Protocol() Protocol { return h.protocol }

// SetProtocol updates both the cache and the byte window.
func (h *IPv4Header) SetProtocol(p Protocol) {
	h.protocol = p
	h.window[9] = byte(p)
}

// Source returns the cached source address.
func (h *IPv4Header) Source() [4]byte { return h.source }

// SetSource updates both the cache and the byte window.
func (h *IPv4Header) SetSource(ip [4]byte) {
	h.source = ip
	copy(h.window[12:16], ip[:])
}

// Destination returns the cached destination address.
func (h *IPv4Header) Destination() [4]byte { return h.destination }

// SetDestination updates both the cache and the byte window.
func (h *IPv4Header) SetDestination(ip [4]byte) {
	h.destination = ip
	copy(h.window[16:20], ip[:])
}

// SwapSourceAndDestination exchanges source and destination. Applying it
// twice is the identity on both the cache and the byte window.
func (h *IPv4Header) SwapSourceAndDestination() {
	h.source, h.destination = h.destination, h.source
	copy(h.window[12:16], h.source[:])
	copy(h.window[16:20], h.destination[:])
}

// Checksum returns the header checksum field currently stored in the window.
func (h *IPv4Header) Checksum() uint16 { return be16(h.window[10:12]) }

// SetChecksum writes v into the header checksum field.
func (h *IPv4Header) SetChecksum(v uint16) { putBE16(h.window[10:12], v) }

// ComputeChecksum recomputes and stores the IPv4 header checksum, returning
// the value written.
func (h *IPv4Header) ComputeChecksum() uint16 {
	h.SetChecksum(0)
	v := ipv4Checksum(h.window)
	h.SetChecksum(v)
	return v
}

// Valid reports whether the header satisfies spec.md's validity invariant:
// version 4, and total length at least the header length.
func (h *IPv4Header) Valid() bool {
	return h.Version() == 4 && int(h.totalLength) >= h.headerLength
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func putBE16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
