package packet

import "fmt"

// UDPHeaderLen is the fixed length of a UDP header.
const UDPHeaderLen = 8

// UDPHeader is a mutable view over a UDP header, plus a cache of its parsed
// fields.
type UDPHeader struct {
	window  []byte
	srcPort uint16
	dstPort uint16
	length  uint16
}

// ParseUDPHeader parses the UDP header at the start of segment.
func ParseUDPHeader(segment []byte) (*UDPHeader, error) {
	if len(segment) < UDPHeaderLen {
		return nil, fmt.Errorf("packet: udp header too short: %d bytes", len(segment))
	}
	h := &UDPHeader{window: segment[:UDPHeaderLen]}
	h.srcPort = be16(segment[0:2])
	h.dstPort = be16(segment[2:4])
	h.length = be16(segment[4:6])
	return h, nil
}

// NewUDPHeader initializes a fresh UDP header in window, which must be at
// least UDPHeaderLen bytes.
func NewUDPHeader(window []byte) *UDPHeader {
	for i := range window[:UDPHeaderLen] {
		window[i] = 0
	}
	return &UDPHeader{window: window[:UDPHeaderLen]}
}

func (h *UDPHeader) Window() []byte     { return h.window }
func (h *UDPHeader) HeaderLength() int  { return UDPHeaderLen }
func (h *UDPHeader) SrcPort() uint16    { return h.srcPort }
func (h *UDPHeader) DstPort() uint16    { return h.dstPort }
func (h *UDPHeader) Length() uint16     { return h.length }
func (h *UDPHeader) PayloadLength() int { return int(h.length) - UDPHeaderLen }

func (h *UDPHeader) SetSrcPort(v uint16) {
	h.srcPort = v
	putBE16(h.window[0:2], v)
}

func (h *UDPHeader) SetDstPort(v uint16) {
	h.dstPort = v
	putBE16(h.window[2:4], v)
}

func (h *UDPHeader) SetLength(v uint16) {
	h.length = v
	putBE16(h.window[4:6], v)
}

// SwapSrcAndDstPort exchanges source and destination ports.
func (h *UDPHeader) SwapSrcAndDstPort() {
	h.srcPort, h.dstPort = h.dstPort, h.srcPort
	putBE16(h.window[0:2], h.srcPort)
	putBE16(h.window[2:4], h.dstPort)
}

// SetChecksumDisabled writes the all-zero UDP checksum, which RFC 768
// permits over IPv4 and which spec.md requires this engine always emit.
func (h *UDPHeader) SetChecksumDisabled() {
	putBE16(h.window[6:8], 0)
}
