package packet

import "fmt"

// MinTCPHeaderLen is the length of an options-free TCP header, used for
// every TCP segment this engine synthesizes.
const MinTCPHeaderLen = 20

// TCPFlags is the set of control bits carried in a TCP header.
type TCPFlags struct {
	FIN, SYN, RST, PSH, ACK, URG, ECE, CWR bool
}

func (f TCPFlags) String() string {
	s := ""
	for _, b := range []struct {
		set  bool
		name string
	}{
		{f.SYN, "SYN"}, {f.ACK, "ACK"}, {f.FIN, "FIN"}, {f.RST, "RST"},
		{f.PSH, "PSH"}, {f.URG, "URG"}, {f.ECE, "ECE"}, {f.CWR, "CWR"},
	} {
		if b.set {
			if s != "" {
				s += ","
			}
			s += b.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// TCPHeader is a mutable view over a TCP segment's header, plus a cache of
// its parsed fields. Options (if any) are skipped on parse and never
// preserved on mutation — this engine never synthesizes options beyond the
// fixed 20-byte header.
type TCPHeader struct {
	window     []byte
	srcPort    uint16
	dstPort    uint16
	sequence   uint32
	ack        uint32
	dataOffset int // header length in bytes, including options
	flags      TCPFlags
	window16   uint16
	urgent     uint16
}

// ParseTCPHeader parses the TCP header at the start of segment. segment must
// contain at least the full header (including any options) per the data
// offset field.
func ParseTCPHeader(segment []byte) (*TCPHeader, error) {
	if len(segment) < MinTCPHeaderLen {
		return nil, fmt.Errorf("packet: tcp header too short: %d bytes", len(segment))
	}
	dataOffset := int(segment[12]>>4) * 4
	if dataOffset < MinTCPHeaderLen {
		return nil, fmt.Errorf("packet: tcp data offset %d below minimum", dataOffset)
	}
	if len(segment) < dataOffset {
		return nil, fmt.Errorf("packet: tcp data offset %d exceeds segment %d", dataOffset, len(segment))
	}
	h := &TCPHeader{window: segment[:dataOffset], dataOffset: dataOffset}
	h.srcPort = be16(segment[0:2])
	h.dstPort = be16(segment[2:4])
	h.sequence = be32(segment[4:8])
	h.ack = be32(segment[8:12])
	flagByte := segment[13]
	h.flags = TCPFlags{
		FIN: flagByte&0x01 != 0,
		SYN: flagByte&0x02 != 0,
		RST: flagByte&0x04 != 0,
		PSH: flagByte&0x08 != 0,
		ACK: flagByte&0x10 != 0,
		URG: flagByte&0x20 != 0,
		ECE: flagByte&0x40 != 0,
		CWR: flagByte&0x80 != 0,
	}
	h.window16 = be16(segment[14:16])
	h.urgent = be16(segment[18:20])
	return h, nil
}

// NewTCPHeader initializes a fresh options-free TCP header in window, which
// must be at least MinTCPHeaderLen bytes. All fields start zeroed.
func NewTCPHeader(window []byte) *TCPHeader {
	for i := range window[:MinTCPHeaderLen] {
		window[i] = 0
	}
	window[12] = byte(MinTCPHeaderLen/4) << 4
	return &TCPHeader{window: window[:MinTCPHeaderLen], dataOffset: MinTCPHeaderLen}
}

func (h *TCPHeader) Window() []byte      { return h.window }
func (h *TCPHeader) HeaderLength() int   { return h.dataOffset }
func (h *TCPHeader) SrcPort() uint16     { return h.srcPort }
func (h *TCPHeader) DstPort() uint16     { return h.dstPort }
func (h *TCPHeader) Sequence() uint32    { return h.sequence }
func (h *TCPHeader) AckNumber() uint32   { return h.ack }
func (h *TCPHeader) WindowSize() uint16  { return h.window16 }
func (h *TCPHeader) Flags() TCPFlags     { return h.flags }
func (h *TCPHeader) UrgentPointer() uint16 { return h.urgent }

func (h *TCPHeader) SetSrcPort(v uint16) {
	h.srcPort = v
	putBE16(h.window[0:2], v)
}

func (h *TCPHeader) SetDstPort(v uint16) {
	h.dstPort = v
	putBE16(h.window[2:4], v)
}

func (h *TCPHeader) SetSequence(v uint32) {
	h.sequence = v
	putBE32(h.window[4:8], v)
}

func (h *TCPHeader) SetAckNumber(v uint32) {
	h.ack = v
	putBE32(h.window[8:12], v)
}

func (h *TCPHeader) SetWindowSize(v uint16) {
	h.window16 = v
	putBE16(h.window[14:16], v)
}

func (h *TCPHeader) SetFlags(f TCPFlags) {
	h.flags = f
	var b byte
	if f.FIN {
		b |= 0x01
	}
	if f.SYN {
		b |= 0x02
	}
	if f.RST {
		b |= 0x04
	}
	if f.PSH {
		b |= 0x08
	}
	if f.ACK {
		b |= 0x10
	}
	if f.URG {
		b |= 0x20
	}
	if f.ECE {
		b |= 0x40
	}
	if f.CWR {
		b |= 0x80
	}
	h.window[13] = b
}

// SwapSrcAndDstPort exchanges source and destination ports.
func (h *TCPHeader) SwapSrcAndDstPort() {
	h.srcPort, h.dstPort = h.dstPort, h.srcPort
	putBE16(h.window[0:2], h.srcPort)
	putBE16(h.window[2:4], h.dstPort)
}

func (h *TCPHeader) Checksum() uint16     { return be16(h.window[16:18]) }
func (h *TCPHeader) SetChecksum(v uint16) { putBE16(h.window[16:18], v) }

// ComputeChecksum computes and stores the TCP checksum over the full
// segment (header+payload), given the enclosing IPv4 addresses.
func (h *TCPHeader) ComputeChecksum(src, dst [4]byte, segment []byte) uint16 {
	h.SetChecksum(0)
	v := tcpChecksum(src, dst, segment)
	h.SetChecksum(v)
	return v
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
