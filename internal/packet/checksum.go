package packet

import "encoding/binary"

// sum16 computes the 16-bit one's-complement sum of data, treating it as a
// sequence of big-endian 16-bit words. An odd trailing byte is treated as
// the high-order byte of a final word, per RFC 791/793.
func sum16(data []byte) uint32 {
	var sum uint32
	n := len(data)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if i < n {
		sum += uint32(data[i]) << 8
	}
	return sum
}

// foldChecksum folds a 32-bit accumulated sum down to 16 bits, carrying
// overflow back in, and returns the one's complement.
func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// ipv4Checksum computes the IPv4 header checksum over header, which must
// have its checksum field (bytes 10:12) zeroed by the caller first.
func ipv4Checksum(header []byte) uint16 {
	return foldChecksum(sum16(header))
}

// pseudoHeaderSum accumulates the IPv4 pseudo-header used by TCP and UDP
// checksums: source, destination, zero byte, protocol, and the transport
// segment length.
func pseudoHeaderSum(src, dst [4]byte, protocol byte, length uint16) uint32 {
	var buf [12]byte
	copy(buf[0:4], src[:])
	copy(buf[4:8], dst[:])
	buf[8] = 0
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], length)
	return sum16(buf[:])
}

// tcpChecksum computes the TCP checksum over a segment (header+payload)
// whose checksum field must already be zeroed by the caller.
func tcpChecksum(src, dst [4]byte, segment []byte) uint16 {
	sum := pseudoHeaderSum(src, dst, protocolTCPNumber, uint16(len(segment)))
	sum += sum16(segment)
	return foldChecksum(sum)
}
