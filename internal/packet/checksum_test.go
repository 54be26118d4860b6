package packet

import "testing"

func TestTCPChecksumOddPayloadLength(t *testing.T) {
	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}

	segment := make([]byte, MinTCPHeaderLen+3) // odd payload length
	hdr := NewTCPHeader(segment)
	hdr.SetSrcPort(1000)
	hdr.SetDstPort(2000)
	copy(segment[MinTCPHeaderLen:], []byte{0x01, 0x02, 0x03})

	v := hdr.ComputeChecksum(src, dst, segment)
	if v == 0 {
		t.Fatal("expected non-zero checksum")
	}

	// Checksum of a segment that already has the correct checksum in place
	// should sum to 0xFFFF (i.e. fold to zero when including itself).
	sum := pseudoHeaderSum(src, dst, protocolTCPNumber, uint16(len(segment)))
	sum += sum16(segment)
	if folded := foldChecksum(sum); folded != 0 {
		t.Fatalf("expected verifying fold to be 0, got %#04x", folded)
	}
}

func TestIPv4ChecksumValidatesToZero(t *testing.T) {
	raw := make([]byte, MinIPv4HeaderLen)
	raw[0] = 0x45
	raw[8] = 64
	raw[9] = byte(ProtocolUDP)
	copy(raw[12:16], []byte{192, 168, 1, 1})
	copy(raw[16:20], []byte{192, 168, 1, 2})
	putBE16(raw[2:4], uint16(MinIPv4HeaderLen))

	hdr, err := ParseIPv4Header(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	hdr.ComputeChecksum()

	if folded := foldChecksum(sum16(raw)); folded != 0 {
		t.Fatalf("expected header to validate to 0, got %#04x", folded)
	}
}
