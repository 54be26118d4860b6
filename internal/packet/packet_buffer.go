package packet

import (
	"fmt"
	"io"

	"retether/internal/buffer"
)

// IPv4PacketBuffer accumulates raw bytes from the device tunnel stream and
// exposes complete IPv4 packets as they become available. A packet's own
// total_length field is its framing — there is no separate length prefix on
// the wire (spec.md §6), so the buffer must peek that field out of whatever
// has accumulated so far before it can know how much more to wait for.
type IPv4PacketBuffer struct {
	acc *buffer.ByteBuffer
}

// NewIPv4PacketBuffer allocates an IPv4PacketBuffer with the given
// accumulator capacity. Capacity must be at least MaxPacketLength so a
// maximum-size packet always fits.
func NewIPv4PacketBuffer(capacity int) *IPv4PacketBuffer {
	return &IPv4PacketBuffer{acc: buffer.NewByteBuffer(capacity)}
}

// ReadFrom pulls more bytes from src into the accumulator.
func (b *IPv4PacketBuffer) ReadFrom(src io.Reader) (progress bool, err error) {
	return b.acc.ReadFrom(src)
}

// Next extracts the next complete packet, if one is buffered.
//
//   - ready==false, err==nil: not enough bytes buffered yet; try again after
//     the next successful ReadFrom.
//   - ready==true, err!=nil: a full frame was extracted (and consumed) but
//     it failed to parse as a valid packet — the caller should drop it,
//     log, and keep calling Next in case more packets are already queued up
//     behind it.
//   - ready==true, err==nil: pkt is a valid packet, already consumed from
//     the accumulator.
//
// A total_length field too small to be a valid header is an unrecoverable
// framing error: without a trustworthy length there is no way to find the
// start of the next packet, so err is returned with ready==false and the
// caller must close the Client.
func (b *IPv4PacketBuffer) Next() (pkt *Ipv4Packet, ready bool, err error) {
	peek := b.acc.Peek()
	if len(peek) < 4 {
		return nil, false, nil
	}
	totalLength := int(be16(peek[2:4]))
	if totalLength < MinIPv4HeaderLen {
		return nil, false, fmt.Errorf("packet: framing error: total_length %d below minimum header size", totalLength)
	}
	if totalLength > b.acc.Cap() {
		return nil, false, fmt.Errorf("packet: framing error: total_length %d exceeds buffer capacity %d", totalLength, b.acc.Cap())
	}
	if len(peek) < totalLength {
		return nil, false, nil
	}

	raw := make([]byte, totalLength)
	copy(raw, peek[:totalLength])
	b.acc.Consume(totalLength)

	parsed, perr := Parse(raw)
	if perr != nil {
		return nil, true, perr
	}
	return parsed, true, nil
}
