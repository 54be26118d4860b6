package relay

import (
	"encoding/binary"
	"io"
	"time"

	"retether/internal/buffer"
	"retether/internal/flog"
	"retether/internal/packet"
	"retether/internal/reactor"
)

// clientStreamBufferPackets is the StreamBuffer capacity in units of
// MaxPacketLength, per spec.md §3.
const clientStreamBufferPackets = 16

// Client is one device-side session: a single framed TCP stream carrying a
// concatenation of raw IPv4 packets in both directions. It owns the Router
// for the flows it has opened and the outbound buffer every one of those
// flows synthesizes replies into.
type Client struct {
	id      uint32
	corr    string
	fd      int
	sel     *reactor.Selector
	token   reactor.Token
	onClose func(*Client)

	idBytes        [4]byte
	pendingIDBytes int

	in  *packet.IPv4PacketBuffer
	out *buffer.StreamBuffer

	router   *Router
	proxyFor ProxyFor

	pending []Connection // pending_packet_sources, FIFO

	closed       bool
	curInterest  reactor.Interest
}

// NewClient wraps an accepted device connection. id is the identifier
// TunnelServer assigned; it is sent as 4 big-endian bytes before any other
// traffic.
func NewClient(id uint32, fd int, sel *reactor.Selector, mtu int, proxyFor ProxyFor, onClose func(*Client)) *Client {
	c := &Client{
		id:             id,
		corr:           flog.NewCorrelationID(),
		fd:             fd,
		sel:            sel,
		onClose:        onClose,
		pendingIDBytes: 4,
		in:             packet.NewIPv4PacketBuffer(mtu),
		out:            buffer.NewStreamBuffer(clientStreamBufferPackets * packet.MaxPacketLength),
		proxyFor:       proxyFor,
	}
	binary.BigEndian.PutUint32(c.idBytes[:], id)
	c.router = NewRouter(c)
	return c
}

// ID returns the client identifier sent to the device at connect time.
func (c *Client) ID() uint32 { return c.id }

// SweepExpired sweeps this Client's idle UDP flows.
func (c *Client) SweepExpired(now time.Time) {
	c.router.CleanExpired(now)
}

// Register adds the Client's stream to sel, starting out interested only in
// writability so its id bytes go out before any packet traffic is read.
func (c *Client) Register() error {
	token, err := c.sel.Register(c.fd, c, reactor.Writable, reactor.LevelTriggered)
	if err != nil {
		return err
	}
	c.token = token
	c.curInterest = reactor.Writable
	return nil
}

// Channel returns a narrow handle connections use to push a synthesized
// reply into this Client's outbound buffer, without needing the full Client
// (spec.md §9's ClientChannel split-borrow pattern — in Go this is about
// keeping the surface a Connection can touch narrow, not about a borrow
// checker).
func (c *Client) Channel() *ClientChannel {
	return &ClientChannel{client: c}
}

// AddPending enqueues conn onto the back-pressure queue if it isn't already
// there.
func (c *Client) AddPending(conn Connection) {
	for _, existing := range c.pending {
		if existing == conn {
			return
		}
	}
	c.pending = append(c.pending, conn)
}

func (c *Client) HandleReady(sel *reactor.Selector, token reactor.Token, readable, writable bool) {
	if c.closed {
		return
	}
	if writable {
		c.onWritable()
	}
	if !c.closed && readable {
		c.onReadable()
	}
	if !c.closed {
		c.recomputeInterest()
	}
}

func (c *Client) onWritable() {
	rw := fdReadWriter{c.fd}
	if c.pendingIDBytes > 0 {
		tail := c.idBytes[4-c.pendingIDBytes:]
		n, err := rw.Write(tail)
		if err == ErrWouldBlock {
			return
		}
		if err != nil {
			flog.Warnf("client %s: failed writing id: %v", c.corr, err)
			c.Close()
			return
		}
		c.pendingIDBytes -= n
		return
	}

	for !c.out.IsEmpty() {
		n, err := c.out.WriteTo(rw)
		if err == ErrWouldBlock || (err == nil && n == 0) {
			break
		}
		if err != nil {
			flog.Warnf("client %s: failed draining outbound stream: %v", c.corr, err)
			c.Close()
			return
		}
	}

	c.resumePending()
}

func (c *Client) resumePending() {
	for len(c.pending) > 0 {
		src := c.pending[0]
		err := src.RetryPending()
		if err == ErrWouldBlock {
			return
		}
		if err != nil {
			src.Close()
		}
		c.pending = c.pending[1:]
	}
}

func (c *Client) onReadable() {
	if c.pendingIDBytes > 0 {
		return
	}
	rw := fdReadWriter{c.fd}
	for {
		progress, err := c.in.ReadFrom(rw)
		if err == ErrWouldBlock {
			break
		}
		if err == io.EOF {
			c.Close()
			return
		}
		if err != nil {
			flog.Warnf("client %s: read error: %v", c.corr, err)
			c.Close()
			return
		}
		if !progress {
			break
		}
		if !c.drainPackets() {
			return
		}
	}
}

// drainPackets extracts every complete packet currently buffered and routes
// it. It returns false if doing so closed the Client (an unrecoverable
// framing error).
func (c *Client) drainPackets() bool {
	for {
		pkt, ready, err := c.in.Next()
		if !ready {
			if err != nil {
				flog.Warnf("client %s: framing error, closing: %v", c.corr, err)
				c.Close()
				return false
			}
			return true
		}
		if err != nil {
			flog.Warnf("client %s: dropping unparseable packet: %v", c.corr, err)
			continue
		}
		c.router.SendToNetwork(pkt)
	}
}

// recomputeInterest applies spec.md §4.5's interest rule and only calls
// Reregister when the desired set actually changed.
func (c *Client) recomputeInterest() {
	if c.closed {
		return
	}
	want := reactor.Readable
	if c.pendingIDBytes > 0 || !c.out.IsEmpty() {
		want |= reactor.Writable
	}
	if want == c.curInterest {
		return
	}
	if err := c.sel.Reregister(c.token, want, reactor.LevelTriggered); err != nil {
		flog.Warnf("client %s: reregister failed: %v", c.corr, err)
		return
	}
	c.curInterest = want
}

// Close is idempotent: mark closed, deregister, close all owned
// connections, and invoke the close continuation exactly once.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.sel.Deregister(c.token)
	closeFd(c.fd)
	c.router.Clear()
	if c.onClose != nil {
		c.onClose(c)
	}
}

// ClientChannel is the restricted view a Connection uses to deliver a reply
// into the Client's outbound buffer while the Router — owned by the same
// Client — is in the middle of dispatching to that Connection.
type ClientChannel struct {
	client *Client
}

// SendToClient enqueues raw (a complete synthesized IPv4 packet) into the
// Client's outbound stream. It fails with ErrWouldBlock if raw does not
// currently fit.
func (ch *ClientChannel) SendToClient(raw []byte) error {
	if len(raw) > ch.client.out.Remaining() {
		return ErrWouldBlock
	}
	if err := ch.client.out.ReadFrom(raw); err != nil {
		return err
	}
	ch.client.recomputeInterest()
	return nil
}

// Selector gives a Connection access to the shared event loop for
// registering its own outbound socket.
func (ch *ClientChannel) Selector() *reactor.Selector { return ch.client.sel }
