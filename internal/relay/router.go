package relay

import (
	"time"

	"retether/internal/flog"
	"retether/internal/metrics"
	"retether/internal/packet"
)

// Router holds one Client's open connections, keyed by ConnectionId. Typical
// cardinality per device session is low, so a linear scan is adequate —
// there is no hash map indirection to maintain.
type Router struct {
	client      *Client
	connections []Connection
}

// NewRouter builds an empty Router owned by client.
func NewRouter(client *Client) *Router {
	return &Router{client: client}
}

func (r *Router) find(id ConnectionId) Connection {
	for _, c := range r.connections {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// SendToNetwork is the client→network dispatch path: find or create the
// connection for pkt's 5-tuple and deliver the packet to it.
func (r *Router) SendToNetwork(pkt *packet.Ipv4Packet) {
	if !pkt.Valid() {
		flog.Warnf("router: dropping invalid packet")
		return
	}
	id, ok := ConnectionIdOf(pkt)
	if !ok {
		metrics.PacketsDroppedUnsupported.Inc()
		flog.Warnf("router: dropping packet with unsupported protocol %s", pkt.IP.Protocol())
		return
	}

	conn := r.find(id)
	if conn == nil {
		created, err := r.create(id, pkt)
		if err != nil {
			flog.Warnf("router: failed to open connection for %s: %v", id, err)
			return
		}
		conn = created
		r.connections = append(r.connections, conn)
		metrics.ConnectionsOpen.WithLabelValues(id.Protocol.String()).Inc()
		if id.Protocol == packet.ProtocolTCP {
			metrics.TCPConnectionsOpened.Inc()
		}
	}

	conn.DeliverFromClient(pkt)
	if conn.Closed() {
		r.removeByIdentity(conn)
		metrics.ConnectionsOpen.WithLabelValues(id.Protocol.String()).Dec()
	}
}

func (r *Router) create(id ConnectionId, pkt *packet.Ipv4Packet) (Connection, error) {
	switch id.Protocol {
	case packet.ProtocolTCP:
		return newTcpConnection(id, r.client, r, r.client.proxyFor)
	case packet.ProtocolUDP:
		return newUdpConnection(id, r.client, r)
	default:
		return nil, ErrUnsupportedProtocol
	}
}

// removeByIdentity drops conn from the table by pointer identity, swapping
// with the last entry since order does not matter.
func (r *Router) removeByIdentity(conn Connection) {
	for i, c := range r.connections {
		if c == conn {
			last := len(r.connections) - 1
			r.connections[i] = r.connections[last]
			r.connections = r.connections[:last]
			return
		}
	}
}

// Clear closes every connection, used when the owning Client itself closes.
func (r *Router) Clear() {
	for _, c := range r.connections {
		c.Close()
		metrics.ConnectionsOpen.WithLabelValues(c.ID().Protocol.String()).Dec()
	}
	r.connections = nil
}

// CleanExpired sweeps idle UDP flows. It walks in reverse so swap-removal
// during iteration is safe.
func (r *Router) CleanExpired(now time.Time) {
	for i := len(r.connections) - 1; i >= 0; i-- {
		c := r.connections[i]
		if c.Expired(now) {
			c.Close()
			metrics.ConnectionsOpen.WithLabelValues(c.ID().Protocol.String()).Dec()
			metrics.UDPFlowsExpired.Inc()
			last := len(r.connections) - 1
			r.connections[i] = r.connections[last]
			r.connections = r.connections[:last]
		}
	}
}
