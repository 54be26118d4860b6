package relay

import (
	"time"

	"retether/internal/packet"
	"retether/internal/reactor"
)

// Connection is a single TCP stream or UDP flow proxied on behalf of a
// Client. TcpConnection and UdpConnection both implement it and are stored
// in a Router's connection table keyed by ConnectionId; both are also
// reactor.Handler so the Selector can dispatch their outbound socket's
// readiness directly to them.
type Connection interface {
	reactor.Handler

	ID() ConnectionId

	// DeliverFromClient processes one client-sent packet already known to
	// belong to this connection's 5-tuple.
	DeliverFromClient(pkt *packet.Ipv4Packet)

	// Closed reports whether the connection has torn itself down and should
	// be dropped from the Router's table.
	Closed() bool

	// Expired reports whether an idle connection should be swept. Only
	// UdpConnection ever returns true; TcpConnection has no relay-side idle
	// timeout.
	Expired(now time.Time) bool

	// Close tears the connection down: closes its outbound socket,
	// deregisters it, and releases any client-side back-pressure slot it
	// held.
	Close()

	// RetryPending re-attempts delivery of a reply parked earlier because
	// the Client's outbound buffer was full. It returns ErrWouldBlock if the
	// buffer is still full.
	RetryPending() error
}
