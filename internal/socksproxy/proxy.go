// Package socksproxy implements the relay's optional proxy_for hook
// (spec.md §6): when the injected lookup names an upstream SOCKS5 proxy for
// a destination, outbound TCP connections are dialed through it instead of
// directly. The relay's core has no dependency on this package ever being
// wired in.
package socksproxy

import (
	"fmt"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/txthinking/socks5"

	"retether/internal/flog"
)

// Endpoint names one upstream SOCKS5 proxy and optional credentials.
type Endpoint struct {
	Addr     string
	User     string
	Password string
}

// Lookup resolves the proxy endpoint (if any) that should be used to reach
// dst. It is the function signature spec.md's proxy_for hook names.
type Lookup func(dst string) (Endpoint, bool)

// Static returns a Lookup that always routes through the same endpoint —
// the common case of a single configured upstream SOCKS5 proxy.
func Static(ep Endpoint) Lookup {
	return func(string) (Endpoint, bool) { return ep, true }
}

// cachedLookup wraps a Lookup with a short-TTL cache so a busy connection
// table doesn't re-run proxy selection logic per packet's worth of new
// connections.
type cachedLookup struct {
	inner Lookup
	cache *cache.Cache
}

// WithCache decorates lookup with a cache of the given TTL.
func WithCache(lookup Lookup, ttl time.Duration) Lookup {
	c := &cachedLookup{inner: lookup, cache: cache.New(ttl, ttl*2)}
	return c.lookup
}

func (c *cachedLookup) lookup(dst string) (Endpoint, bool) {
	if v, found := c.cache.Get(dst); found {
		entry := v.(cacheEntry)
		return entry.ep, entry.ok
	}
	ep, ok := c.inner(dst)
	c.cache.Set(dst, cacheEntry{ep: ep, ok: ok}, cache.DefaultExpiration)
	return ep, ok
}

type cacheEntry struct {
	ep Endpoint
	ok bool
}

// DialTCP performs a SOCKS5 CONNECT handshake to dst through ep, returning a
// connection ready to carry the proxied TCP stream. The handshake itself is
// a short blocking exchange — acceptable since it only happens once per new
// outbound TCP connection, not on the engine's hot path.
func DialTCP(ep Endpoint, dstIP [4]byte, dstPort uint16) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", ep.Addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socksproxy: dial upstream %s: %w", ep.Addr, err)
	}

	methods := []byte{socks5.MethodNone}
	if ep.User != "" {
		methods = []byte{socks5.MethodUsernamePassword}
	}
	if _, err := socks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socksproxy: method negotiation: %w", err)
	}
	reply, err := socks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("socksproxy: method negotiation reply: %w", err)
	}

	switch reply.Method {
	case socks5.MethodNone:
	case socks5.MethodUsernamePassword:
		req := socks5.NewUserPassNegotiationRequest([]byte(ep.User), []byte(ep.Password))
		if _, err := req.WriteTo(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("socksproxy: user/pass negotiation: %w", err)
		}
		upReply, err := socks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("socksproxy: user/pass reply: %w", err)
		}
		if upReply.Status != socks5.UserPassStatusSuccess {
			conn.Close()
			return nil, fmt.Errorf("socksproxy: credentials rejected")
		}
	default:
		conn.Close()
		return nil, fmt.Errorf("socksproxy: no acceptable authentication method")
	}

	portBytes := []byte{byte(dstPort >> 8), byte(dstPort)}
	req := socks5.NewRequest(socks5.CmdConnect, socks5.ATYPIPv4, dstIP[:], portBytes)
	if _, err := req.WriteTo(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socksproxy: connect request: %w", err)
	}
	connReply, err := socks5.NewReplyFrom(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("socksproxy: connect reply: %w", err)
	}
	if connReply.Rep != socks5.RepSuccess {
		conn.Close()
		return nil, fmt.Errorf("socksproxy: upstream refused connect: rep=%d", connReply.Rep)
	}

	flog.Debugf("socksproxy: connected to %d.%d.%d.%d:%d via %s", dstIP[0], dstIP[1], dstIP[2], dstIP[3], dstPort, ep.Addr)
	return conn, nil
}
