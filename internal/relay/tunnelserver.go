package relay

import (
	"time"

	"retether/internal/flog"
	"retether/internal/metrics"
	"retether/internal/reactor"
)

// TunnelServer owns the single listening socket the device connects to and
// the set of live Clients accepted on it. There is exactly one of these per
// relay process.
type TunnelServer struct {
	sel *reactor.Selector

	listenFd int
	token    reactor.Token

	mtu      int
	proxyFor ProxyFor

	nextClientID uint32
	clients      map[uint32]*Client
}

// NewTunnelServer binds addr:port and registers the listener for
// edge-triggered readability, so a burst of simultaneous device connections
// (unlikely in practice — spec.md expects one device at a time, but nothing
// stops a second dial-in before the first is torn down) is drained in one
// dispatch rather than one accept per epoll wakeup.
func NewTunnelServer(sel *reactor.Selector, addr [4]byte, port int, mtu int, proxyFor ProxyFor) (*TunnelServer, error) {
	fd, err := listenTCP(addr, port)
	if err != nil {
		return nil, err
	}
	s := &TunnelServer{
		sel:      sel,
		listenFd: fd,
		mtu:      mtu,
		proxyFor: proxyFor,
		clients:  make(map[uint32]*Client),
	}
	token, err := sel.Register(fd, s, reactor.Readable, reactor.EdgeTriggered)
	if err != nil {
		closeFd(fd)
		return nil, err
	}
	s.token = token
	return s, nil
}

func (s *TunnelServer) HandleReady(sel *reactor.Selector, token reactor.Token, readable, writable bool) {
	if !readable {
		return
	}
	for {
		fd, ok, err := acceptOne(s.listenFd)
		if err != nil {
			flog.Warnf("tunnelserver: accept failed: %v", err)
			return
		}
		if !ok {
			return
		}
		s.acceptClient(fd)
	}
}

func (s *TunnelServer) acceptClient(fd int) {
	s.nextClientID++
	id := s.nextClientID
	client := NewClient(id, fd, s.sel, s.mtu, s.proxyFor, s.onClientClosed)
	if err := client.Register(); err != nil {
		flog.Warnf("tunnelserver: registering client %d failed: %v", id, err)
		closeFd(fd)
		return
	}
	s.clients[id] = client
	metrics.ClientsConnected.Inc()
	flog.Infof("tunnelserver: client %d connected", id)
}

func (s *TunnelServer) onClientClosed(c *Client) {
	delete(s.clients, c.ID())
	metrics.ClientsConnected.Dec()
	flog.Infof("tunnelserver: client %d disconnected", c.ID())
}

// SweepExpired runs every live Client's idle-UDP-flow sweep.
func (s *TunnelServer) SweepExpired(now time.Time) {
	for _, c := range s.clients {
		c.SweepExpired(now)
	}
}

// Close tears down the listener and every live Client.
func (s *TunnelServer) Close() {
	s.sel.Deregister(s.token)
	closeFd(s.listenFd)
	for _, c := range s.clients {
		c.Close()
	}
}
