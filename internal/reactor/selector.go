// Package reactor is the Selector from spec.md §4.3: a thin wrapper over the
// OS readiness multiplexer that maps opaque tokens to handlers, so the relay
// engine can run as a single cooperative event loop over non-blocking
// sockets with no locking.
package reactor

import (
	"sync/atomic"
	"time"
)

// Token is the opaque handle identifying one registered source.
type Token uint32

// Interest is the set of readiness conditions a registration cares about.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Policy selects level- vs edge-triggered notification for a registration.
// Data sockets use LevelTriggered (simpler re-entry on partial reads/writes);
// the TunnelServer's listening socket uses EdgeTriggered.
type Policy int

const (
	LevelTriggered Policy = iota
	EdgeTriggered
)

// Handler is invoked by RunHandlers when its registered source becomes
// ready. It receives the Selector itself so it may register additional
// sources (e.g. a TunnelServer registering a freshly accepted Client) from
// within the dispatch of another event.
type Handler interface {
	HandleReady(sel *Selector, token Token, readable, writable bool)
}

// Event is one readiness notification returned by Poll.
type Event struct {
	Token     Token
	Readable  bool
	Writable  bool
}

type registration struct {
	fd       int
	handler  Handler
	interest Interest
	policy   Policy
	removed  bool
}

// Selector is the readiness-multiplexer-plus-handler-table driving the
// relay's single-threaded event loop. All methods are expected to be called
// from that one thread; there is no internal locking.
type Selector struct {
	impl            selectorImpl
	handlers        map[Token]*registration
	nextToken       uint32
	pendingRemovals []Token
}

// New constructs a Selector backed by the OS's readiness multiplexer.
func New() (*Selector, error) {
	impl, err := newSelectorImpl()
	if err != nil {
		return nil, err
	}
	return &Selector{
		impl:     impl,
		handlers: make(map[Token]*registration),
	}, nil
}

func (s *Selector) allocToken() Token {
	return Token(atomic.AddUint32(&s.nextToken, 1))
}

// Register adds fd to the poller under a fresh token and associates handler
// with it.
func (s *Selector) Register(fd int, handler Handler, interest Interest, policy Policy) (Token, error) {
	token := s.allocToken()
	if err := s.impl.add(fd, token, interest, policy); err != nil {
		return 0, err
	}
	s.handlers[token] = &registration{fd: fd, handler: handler, interest: interest, policy: policy}
	return token, nil
}

// Reregister changes the interest/policy of an existing registration.
func (s *Selector) Reregister(token Token, interest Interest, policy Policy) error {
	reg, ok := s.handlers[token]
	if !ok || reg.removed {
		return nil
	}
	if reg.interest == interest && reg.policy == policy {
		return nil
	}
	if err := s.impl.modify(reg.fd, token, interest, policy); err != nil {
		return err
	}
	reg.interest = interest
	reg.policy = policy
	return nil
}

// Deregister stops notifications for token immediately. The Token→handler
// mapping itself is only dropped at the end of the current RunHandlers
// batch, which is what guarantees a handler already captured in this
// batch's event list is never invoked after it deregistered earlier in the
// same batch (spec.md §8's Selector idempotence property). A fresh Register
// call is never handed a token still pending removal, since tokens are
// monotonically allocated and never reused.
func (s *Selector) Deregister(token Token) error {
	reg, ok := s.handlers[token]
	if !ok || reg.removed {
		return nil
	}
	if err := s.impl.remove(reg.fd); err != nil {
		return err
	}
	reg.removed = true
	s.pendingRemovals = append(s.pendingRemovals, token)
	return nil
}

// Poll blocks for up to timeout waiting for readiness events. A timeout of
// 0 means don't block at all; a negative timeout means block indefinitely.
func (s *Selector) Poll(timeout time.Duration) ([]Event, error) {
	return s.impl.wait(timeout)
}

// RunHandlers dispatches each event to its registered handler, skipping any
// token that was deregistered earlier in this same batch, then flushes the
// deferred removal list.
func (s *Selector) RunHandlers(events []Event) {
	for _, ev := range events {
		reg, ok := s.handlers[ev.Token]
		if !ok || reg.removed {
			continue
		}
		reg.handler.HandleReady(s, ev.Token, ev.Readable, ev.Writable)
	}
	for _, tok := range s.pendingRemovals {
		delete(s.handlers, tok)
	}
	s.pendingRemovals = s.pendingRemovals[:0]
}

// Close releases the underlying poller.
func (s *Selector) Close() error {
	return s.impl.close()
}

// selectorImpl is the OS-specific backing implementation; selector_linux.go
// provides the only one this engine ships, over epoll.
type selectorImpl interface {
	add(fd int, token Token, interest Interest, policy Policy) error
	modify(fd int, token Token, interest Interest, policy Policy) error
	remove(fd int) error
	wait(timeout time.Duration) ([]Event, error)
	close() error
}
