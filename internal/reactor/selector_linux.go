//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollSelector is the only selectorImpl this engine ships: a direct epoll
// wrapper. The relay runs as a host-side process on Linux, so this is the
// one readiness backend that matters.
type epollSelector struct {
	epfd int
	buf  []unix.EpollEvent
}

func newSelectorImpl() (selectorImpl, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollSelector{epfd: fd, buf: make([]unix.EpollEvent, 256)}, nil
}

func epollEventsFor(interest Interest, policy Policy) uint32 {
	var ev uint32
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if policy == EdgeTriggered {
		ev |= unix.EPOLLET
	}
	return ev
}

func (s *epollSelector) add(fd int, token Token, interest Interest, policy Policy) error {
	ev := unix.EpollEvent{Events: epollEventsFor(interest, policy), Fd: int32(token)}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (s *epollSelector) modify(fd int, token Token, interest Interest, policy Policy) error {
	ev := unix.EpollEvent{Events: epollEventsFor(interest, policy), Fd: int32(token)}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (s *epollSelector) remove(fd int) error {
	err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// wait calls epoll_wait, retrying transparently on EINTR, so a bare signal
// interruption during poll never reaches the relay loop as an error.
func (s *epollSelector) wait(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	var n int
	var err error
	for {
		n, err = unix.EpollWait(s.epfd, s.buf, ms)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := s.buf[i]
		events = append(events, Event{
			Token:    Token(raw.Fd),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: raw.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}
	return events, nil
}

func (s *epollSelector) close() error {
	return unix.Close(s.epfd)
}
