package relay

import (
	"errors"

	"retether/internal/buffer"
)

// ErrWouldBlock is re-exported from buffer so callers throughout this
// package can treat a full outbound buffer and a non-blocking socket that
// isn't ready yet as the same signal.
var ErrWouldBlock = buffer.ErrWouldBlock

// ErrInterrupted is the relay loop's retry signal for an interrupted poll.
// The epoll Selector retries EINTR itself, so Poll never returns it; Run
// still treats it as "poll again" rather than a fatal error.
var ErrInterrupted = errors.New("relay: interrupted")

// ErrUnsupportedProtocol is returned by the router when asked to route a
// transport protocol other than TCP or UDP.
var ErrUnsupportedProtocol = errors.New("relay: unsupported protocol")
