package buffer

import "errors"

// ErrWouldBlock is the distinguished "nothing to do right now" signal used
// throughout the relay engine: a full StreamBuffer, a full DatagramBuffer, or
// a non-blocking socket op that would otherwise block all report this same
// sentinel. It is never surfaced to a peer as an error; it only ever causes
// the caller to defer and retry on the next readiness event.
var ErrWouldBlock = errors.New("buffer: would block")
