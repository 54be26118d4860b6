//go:build linux

package reactor

import "golang.org/x/sys/unix"

// Wakeup is a self-pipe registered with a Selector so a goroutine outside
// the event loop — typically a context-cancellation watcher — can make an
// in-flight Poll return promptly instead of waiting out its full timeout.
// It carries no payload of its own: draining it on HandleReady is enough,
// the actual signal a caller cares about (ctx.Done(), a shutdown flag) lives
// elsewhere.
type Wakeup struct {
	readFd, writeFd int
}

// NewWakeup creates a self-pipe and registers its read end with sel.
func NewWakeup(sel *Selector) (*Wakeup, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	w := &Wakeup{readFd: fds[0], writeFd: fds[1]}
	if _, err := sel.Register(w.readFd, w, Readable, LevelTriggered); err != nil {
		unix.Close(w.readFd)
		unix.Close(w.writeFd)
		return nil, err
	}
	return w, nil
}

// Notify wakes any in-flight Poll call. Safe to call from any goroutine,
// including concurrently with the event loop thread itself.
func (w *Wakeup) Notify() {
	unix.Write(w.writeFd, []byte{0})
}

// HandleReady drains the pipe so it doesn't keep reporting readable forever.
func (w *Wakeup) HandleReady(sel *Selector, token Token, readable, writable bool) {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(w.readFd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases both pipe ends.
func (w *Wakeup) Close() {
	unix.Close(w.readFd)
	unix.Close(w.writeFd)
}
