//go:build linux

package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type recordingHandler struct {
	calls *int
	self  Token
	// deregisterOther, if set, is deregistered from within HandleReady,
	// exercising the deferred-removal guarantee.
	deregisterOther *Token
}

func (h *recordingHandler) HandleReady(sel *Selector, token Token, readable, writable bool) {
	*h.calls++
	if h.deregisterOther != nil {
		sel.Deregister(*h.deregisterOther)
	}
}

func pipeFds(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	return fds[0], fds[1]
}

func TestSelectorReportsReadableOnWrite(t *testing.T) {
	sel, err := New()
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	r, w := pipeFds(t)
	defer unix.Close(r)
	defer unix.Close(w)

	calls := 0
	h := &recordingHandler{calls: &calls}
	if _, err := sel.Register(r, h, Readable, LevelTriggered); err != nil {
		t.Fatalf("register: %v", err)
	}

	unix.Write(w, []byte("x"))

	events, err := sel.Poll(time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 1 || !events[0].Readable {
		t.Fatalf("expected one readable event, got %+v", events)
	}
	sel.RunHandlers(events)
	if calls != 1 {
		t.Fatalf("expected handler invoked once, got %d", calls)
	}
}

func TestSelectorDeferredRemovalSkipsStaleHandlerInSameBatch(t *testing.T) {
	sel, err := New()
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	r1, w1 := pipeFds(t)
	defer unix.Close(r1)
	defer unix.Close(w1)
	r2, w2 := pipeFds(t)
	defer unix.Close(r2)
	defer unix.Close(w2)

	victimCalls := 0
	victim := &recordingHandler{calls: &victimCalls}
	victimToken, err := sel.Register(r2, victim, Readable, LevelTriggered)
	if err != nil {
		t.Fatalf("register victim: %v", err)
	}

	triggerCalls := 0
	trigger := &recordingHandler{calls: &triggerCalls, deregisterOther: &victimToken}
	if _, err := sel.Register(r1, trigger, Readable, LevelTriggered); err != nil {
		t.Fatalf("register trigger: %v", err)
	}

	unix.Write(w1, []byte("x"))
	unix.Write(w2, []byte("y"))

	events, err := sel.Poll(time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both fds ready, got %d events", len(events))
	}
	sel.RunHandlers(events)

	if victimCalls != 0 {
		t.Fatalf("victim handler should never run once deregistered mid-batch, got %d calls", victimCalls)
	}

	// A fresh registration must get a token distinct from the deregistered
	// one and must work normally.
	freshCalls := 0
	fresh := &recordingHandler{calls: &freshCalls}
	freshToken, err := sel.Register(r2, fresh, Readable, LevelTriggered)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if freshToken == victimToken {
		t.Fatal("expected a fresh token distinct from the removed one")
	}
	events, err = sel.Poll(time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	sel.RunHandlers(events)
	if freshCalls != 1 {
		t.Fatalf("expected fresh handler to be invoked once, got %d", freshCalls)
	}
}
