//go:build linux

package reactor

import (
	"testing"
	"time"
)

func TestWakeupInterruptsBlockedPoll(t *testing.T) {
	sel, err := New()
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	w, err := NewWakeup(sel)
	if err != nil {
		t.Fatalf("new wakeup: %v", err)
	}

	done := make(chan struct {
		events []Event
		err    error
	}, 1)
	go func() {
		events, err := sel.Poll(10 * time.Second)
		done <- struct {
			events []Event
			err    error
		}{events, err}
	}()

	// Give the goroutine a moment to actually enter epoll_wait before
	// notifying, so this test exercises an in-flight Poll rather than one
	// that hasn't started yet.
	time.Sleep(50 * time.Millisecond)
	w.Notify()

	select {
	case result := <-done:
		if result.err != nil {
			t.Fatalf("poll: %v", result.err)
		}
		if len(result.events) != 1 || !result.events[0].Readable {
			t.Fatalf("expected one readable wakeup event, got %+v", result.events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll blocked past the wakeup notification instead of returning promptly")
	}
}

func TestWakeupNotifyBeforePollStillWakesIt(t *testing.T) {
	sel, err := New()
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	defer sel.Close()

	w, err := NewWakeup(sel)
	if err != nil {
		t.Fatalf("new wakeup: %v", err)
	}
	w.Notify()

	events, err := sel.Poll(time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(events) != 1 || !events[0].Readable {
		t.Fatalf("expected one readable wakeup event, got %+v", events)
	}
	sel.RunHandlers(events)

	// Closing must not panic or hang after use.
	w.Close()
}
