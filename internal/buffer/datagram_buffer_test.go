package buffer

import (
	"bytes"
	"testing"
)

func TestDatagramBufferFIFOOrder(t *testing.T) {
	d := NewDatagramBuffer(1024)
	records := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, r := range records {
		if !d.HasEnoughSpaceFor(len(r)) {
			t.Fatalf("expected space for %q", r)
		}
		if err := d.Write(r); err != nil {
			t.Fatalf("write %q: %v", r, err)
		}
	}
	for _, want := range records {
		var out bytes.Buffer
		emitted, err := d.WriteTo(&out)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !emitted {
			t.Fatal("expected a record to be emitted")
		}
		if out.String() != string(want) {
			t.Fatalf("expected %q, got %q", want, out.String())
		}
	}
	if !d.IsEmpty() {
		t.Fatal("expected buffer to be empty")
	}
}

func TestDatagramBufferEmptyWriteToIsNoop(t *testing.T) {
	d := NewDatagramBuffer(64)
	var out bytes.Buffer
	emitted, err := d.WriteTo(&out)
	if err != nil || emitted {
		t.Fatalf("expected no-op, got emitted=%v err=%v", emitted, err)
	}
}

func TestDatagramBufferDropsWhenFull(t *testing.T) {
	d := NewDatagramBuffer(4)
	// The MaxDatagram headroom lets an empty buffer take any single
	// datagram, so fill it with a maximum-size record first.
	if err := d.Write(make([]byte, 65535)); err != nil {
		t.Fatalf("fill: %v", err)
	}
	payload := make([]byte, 64)
	if d.HasEnoughSpaceFor(len(payload)) {
		t.Fatal("expected capacity to be insufficient")
	}
	if err := d.Write(payload); err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestDatagramBufferWrapsAcrossRingBoundary(t *testing.T) {
	d := NewDatagramBuffer(16)
	for i := 0; i < 20; i++ {
		rec := []byte{byte(i), byte(i + 1)}
		if err := d.Write(rec); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		var out bytes.Buffer
		emitted, err := d.WriteTo(&out)
		if err != nil || !emitted {
			t.Fatalf("iteration %d: emitted=%v err=%v", i, emitted, err)
		}
		if !bytes.Equal(out.Bytes(), rec) {
			t.Fatalf("iteration %d: expected %v got %v", i, rec, out.Bytes())
		}
	}
}
