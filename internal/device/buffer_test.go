package device

import (
	"strings"
	"testing"
	"time"
)

func TestBufferSinceAndNotify(t *testing.T) {
	b := NewBuffer(0)
	b.Append("hello\n")
	start := b.Len()

	seg, end, changed := b.Since(start)
	if seg != "" || end != start {
		t.Fatalf("got %q/%d, want empty at %d", seg, end, start)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Append("world\n")
	}()

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("append did not notify waiter")
	}

	seg, _, _ = b.Since(start)
	if seg != "world\n" {
		t.Errorf("got %q, want %q", seg, "world\n")
	}
}

func TestBufferTrimRespectsHold(t *testing.T) {
	b := NewBuffer(16)
	release := b.Hold()
	start := b.Len()

	b.Append(strings.Repeat("a", 40))
	seg, _, _ := b.Since(start)
	if len(seg) != 40 {
		t.Fatalf("held buffer was trimmed: %d bytes", len(seg))
	}

	release()
	b.Append("b")
	if got := b.Len(); got != 41 {
		t.Errorf("absolute length: got %d, want 41", got)
	}
	seg, _, _ = b.Since(0)
	if len(seg) > 16 {
		t.Errorf("idle buffer not trimmed: %d bytes", len(seg))
	}
	if !strings.HasSuffix(seg, "b") {
		t.Errorf("trim lost newest data: %q", seg)
	}
}

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer(3)
	for _, l := range []string{"a", "b", "c", "d"} {
		r.Write(l)
	}
	got := strings.Join(r.Lines(), ",")
	if got != "b,c,d" {
		t.Errorf("got %q, want %q", got, "b,c,d")
	}
	r.Reset()
	if len(r.Lines()) != 0 {
		t.Error("reset did not clear ring")
	}
}
