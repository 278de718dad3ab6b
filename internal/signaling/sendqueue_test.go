package signaling

import (
	"errors"
	"testing"
	"time"
)

func TestSendQueue_FIFO(t *testing.T) {
	q := newSendQueue(4, 1024)
	for _, s := range []string{"a", "b", "c"} {
		if err := q.Enqueue([]byte(s)); err != nil {
			t.Fatalf("Enqueue(%q): %v", s, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Dequeue()
		if !ok || string(got) != want {
			t.Fatalf("Dequeue=%q,%v, want %q,true", got, ok, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len=%d, want 0", q.Len())
	}
}

func TestSendQueue_FrameBound(t *testing.T) {
	q := newSendQueue(2, 1024)
	_ = q.Enqueue([]byte("a"))
	_ = q.Enqueue([]byte("b"))
	if err := q.Enqueue([]byte("c")); !errors.Is(err, errQueueFull) {
		t.Fatalf("err=%v, want %v", err, errQueueFull)
	}
	if q.Len() != 2 {
		t.Fatalf("Len=%d, want 2", q.Len())
	}
}

func TestSendQueue_ByteBound(t *testing.T) {
	q := newSendQueue(16, 8)
	if err := q.Enqueue([]byte("12345")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue([]byte("6789")); !errors.Is(err, errQueueFull) {
		t.Fatalf("err=%v, want %v", err, errQueueFull)
	}
	if _, ok := q.Dequeue(); !ok {
		t.Fatalf("Dequeue failed")
	}
	if err := q.Enqueue([]byte("6789")); err != nil {
		t.Fatalf("Enqueue after drain: %v", err)
	}
}

func TestSendQueue_CloseWakesDequeue(t *testing.T) {
	q := newSendQueue(4, 1024)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Dequeue after Close returned ok=true")
		}
	case <-time.After(time.Second):
		t.Fatalf("Dequeue did not return after Close")
	}
	if err := q.Enqueue([]byte("x")); !errors.Is(err, errQueueClosed) {
		t.Fatalf("err=%v, want %v", err, errQueueClosed)
	}
}
