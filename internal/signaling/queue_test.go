package signaling

import (
	"errors"
	"testing"
	"time"
)

func TestSendQueue_FrameAndByteBudgets(t *testing.T) {
	q := newSendQueue(2, 10)
	if err := q.Enqueue([]byte("aaaa")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue([]byte("bbbbbbb")); !errors.Is(err, errQueueFull) {
		t.Fatalf("err=%v, want errQueueFull (bytes)", err)
	}
	if err := q.Enqueue([]byte("cc")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue([]byte("d")); !errors.Is(err, errQueueFull) {
		t.Fatalf("err=%v, want errQueueFull (frames)", err)
	}

	if f, ok := q.Dequeue(); !ok || string(f) != "aaaa" {
		t.Fatalf("Dequeue=%q,%v, want aaaa", f, ok)
	}
	if err := q.Enqueue([]byte("eeee")); err != nil {
		t.Fatalf("Enqueue after dequeue: %v", err)
	}
	if f, _ := q.Dequeue(); string(f) != "cc" {
		t.Fatalf("Dequeue=%q, want FIFO order", f)
	}
}

func TestSendQueue_DrainFlushesThenStops(t *testing.T) {
	q := newSendQueue(4, 100)
	_ = q.Enqueue([]byte("x"))
	_ = q.Enqueue([]byte("y"))
	q.Drain()

	if err := q.Enqueue([]byte("z")); !errors.Is(err, errQueueClosed) {
		t.Fatalf("err=%v, want errQueueClosed", err)
	}
	for _, want := range []string{"x", "y"} {
		if f, ok := q.Dequeue(); !ok || string(f) != want {
			t.Fatalf("Dequeue=%q,%v, want %q", f, ok, want)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("Dequeue after drain reported a frame")
	}
}

func TestSendQueue_CloseWakesBlockedReader(t *testing.T) {
	q := newSendQueue(4, 100)
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
			t.Fatalf("Dequeue returned a frame from an empty closed queue")
		}
	case <-time.After(time.Second):
		t.Fatalf("Dequeue did not wake on Close")
	}
}
