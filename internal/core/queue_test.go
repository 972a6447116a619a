package core

import (
	"testing"
	"time"

	"github.com/parley-chat/parley-server/internal/proto"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Enqueue(Inbound{Env: proto.NewText(proto.KindText, "robbie", "", string(rune('a'+i)))})
	}
	for i := 0; i < 5; i++ {
		in, ok := q.Dequeue()
		if !ok {
			t.Fatal("queue closed unexpectedly")
		}
		if got, want := in.Env.Text(), string(rune('a'+i)); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

// Enqueue must never block the producer, no matter how far behind the
// consumers are.
func TestQueueEnqueueNeverBlocks(t *testing.T) {
	q := NewQueue()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.Enqueue(Inbound{Env: proto.NewText(proto.KindText, "robbie", "", "x")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked with no consumer")
	}
	if q.Len() != 10000 {
		t.Fatalf("expected 10000 queued, got %d", q.Len())
	}
}

func TestQueueDequeueBlocksUntilItem(t *testing.T) {
	q := NewQueue()
	got := make(chan Inbound, 1)
	go func() {
		in, _ := q.Dequeue()
		got <- in
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(Inbound{Env: proto.NewText(proto.KindText, "robbie", "", "late")})

	select {
	case in := <-got:
		if in.Env.Text() != "late" {
			t.Fatalf("unexpected item %q", in.Env.Text())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestQueueCloseUnblocksWorkers(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Inbound{Env: proto.NewText(proto.KindText, "robbie", "", "drain me")})

	released := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		go func() {
			for {
				if _, ok := q.Dequeue(); !ok {
					released <- true
					return
				}
			}
		}()
	}

	q.Close()
	for i := 0; i < 3; i++ {
		select {
		case <-released:
		case <-time.After(2 * time.Second):
			t.Fatal("worker still blocked after close")
		}
	}

	// New items after close are refused.
	q.Enqueue(Inbound{Env: proto.NewText(proto.KindText, "robbie", "", "too late")})
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after close, got %d", q.Len())
	}
}
