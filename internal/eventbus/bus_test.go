package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeActionSent, Data: "payload"})

	select {
	case e := <-ch:
		if e.Type != TypeActionSent || e.Data != "payload" {
			t.Fatalf("event = %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish must stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeActionFailed})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	// Channel is closed; publish must not panic.
	b.Publish(Event{Type: TypeActionSkipped})
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
}
