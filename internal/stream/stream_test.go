package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	evt := ChangeEvent{GroupID: "g1", DeviceID: "d1", Accepted: 3, Timestamp: time.Now().UTC()}
	s.Publish(evt)

	select {
	case got := <-ch:
		if got.GroupID != "g1" || got.Accepted != 3 {
			t.Fatalf("unexpected event: %#v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeClosesOnContextEnd(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = s.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(ChangeEvent{GroupID: "g1", DeviceID: "d1", Accepted: 1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
