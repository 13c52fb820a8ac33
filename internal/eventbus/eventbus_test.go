package eventbus

import (
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(TopicDispatchCompleted)

	if !bus.Publish(TopicDispatchCompleted, "c1") {
		t.Fatal("expected delivery")
	}

	select {
	case evt := <-ch:
		if evt.Topic != TopicDispatchCompleted || evt.Payload != "c1" {
			t.Errorf("unexpected event %+v", evt)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout: expected event to be received within 100ms")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	bus := New()
	ch1 := bus.Subscribe("multi")
	ch2 := bus.Subscribe("multi")

	bus.Publish("multi", 42)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Payload != 42 {
				t.Errorf("subscriber %d: expected payload 42, got %v", i, evt.Payload)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("subscriber %d: timeout", i)
		}
	}
}

func TestPublishDoesNotBlockWhenBufferFull(t *testing.T) {
	bus := New()
	_ = bus.Subscribe("full")

	done := make(chan bool)
	go func() {
		delivered := true
		for i := 0; i < defaultBufferSize+10; i++ {
			delivered = bus.Publish("full", i)
		}
		done <- delivered
	}()

	select {
	case delivered := <-done:
		if delivered {
			t.Error("expected the last publish to report a drop")
		}
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := New()
	ch := bus.Subscribe("x")
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if bus.Publish("x", 1) {
		t.Fatal("publish after close must report a drop")
	}
	if _, ok := <-bus.Subscribe("y"); ok {
		t.Fatal("subscribe after close must return a closed channel")
	}
}
